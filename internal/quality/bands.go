package quality

import (
	"errors"
	"fmt"
	"sort"

	"halforge/internal/domain"
)

var ErrInvalidBands = errors.New("invalid quality bands")

// Bands are the lower bounds of the excellent, good and fair bands.
type Bands struct {
	Excellent float64 `json:"excellent" toml:"excellent"`
	Good      float64 `json:"good" toml:"good"`
	Fair      float64 `json:"fair" toml:"fair"`
}

var DefaultBands = Bands{Excellent: 0.90, Good: 0.80, Fair: 0.70}

func (b Bands) withDefaults() Bands {
	if b == (Bands{}) {
		return DefaultBands
	}
	return b
}

func (b Bands) Validate() error {
	b = b.withDefaults()
	if !(b.Excellent <= 1 && b.Excellent > b.Good && b.Good > b.Fair && b.Fair > 0) {
		return fmt.Errorf("%w: want 1 >= excellent > good > fair > 0, got %.2f/%.2f/%.2f", ErrInvalidBands, b.Excellent, b.Good, b.Fair)
	}
	return nil
}

func Classify(rate float64, b Bands) domain.QualityBand {
	b = b.withDefaults()
	switch {
	case rate >= b.Excellent:
		return domain.QualityExcellent
	case rate >= b.Good:
		return domain.QualityGood
	case rate >= b.Fair:
		return domain.QualityFair
	default:
		return domain.QualityPoor
	}
}

// Tally reports generated/total for one group. An empty group has nothing
// degraded and counts as a full rate.
func Tally(group string, generated, total int, b Bands) domain.QualityReport {
	rate := 1.0
	if total > 0 {
		rate = float64(generated) / float64(total)
	}
	return domain.QualityReport{
		Group:     group,
		Generated: generated,
		Total:     total,
		Rate:      rate,
		Band:      Classify(rate, b),
	}
}

// Summarize tallies finished tasks per kind and over the whole run. Only
// tasks that produced an artifact count toward the totals.
func Summarize(tasks []domain.TaskReport, b Bands) ([]domain.QualityReport, domain.QualityReport) {
	type counts struct{ generated, total int }
	byKind := make(map[domain.TaskKind]*counts)
	var overall counts
	for _, task := range tasks {
		if task.Provenance == "" {
			continue
		}
		c, ok := byKind[task.Kind]
		if !ok {
			c = &counts{}
			byKind[task.Kind] = c
		}
		c.total++
		overall.total++
		if task.Provenance == domain.ProvenanceGenerated {
			c.generated++
			overall.generated++
		}
	}

	kinds := make([]string, 0, len(byKind))
	for kind := range byKind {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	reports := make([]domain.QualityReport, 0, len(kinds))
	for _, kind := range kinds {
		c := byKind[domain.TaskKind(kind)]
		reports = append(reports, Tally(kind, c.generated, c.total, b))
	}
	return reports, Tally("overall", overall.generated, overall.total, b)
}
