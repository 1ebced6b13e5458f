package execution

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"halforge/internal/domain"
)

const (
	historyWindow     = 20
	historyMinSamples = 3
	historyKeys       = 256
	learnedHeadroom   = 1.2
)

// History keeps recent successful durations per kind and size bucket and
// derives learned first-attempt budgets from them.
type History struct {
	mu      sync.Mutex
	windows *lru.Cache[string, []time.Duration]
}

func NewHistory(size int) (*History, error) {
	if size <= 0 {
		size = historyKeys
	}
	cache, err := lru.New[string, []time.Duration](size)
	if err != nil {
		return nil, fmt.Errorf("create history cache: %w", err)
	}
	return &History{windows: cache}, nil
}

func historyKey(kind domain.TaskKind, units int) string {
	return fmt.Sprintf("%s:%d", kind, (units/10)*10)
}

// Observe appends a successful duration, keeping the last 20 per key.
func (h *History) Observe(kind domain.TaskKind, units int, d time.Duration) {
	if h == nil || d <= 0 {
		return
	}
	key := historyKey(kind, units)
	h.mu.Lock()
	defer h.mu.Unlock()
	window, _ := h.windows.Get(key)
	window = append(window, d)
	if len(window) > historyWindow {
		window = append([]time.Duration(nil), window[len(window)-historyWindow:]...)
	}
	h.windows.Add(key, window)
}

// Seed loads durations recorded by earlier runs, oldest first.
func (h *History) Seed(kind domain.TaskKind, units int, durations []time.Duration) {
	for _, d := range durations {
		h.Observe(kind, units, d)
	}
}

func (h *History) Samples(kind domain.TaskKind, units int) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	window, _ := h.windows.Peek(historyKey(kind, units))
	return len(window)
}

// Budget returns p90*1.2 clamped to [static/2, static*2] once enough samples
// exist; otherwise it returns static and false.
func (h *History) Budget(kind domain.TaskKind, units int, static time.Duration) (time.Duration, bool) {
	if h == nil {
		return static, false
	}
	h.mu.Lock()
	window, _ := h.windows.Get(historyKey(kind, units))
	samples := append([]time.Duration(nil), window...)
	h.mu.Unlock()
	if len(samples) < historyMinSamples {
		return static, false
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	idx := int(math.Ceil(0.9*float64(len(samples)))) - 1
	learned := time.Duration(float64(samples[idx]) * learnedHeadroom)
	if lo := static / 2; learned < lo {
		learned = lo
	}
	if hi := static * 2; learned > hi {
		learned = hi
	}
	return learned, true
}
