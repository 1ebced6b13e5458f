package orchestrator

import (
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"halforge/internal/domain"
	"halforge/internal/quality"
)

const dependencyExcerptBytes = 2048

type chunkTally struct {
	generated int
	total     int
}

// RunContext holds everything one run accumulates. Tasks write their own
// entries; the mutex guards the shared maps and the attempt history.
type RunContext struct {
	ID        string
	StartedAt time.Time

	mu        sync.Mutex
	tasks     map[string]*domain.Task
	artifacts map[string]domain.Artifact
	tallies   map[string]chunkTally
	attempts  []domain.Attempt
	waves     [][]string
	excluded  []domain.Exclusion
	err       error
}

func newRunContext(id string, startedAt time.Time, excluded []domain.Exclusion) *RunContext {
	return &RunContext{
		ID:        id,
		StartedAt: startedAt,
		tasks:     make(map[string]*domain.Task),
		artifacts: make(map[string]domain.Artifact),
		tallies:   make(map[string]chunkTally),
		excluded:  excluded,
	}
}

func (rc *RunContext) addTask(task domain.Task) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.tasks[task.ID] = &task
}

func (rc *RunContext) Task(id string) (domain.Task, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	task, ok := rc.tasks[id]
	if !ok {
		return domain.Task{}, false
	}
	return *task, true
}

// updateTask applies fn under the lock and returns the updated copy.
func (rc *RunContext) updateTask(id string, fn func(*domain.Task)) domain.Task {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	task := rc.tasks[id]
	fn(task)
	return *task
}

func (rc *RunContext) addAttempt(attempt domain.Attempt) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.attempts = append(rc.attempts, attempt)
	if task, ok := rc.tasks[attempt.TaskID]; ok {
		task.Attempts++
	}
}

func (rc *RunContext) Attempts() []domain.Attempt {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]domain.Attempt(nil), rc.attempts...)
}

func (rc *RunContext) complete(artifact domain.Artifact, tally chunkTally) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.artifacts[artifact.TaskID] = artifact
	rc.tallies[artifact.TaskID] = tally
}

func (rc *RunContext) Artifact(taskID string) (domain.Artifact, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	artifact, ok := rc.artifacts[taskID]
	return artifact, ok
}

func (rc *RunContext) fail(err error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.err == nil {
		rc.err = err
	}
}

func (rc *RunContext) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.err
}

// dependencyOutputs summarizes finished dependencies for a dependent's
// generation request.
func (rc *RunContext) dependencyOutputs(ids []string) []domain.DependencyOutput {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]domain.DependencyOutput, 0, len(ids))
	for _, id := range ids {
		artifact, ok := rc.artifacts[id]
		if !ok {
			continue
		}
		excerpt := truncateUTF8(string(artifact.Content.Bytes()), dependencyExcerptBytes)
		out = append(out, domain.DependencyOutput{
			TaskID:     id,
			Kind:       artifact.Kind,
			Provenance: artifact.Provenance,
			Entities:   artifact.Content.Names(),
			Excerpt:    excerpt,
		})
	}
	return out
}

// Report builds the run report from the current state.
func (rc *RunContext) Report(status domain.RunStatus, bands quality.Bands, now time.Time) domain.RunReport {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	report := domain.RunReport{
		RunID:     rc.ID,
		Status:    status,
		Waves:     rc.waves,
		Excluded:  rc.excluded,
		Attempts:  len(rc.attempts),
		StartedAt: rc.StartedAt,
		Duration:  now.Sub(rc.StartedAt),
		Completed: []string{},
		Missing:   []string{},
	}
	if rc.err != nil {
		report.Error = rc.err.Error()
	}

	ids := make([]string, 0, len(rc.tasks))
	for id := range rc.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := rc.tasks[ids[i]], rc.tasks[ids[j]]
		if a.Wave != b.Wave {
			return a.Wave < b.Wave
		}
		return a.ID < b.ID
	})

	for _, id := range ids {
		task := rc.tasks[id]
		tr := domain.TaskReport{
			ID:       task.ID,
			Kind:     task.Kind,
			Module:   task.Module,
			Wave:     task.Wave,
			Status:   task.Status,
			Chunks:   task.Chunks,
			Attempts: task.Attempts,
			Error:    task.LastError,
		}
		if artifact, ok := rc.artifacts[id]; ok {
			tally := rc.tallies[id]
			tr.Provenance = artifact.Provenance
			tr.Renames = len(artifact.Renames)
			tr.Quality = quality.Tally(id, tally.generated, tally.total, bands)
			report.Completed = append(report.Completed, id)
		} else {
			report.Missing = append(report.Missing, id)
		}
		report.Tasks = append(report.Tasks, tr)
	}
	report.Quality, report.Overall = quality.Summarize(report.Tasks, bands)
	return report
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
