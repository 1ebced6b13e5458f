package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"halforge/internal/domain"
)

func TestRunTaskAttemptLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	started := time.Now().UTC().Truncate(time.Millisecond)
	if err := store.CreateRun(ctx, domain.Run{ID: runID, Input: "vss.json", TaskCount: 2, StartedAt: started}); err != nil {
		t.Fatalf("create run: %v", err)
	}

	task := domain.Task{ID: "aidl.HVAC", RunID: runID, Kind: domain.TaskKindAIDL, Module: "HVAC", Complexity: 12, Status: domain.TaskStatusPending}
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save pending task: %v", err)
	}
	task.Status = domain.TaskStatusSucceeded
	task.Provenance = domain.ProvenanceGenerated
	task.Chunks = 1
	task.Attempts = 2
	task.StartedAt = &started
	if err := store.SaveTask(ctx, task); err != nil {
		t.Fatalf("save finished task: %v", err)
	}
	dependent := domain.Task{ID: "vhal_service.HVAC", RunID: runID, Kind: domain.TaskKindVHALService, DependsOn: []string{"aidl.HVAC"}, Wave: 1, Status: domain.TaskStatusPending}
	if err := store.SaveTask(ctx, dependent); err != nil {
		t.Fatalf("save dependent: %v", err)
	}

	tasks, err := store.ListRunTasks(ctx, runID)
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "aidl.HVAC" || tasks[1].ID != "vhal_service.HVAC" {
		t.Fatalf("tasks=%+v", tasks)
	}
	if tasks[0].Status != domain.TaskStatusSucceeded || tasks[0].Attempts != 2 || tasks[0].StartedAt == nil || !tasks[0].StartedAt.Equal(started) {
		t.Fatalf("upsert did not update task: %+v", tasks[0])
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "aidl.HVAC" {
		t.Fatalf("dependencies=%v", tasks[1].DependsOn)
	}

	for i, outcome := range []domain.Outcome{domain.OutcomeTimeout, domain.OutcomeSuccess} {
		at := started.Add(time.Duration(i) * 1500 * time.Millisecond)
		if err := store.AppendAttempt(ctx, domain.Attempt{
			ID:         uuid.NewString(),
			RunID:      runID,
			TaskID:     "aidl.HVAC",
			Number:     i + 1,
			Budget:     time.Second,
			Outcome:    outcome,
			Variant:    domain.PromptVariantDetailed,
			StartedAt:  at,
			Duration:   1200 * time.Millisecond,
			FinishedAt: at.Add(1200 * time.Millisecond),
		}); err != nil {
			t.Fatalf("append attempt: %v", err)
		}
	}
	attempts, err := store.ListRunAttempts(ctx, runID, 0)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 || attempts[0].Outcome != domain.OutcomeTimeout || attempts[1].Number != 2 {
		t.Fatalf("attempts=%+v", attempts)
	}
	if attempts[0].Budget != time.Second || attempts[0].Duration != 1200*time.Millisecond {
		t.Fatalf("durations lost precision: %+v", attempts[0])
	}

	if err := store.FinishRun(ctx, runID, domain.RunStatusSucceeded, ""); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunStatusSucceeded || run.FinishedAt == nil || run.Input != "vss.json" || !run.StartedAt.Equal(started) {
		t.Fatalf("run=%+v", run)
	}
	if err := store.FinishRun(ctx, "missing", domain.RunStatusAborted, "x"); !IsNotFound(err) {
		t.Fatalf("finish missing run err=%v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("get missing run err=%v", err)
	}
}

func TestDecisionsArtifactsAndFileChanges(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	runID := uuid.NewString()
	if err := store.CreateRun(ctx, domain.Run{ID: runID}); err != nil {
		t.Fatalf("create run: %v", err)
	}
	for i, action := range []string{"run_planned", "task_started", "task_completed"} {
		if err := store.LogDecision(ctx, domain.DecisionLog{
			RunID:     runID,
			TaskID:    "aidl.HVAC",
			Actor:     "orchestrator",
			Action:    action,
			Reason:    "test",
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}); err != nil {
			t.Fatalf("log decision: %v", err)
		}
	}
	decisions, err := store.ListRunDecisions(ctx, runID, 2)
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(decisions) != 2 || decisions[0].Action != "task_completed" || string(decisions[0].Payload) != "{}" {
		t.Fatalf("decisions=%+v", decisions)
	}

	artifact := domain.Artifact{
		ID:         uuid.NewString(),
		RunID:      runID,
		TaskID:     "aidl.HVAC",
		Kind:       domain.TaskKindAIDL,
		Module:     "HVAC",
		Provenance: domain.ProvenanceFallback,
		Checksum:   "abc",
		Content:    domain.Content{Entities: []domain.Entity{{Name: "aidl/hvac/IHvacProperties.aidl", Role: "interface", Body: "x"}}},
	}
	if err := store.Store(ctx, artifact); err != nil {
		t.Fatalf("store artifact: %v", err)
	}
	artifact.ID = uuid.NewString()
	if err := store.Store(ctx, artifact); err == nil {
		t.Fatalf("second artifact for the same task was accepted")
	}
	rows, err := store.ListRunArtifacts(ctx, runID)
	if err != nil {
		t.Fatalf("list artifacts: %v", err)
	}
	if len(rows) != 1 || rows[0].Provenance != domain.ProvenanceFallback {
		t.Fatalf("artifacts=%+v", rows)
	}
	var meta struct {
		Entities []string `json:"entities"`
	}
	if err := json.Unmarshal(rows[0].Metadata, &meta); err != nil || len(meta.Entities) != 1 {
		t.Fatalf("metadata=%s err=%v", rows[0].Metadata, err)
	}

	for _, allowed := range []bool{true, false} {
		if err := store.LogFileChange(ctx, domain.FileChangeLog{RunID: runID, TaskID: "aidl.HVAC", Operation: domain.FileOperationCreate, Path: "aidl/a.aidl", Allowed: allowed, Reason: "test"}); err != nil {
			t.Fatalf("log file change: %v", err)
		}
	}
	changes, err := store.ListRunFileChanges(ctx, runID)
	if err != nil {
		t.Fatalf("list file changes: %v", err)
	}
	if len(changes) != 2 || !changes[0].Allowed || changes[1].Allowed {
		t.Fatalf("changes=%+v", changes)
	}
}

func TestGenerationStatsAndLearningCurve(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	defer store.Close()

	base := time.Now().UTC().Add(-time.Hour)
	records := []struct {
		kind    domain.TaskKind
		variant string
		success bool
		took    time.Duration
	}{
		{domain.TaskKindAIDL, domain.PromptVariantDetailed, false, 0},
		{domain.TaskKindAIDL, domain.PromptVariantMinimal, true, 2 * time.Second},
		{domain.TaskKindAIDL, domain.PromptVariantDetailed, true, 4 * time.Second},
		{domain.TaskKindVHALService, domain.PromptVariantDetailed, false, 0},
		{domain.TaskKindVHALService, domain.PromptVariantConservative, true, 6 * time.Second},
	}
	for i, r := range records {
		if err := store.RecordGeneration(ctx, domain.GenerationRecord{
			RunID:          "run",
			TaskID:         string(r.kind) + ".HVAC",
			Kind:           r.kind,
			PropertyCount:  12,
			ChunkSize:      12,
			Budget:         time.Minute,
			PromptVariant:  r.variant,
			Success:        r.success,
			GenerationTime: r.took,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("record generation: %v", err)
		}
	}

	stats, err := store.GenerationStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 || stats.Successes != 3 || stats.SuccessRate != 0.6 || stats.AvgGenerationTime != 4*time.Second {
		t.Fatalf("overall stats=%+v", stats)
	}
	if len(stats.ByKind) != 2 || stats.ByKind[0].Group != "aidl" || stats.ByKind[0].Total != 3 || stats.ByKind[0].Successes != 2 {
		t.Fatalf("by kind=%+v", stats.ByKind)
	}
	if len(stats.ByVariant) != 3 || stats.ByVariant[1].Group != "detailed" || stats.ByVariant[1].SuccessRate != 1.0/3.0 {
		t.Fatalf("by variant=%+v", stats.ByVariant)
	}

	curve, err := store.LearningCurve(ctx, 2)
	if err != nil {
		t.Fatalf("learning curve: %v", err)
	}
	if len(curve) != 3 || curve[0].SuccessRate != 0.5 || curve[1].SuccessRate != 0.5 || curve[2].Total != 1 || curve[2].SuccessRate != 1 {
		t.Fatalf("curve=%+v", curve)
	}
	if curve[2].Window != 2 || !curve[0].From.Before(curve[0].To) {
		t.Fatalf("curve windows=%+v", curve)
	}

	recent, err := store.RecentSuccessDurations(ctx, 2)
	if err != nil {
		t.Fatalf("recent successes: %v", err)
	}
	if len(recent) != 2 || recent[0].GenerationTime != 4*time.Second || recent[1].Kind != domain.TaskKindVHALService {
		t.Fatalf("recent=%+v", recent)
	}
}

func TestEmptyHistoryStats(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	stats, err := store.GenerationStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 0 || len(stats.ByKind) != 0 {
		t.Fatalf("stats=%+v", stats)
	}
	curve, err := store.LearningCurve(context.Background(), 0)
	if err != nil || len(curve) != 0 {
		t.Fatalf("curve=%+v err=%v", curve, err)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		store.Close()
		t.Fatalf("migrate store: %v", err)
	}
	return store
}
