package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"halforge/internal/chunk"
	"halforge/internal/domain"
	"halforge/internal/execution"
	"halforge/internal/graph"
	"halforge/internal/quality"
)

const engineActor = "orchestrator"

type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error)
}

type Validator interface {
	Validate(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string, error)
}

type Fallback interface {
	GenerateDeterministic(ctx context.Context, req domain.GenerationRequest) domain.Content
}

// Sink receives each completed task's merged artifact exactly once.
type Sink interface {
	Store(ctx context.Context, artifact domain.Artifact) error
}

// Recorder persists run state for reporting. Recorder errors are logged and
// never change the outcome of a run.
type Recorder interface {
	CreateRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, runID string, status domain.RunStatus, lastError string) error
	SaveTask(ctx context.Context, task domain.Task) error
	AppendAttempt(ctx context.Context, attempt domain.Attempt) error
	LogDecision(ctx context.Context, entry domain.DecisionLog) error
	RecordGeneration(ctx context.Context, record domain.GenerationRecord) error
}

type Publisher interface {
	Publish(event domain.Event) error
}

type Config struct {
	Parallelism      int
	Budget           execution.BudgetPolicy
	Chunking         chunk.Policy
	Kinds            map[domain.TaskKind]KindPolicy
	Bands            quality.Bands
	AdaptiveTimeouts bool
	DefaultVariant   string
	Model            string
}

func (c Config) withDefaults() Config {
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.Bands == (quality.Bands{}) {
		c.Bands = quality.DefaultBands
	}
	if c.DefaultVariant == "" {
		c.DefaultVariant = domain.PromptVariantDetailed
	}
	return c
}

type Collaborators struct {
	Generator Generator
	Validator Validator
	Fallback  Fallback
	Sink      Sink
	Recorder  Recorder
	Events    Publisher
	History   *execution.History
}

type Engine struct {
	gate       *quality.Gate
	controller *execution.Controller
	sink       Sink
	recorder   Recorder
	events     Publisher
	kinds      KindTable
	cfg        Config
	logger     *log.Logger
	now        func() time.Time
}

func New(c Collaborators, cfg Config, logger *log.Logger) (*Engine, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = log.Default()
	}
	if c.Generator == nil || c.Fallback == nil || c.Sink == nil {
		return nil, errors.New("engine needs a generator, a fallback and a sink")
	}
	if err := cfg.Bands.Validate(); err != nil {
		return nil, err
	}
	kinds, err := NewKindTable(cfg.Budget, cfg.Chunking, cfg.Kinds)
	if err != nil {
		return nil, err
	}
	gate := quality.NewGate(c.Validator, c.Fallback, logger)
	controller := execution.NewController(c.Generator, gate, c.History, execution.Config{
		DefaultVariant:   cfg.DefaultVariant,
		AdaptiveTimeouts: cfg.AdaptiveTimeouts,
	}, logger)
	return &Engine{
		gate:       gate,
		controller: controller,
		sink:       c.Sink,
		recorder:   c.Recorder,
		events:     c.Events,
		kinds:      kinds,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

type RunInput struct {
	ID       string
	Source   string
	Specs    []domain.TaskSpec
	Excluded []domain.Exclusion
}

// Run executes the task set wave by wave. The report is always returned;
// the error is set when the run aborted on a structural or sink failure.
func (e *Engine) Run(ctx context.Context, in RunInput) (domain.RunReport, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	rc := newRunContext(in.ID, e.now(), in.Excluded)
	e.createRun(ctx, domain.Run{
		ID:        rc.ID,
		Status:    domain.RunStatusRunning,
		Input:     in.Source,
		TaskCount: len(in.Specs),
		StartedAt: rc.StartedAt,
	})
	e.publish(domain.EventRunStarted, rc.ID, "", 0, map[string]any{"tasks": len(in.Specs), "input": in.Source})

	waves, g, err := e.plan(in.Specs)
	if err != nil {
		for _, spec := range in.Specs {
			if _, seen := rc.Task(spec.ID); spec.ID != "" && !seen {
				rc.addTask(domain.Task{ID: spec.ID, RunID: rc.ID, Kind: spec.Kind, Module: spec.Module, Status: domain.TaskStatusPending})
			}
		}
		return e.finish(ctx, rc, err), err
	}
	rc.waves = waves
	index := graph.WaveIndex(waves)
	for _, id := range g.IDs() {
		spec, _ := g.Spec(id)
		task := domain.Task{
			ID:         spec.ID,
			RunID:      rc.ID,
			Kind:       spec.Kind,
			Module:     spec.Module,
			Complexity: len(spec.Units),
			DependsOn:  spec.DependsOn,
			Units:      spec.Units,
			Payload:    spec.Payload,
			Status:     domain.TaskStatusPending,
			Wave:       index[id],
		}
		rc.addTask(task)
		e.saveTask(ctx, task)
	}
	e.logDecision(ctx, rc.ID, "", "run_planned", "dependency graph built", map[string]any{
		"tasks":    g.Len(),
		"waves":    waves,
		"excluded": len(in.Excluded),
	})

	sem := make(chan struct{}, e.cfg.Parallelism)
	for i, wave := range waves {
		e.publish(domain.EventWaveStarted, rc.ID, "", i, map[string]any{"tasks": wave})
		err := e.runWave(ctx, rc, sem, wave)
		e.publish(domain.EventWaveFinished, rc.ID, "", i, map[string]any{"tasks": wave})
		if err != nil {
			e.logger.Printf("run aborted run=%s wave=%d: %v", rc.ID, i, err)
			return e.finish(ctx, rc, err), err
		}
		if err := ctx.Err(); err != nil {
			return e.finish(ctx, rc, err), err
		}
	}
	return e.finish(ctx, rc, nil), nil
}

func (e *Engine) plan(specs []domain.TaskSpec) ([][]string, *graph.Graph, error) {
	for _, spec := range specs {
		if _, err := e.kinds.Resolve(spec.Kind); err != nil {
			return nil, nil, fmt.Errorf("task %s: %w", spec.ID, err)
		}
	}
	g, err := graph.Build(specs)
	if err != nil {
		return nil, nil, err
	}
	waves, err := g.Waves()
	if err != nil {
		return nil, nil, err
	}
	return waves, g, nil
}

// runWave runs every task of a wave and returns once all of them are
// terminal. The group context is the dispatch gate: once a task returns a
// fatal error no further chunk or attempt is started, while attempts already
// running keep the run context.
func (e *Engine) runWave(ctx context.Context, rc *RunContext, sem chan struct{}, wave []string) error {
	group, gate := errgroup.WithContext(ctx)
	for _, id := range wave {
		id := id
		group.Go(func() error {
			return e.runTask(ctx, gate, rc, sem, id)
		})
	}
	return group.Wait()
}

func (e *Engine) runTask(ctx, gate context.Context, rc *RunContext, sem chan struct{}, taskID string) error {
	task, _ := rc.Task(taskID)
	if gate.Err() != nil {
		return nil
	}
	policy, err := e.kinds.Resolve(task.Kind)
	if err != nil {
		return e.failTask(ctx, rc, taskID, err)
	}

	chunks := chunk.Plan(taskID, task.Units, policy.Chunking)
	started := e.now()
	task = rc.updateTask(taskID, func(t *domain.Task) {
		t.Status = domain.TaskStatusRunning
		t.Chunks = len(chunks)
		t.StartedAt = &started
	})
	e.saveTask(ctx, task)
	e.logDecision(ctx, rc.ID, taskID, "task_started", "dependencies terminal", map[string]any{
		"kind":       task.Kind,
		"complexity": task.Complexity,
		"chunks":     chunk.Sizes(task.Complexity, policy.Chunking),
	})

	base := domain.GenerationRequest{
		RunID:        rc.ID,
		TaskID:       taskID,
		Kind:         task.Kind,
		Module:       task.Module,
		ChunkCount:   len(chunks),
		Payload:      task.Payload,
		Dependencies: rc.dependencyOutputs(task.DependsOn),
	}

	results := make([]domain.GenerationResult, len(chunks))
	dispatched := make([]bool, len(chunks))
	var wg sync.WaitGroup
	for i, c := range chunks {
		wg.Add(1)
		go func(i int, c domain.Chunk) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-gate.Done():
				return
			}
			defer func() { <-sem }()
			results[i], dispatched[i] = e.runChunk(ctx, gate, rc, policy, base, c)
		}(i, c)
	}
	wg.Wait()

	tally := chunkTally{total: len(chunks)}
	provenance := domain.ProvenanceGenerated
	for i := range chunks {
		if !dispatched[i] {
			return e.failTask(ctx, rc, taskID, fmt.Errorf("%w: chunk %d of %s not run", execution.ErrCanceled, i, taskID))
		}
		if results[i].Provenance == domain.ProvenanceFallback {
			provenance = domain.ProvenanceFallback
		} else {
			tally.generated++
		}
	}

	content, renames, err := chunk.Merge(taskID, results)
	if err != nil {
		return e.fatal(ctx, rc, taskID, err)
	}
	for _, r := range renames {
		e.logDecision(ctx, rc.ID, taskID, "entity_renamed", "name collision across chunks", r)
	}

	artifact := domain.Artifact{
		ID:         uuid.NewString(),
		RunID:      rc.ID,
		TaskID:     taskID,
		Kind:       task.Kind,
		Module:     task.Module,
		Content:    content,
		Provenance: provenance,
		Renames:    renames,
		Checksum:   checksum(content),
		CreatedAt:  e.now(),
	}
	if err := e.sink.Store(ctx, artifact); err != nil {
		return e.fatal(ctx, rc, taskID, fmt.Errorf("store artifact %s: %w", taskID, err))
	}
	rc.complete(artifact, tally)

	status := domain.TaskStatusSucceeded
	if provenance == domain.ProvenanceFallback {
		status = domain.TaskStatusDegraded
	}
	finished := e.now()
	task = rc.updateTask(taskID, func(t *domain.Task) {
		t.Status = status
		t.Provenance = provenance
		t.FinishedAt = &finished
	})
	e.saveTask(ctx, task)
	e.logDecision(ctx, rc.ID, taskID, "task_completed", string(status), map[string]any{
		"provenance": provenance,
		"generated":  tally.generated,
		"chunks":     tally.total,
		"renames":    len(renames),
		"checksum":   artifact.Checksum,
	})
	e.publish(domain.EventTaskFinished, rc.ID, taskID, task.Wave, map[string]any{
		"status":     status,
		"provenance": provenance,
		"attempts":   task.Attempts,
	})
	return nil
}

// runChunk drives one chunk to a result. The second return is false when the
// gate closed before the chunk could finish.
func (e *Engine) runChunk(ctx, gate context.Context, rc *RunContext, policy KindPolicy, base domain.GenerationRequest, c domain.Chunk) (domain.GenerationResult, bool) {
	req := base
	req.ChunkSeq = c.Seq
	req.Units = c.Units

	out := e.controller.Execute(ctx, execution.Job{
		Gate:    gate,
		Request: req,
		Chunk:   c,
		Policy:  policy.Budget,
		OnAttempt: func(a domain.Attempt) {
			rc.addAttempt(a)
			e.appendAttempt(ctx, a)
			task, _ := rc.Task(a.TaskID)
			e.publish(domain.EventAttempt, rc.ID, a.TaskID, task.Wave, a)
		},
	})
	if out.Canceled() {
		return domain.GenerationResult{}, false
	}
	e.recordGeneration(ctx, req, c, out)

	if out.Succeeded() {
		return e.gate.Accept(req, out.Content), true
	}
	e.logDecision(ctx, rc.ID, req.TaskID, "chunk_degraded", "attempts exhausted", map[string]any{
		"chunk":    c.Seq,
		"units":    c.Complexity(),
		"attempts": len(out.Attempts),
		"error":    errString(out.Err),
	})
	return e.gate.Degrade(ctx, req), true
}

func (e *Engine) recordGeneration(ctx context.Context, req domain.GenerationRequest, c domain.Chunk, out execution.Outcome) {
	if e.recorder == nil || len(out.Attempts) == 0 {
		return
	}
	last := out.Attempts[len(out.Attempts)-1]
	record := domain.GenerationRecord{
		RunID:          req.RunID,
		TaskID:         req.TaskID,
		Kind:           req.Kind,
		Module:         req.Module,
		PropertyCount:  c.Complexity(),
		ChunkSize:      c.Complexity(),
		Budget:         last.Budget,
		PromptVariant:  last.Variant,
		Success:        out.Succeeded(),
		GenerationTime: last.Duration,
		Model:          e.cfg.Model,
		CreatedAt:      e.now(),
	}
	if out.Succeeded() {
		record.QualityScore = 1
	} else {
		record.ErrorType = string(last.Outcome)
		record.ErrorMessage = last.Reason
	}
	if err := e.recorder.RecordGeneration(ctx, record); err != nil {
		e.logger.Printf("record generation failed task=%s chunk=%d: %v", req.TaskID, c.Seq, err)
	}
}

// fatal marks the task failed and returns err so the wave group cancels the
// dispatch gate.
func (e *Engine) fatal(ctx context.Context, rc *RunContext, taskID string, err error) error {
	rc.fail(err)
	return e.failTask(ctx, rc, taskID, err)
}

func (e *Engine) failTask(ctx context.Context, rc *RunContext, taskID string, err error) error {
	finished := e.now()
	task := rc.updateTask(taskID, func(t *domain.Task) {
		t.Status = domain.TaskStatusFailed
		t.LastError = err.Error()
		t.FinishedAt = &finished
	})
	e.saveTask(ctx, task)
	e.logDecision(ctx, rc.ID, taskID, "task_failed", err.Error(), nil)
	e.publish(domain.EventTaskFinished, rc.ID, taskID, task.Wave, map[string]any{"status": task.Status, "error": err.Error()})
	if errors.Is(err, execution.ErrCanceled) {
		return nil
	}
	return err
}

func (e *Engine) finish(ctx context.Context, rc *RunContext, err error) domain.RunReport {
	status := domain.RunStatusSucceeded
	if err != nil {
		status = domain.RunStatusAborted
		rc.fail(err)
	}
	report := rc.Report(status, e.cfg.Bands, e.now())
	e.finishRun(ctx, rc.ID, status, report.Error)
	e.logDecision(ctx, rc.ID, "", "run_finished", string(status), map[string]any{
		"completed": len(report.Completed),
		"missing":   report.Missing,
		"overall":   report.Overall,
	})
	e.publish(domain.EventRunFinished, rc.ID, "", len(report.Waves), map[string]any{
		"status":  status,
		"overall": report.Overall,
		"error":   report.Error,
	})
	return report
}

func (e *Engine) createRun(ctx context.Context, run domain.Run) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.CreateRun(ctx, run); err != nil {
		e.logger.Printf("create run failed run=%s: %v", run.ID, err)
	}
}

func (e *Engine) finishRun(ctx context.Context, runID string, status domain.RunStatus, lastError string) {
	if e.recorder == nil {
		return
	}
	// The run context may already be canceled; the final status still has to land.
	if err := e.recorder.FinishRun(context.WithoutCancel(ctx), runID, status, lastError); err != nil {
		e.logger.Printf("finish run failed run=%s: %v", runID, err)
	}
}

func (e *Engine) saveTask(ctx context.Context, task domain.Task) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveTask(context.WithoutCancel(ctx), task); err != nil {
		e.logger.Printf("save task failed task=%s: %v", task.ID, err)
	}
}

func (e *Engine) appendAttempt(ctx context.Context, attempt domain.Attempt) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.AppendAttempt(context.WithoutCancel(ctx), attempt); err != nil {
		e.logger.Printf("append attempt failed task=%s chunk=%d: %v", attempt.TaskID, attempt.ChunkSeq, err)
	}
}

func (e *Engine) logDecision(ctx context.Context, runID, taskID, action, reason string, payload any) {
	if e.recorder == nil {
		return
	}
	_ = e.recorder.LogDecision(context.WithoutCancel(ctx), domain.DecisionLog{
		RunID:   runID,
		TaskID:  taskID,
		Actor:   engineActor,
		Action:  action,
		Reason:  reason,
		Payload: mustJSON(payload),
	})
}

func (e *Engine) publish(kind domain.EventType, runID, taskID string, wave int, detail any) {
	if e.events == nil {
		return
	}
	_ = e.events.Publish(domain.Event{
		Type:      kind,
		RunID:     runID,
		TaskID:    taskID,
		Wave:      wave,
		Detail:    mustJSON(detail),
		CreatedAt: e.now(),
	})
}

func checksum(content domain.Content) string {
	sum := sha256.Sum256(content.Bytes())
	return hex.EncodeToString(sum[:])
}

func mustJSON(v any) []byte {
	if v == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
