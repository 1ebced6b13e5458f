package execution

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"halforge/internal/domain"
)

type scriptedGenerator struct {
	mu    sync.Mutex
	steps []func(ctx context.Context) (domain.Content, error)
	calls []domain.GenerationRequest
}

func (g *scriptedGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	g.mu.Lock()
	idx := len(g.calls)
	g.calls = append(g.calls, req)
	step := g.steps[len(g.steps)-1]
	if idx < len(g.steps) {
		step = g.steps[idx]
	}
	g.mu.Unlock()
	return step(ctx)
}

func (g *scriptedGenerator) requests() []domain.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.GenerationRequest(nil), g.calls...)
}

func succeed(ctx context.Context) (domain.Content, error) {
	return domain.Content{Entities: []domain.Entity{{Name: "Hvac.aidl", Role: "interface", Body: "interface Hvac {}"}}}, nil
}

func slow(ctx context.Context) (domain.Content, error) {
	time.Sleep(2 * time.Millisecond)
	return succeed(ctx)
}

func hang(ctx context.Context) (domain.Content, error) {
	<-ctx.Done()
	return domain.Content{}, ctx.Err()
}

func fail(ctx context.Context) (domain.Content, error) {
	return domain.Content{}, errors.New("upstream 500")
}

type rejectFirst struct {
	mu    sync.Mutex
	count int
}

func (r *rejectFirst) Check(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if r.count == 1 {
		return false, "missing property coverage"
	}
	return true, ""
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testJob(units int, policy BudgetPolicy) Job {
	chunkUnits := make([]domain.Property, units)
	return Job{
		Request: domain.GenerationRequest{RunID: "run-1", TaskID: "aidl.HVAC", Kind: domain.TaskKindAIDL},
		Chunk:   domain.Chunk{TaskID: "aidl.HVAC", Seq: 0, Units: chunkUnits, Status: domain.ChunkStatusPending},
		Policy:  policy,
	}
}

func TestBudgetStepFunction(t *testing.T) {
	policy := BudgetPolicy{
		Base:      time.Second,
		Steps:     []Step{{UpTo: 10, Factor: 1}, {UpTo: 20, Factor: 1.5}, {UpTo: 30, Factor: 2}},
		MaxFactor: 3,
		MaxBudget: time.Minute,
	}
	tests := []struct {
		units int
		want  time.Duration
	}{
		{units: 0, want: time.Second},
		{units: 10, want: time.Second},
		{units: 11, want: 1500 * time.Millisecond},
		{units: 30, want: 2 * time.Second},
		{units: 31, want: 3 * time.Second},
		{units: 5000, want: 3 * time.Second},
	}
	prev := time.Duration(0)
	for _, tc := range tests {
		got := policy.Budget(tc.units)
		if got != tc.want {
			t.Fatalf("Budget(%d)=%s want=%s", tc.units, got, tc.want)
		}
		if got < prev {
			t.Fatalf("Budget(%d)=%s is below a smaller task's budget %s", tc.units, got, prev)
		}
		prev = got
	}

	capped := BudgetPolicy{Base: 40 * time.Second, MaxBudget: time.Minute, EscalationMultiplier: 2}
	if got := capped.Escalate(40 * time.Second); got != time.Minute {
		t.Fatalf("escalation not capped: %s", got)
	}
}

func TestBudgetPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		policy BudgetPolicy
		ok     bool
	}{
		{name: "defaults", policy: BudgetPolicy{}, ok: true},
		{name: "bounds not ascending", policy: BudgetPolicy{Steps: []Step{{UpTo: 20, Factor: 1}, {UpTo: 10, Factor: 2}}}},
		{name: "factor decreases", policy: BudgetPolicy{Steps: []Step{{UpTo: 10, Factor: 2}, {UpTo: 20, Factor: 1}}}},
		{name: "multiplier not growing", policy: BudgetPolicy{EscalationMultiplier: 1}},
		{name: "max factor below steps", policy: BudgetPolicy{Steps: []Step{{UpTo: 10, Factor: 5}}, MaxFactor: 2}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.policy.Validate()
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidBudgetPolicy) {
				t.Fatalf("err=%v want invalid budget policy", err)
			}
		})
	}
}

func TestTransition(t *testing.T) {
	allowed := [][2]domain.ChunkStatus{
		{domain.ChunkStatusPending, domain.ChunkStatusRunning},
		{domain.ChunkStatusRunning, domain.ChunkStatusTimedOut},
		{domain.ChunkStatusTimedOut, domain.ChunkStatusRunning},
		{domain.ChunkStatusRejected, domain.ChunkStatusFailed},
		{domain.ChunkStatusErrored, domain.ChunkStatusRunning},
	}
	for _, tr := range allowed {
		if err := Transition(tr[0], tr[1]); err != nil {
			t.Fatalf("%s -> %s: %v", tr[0], tr[1], err)
		}
	}
	denied := [][2]domain.ChunkStatus{
		{domain.ChunkStatusPending, domain.ChunkStatusSucceeded},
		{domain.ChunkStatusSucceeded, domain.ChunkStatusRunning},
		{domain.ChunkStatusFailed, domain.ChunkStatusRunning},
		{domain.ChunkStatusRunning, domain.ChunkStatusFailed},
	}
	for _, tr := range denied {
		if err := Transition(tr[0], tr[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s: err=%v", tr[0], tr[1], err)
		}
	}
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){succeed}}
	ctrl := NewController(gen, nil, nil, Config{}, testLogger())

	var recorded []domain.Attempt
	job := testJob(5, BudgetPolicy{Base: time.Second})
	job.OnAttempt = func(a domain.Attempt) { recorded = append(recorded, a) }

	out := ctrl.Execute(context.Background(), job)
	if !out.Succeeded() || out.Err != nil {
		t.Fatalf("outcome=%+v", out)
	}
	if len(out.Content.Entities) != 1 {
		t.Fatalf("content=%+v", out.Content)
	}
	if len(recorded) != 1 || recorded[0].Outcome != domain.OutcomeSuccess || recorded[0].Number != 1 {
		t.Fatalf("recorded=%+v", recorded)
	}
	if recorded[0].ID == "" || recorded[0].Variant != domain.PromptVariantDetailed {
		t.Fatalf("attempt fields not populated: %+v", recorded[0])
	}
}

func TestExecuteTimeoutsEscalateThenFail(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){hang}}
	ctrl := NewController(gen, nil, nil, Config{}, testLogger())
	policy := BudgetPolicy{
		Base:                 10 * time.Millisecond,
		Steps:                []Step{{UpTo: 100, Factor: 1}},
		MaxFactor:            1,
		EscalationMultiplier: 1.5,
		MaxBudget:            20 * time.Millisecond,
		MaxAttempts:          3,
	}

	out := ctrl.Execute(context.Background(), testJob(5, policy))
	if out.Status != domain.ChunkStatusFailed {
		t.Fatalf("status=%s want failed", out.Status)
	}
	if !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("err=%v want timeout", out.Err)
	}
	if len(out.Content.Entities) != 0 {
		t.Fatalf("failed chunk carries content: %+v", out.Content)
	}
	wantBudgets := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond, 20 * time.Millisecond}
	if len(out.Attempts) != len(wantBudgets) {
		t.Fatalf("attempts=%d want=%d", len(out.Attempts), len(wantBudgets))
	}
	for i, a := range out.Attempts {
		if a.Outcome != domain.OutcomeTimeout {
			t.Fatalf("attempt %d outcome=%s", i, a.Outcome)
		}
		if a.Budget != wantBudgets[i] {
			t.Fatalf("attempt %d budget=%s want=%s", i, a.Budget, wantBudgets[i])
		}
	}
	reqs := gen.requests()
	if reqs[1].Variant != domain.PromptVariantMinimal || reqs[1].PreviousOutcome != domain.OutcomeTimeout {
		t.Fatalf("retry after timeout used variant=%s previous=%s", reqs[1].Variant, reqs[1].PreviousOutcome)
	}
}

func TestExecuteRejectionKeepsBudget(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){succeed}}
	ctrl := NewController(gen, &rejectFirst{}, nil, Config{}, testLogger())

	out := ctrl.Execute(context.Background(), testJob(5, BudgetPolicy{Base: time.Second, MaxAttempts: 3}))
	if !out.Succeeded() {
		t.Fatalf("status=%s err=%v", out.Status, out.Err)
	}
	if len(out.Attempts) != 2 {
		t.Fatalf("attempts=%d want 2", len(out.Attempts))
	}
	if out.Attempts[0].Outcome != domain.OutcomeRejected || out.Attempts[0].Reason != "missing property coverage" {
		t.Fatalf("first attempt=%+v", out.Attempts[0])
	}
	if out.Attempts[0].Budget != out.Attempts[1].Budget {
		t.Fatalf("rejection changed the budget: %s -> %s", out.Attempts[0].Budget, out.Attempts[1].Budget)
	}
	if got := gen.requests()[1].Variant; got != domain.PromptVariantConservative {
		t.Fatalf("variant after rejection=%s", got)
	}
}

func TestExecuteCollaboratorErrorsExhaustAttempts(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){fail}}
	ctrl := NewController(gen, nil, nil, Config{}, testLogger())

	out := ctrl.Execute(context.Background(), testJob(5, BudgetPolicy{Base: time.Second, MaxAttempts: 2}))
	if out.Status != domain.ChunkStatusFailed || len(out.Attempts) != 2 {
		t.Fatalf("status=%s attempts=%d", out.Status, len(out.Attempts))
	}
	for _, a := range out.Attempts {
		if a.Outcome != domain.OutcomeError || a.Budget != time.Second {
			t.Fatalf("attempt=%+v", a)
		}
	}
}

func TestExecuteClosedGateDispatchesNothing(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){succeed}}
	ctrl := NewController(gen, nil, nil, Config{}, testLogger())

	gate, cancel := context.WithCancel(context.Background())
	cancel()
	job := testJob(5, BudgetPolicy{})
	job.Gate = gate

	out := ctrl.Execute(context.Background(), job)
	if !out.Canceled() {
		t.Fatalf("err=%v want canceled", out.Err)
	}
	if out.Status != domain.ChunkStatusPending || len(gen.requests()) != 0 {
		t.Fatalf("status=%s calls=%d", out.Status, len(gen.requests()))
	}
}

func TestExecuteRecordsAttemptCutByCancellation(t *testing.T) {
	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){hang}}
	ctrl := NewController(gen, nil, nil, Config{}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	var seen []domain.Attempt
	job := testJob(5, BudgetPolicy{Base: time.Minute, MaxAttempts: 3})
	job.OnAttempt = func(a domain.Attempt) { seen = append(seen, a) }

	out := ctrl.Execute(ctx, job)
	if !out.Canceled() {
		t.Fatalf("err=%v want canceled", out.Err)
	}
	if len(gen.requests()) != 1 || len(out.Attempts) != 1 || len(seen) != 1 {
		t.Fatalf("calls=%d attempts=%d observed=%d", len(gen.requests()), len(out.Attempts), len(seen))
	}
	if a := out.Attempts[0]; a.Outcome != domain.OutcomeError || a.Reason != "canceled" || a.FinishedAt.IsZero() {
		t.Fatalf("attempt=%+v", a)
	}
	if out.Status != domain.ChunkStatusErrored {
		t.Fatalf("status=%s", out.Status)
	}
}

func TestHistoryLearnedBudget(t *testing.T) {
	h, err := NewHistory(8)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	static := 10 * time.Second
	h.Observe(domain.TaskKindAIDL, 12, 4*time.Second)
	h.Observe(domain.TaskKindAIDL, 15, 5*time.Second)
	if _, ok := h.Budget(domain.TaskKindAIDL, 19, static); ok {
		t.Fatalf("learned budget with two samples")
	}
	h.Observe(domain.TaskKindAIDL, 18, 6*time.Second)

	got, ok := h.Budget(domain.TaskKindAIDL, 10, static)
	if !ok {
		t.Fatalf("expected learned budget")
	}
	if want := time.Duration(float64(6*time.Second) * 1.2); got != want {
		t.Fatalf("budget=%s want=%s", got, want)
	}
	if _, ok := h.Budget(domain.TaskKindAIDL, 25, static); ok {
		t.Fatalf("bucket 20 should have no samples")
	}

	for i := 0; i < 30; i++ {
		h.Observe(domain.TaskKindSEPolicy, 3, time.Millisecond)
	}
	if n := h.Samples(domain.TaskKindSEPolicy, 3); n != 20 {
		t.Fatalf("window kept %d samples", n)
	}
	if got, _ := h.Budget(domain.TaskKindSEPolicy, 3, static); got != static/2 {
		t.Fatalf("budget=%s want clamp to %s", got, static/2)
	}
}

func TestExecuteUsesLearnedBudget(t *testing.T) {
	h, err := NewHistory(0)
	if err != nil {
		t.Fatalf("new history: %v", err)
	}
	h.Seed(domain.TaskKindAIDL, 5, []time.Duration{time.Second, time.Second, time.Second})

	gen := &scriptedGenerator{steps: []func(context.Context) (domain.Content, error){slow}}
	ctrl := NewController(gen, nil, h, Config{AdaptiveTimeouts: true}, testLogger())
	out := ctrl.Execute(context.Background(), testJob(5, BudgetPolicy{Base: 2 * time.Second}))
	if !out.Succeeded() {
		t.Fatalf("status=%s", out.Status)
	}
	if got, want := out.Attempts[0].Budget, 1200*time.Millisecond; got != want {
		t.Fatalf("budget=%s want=%s", got, want)
	}
	if n := h.Samples(domain.TaskKindAIDL, 5); n != 4 {
		t.Fatalf("success was not observed, samples=%d", n)
	}
}
