package execution

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"halforge/internal/domain"
)

var (
	ErrTimeout  = errors.New("attempt timed out")
	ErrRejected = errors.New("result rejected")
	ErrCanceled = errors.New("chunk dispatch canceled")
)

type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error)
}

// Checker decides whether generated content may leave the controller.
type Checker interface {
	Check(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string)
}

type Config struct {
	DefaultVariant   string
	AdaptiveTimeouts bool
}

func (c Config) withDefaults() Config {
	if c.DefaultVariant == "" {
		c.DefaultVariant = domain.PromptVariantDetailed
	}
	return c
}

type Controller struct {
	generator Generator
	checker   Checker
	history   *History
	cfg       Config
	logger    *log.Logger
	now       func() time.Time
}

func NewController(generator Generator, checker Checker, history *History, cfg Config, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.Default()
	}
	return &Controller{
		generator: generator,
		checker:   checker,
		history:   history,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Job is one chunk to drive to a terminal status. Request carries the
// task-level fields; the controller fills in the per-attempt ones.
type Job struct {
	// Gate stops new attempts from being dispatched once it is done.
	// Attempts already started run under the ctx passed to Execute.
	Gate      context.Context
	Request   domain.GenerationRequest
	Chunk     domain.Chunk
	Policy    BudgetPolicy
	OnAttempt func(domain.Attempt)
}

type Outcome struct {
	Status   domain.ChunkStatus
	Content  domain.Content
	Attempts []domain.Attempt
	Err      error
}

func (o Outcome) Succeeded() bool {
	return o.Status == domain.ChunkStatusSucceeded
}

func (o Outcome) Canceled() bool {
	return errors.Is(o.Err, ErrCanceled)
}

type generated struct {
	content domain.Content
	err     error
}

// Execute runs bounded attempts for a chunk. A timeout escalates the next
// budget; a rejection or collaborator error retries with the same budget.
func (c *Controller) Execute(ctx context.Context, job Job) Outcome {
	policy := job.Policy.withDefaults()
	gate := job.Gate
	if gate == nil {
		gate = ctx
	}
	units := job.Chunk.Complexity()
	budget := c.InitialBudget(job.Request.Kind, units, policy)

	out := Outcome{Status: domain.ChunkStatusPending}
	var prevOutcome domain.Outcome
	var prevReason string
	for number := 1; number <= policy.MaxAttempts; number++ {
		if err := gate.Err(); err != nil {
			out.Err = fmt.Errorf("%w: %v", ErrCanceled, context.Cause(gate))
			return out
		}
		c.move(&out, domain.ChunkStatusRunning)

		req := job.Request
		req.ChunkSeq = job.Chunk.Seq
		req.Units = job.Chunk.Units
		req.Attempt = number
		req.PreviousOutcome = prevOutcome
		req.PreviousReason = prevReason
		req.Variant = SelectVariant(c.cfg.DefaultVariant, prevOutcome)

		attempt, content, err := c.attempt(ctx, req, budget)
		canceled := ctx.Err() != nil && attempt.Outcome != domain.OutcomeSuccess
		if canceled {
			attempt.Outcome = domain.OutcomeError
			attempt.Reason = "canceled"
		}
		out.Attempts = append(out.Attempts, attempt)
		if job.OnAttempt != nil {
			job.OnAttempt(attempt)
		}
		c.move(&out, statusFor(attempt.Outcome))
		if canceled {
			out.Err = fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
			return out
		}

		switch attempt.Outcome {
		case domain.OutcomeSuccess:
			out.Content = content
			out.Err = nil
			if c.cfg.AdaptiveTimeouts {
				c.history.Observe(job.Request.Kind, units, attempt.Duration)
			}
			return out
		case domain.OutcomeTimeout:
			c.logger.Printf("chunk attempt timed out task=%s chunk=%d attempt=%d budget=%s", req.TaskID, req.ChunkSeq, number, budget)
			budget = policy.Escalate(budget)
		default:
			c.logger.Printf("chunk attempt %s task=%s chunk=%d attempt=%d reason=%s", attempt.Outcome, req.TaskID, req.ChunkSeq, number, attempt.Reason)
		}
		out.Err = err
		prevOutcome = attempt.Outcome
		prevReason = attempt.Reason
	}
	c.move(&out, domain.ChunkStatusFailed)
	return out
}

// InitialBudget is the static step budget, replaced by the learned one when
// adaptive timeouts are on and the history has enough samples.
func (c *Controller) InitialBudget(kind domain.TaskKind, units int, policy BudgetPolicy) time.Duration {
	static := policy.Budget(units)
	if !c.cfg.AdaptiveTimeouts {
		return static
	}
	learned, ok := c.history.Budget(kind, units, static)
	if !ok {
		return static
	}
	return policy.withDefaults().clamp(learned)
}

func (c *Controller) attempt(ctx context.Context, req domain.GenerationRequest, budget time.Duration) (domain.Attempt, domain.Content, error) {
	attempt := domain.Attempt{
		ID:        uuid.NewString(),
		RunID:     req.RunID,
		TaskID:    req.TaskID,
		ChunkSeq:  req.ChunkSeq,
		Number:    req.Attempt,
		Budget:    budget,
		Variant:   req.Variant,
		StartedAt: c.now(),
	}
	finish := func(outcome domain.Outcome, reason string) {
		attempt.Outcome = outcome
		attempt.Reason = reason
		attempt.FinishedAt = c.now()
		attempt.Duration = attempt.FinishedAt.Sub(attempt.StartedAt)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	// The generator may ignore its context; the budget still holds.
	done := make(chan generated, 1)
	go func() {
		content, err := c.generator.Generate(attemptCtx, req)
		done <- generated{content: content, err: err}
	}()

	var res generated
	select {
	case res = <-done:
	case <-attemptCtx.Done():
		res = generated{err: attemptCtx.Err()}
	}

	if res.err != nil {
		if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
			finish(domain.OutcomeTimeout, fmt.Sprintf("no result within %s", budget))
			return attempt, domain.Content{}, fmt.Errorf("%w after %s", ErrTimeout, budget)
		}
		finish(domain.OutcomeError, res.err.Error())
		return attempt, domain.Content{}, fmt.Errorf("generate: %w", res.err)
	}

	if c.checker != nil {
		accepted, reason := c.checker.Check(ctx, res.content, req)
		if !accepted {
			finish(domain.OutcomeRejected, reason)
			return attempt, domain.Content{}, fmt.Errorf("%w: %s", ErrRejected, reason)
		}
	}
	finish(domain.OutcomeSuccess, "")
	return attempt, res.content, nil
}

func (c *Controller) move(out *Outcome, to domain.ChunkStatus) {
	if err := Transition(out.Status, to); err != nil {
		// Only reachable through a programming error in Execute.
		c.logger.Printf("chunk state: %v", err)
	}
	out.Status = to
}

// SelectVariant picks the prompt variant for the next attempt from the
// outcome of the previous one.
func SelectVariant(defaultVariant string, previous domain.Outcome) string {
	switch previous {
	case domain.OutcomeTimeout:
		return domain.PromptVariantMinimal
	case domain.OutcomeRejected:
		return domain.PromptVariantConservative
	default:
		return defaultVariant
	}
}
