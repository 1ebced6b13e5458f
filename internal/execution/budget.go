package execution

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidBudgetPolicy = errors.New("invalid budget policy")

// Step applies Factor to tasks of at most UpTo units.
type Step struct {
	UpTo   int     `json:"up_to" toml:"up_to"`
	Factor float64 `json:"factor" toml:"factor"`
}

// DefaultSteps scale the base budget with the unit count of a chunk.
var DefaultSteps = []Step{
	{UpTo: 10, Factor: 1},
	{UpTo: 20, Factor: 1.5},
	{UpTo: 30, Factor: 2},
	{UpTo: 50, Factor: 3},
}

type BudgetPolicy struct {
	Base                 time.Duration
	Steps                []Step
	MaxFactor            float64
	EscalationMultiplier float64
	MaxBudget            time.Duration
	MaxAttempts          int
}

func (p BudgetPolicy) withDefaults() BudgetPolicy {
	if p.Base <= 0 {
		p.Base = 60 * time.Second
	}
	if len(p.Steps) == 0 {
		p.Steps = DefaultSteps
	}
	if p.MaxFactor <= 0 {
		p.MaxFactor = 4
	}
	if p.EscalationMultiplier <= 0 {
		p.EscalationMultiplier = 1.5
	}
	if p.MaxBudget <= 0 {
		p.MaxBudget = 10 * time.Minute
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Validate rejects step tables that are not monotonic and multipliers that
// would never grow a budget. Zero values are validated after defaulting.
func (p BudgetPolicy) Validate() error {
	p = p.withDefaults()
	if p.EscalationMultiplier <= 1 {
		return fmt.Errorf("%w: escalation multiplier %.2f must be greater than 1", ErrInvalidBudgetPolicy, p.EscalationMultiplier)
	}
	if p.MaxBudget < p.Base {
		return fmt.Errorf("%w: max budget %s is below base %s", ErrInvalidBudgetPolicy, p.MaxBudget, p.Base)
	}
	prev := Step{UpTo: 0, Factor: 0}
	for i, step := range p.Steps {
		if step.UpTo <= prev.UpTo {
			return fmt.Errorf("%w: step %d bound %d is not above %d", ErrInvalidBudgetPolicy, i, step.UpTo, prev.UpTo)
		}
		if step.Factor <= 0 || step.Factor < prev.Factor {
			return fmt.Errorf("%w: step %d factor %.2f is not monotonic", ErrInvalidBudgetPolicy, i, step.Factor)
		}
		prev = step
	}
	if p.MaxFactor < prev.Factor {
		return fmt.Errorf("%w: max factor %.2f is below the last step factor %.2f", ErrInvalidBudgetPolicy, p.MaxFactor, prev.Factor)
	}
	return nil
}

// Factor returns the step factor for n units, capped at MaxFactor.
func (p BudgetPolicy) Factor(n int) float64 {
	p = p.withDefaults()
	factor := p.MaxFactor
	for _, step := range p.Steps {
		if n <= step.UpTo {
			factor = step.Factor
			break
		}
	}
	if factor > p.MaxFactor {
		factor = p.MaxFactor
	}
	return factor
}

// Budget is the first-attempt time budget for n units.
func (p BudgetPolicy) Budget(n int) time.Duration {
	p = p.withDefaults()
	return p.clamp(time.Duration(float64(p.Base) * p.Factor(n)))
}

// Escalate grows a budget after a timeout.
func (p BudgetPolicy) Escalate(budget time.Duration) time.Duration {
	p = p.withDefaults()
	return p.clamp(time.Duration(float64(budget) * p.EscalationMultiplier))
}

func (p BudgetPolicy) Attempts() int {
	return p.withDefaults().MaxAttempts
}

func (p BudgetPolicy) clamp(d time.Duration) time.Duration {
	if d > p.MaxBudget {
		return p.MaxBudget
	}
	return d
}
