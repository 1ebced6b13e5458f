package orchestrator

import (
	"errors"
	"fmt"

	"halforge/internal/chunk"
	"halforge/internal/domain"
	"halforge/internal/execution"
)

var ErrUnknownKind = errors.New("unknown task kind")

// KindPolicy is everything the engine varies by task kind.
type KindPolicy struct {
	Budget   execution.BudgetPolicy
	Chunking chunk.Policy
}

type KindTable map[domain.TaskKind]KindPolicy

// NewKindTable gives every known kind the base policies, then applies
// overrides. Build glue is never chunked unless an override says so.
func NewKindTable(budget execution.BudgetPolicy, chunking chunk.Policy, overrides map[domain.TaskKind]KindPolicy) (KindTable, error) {
	table := make(KindTable, len(domain.AllTaskKinds))
	for _, kind := range domain.AllTaskKinds {
		policy := KindPolicy{Budget: budget, Chunking: chunking}
		if kind == domain.TaskKindBuildGlue {
			policy.Chunking.Disabled = true
		}
		table[kind] = policy
	}
	for kind, policy := range overrides {
		table[kind] = policy
	}
	for kind, policy := range table {
		if err := policy.Budget.Validate(); err != nil {
			return nil, fmt.Errorf("kind %s: %w", kind, err)
		}
	}
	return table, nil
}

func (t KindTable) Resolve(kind domain.TaskKind) (KindPolicy, error) {
	policy, ok := t[kind]
	if !ok {
		return KindPolicy{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return policy, nil
}
