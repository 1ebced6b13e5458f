package execution

import (
	"errors"
	"fmt"

	"halforge/internal/domain"
)

var ErrInvalidTransition = errors.New("invalid chunk transition")

var transitions = map[domain.ChunkStatus][]domain.ChunkStatus{
	domain.ChunkStatusPending:  {domain.ChunkStatusRunning},
	domain.ChunkStatusRunning:  {domain.ChunkStatusSucceeded, domain.ChunkStatusTimedOut, domain.ChunkStatusRejected, domain.ChunkStatusErrored},
	domain.ChunkStatusTimedOut: {domain.ChunkStatusRunning, domain.ChunkStatusFailed},
	domain.ChunkStatusRejected: {domain.ChunkStatusRunning, domain.ChunkStatusFailed},
	domain.ChunkStatusErrored:  {domain.ChunkStatusRunning, domain.ChunkStatusFailed},
}

// Transition checks a chunk status change. Succeeded and failed are terminal.
func Transition(from, to domain.ChunkStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

func statusFor(outcome domain.Outcome) domain.ChunkStatus {
	switch outcome {
	case domain.OutcomeSuccess:
		return domain.ChunkStatusSucceeded
	case domain.OutcomeTimeout:
		return domain.ChunkStatusTimedOut
	case domain.OutcomeRejected:
		return domain.ChunkStatusRejected
	default:
		return domain.ChunkStatusErrored
	}
}
