package orchestrator

import (
	"context"
	"fmt"

	"halforge/internal/domain"
)

// MultiSink stores each artifact in every sink, in order, and stops at the
// first failure.
type MultiSink []Sink

func (m MultiSink) Store(ctx context.Context, artifact domain.Artifact) error {
	for i, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Store(ctx, artifact); err != nil {
			return fmt.Errorf("sink %d: %w", i, err)
		}
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, artifact domain.Artifact) error

func (f SinkFunc) Store(ctx context.Context, artifact domain.Artifact) error {
	return f(ctx, artifact)
}
