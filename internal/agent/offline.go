package agent

import (
	"context"

	"halforge/internal/domain"
)

type templateRenderer interface {
	GenerateDeterministic(ctx context.Context, req domain.GenerationRequest) domain.Content
}

// OfflineGenerator renders the deterministic templates as if they were model
// output. It lets a run complete without network access.
type OfflineGenerator struct {
	templates templateRenderer
}

func NewOfflineGenerator(templates templateRenderer) *OfflineGenerator {
	return &OfflineGenerator{templates: templates}
}

func (g *OfflineGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	if err := ctx.Err(); err != nil {
		return domain.Content{}, err
	}
	return g.templates.GenerateDeterministic(ctx, req), nil
}
