package quality

import (
	"context"
	"log"

	"halforge/internal/domain"
)

type Validator interface {
	Validate(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string, error)
}

// Fallback must return usable content for any request.
type Fallback interface {
	GenerateDeterministic(ctx context.Context, req domain.GenerationRequest) domain.Content
}

// Gate sits between generation and merge: it accepts or rejects generated
// content and substitutes deterministic content for failed chunks.
type Gate struct {
	validator Validator
	fallback  Fallback
	logger    *log.Logger
}

func NewGate(validator Validator, fallback Fallback, logger *log.Logger) *Gate {
	if logger == nil {
		logger = log.Default()
	}
	return &Gate{validator: validator, fallback: fallback, logger: logger}
}

// Check treats a validator error as a rejection.
func (g *Gate) Check(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string) {
	if g.validator == nil {
		return true, ""
	}
	accepted, reason, err := g.validator.Validate(ctx, content, req)
	if err != nil {
		g.logger.Printf("validator error task=%s chunk=%d: %v", req.TaskID, req.ChunkSeq, err)
		return false, "validator error: " + err.Error()
	}
	if !accepted && reason == "" {
		reason = "rejected by validator"
	}
	return accepted, reason
}

func (g *Gate) Accept(req domain.GenerationRequest, content domain.Content) domain.GenerationResult {
	return domain.GenerationResult{
		TaskID:     req.TaskID,
		ChunkSeq:   req.ChunkSeq,
		Content:    content,
		Provenance: domain.ProvenanceGenerated,
	}
}

// Degrade produces the fallback result for a chunk whose attempts are exhausted.
func (g *Gate) Degrade(ctx context.Context, req domain.GenerationRequest) domain.GenerationResult {
	return domain.GenerationResult{
		TaskID:     req.TaskID,
		ChunkSeq:   req.ChunkSeq,
		Content:    g.fallback.GenerateDeterministic(ctx, req),
		Provenance: domain.ProvenanceFallback,
	}
}
