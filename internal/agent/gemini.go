package agent

import (
	"context"
	"fmt"
	"log"
	"strings"

	genai "google.golang.org/genai"

	"halforge/internal/domain"
)

// GeminiGenerator asks a Gemini model for JSON output.
type GeminiGenerator struct {
	cli    *genai.Client
	model  string
	logger *log.Logger
}

// NewGeminiGenerator reads GEMINI_API_KEY from the environment when apiKey is
// empty. A non-empty endpoint replaces the public API base URL.
func NewGeminiGenerator(ctx context.Context, apiKey, model, endpoint string, logger *log.Logger) (*GeminiGenerator, error) {
	if logger == nil {
		logger = log.Default()
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = "gemini-2.5-flash"
	}
	cfg := &genai.ClientConfig{APIKey: strings.TrimSpace(apiKey), Backend: genai.BackendGeminiAPI}
	if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: endpoint}
	}
	cli, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiGenerator{cli: cli, model: model, logger: logger}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	prompt := instructions + "\n\n" + buildPrompt(req)
	resp, err := g.cli.Models.GenerateContent(ctx, g.model,
		[]*genai.Content{{Parts: []*genai.Part{{Text: prompt}}}},
		&genai.GenerateContentConfig{ResponseMIMEType: "application/json"},
	)
	if err != nil {
		return domain.Content{}, fmt.Errorf("gemini generate: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return domain.Content{}, ErrEmptyOutput
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	content, err := parseOutput([]byte(text.String()))
	if err != nil {
		return domain.Content{}, fmt.Errorf("parse gemini output: %w; output: %s", err, trim(text.String(), 800))
	}
	return content, nil
}
