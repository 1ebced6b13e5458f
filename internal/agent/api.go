package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"halforge/internal/domain"
)

const (
	defaultReasoningEffort = "medium"
	defaultAPIRetries      = 2
	defaultAPIRetryBackoff = 1500 * time.Millisecond
	defaultMaxOutputBytes  = 4 * 1024 * 1024
	defaultMaxOutputTokens = 16000
	defaultHeartbeat       = 15 * time.Second
	maxErrorBody           = 64 * 1024
)

var allowedReasoningEfforts = map[string]struct{}{
	"none":   {},
	"low":    {},
	"medium": {},
	"high":   {},
}

type APIGeneratorConfig struct {
	Endpoint        string
	Model           string
	ReasoningEffort string
	AuthToken       string
	Retries         int
	RetryBackoff    time.Duration
	MaxOutputBytes  int
	MaxOutputTokens int
	Heartbeat       time.Duration
	Logger          *log.Logger
	Client          *http.Client
}

// APIGenerator calls a Responses-style streaming endpoint. It has no client
// timeout of its own: the attempt budget arrives as the context deadline.
type APIGenerator struct {
	endpoint        string
	model           string
	reasoningEffort string
	authToken       string
	retries         int
	retryBackoff    time.Duration
	maxOutputBytes  int
	maxOutputTokens int
	heartbeat       time.Duration
	logger          *log.Logger
	client          *http.Client
}

func NewAPIGenerator(cfg APIGeneratorConfig) (*APIGenerator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("empty API endpoint")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid API endpoint %q: %w", endpoint, err)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, fmt.Errorf("empty model")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	// Zero keeps the default; a negative value turns retries off.
	retries := cfg.Retries
	switch {
	case retries == 0:
		retries = defaultAPIRetries
	case retries < 0:
		retries = 0
	}
	retryBackoff := cfg.RetryBackoff
	if retryBackoff <= 0 {
		retryBackoff = defaultAPIRetryBackoff
	}
	maxOutputBytes := cfg.MaxOutputBytes
	if maxOutputBytes <= 0 {
		maxOutputBytes = defaultMaxOutputBytes
	}
	maxOutputTokens := cfg.MaxOutputTokens
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTokens
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}

	return &APIGenerator{
		endpoint:        endpoint,
		model:           model,
		reasoningEffort: normalizeReasoningEffort(cfg.ReasoningEffort),
		authToken:       strings.TrimSpace(cfg.AuthToken),
		retries:         retries,
		retryBackoff:    retryBackoff,
		maxOutputBytes:  maxOutputBytes,
		maxOutputTokens: maxOutputTokens,
		heartbeat:       heartbeat,
		logger:          cfg.Logger,
		client:          client,
	}, nil
}

// Generate retries transport failures inside the attempt. A deadline hit is
// never retried here; the execution controller owns that decision.
func (g *APIGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	stop := heartbeat(ctx, g.heartbeat, func(elapsed time.Duration) {
		g.logger.Printf("api generation in progress task=%s chunk=%d attempt=%d elapsed=%s", req.TaskID, req.ChunkSeq, req.Attempt, elapsed.Round(time.Second))
	})
	defer stop()

	for try := 1; ; try++ {
		content, err := g.generateOnce(ctx, req)
		switch {
		case err == nil:
			return content, nil
		case ctx.Err() != nil:
			return domain.Content{}, ctx.Err()
		case try > g.retries || !retryable(err):
			return domain.Content{}, err
		}
		wait := time.Duration(try) * g.retryBackoff
		g.logger.Printf("api generation retry task=%s try=%d wait=%s reason=%v", req.TaskID, try, wait, err)
		select {
		case <-ctx.Done():
			return domain.Content{}, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (g *APIGenerator) generateOnce(ctx context.Context, req domain.GenerationRequest) (domain.Content, error) {
	payload := requestBody{
		Model:           g.model,
		Instructions:    instructions,
		Stream:          true,
		Reasoning:       &reasoningOption{Effort: g.reasoningEffort},
		Input:           []inputMessage{{Role: "user", Content: []textPart{{Type: "input_text", Text: buildPrompt(req)}}}},
		MaxOutputTokens: g.maxOutputTokens,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.Content{}, fmt.Errorf("marshal responses request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Content{}, fmt.Errorf("create API request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if g.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.authToken)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return domain.Content{}, fmt.Errorf("responses api request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.Content{}, statusError{code: resp.StatusCode, body: strings.TrimSpace(string(detail))}
	}

	raw, err := collectStream(resp.Body, g.maxOutputBytes)
	if err != nil {
		return domain.Content{}, fmt.Errorf("read responses stream: %w", err)
	}
	content, err := parseOutput([]byte(raw))
	if err != nil {
		return domain.Content{}, fmt.Errorf("parse model output: %w; output: %s", err, trim(raw, 800))
	}
	return content, nil
}

func normalizeReasoningEffort(value string) string {
	effort := strings.ToLower(strings.TrimSpace(value))
	if effort == "" {
		return defaultReasoningEffort
	}
	if _, ok := allowedReasoningEfforts[effort]; !ok {
		return defaultReasoningEffort
	}
	return effort
}

// retryable reports whether a failed call may be repeated inside the same
// attempt: rate limits, server errors and dropped connections.
func retryable(err error) bool {
	var se statusError
	switch {
	case errors.As(err, &se):
		return se.code == http.StatusTooManyRequests || se.code >= http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// streamCollector accumulates the output text of a Responses event stream.
type streamCollector struct {
	limit int
	text  strings.Builder
}

func (c *streamCollector) add(s string) error {
	if c.text.Len()+len(s) > c.limit {
		return fmt.Errorf("model output exceeds %d bytes", c.limit)
	}
	c.text.WriteString(s)
	return nil
}

func (c *streamCollector) event(data string) error {
	data = strings.TrimSpace(data)
	if data == "" || data == "[DONE]" {
		return nil
	}
	var ev streamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return fmt.Errorf("decode stream event: %w", err)
	}
	if ev.Error != nil {
		return fmt.Errorf("stream error: %s", ev.Error.Message)
	}
	if ev.Response != nil && ev.Response.Error != nil {
		return fmt.Errorf("response error: %s", ev.Response.Error.Message)
	}
	switch ev.Type {
	case "response.output_text.delta":
		return c.add(ev.Delta)
	case "response.completed":
		// Streams that skip deltas carry the whole text in the final event.
		if c.text.Len() == 0 && ev.Response != nil {
			for _, item := range ev.Response.Output {
				for _, part := range item.Content {
					if part.Type != "output_text" && part.Type != "text" {
						continue
					}
					if err := c.add(part.Text); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// collectStream reads server-sent events until the body ends and returns the
// model's text.
func collectStream(body io.Reader, limit int) (string, error) {
	c := &streamCollector{limit: limit}
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), limit+64*1024)
	var pending []string
	flush := func() error {
		err := c.event(strings.Join(pending, "\n"))
		pending = pending[:0]
		return err
	}
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if err := flush(); err != nil {
				return "", err
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			pending = append(pending, strings.TrimSpace(data))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if err := flush(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(c.text.String())
	if text == "" {
		return "", errors.New("stream carried no output text")
	}
	return text, nil
}

// heartbeat calls tick with the elapsed time every interval until the
// returned function is called or ctx ends.
func heartbeat(ctx context.Context, interval time.Duration, tick func(time.Duration)) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	started := time.Now()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				tick(now.Sub(started))
			}
		}
	}()
	return cancel
}

type requestBody struct {
	Model           string           `json:"model"`
	Instructions    string           `json:"instructions"`
	Stream          bool             `json:"stream"`
	Reasoning       *reasoningOption `json:"reasoning,omitempty"`
	Input           []inputMessage   `json:"input"`
	MaxOutputTokens int              `json:"max_output_tokens,omitempty"`
}

type reasoningOption struct {
	Effort string `json:"effort"`
}

type inputMessage struct {
	Role    string     `json:"role"`
	Content []textPart `json:"content"`
}

type textPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type streamEvent struct {
	Type     string          `json:"type"`
	Delta    string          `json:"delta,omitempty"`
	Response *finalResponse  `json:"response,omitempty"`
	Error    *apiErrorDetail `json:"error,omitempty"`
}

type finalResponse struct {
	Error  *apiErrorDetail `json:"error,omitempty"`
	Output []struct {
		Content []textPart `json:"content,omitempty"`
	} `json:"output,omitempty"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("api status=%d", e.code)
	}
	return fmt.Sprintf("api status=%d body=%s", e.code, e.body)
}
