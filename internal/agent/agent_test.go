package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"halforge/internal/domain"
	"halforge/internal/quality"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testRequest() domain.GenerationRequest {
	return domain.GenerationRequest{
		RunID:      "run-1",
		TaskID:     "aidl.HVAC",
		Kind:       domain.TaskKindAIDL,
		Module:     "HVAC",
		ChunkSeq:   1,
		ChunkCount: 3,
		Units: []domain.Property{
			{ID: "Vehicle_Cabin_HVAC_AmbientAirTemperature", Name: "VSS_VEHICLE_CABIN_HVAC_AMBIENTAIRTEMPERATURE", Type: domain.PropertyTypeFloat, Access: domain.AccessRead, Unit: "celsius"},
		},
		Attempt: 1,
		Variant: domain.PromptVariantDetailed,
	}
}

func TestNormalizeReasoningEffort(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "empty defaults to medium", in: "", want: "medium"},
		{name: "trim and lower", in: "  HIGH ", want: "high"},
		{name: "unsupported defaults to medium", in: "ultra", want: "medium"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := normalizeReasoningEffort(tc.in)
			if got != tc.want {
				t.Fatalf("normalizeReasoningEffort(%q)=%q want=%q", tc.in, got, tc.want)
			}
		})
	}
}

func TestCollectStreamDelta(t *testing.T) {
	stream := strings.Join([]string{
		"event: response.created",
		`data: {"type":"response.created","response":{"id":"resp_1"}}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"{\"entities\":","sequence_number":1}`,
		"",
		"event: response.output_text.delta",
		`data: {"type":"response.output_text.delta","delta":"[]}","sequence_number":2}`,
		"",
		"event: response.completed",
		`data: {"type":"response.completed","response":{"id":"resp_1","status":"completed"}}`,
		"",
		"data: [DONE]",
		"",
	}, "\n")

	got, err := collectStream(strings.NewReader(stream), 1024*1024)
	if err != nil {
		t.Fatalf("collectStream returned error: %v", err)
	}
	if want := `{"entities":[]}`; got != want {
		t.Fatalf("collectStream returned %q want %q", got, want)
	}
}

func TestCollectStreamCompletedFallback(t *testing.T) {
	stream := strings.Join([]string{
		"event: response.completed",
		`data: {"type":"response.completed","response":{"output":[{"type":"message","content":[{"type":"output_text","text":"{\"entities\":[]}"}]}]}}`,
		"",
	}, "\n")

	got, err := collectStream(strings.NewReader(stream), 1024*1024)
	if err != nil {
		t.Fatalf("collectStream returned error: %v", err)
	}
	if want := `{"entities":[]}`; got != want {
		t.Fatalf("collectStream returned %q want %q", got, want)
	}
}

func TestCollectStreamTooLarge(t *testing.T) {
	delta := strings.Repeat("x", 20)
	stream := fmt.Sprintf("data: {\"type\":\"response.output_text.delta\",\"delta\":%q}\n\n", delta)
	if _, err := collectStream(strings.NewReader(stream), 10); err == nil {
		t.Fatalf("expected size error")
	}
}

func TestRetryable(t *testing.T) {
	if !retryable(statusError{code: 429}) {
		t.Fatalf("429 should be retryable")
	}
	if !retryable(statusError{code: 502}) {
		t.Fatalf("5xx should be retryable")
	}
	if retryable(statusError{code: 400}) {
		t.Fatalf("400 should not be retryable")
	}
	if retryable(fmt.Errorf("wrapped: %w", context.DeadlineExceeded)) {
		t.Fatalf("deadline should not be retried inside an attempt")
	}
	if retryable(errors.New("plain error")) {
		t.Fatalf("plain error should not be retryable")
	}
}

func TestParseOutput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int
		wantErr bool
	}{
		{name: "bare json", raw: `{"entities":[{"name":"a.aidl","role":"interface","body":"x"}]}`, want: 1},
		{name: "fenced", raw: "```json\n{\"entities\":[{\"name\":\"a\",\"role\":\"r\",\"body\":\"x\"}]}\n```", want: 1},
		{name: "prose around json", raw: "Here you go:\n{\"entities\":[{\"name\":\"a\",\"role\":\"r\",\"body\":\"x\"},{\"name\":\"b\",\"role\":\"r\",\"body\":\"y\"}]}\nDone.", want: 2},
		{name: "no entities", raw: `{"entities":[]}`, wantErr: true},
		{name: "not json", raw: "sorry", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			content, err := parseOutput([]byte(tc.raw))
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", content)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseOutput: %v", err)
			}
			if len(content.Entities) != tc.want {
				t.Fatalf("entities=%d want=%d", len(content.Entities), tc.want)
			}
		})
	}
}

func TestBuildPromptCarriesVariantAndHistory(t *testing.T) {
	req := testRequest()
	req.Variant = domain.PromptVariantConservative
	req.PreviousOutcome = domain.OutcomeRejected
	req.PreviousReason = "property coverage 0.40 below 0.80"
	req.Dependencies = []domain.DependencyOutput{{TaskID: "design_doc", Kind: domain.TaskKindDesignDoc, Entities: []string{"docs/design.md"}, Excerpt: "# Design"}}

	prompt := buildPrompt(req)
	for _, want := range []string{
		"AIDL interface",
		"Allowed roles: interface.",
		"Do not invent properties",
		"part 2 of 3",
		"Module: HVAC",
		"id=Vehicle_Cabin_HVAC_AmbientAirTemperature type=FLOAT access=READ unit=celsius",
		"design_doc (design_doc): docs/design.md",
		"    # Design",
		"previous attempt ended with rejected: property coverage 0.40 below 0.80",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Contains(buildPrompt(testRequest()), "previous attempt") {
		t.Fatalf("first attempt prompt mentions a previous attempt")
	}
}

func sseBody(text string) string {
	delta, _ := json.Marshal(map[string]string{"type": "response.output_text.delta", "delta": text})
	return "data: " + string(delta) + "\n\ndata: [DONE]\n\n"
}

func TestAPIGeneratorRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	var gotPrompt string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("authorization header=%q", r.Header.Get("Authorization"))
		}
		if calls.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusBadGateway)
			return
		}
		var payload requestBody
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if len(payload.Input) == 1 && len(payload.Input[0].Content) == 1 {
			gotPrompt = payload.Input[0].Content[0].Text
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, sseBody(`{"entities":[{"name":"aidl/hvac/IHvacProperties.aidl","role":"interface","body":"interface IHvacProperties {}"}]}`))
	}))
	defer server.Close()

	gen, err := NewAPIGenerator(APIGeneratorConfig{
		Endpoint:     server.URL,
		Model:        "test-model",
		AuthToken:    "secret",
		Retries:      2,
		RetryBackoff: time.Millisecond,
		Logger:       testLogger(),
	})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	content, err := gen.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d want 2", calls.Load())
	}
	if got := content.Names(); len(got) != 1 || got[0] != "aidl/hvac/IHvacProperties.aidl" {
		t.Fatalf("names=%v", got)
	}
	if !strings.Contains(gotPrompt, "VSS_VEHICLE_CABIN_HVAC_AMBIENTAIRTEMPERATURE") {
		t.Fatalf("prompt did not carry the chunk units: %q", gotPrompt)
	}
}

func TestAPIGeneratorNegativeRetriesDisableRetry(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	gen, err := NewAPIGenerator(APIGeneratorConfig{Endpoint: server.URL, Model: "m", Retries: -1, RetryBackoff: time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	_, err = gen.Generate(context.Background(), testRequest())
	var se statusError
	if !errors.As(err, &se) || se.code != http.StatusServiceUnavailable {
		t.Fatalf("err=%v want status 503", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d want 1", calls.Load())
	}
}

func TestAPIGeneratorStopsAtDeadline(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer server.Close()
	defer close(release)

	gen, err := NewAPIGenerator(APIGeneratorConfig{Endpoint: server.URL, Model: "m", RetryBackoff: time.Millisecond, Logger: testLogger()})
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := gen.Generate(ctx, testRequest()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, deadline must not be retried", calls.Load())
	}
}

func TestNewAPIGeneratorValidatesConfig(t *testing.T) {
	if _, err := NewAPIGenerator(APIGeneratorConfig{Model: "m"}); err == nil {
		t.Fatalf("expected endpoint error")
	}
	if _, err := NewAPIGenerator(APIGeneratorConfig{Endpoint: "not a url", Model: "m"}); err == nil {
		t.Fatalf("expected invalid endpoint error")
	}
	if _, err := NewAPIGenerator(APIGeneratorConfig{Endpoint: "http://localhost:1"}); err == nil {
		t.Fatalf("expected model error")
	}
}

func TestOfflineGeneratorPassesValidation(t *testing.T) {
	gen := NewOfflineGenerator(quality.NewTemplateFallback(testLogger()))
	req := testRequest()
	content, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	ok, reason, err := quality.NewStructuralValidator(nil).Validate(context.Background(), content, req)
	if err != nil || !ok {
		t.Fatalf("offline content rejected: %s %v", reason, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := gen.Generate(ctx, req); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v want canceled", err)
	}
}
