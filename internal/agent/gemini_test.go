package agent

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func geminiServer(t *testing.T, text string, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if !strings.Contains(r.URL.Path, "test-model:generateContent") {
			t.Errorf("path=%s", r.URL.Path)
		}
		resp := map[string]any{"candidates": []any{}}
		if text != "" {
			resp["candidates"] = []any{map[string]any{
				"content": map[string]any{"role": "model", "parts": []any{map[string]any{"text": text}}},
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestGeminiGeneratorParsesCandidate(t *testing.T) {
	var calls atomic.Int32
	server := geminiServer(t, `{"entities":[{"name":"aidl/hvac/IHvacProperties.aidl","role":"interface","body":"enum IHvacProperties {}"}]}`, &calls)
	gen, err := NewGeminiGenerator(context.Background(), "test-key", "test-model", server.URL, testLogger())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	content, err := gen.Generate(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got := content.Names(); len(got) != 1 || got[0] != "aidl/hvac/IHvacProperties.aidl" {
		t.Fatalf("names=%v", got)
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
}

func TestGeminiGeneratorEmptyCandidates(t *testing.T) {
	var calls atomic.Int32
	server := geminiServer(t, "", &calls)
	gen, err := NewGeminiGenerator(context.Background(), "test-key", "test-model", server.URL, testLogger())
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := gen.Generate(context.Background(), testRequest()); !errors.Is(err, ErrEmptyOutput) {
		t.Fatalf("err=%v want empty output", err)
	}
}
