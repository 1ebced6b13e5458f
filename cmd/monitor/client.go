package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"halforge/internal/domain"
)

type client struct {
	baseURL string
	http    *http.Client
}

type statsResponse struct {
	Stats         domain.GenerationStats `json:"stats"`
	LearningCurve []domain.LearningPoint `json:"learning_curve"`
	DroppedEvents int64                  `json:"dropped_events"`
}

func (c *client) startRun(input string) (string, int, error) {
	var out struct {
		RunID string `json:"run_id"`
		Tasks int    `json:"tasks"`
	}
	if err := c.postJSON("/runs", map[string]any{"input": input}, &out); err != nil {
		return "", 0, err
	}
	return out.RunID, out.Tasks, nil
}

func (c *client) listRuns(limit int) ([]domain.Run, error) {
	var out []domain.Run
	if err := c.getJSON(fmt.Sprintf("/runs?limit=%d", limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunTasks(runID string) ([]domain.Task, error) {
	var out []domain.Task
	if err := c.getJSON(fmt.Sprintf("/runs/%s/tasks", runID), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunAttempts(runID string, limit int) ([]domain.Attempt, error) {
	var out []domain.Attempt
	if err := c.getJSON(fmt.Sprintf("/runs/%s/attempts?limit=%d", runID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) listRunDecisions(runID string, limit int) ([]domain.DecisionLog, error) {
	var out []domain.DecisionLog
	if err := c.getJSON(fmt.Sprintf("/runs/%s/decisions?limit=%d", runID, limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) stats(window int) (statsResponse, error) {
	var out statsResponse
	if err := c.getJSON(fmt.Sprintf("/stats?window=%d", window), &out); err != nil {
		return statsResponse{}, err
	}
	return out, nil
}

func (c *client) getJSON(path string, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.Unmarshal(body, out)
}

func (c *client) postJSON(path string, in any, out any) error {
	var payload io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
