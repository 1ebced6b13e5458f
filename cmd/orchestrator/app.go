package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"halforge/internal/config"
	"halforge/internal/domain"
	"halforge/internal/fs"
	"halforge/internal/mapping"
	"halforge/internal/messaging/inproc"
	"halforge/internal/orchestrator"
	"halforge/internal/pipeline"
	"halforge/internal/store/objectstore"
	sqlitestore "halforge/internal/store/sqlite"
)

type app struct {
	baseCtx context.Context
	cfg     config.Config
	store   *sqlitestore.Store
	engine  *orchestrator.Engine
	files   *fs.Gateway
	objects *objectstore.S3Sink
	bus     *inproc.Bus
	reports *lru.Cache[string, domain.RunReport]
	running sync.WaitGroup
}

func newApp(ctx context.Context, cfg config.Config, store *sqlitestore.Store, engine *orchestrator.Engine, files *fs.Gateway, objects *objectstore.S3Sink, bus *inproc.Bus) (*app, error) {
	reports, err := lru.New[string, domain.RunReport](64)
	if err != nil {
		return nil, fmt.Errorf("create report cache: %w", err)
	}
	return &app{
		baseCtx: ctx,
		cfg:     cfg,
		store:   store,
		engine:  engine,
		files:   files,
		objects: objects,
		bus:     bus,
		reports: reports,
	}, nil
}

type runRequest struct {
	Input           string   `json:"input"`
	IncludePrefixes []string `json:"include_prefixes"`
	MaxSignals      int      `json:"max_signals"`
	Kinds           []string `json:"kinds"`
	Wait            bool     `json:"wait"`
}

type runSummary struct {
	Report domain.RunReport        `json:"report"`
	Stats  *domain.GenerationStats `json:"stats,omitempty"`
}

// prepare maps the input signals and plans the task set. Nothing is
// recorded until the engine starts the run.
func (a *app) prepare(req runRequest) (orchestrator.RunInput, error) {
	path := strings.TrimSpace(req.Input)
	if path == "" {
		return orchestrator.RunInput{}, errors.New("input is required")
	}
	opts := mapping.LoadOptions{
		IncludePrefixes: a.cfg.Input.IncludePrefixes,
		MaxSignals:      a.cfg.Input.MaxSignals,
	}
	if len(req.IncludePrefixes) > 0 {
		opts.IncludePrefixes = req.IncludePrefixes
	}
	if req.MaxSignals > 0 {
		opts.MaxSignals = req.MaxSignals
	}
	signals, err := mapping.LoadFile(path, opts)
	if err != nil {
		return orchestrator.RunInput{}, fmt.Errorf("load signals: %w", err)
	}
	props, excluded := mapping.MapAll(signals)
	if len(props) == 0 {
		return orchestrator.RunInput{}, fmt.Errorf("no mappable signals in %s (%d excluded)", path, len(excluded))
	}

	kinds := a.cfg.TaskKinds()
	if len(req.Kinds) > 0 {
		kinds = kinds[:0]
		for _, k := range req.Kinds {
			kinds = append(kinds, domain.TaskKind(k))
		}
	}
	specs := pipeline.Plan(props, pipeline.Options{Kinds: kinds})
	log.Printf("planned input=%s signals=%d properties=%d excluded=%d tasks=%d", path, len(signals), len(props), len(excluded), len(specs))
	return orchestrator.RunInput{
		ID:       uuid.NewString(),
		Source:   path,
		Specs:    specs,
		Excluded: excluded,
	}, nil
}

func (a *app) execute(ctx context.Context, in orchestrator.RunInput) (domain.RunReport, error) {
	report, err := a.engine.Run(ctx, in)
	a.reports.Add(report.RunID, report)
	log.Printf(
		"run finished id=%s status=%s completed=%d missing=%d attempts=%d quality=%s took=%s",
		report.RunID,
		report.Status,
		len(report.Completed),
		len(report.Missing),
		report.Attempts,
		report.Overall.Band,
		report.Duration,
	)
	return report, err
}

func (a *app) runOnce(ctx context.Context, input, summaryPath string) error {
	in, err := a.prepare(runRequest{Input: input})
	if err != nil {
		return err
	}
	report, runErr := a.execute(ctx, in)
	summary := runSummary{Report: report}
	if stats, err := a.store.GenerationStats(ctx); err == nil {
		summary.Stats = &stats
	} else {
		log.Printf("generation stats: %v", err)
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if summaryPath == "" {
		_, err = fmt.Fprintln(os.Stdout, string(data))
	} else {
		err = os.WriteFile(summaryPath, data, 0o644)
	}
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return runErr
}

func (a *app) wait() {
	a.running.Wait()
}

func (a *app) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/config", a.handleConfig)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/runs", a.handleRuns)
	mux.HandleFunc("/runs/", a.handleRunByID)
	return mux
}

func (a *app) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *app) handleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"path": a.cfg.Path,
		"raw":  a.cfg.Raw,
	})
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	stats, err := a.store.GenerationStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	curve, err := a.store.LearningCurve(r.Context(), queryInt(r, "window", 10))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":          stats,
		"learning_curve": curve,
		"dropped_events": a.bus.Dropped(),
	})
}

func (a *app) handleRuns(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		runs, err := a.store.ListRuns(r.Context(), queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, runs)
	case http.MethodPost:
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid json body: %w", err))
			return
		}
		in, err := a.prepare(req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if req.Wait {
			report, err := a.execute(r.Context(), in)
			code := http.StatusOK
			if err != nil {
				code = http.StatusUnprocessableEntity
			}
			writeJSON(w, code, report)
			return
		}
		a.running.Add(1)
		go func() {
			defer a.running.Done()
			if _, err := a.execute(a.baseCtx, in); err != nil {
				log.Printf("run aborted id=%s: %v", in.ID, err)
			}
		}()
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "run_id": in.ID, "tasks": len(in.Specs)})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (a *app) handleRunByID(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.SplitN(trimmed, "/", 3)
	runID := parts[0]
	if runID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("run id is required"))
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if len(parts) == 1 {
		run, err := a.store.GetRun(r.Context(), runID)
		if err != nil {
			if sqlitestore.IsNotFound(err) {
				writeError(w, http.StatusNotFound, fmt.Errorf("run %s not found", runID))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, run)
		return
	}

	action := parts[1]
	switch action {
	case "report":
		report, ok := a.reports.Get(runID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("no report kept for run %s", runID))
			return
		}
		writeJSON(w, http.StatusOK, report)
	case "tasks":
		items, err := a.store.ListRunTasks(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "attempts":
		items, err := a.store.ListRunAttempts(r.Context(), runID, queryInt(r, "limit", 500))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "decisions":
		items, err := a.store.ListRunDecisions(r.Context(), runID, queryInt(r, "limit", 300))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "artifacts":
		items, err := a.store.ListRunArtifacts(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "files":
		if len(parts) == 3 && parts[2] != "" {
			data, err := a.files.ReadFile(r.Context(), runID, parts[2])
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					writeError(w, http.StatusNotFound, err)
					return
				}
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			_, _ = w.Write(data)
			return
		}
		items, err := a.store.ListRunFileChanges(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "objects":
		if a.objects == nil {
			writeError(w, http.StatusNotFound, fmt.Errorf("object storage is not configured"))
			return
		}
		items, err := a.objects.List(r.Context(), runID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown action: %s", action))
	}
}
