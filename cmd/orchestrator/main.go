package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"halforge/internal/agent"
	"halforge/internal/config"
	"halforge/internal/domain"
	"halforge/internal/execution"
	"halforge/internal/fs"
	"halforge/internal/messaging/inproc"
	"halforge/internal/orchestrator"
	"halforge/internal/policy"
	"halforge/internal/quality"
	"halforge/internal/store/objectstore"
	sqlitestore "halforge/internal/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to config.toml (default: ~/.halforge/config.toml)")
	addrFlag := flag.String("addr", "", "http listen address override")
	dbPathFlag := flag.String("db", "", "sqlite database path override")
	workspaceFlag := flag.String("workspace", "", "output root for generated artifacts override")
	providerFlag := flag.String("provider", "", "generator provider override: responses, gemini, cli, offline")
	inputFlag := flag.String("input", "", "run once on this VSS json or signal yaml file and exit")
	summaryFlag := flag.String("summary", "", "write the one-shot run summary here instead of stdout")
	flag.Parse()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("load .env: %v", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("validate config: %v", err)
	}

	addr := firstNonEmpty(*addrFlag, cfg.Orchestrator.Addr, ":8091")
	dbPath := firstNonEmpty(*dbPathFlag, cfg.Orchestrator.DBPath, "data/halforge.db")
	workspaceRoot := firstNonEmpty(*workspaceFlag, cfg.Orchestrator.WorkspaceRoot, "generated-artifacts")
	provider := strings.ToLower(firstNonEmpty(*providerFlag, cfg.Generator.Provider, config.ProviderResponses))
	dbPath = filepath.Clean(dbPath)
	workspaceRoot = filepath.Clean(workspaceRoot)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		log.Fatalf("create db directory: %v", err)
	}
	if err := os.MkdirAll(workspaceRoot, 0o755); err != nil {
		log.Fatalf("create workspace directory: %v", err)
	}

	store, err := sqlitestore.Open(dbPath)
	if err != nil {
		log.Fatalf("open sqlite store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("migrate sqlite: %v", err)
	}

	history, err := execution.NewHistory(cfg.Engine.HistorySize)
	if err != nil {
		log.Fatalf("create history: %v", err)
	}
	seeded, err := seedHistory(ctx, store, history, intOrDefault(cfg.Orchestrator.SeedHistory, 500))
	if err != nil {
		log.Printf("seed history: %v", err)
	}

	bus := inproc.New(intOrDefault(cfg.Orchestrator.EventBuffer, 256))
	defer bus.Close()
	go logEvents(bus.Subscribe("log"))

	policyEngine := policy.New(cfg.PathRules())
	files, err := fs.NewGateway(workspaceRoot, policyEngine, store)
	if err != nil {
		log.Fatalf("create file gateway: %v", err)
	}

	validator := quality.NewStructuralValidator(cfg.MinCoverage())
	validator.Paths = policyEngine
	templates := quality.NewTemplateFallback(log.Default())
	validator.Roles = templates

	generator, err := buildGenerator(ctx, cfg.Generator, provider, workspaceRoot, templates)
	if err != nil {
		log.Fatalf("create generator: %v", err)
	}

	sinks := orchestrator.MultiSink{files, store}
	var objects *objectstore.S3Sink
	if cfg.S3.Enabled {
		objects, err = objectstore.NewS3Sink(objectstore.S3Config{
			Endpoint:  cfg.S3.Endpoint,
			Region:    cfg.S3.Region,
			AccessKey: os.Getenv(firstNonEmpty(cfg.S3.AccessKeyEnv, "HALFORGE_S3_ACCESS_KEY")),
			SecretKey: os.Getenv(firstNonEmpty(cfg.S3.SecretKeyEnv, "HALFORGE_S3_SECRET_KEY")),
			Bucket:    cfg.S3.Bucket,
			Prefix:    cfg.S3.Prefix,
			UseSSL:    cfg.S3.UseSSL,
		})
		if err != nil {
			log.Fatalf("create s3 sink: %v", err)
		}
		sinks = append(sinks, objects)
	}

	engine, err := orchestrator.New(orchestrator.Collaborators{
		Generator: generator,
		Validator: validator,
		Fallback:  templates,
		Sink:      sinks,
		Recorder:  store,
		Events:    bus,
		History:   history,
	}, cfg.EngineConfig(), log.Default())
	if err != nil {
		log.Fatalf("create engine: %v", err)
	}

	a, err := newApp(ctx, cfg, store, engine, files, objects, bus)
	if err != nil {
		log.Fatalf("create app: %v", err)
	}

	if *inputFlag != "" {
		if err := a.runOnce(ctx, *inputFlag, *summaryFlag); err != nil {
			log.Printf("run failed: %v", err)
			os.Exit(1)
		}
		return
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           loggingMiddleware(a.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf(
		"halforge started addr=%s db=%s workspace=%s provider=%s model=%s history_samples=%d s3=%t",
		addr,
		dbPath,
		workspaceRoot,
		provider,
		cfg.Generator.Model,
		seeded,
		objects != nil,
	)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("http server failed: %v", err)
	}
	a.wait()
}

func buildGenerator(ctx context.Context, cfg config.GeneratorConfig, provider, workspaceRoot string, templates *quality.TemplateFallback) (orchestrator.Generator, error) {
	switch provider {
	case config.ProviderResponses:
		return agent.NewAPIGenerator(agent.APIGeneratorConfig{
			Endpoint:        firstNonEmpty(cfg.Endpoint, "https://api.openai.com/v1/responses"),
			Model:           firstNonEmpty(cfg.Model, "gpt-5-codex"),
			ReasoningEffort: cfg.ReasoningEffort,
			AuthToken:       os.Getenv(firstNonEmpty(cfg.AuthTokenEnv, "OPENAI_API_KEY")),
			Retries:         cfg.Retries,
			RetryBackoff:    durationMS(cfg.RetryBackoffMS, 0),
			MaxOutputTokens: cfg.MaxOutputTokens,
			Logger:          log.Default(),
		})
	case config.ProviderGemini:
		return agent.NewGeminiGenerator(ctx, os.Getenv(firstNonEmpty(cfg.AuthTokenEnv, "GEMINI_API_KEY")), cfg.Model, cfg.Endpoint, log.Default())
	case config.ProviderCLI:
		return agent.NewCLIGenerator(firstNonEmpty(cfg.Binary, "codex"), firstNonEmpty(cfg.Workdir, workspaceRoot), log.Default()), nil
	case config.ProviderOffline:
		return agent.NewOfflineGenerator(templates), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
}

// seedHistory replays recent successful generations so learned budgets
// survive restarts.
func seedHistory(ctx context.Context, store *sqlitestore.Store, history *execution.History, limit int) (int, error) {
	records, err := store.RecentSuccessDurations(ctx, limit)
	if err != nil {
		return 0, err
	}
	// Records arrive oldest first; consecutive runs of one kind and size are
	// seeded together so the window order is kept.
	start := 0
	for i := 1; i <= len(records); i++ {
		if i < len(records) && records[i].Kind == records[start].Kind && records[i].ChunkSize == records[start].ChunkSize {
			continue
		}
		durations := make([]time.Duration, 0, i-start)
		for _, r := range records[start:i] {
			durations = append(durations, r.GenerationTime)
		}
		history.Seed(records[start].Kind, records[start].ChunkSize, durations)
		start = i
	}
	return len(records), nil
}

func logEvents(events <-chan domain.Event) {
	for ev := range events {
		if ev.Type == domain.EventAttempt {
			continue
		}
		if ev.TaskID != "" {
			log.Printf("event type=%s run=%s wave=%d task=%s detail=%s", ev.Type, ev.RunID, ev.Wave, ev.TaskID, ev.Detail)
			continue
		}
		log.Printf("event type=%s run=%s wave=%d detail=%s", ev.Type, ev.RunID, ev.Wave, ev.Detail)
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{
		"error": err.Error(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func durationMS(v int, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v) * time.Millisecond
}

func intOrDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func queryInt(r *http.Request, key string, def int) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}
