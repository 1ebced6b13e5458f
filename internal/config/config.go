package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"halforge/internal/chunk"
	"halforge/internal/domain"
	"halforge/internal/execution"
	"halforge/internal/orchestrator"
	"halforge/internal/policy"
	"halforge/internal/quality"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Engine       EngineConfig              `toml:"engine"`
	Quality      QualityConfig             `toml:"quality"`
	Kinds        map[string]KindConfig     `toml:"kinds"`
	Input        InputConfig               `toml:"input"`
	Generator    GeneratorConfig           `toml:"generator"`
	Orchestrator OrchestratorRuntimeConfig `toml:"orchestrator"`
	S3           S3Config                  `toml:"s3"`
	Raw          map[string]any            `toml:"-"`
	Path         string                    `toml:"-"`
}

type EngineConfig struct {
	Parallelism          int              `toml:"parallelism"`
	MaxAttempts          int              `toml:"max_attempts"`
	BaseBudgetMS         int              `toml:"base_budget_ms"`
	MaxBudgetMS          int              `toml:"max_budget_ms"`
	MaxFactor            float64          `toml:"max_factor"`
	EscalationMultiplier float64          `toml:"escalation_multiplier"`
	AdaptiveTimeouts     bool             `toml:"adaptive_timeouts"`
	HistorySize          int              `toml:"history_size"`
	DefaultVariant       string           `toml:"default_variant"`
	BudgetSteps          []execution.Step `toml:"budget_steps"`
	Chunking             ChunkingConfig   `toml:"chunking"`
}

type ChunkingConfig struct {
	SoftCeiling    int `toml:"soft_ceiling"`
	InteriorFactor int `toml:"interior_factor"`
	HardCeiling    int `toml:"hard_ceiling"`
}

type QualityConfig struct {
	Excellent   float64            `toml:"excellent"`
	Good        float64            `toml:"good"`
	Fair        float64            `toml:"fair"`
	MinCoverage map[string]float64 `toml:"min_coverage"`
}

// KindConfig overrides engine settings for one task kind. Zero fields keep
// the engine value.
type KindConfig struct {
	BaseBudgetMS int      `toml:"base_budget_ms"`
	MaxAttempts  int      `toml:"max_attempts"`
	SoftCeiling  int      `toml:"soft_ceiling"`
	HardCeiling  int      `toml:"hard_ceiling"`
	Unchunked    *bool    `toml:"unchunked"`
	Paths        []string `toml:"paths"`
}

type InputConfig struct {
	IncludePrefixes []string `toml:"include_prefixes"`
	MaxSignals      int      `toml:"max_signals"`
	Kinds           []string `toml:"kinds"`
}

type GeneratorConfig struct {
	Provider        string `toml:"provider"`
	Endpoint        string `toml:"endpoint"`
	Model           string `toml:"model"`
	ReasoningEffort string `toml:"reasoning_effort"`
	AuthTokenEnv    string `toml:"auth_token_env"`
	Binary          string `toml:"binary"`
	Workdir         string `toml:"workdir"`
	Retries         int    `toml:"retries"`
	RetryBackoffMS  int    `toml:"retry_backoff_ms"`
	MaxOutputTokens int    `toml:"max_output_tokens"`
}

type OrchestratorRuntimeConfig struct {
	Addr          string `toml:"addr"`
	DBPath        string `toml:"db_path"`
	WorkspaceRoot string `toml:"workspace_root"`
	EventBuffer   int    `toml:"event_buffer"`
	SeedHistory   int    `toml:"seed_history"`
}

// S3Config names the environment variables holding the keys; keys never
// live in the file.
type S3Config struct {
	Enabled      bool   `toml:"enabled"`
	Endpoint     string `toml:"endpoint"`
	Region       string `toml:"region"`
	Bucket       string `toml:"bucket"`
	Prefix       string `toml:"prefix"`
	UseSSL       bool   `toml:"use_ssl"`
	AccessKeyEnv string `toml:"access_key_env"`
	SecretKeyEnv string `toml:"secret_key_env"`
}

const (
	ProviderResponses = "responses"
	ProviderGemini    = "gemini"
	ProviderCLI       = "cli"
	ProviderOffline   = "offline"
)

// Load reads the TOML file at path. An empty path reads the default
// location and tolerates its absence.
func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if path == "" && errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}
	cfg, err := Parse(string(bytes))
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	return cfg, nil
}

func Parse(data string) (Config, error) {
	var cfg Config
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(data, &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".halforge/config.toml"
	}
	return filepath.Join(home, ".halforge", "config.toml")
}

// Validate rejects settings the engine would otherwise reject mid-run.
func (c Config) Validate() error {
	e := c.Engine
	if e.Parallelism < 0 || e.MaxAttempts < 0 || e.BaseBudgetMS < 0 || e.MaxBudgetMS < 0 || e.HistorySize < 0 {
		return fmt.Errorf("%w: engine values must not be negative", ErrInvalidConfig)
	}
	if ch := e.Chunking; ch.SoftCeiling < 0 || ch.InteriorFactor < 0 || ch.HardCeiling < 0 {
		return fmt.Errorf("%w: chunking values must not be negative", ErrInvalidConfig)
	}
	switch e.DefaultVariant {
	case "", domain.PromptVariantMinimal, domain.PromptVariantDetailed, domain.PromptVariantConservative, domain.PromptVariantAggressive:
	default:
		return fmt.Errorf("%w: unknown prompt variant %q", ErrInvalidConfig, e.DefaultVariant)
	}
	if err := c.BudgetPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Bands().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	for name, v := range c.Quality.MinCoverage {
		if !knownKind(name) {
			return fmt.Errorf("%w: min_coverage for unknown kind %q", ErrInvalidConfig, name)
		}
		if v < 0 || v > 1 {
			return fmt.Errorf("%w: min_coverage %s=%.2f outside [0,1]", ErrInvalidConfig, name, v)
		}
	}
	for name, k := range c.Kinds {
		if !knownKind(name) {
			return fmt.Errorf("%w: unknown kind %q", ErrInvalidConfig, name)
		}
		if k.BaseBudgetMS < 0 || k.MaxAttempts < 0 || k.SoftCeiling < 0 || k.HardCeiling < 0 {
			return fmt.Errorf("%w: kind %s values must not be negative", ErrInvalidConfig, name)
		}
	}
	if err := c.checkFallbackPaths(); err != nil {
		return err
	}
	for _, name := range c.Input.Kinds {
		if !knownKind(name) {
			return fmt.Errorf("%w: input kind %q", ErrInvalidConfig, name)
		}
	}
	switch strings.ToLower(c.Generator.Provider) {
	case "", ProviderResponses, ProviderGemini, ProviderCLI, ProviderOffline:
	default:
		return fmt.Errorf("%w: unknown generator provider %q", ErrInvalidConfig, c.Generator.Provider)
	}
	if c.S3.Enabled && (strings.TrimSpace(c.S3.Endpoint) == "" || strings.TrimSpace(c.S3.Bucket) == "") {
		return fmt.Errorf("%w: s3 needs an endpoint and a bucket", ErrInvalidConfig)
	}
	return nil
}

// checkFallbackPaths rejects path overrides that would block a kind's
// fallback output, which has to be storable for any module.
func (c Config) checkFallbackPaths() error {
	rules := c.PathRules()
	if len(rules) == 0 {
		return nil
	}
	paths := policy.New(rules)
	templates := quality.NewTemplateFallback(log.New(io.Discard, "", 0))
	for _, kind := range domain.AllTaskKinds {
		if _, ok := rules[kind]; !ok {
			continue
		}
		req := domain.GenerationRequest{TaskID: string(kind), Kind: kind, Module: "sample"}
		for _, name := range templates.GenerateDeterministic(context.Background(), req).Names() {
			if ok, reason := paths.Allowed(kind, name); !ok {
				return fmt.Errorf("%w: kinds.%s.paths must allow fallback output %s (%s)", ErrInvalidConfig, kind, name, reason)
			}
		}
	}
	return nil
}

func knownKind(name string) bool {
	for _, k := range domain.AllTaskKinds {
		if string(k) == name {
			return true
		}
	}
	return false
}

func (c Config) BudgetPolicy() execution.BudgetPolicy {
	e := c.Engine
	return execution.BudgetPolicy{
		Base:                 durationMS(e.BaseBudgetMS),
		Steps:                e.BudgetSteps,
		MaxFactor:            e.MaxFactor,
		EscalationMultiplier: e.EscalationMultiplier,
		MaxBudget:            durationMS(e.MaxBudgetMS),
		MaxAttempts:          e.MaxAttempts,
	}
}

func (c Config) ChunkPolicy() chunk.Policy {
	ch := c.Engine.Chunking
	return chunk.Policy{SoftCeiling: ch.SoftCeiling, InteriorFactor: ch.InteriorFactor, HardCeiling: ch.HardCeiling}
}

// Bands falls back to the default bands when none are configured.
func (c Config) Bands() quality.Bands {
	b := quality.Bands{Excellent: c.Quality.Excellent, Good: c.Quality.Good, Fair: c.Quality.Fair}
	if b == (quality.Bands{}) {
		return quality.DefaultBands
	}
	return b
}

func (c Config) MinCoverage() map[domain.TaskKind]float64 {
	out := make(map[domain.TaskKind]float64, len(c.Quality.MinCoverage))
	for name, v := range c.Quality.MinCoverage {
		out[domain.TaskKind(name)] = v
	}
	return out
}

func (c Config) PathRules() map[domain.TaskKind][]string {
	out := make(map[domain.TaskKind][]string)
	for name, k := range c.Kinds {
		if len(k.Paths) > 0 {
			out[domain.TaskKind(name)] = k.Paths
		}
	}
	return out
}

// KindOverrides resolves every [kinds.<kind>] table against the engine policies.
func (c Config) KindOverrides() map[domain.TaskKind]orchestrator.KindPolicy {
	out := make(map[domain.TaskKind]orchestrator.KindPolicy)
	for name, k := range c.Kinds {
		kind := domain.TaskKind(name)
		if k.BaseBudgetMS == 0 && k.MaxAttempts == 0 && k.SoftCeiling == 0 && k.HardCeiling == 0 && k.Unchunked == nil {
			continue
		}
		policy := orchestrator.KindPolicy{Budget: c.BudgetPolicy(), Chunking: c.ChunkPolicy()}
		if kind == domain.TaskKindBuildGlue {
			policy.Chunking.Disabled = true
		}
		if k.BaseBudgetMS > 0 {
			policy.Budget.Base = durationMS(k.BaseBudgetMS)
		}
		if k.MaxAttempts > 0 {
			policy.Budget.MaxAttempts = k.MaxAttempts
		}
		if k.SoftCeiling > 0 {
			policy.Chunking.SoftCeiling = k.SoftCeiling
		}
		if k.HardCeiling > 0 {
			policy.Chunking.HardCeiling = k.HardCeiling
		}
		if k.Unchunked != nil {
			policy.Chunking.Disabled = *k.Unchunked
		}
		out[kind] = policy
	}
	return out
}

func (c Config) TaskKinds() []domain.TaskKind {
	out := make([]domain.TaskKind, 0, len(c.Input.Kinds))
	for _, name := range c.Input.Kinds {
		out = append(out, domain.TaskKind(name))
	}
	return out
}

func (c Config) EngineConfig() orchestrator.Config {
	return orchestrator.Config{
		Parallelism:      c.Engine.Parallelism,
		Budget:           c.BudgetPolicy(),
		Chunking:         c.ChunkPolicy(),
		Kinds:            c.KindOverrides(),
		Bands:            c.Bands(),
		AdaptiveTimeouts: c.Engine.AdaptiveTimeouts,
		DefaultVariant:   c.Engine.DefaultVariant,
		Model:            c.Generator.Model,
	}
}

func durationMS(v int) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Millisecond
}
