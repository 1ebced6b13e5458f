package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"halforge/internal/domain"
	"halforge/internal/quality"
)

const sampleConfig = `
[engine]
parallelism = 3
max_attempts = 4
base_budget_ms = 2000
max_budget_ms = 60000
escalation_multiplier = 1.5
adaptive_timeouts = true
default_variant = "conservative"

[[engine.budget_steps]]
up_to = 10
factor = 1.0

[[engine.budget_steps]]
up_to = 40
factor = 2.0

[engine.chunking]
soft_ceiling = 24
interior_factor = 2
hard_ceiling = 10

[quality]
excellent = 0.95
good = 0.85
fair = 0.7

[quality.min_coverage]
aidl = 0.9

[kinds.build_glue]
base_budget_ms = 500

[kinds.sepolicy]
paths = ["sepolicy/**", "generated/sepolicy/**"]

[input]
include_prefixes = ["Vehicle.Cabin"]
kinds = ["aidl", "vhal_service"]

[generator]
provider = "offline"
model = "gpt-5"

[orchestrator]
addr = ":9000"
`

func TestParseBuildsEnginePolicies(t *testing.T) {
	cfg, err := Parse(sampleConfig)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.Raw["engine"] == nil {
		t.Fatalf("raw config missing engine table")
	}

	budget := cfg.BudgetPolicy()
	if budget.Base != 2*time.Second || budget.MaxAttempts != 4 || len(budget.Steps) != 2 || budget.Steps[1].Factor != 2.0 {
		t.Fatalf("budget=%+v", budget)
	}
	if got := cfg.ChunkPolicy(); got.SoftCeiling != 24 || got.HardCeiling != 10 {
		t.Fatalf("chunking=%+v", got)
	}
	if got := cfg.Bands(); got != (quality.Bands{Excellent: 0.95, Good: 0.85, Fair: 0.7}) {
		t.Fatalf("bands=%+v", got)
	}
	if got := cfg.MinCoverage()[domain.TaskKindAIDL]; got != 0.9 {
		t.Fatalf("aidl min coverage=%v", got)
	}
	if got := cfg.PathRules()[domain.TaskKindSEPolicy]; len(got) != 2 {
		t.Fatalf("sepolicy paths=%v", got)
	}
	if kinds := cfg.TaskKinds(); len(kinds) != 2 || kinds[1] != domain.TaskKindVHALService {
		t.Fatalf("kinds=%v", kinds)
	}

	overrides := cfg.KindOverrides()
	if _, ok := overrides[domain.TaskKindSEPolicy]; ok {
		t.Fatalf("paths-only kind table produced a policy override")
	}
	glue, ok := overrides[domain.TaskKindBuildGlue]
	if !ok {
		t.Fatalf("build_glue override missing")
	}
	if glue.Budget.Base != 500*time.Millisecond || glue.Budget.MaxAttempts != 4 || !glue.Chunking.Disabled {
		t.Fatalf("build_glue override=%+v", glue)
	}

	engine := cfg.EngineConfig()
	if engine.Parallelism != 3 || !engine.AdaptiveTimeouts || engine.DefaultVariant != domain.PromptVariantConservative || engine.Model != "gpt-5" {
		t.Fatalf("engine config=%+v", engine)
	}
}

func TestBandsDefaultWhenUnset(t *testing.T) {
	if got := (Config{}).Bands(); got != quality.DefaultBands {
		t.Fatalf("bands=%+v", got)
	}
}

func TestUnchunkedOverride(t *testing.T) {
	off := false
	cfg := Config{Kinds: map[string]KindConfig{"build_glue": {Unchunked: &off}}}
	if cfg.KindOverrides()[domain.TaskKindBuildGlue].Chunking.Disabled {
		t.Fatalf("unchunked=false did not enable chunking")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "negative parallelism", data: "[engine]\nparallelism = -1"},
		{name: "unknown variant", data: "[engine]\ndefault_variant = \"verbose\""},
		{name: "shrinking escalation", data: "[engine]\nescalation_multiplier = 0.5"},
		{name: "steps out of order", data: "[[engine.budget_steps]]\nup_to = 40\nfactor = 2.0\n[[engine.budget_steps]]\nup_to = 10\nfactor = 1.0"},
		{name: "bands out of order", data: "[quality]\nexcellent = 0.5\ngood = 0.8\nfair = 0.7"},
		{name: "unknown kind", data: "[kinds.firmware]\nmax_attempts = 2"},
		{name: "coverage range", data: "[quality.min_coverage]\naidl = 1.5"},
		{name: "unknown provider", data: "[generator]\nprovider = \"carrier-pigeon\""},
		{name: "s3 without bucket", data: "[s3]\nenabled = true\nendpoint = \"localhost:9000\""},
		{name: "paths block fallback", data: "[kinds.aidl]\npaths = [\"hal/**\"]"},
		{name: "paths pinned to one module", data: "[kinds.vhal_service]\npaths = [\"vhal/hvac/**\"]"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse(tc.data)
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("err=%v", err)
			}
		})
	}
}

func TestValidateAcceptsWiderPaths(t *testing.T) {
	cfg, err := Parse("[kinds.aidl]\npaths = [\"aidl/**\", \"hal/**\"]")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "halforge.toml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Path != path || cfg.Orchestrator.Addr != ":9000" {
		t.Fatalf("cfg path=%q addr=%q", cfg.Path, cfg.Orchestrator.Addr)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("explicit missing path should fail")
	}
	if _, err := Parse("[engine\n"); err == nil {
		t.Fatalf("malformed toml should fail")
	}
}
