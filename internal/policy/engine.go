package policy

import (
	"context"
	"path"
	"strings"

	"halforge/internal/domain"
)

type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

type Rule struct {
	Effect  Effect
	Pattern string
}

// DefaultPaths is where each kind may write, relative to the run directory.
var DefaultPaths = map[domain.TaskKind][]string{
	domain.TaskKindDesignDoc:   {"docs/**"},
	domain.TaskKindAIDL:        {"aidl/**"},
	domain.TaskKindVHALService: {"vhal/**"},
	domain.TaskKindCarService:  {"car_service/**"},
	domain.TaskKindSEPolicy:    {"sepolicy/**"},
	domain.TaskKindAndroidApp:  {"app/**"},
	domain.TaskKindBackend:     {"backend/**"},
	domain.TaskKindBuildGlue:   {"build/**"},
}

// commonRules apply to every kind before the kind's own rules.
var commonRules = []Rule{
	{Effect: EffectDeny, Pattern: ".git/**"},
	{Effect: EffectDeny, Pattern: "**/.git/**"},
	{Effect: EffectAllow, Pattern: "generated/**"},
}

// Engine decides which artifact paths a task kind may write. Deny wins over
// allow; no matching allow is a deny.
type Engine struct {
	rules map[domain.TaskKind][]Rule
}

// New replaces the default allow patterns of every kind named in paths.
func New(paths map[domain.TaskKind][]string) *Engine {
	rules := make(map[domain.TaskKind][]Rule, len(DefaultPaths))
	for kind, patterns := range DefaultPaths {
		if override, ok := paths[kind]; ok && len(override) > 0 {
			patterns = override
		}
		rules[kind] = allowRules(patterns)
	}
	for kind, patterns := range paths {
		if _, ok := rules[kind]; !ok {
			rules[kind] = allowRules(patterns)
		}
	}
	return &Engine{rules: rules}
}

func allowRules(patterns []string) []Rule {
	out := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, Rule{Effect: EffectAllow, Pattern: p})
		}
	}
	return out
}

func (e *Engine) Allowed(kind domain.TaskKind, target string) (bool, string) {
	target = normalizeRelPath(target)
	var allowMatch bool
	for _, rule := range append(append([]Rule(nil), commonRules...), e.rules[kind]...) {
		if !globMatch(rule.Pattern, target) {
			continue
		}
		if rule.Effect == EffectDeny {
			return false, "denied by explicit deny rule " + rule.Pattern
		}
		allowMatch = true
	}
	if allowMatch {
		return true, "allowed"
	}
	return false, "default deny (no matching allow rule for " + string(kind) + ")"
}

func (e *Engine) CanFileOperation(ctx context.Context, kind domain.TaskKind, operation domain.FileOperation, target string) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	allowed, reason := e.Allowed(kind, target)
	return allowed, reason, nil
}

func normalizeRelPath(p string) string {
	cleaned := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	cleaned = strings.TrimPrefix(cleaned, "./")
	cleaned = strings.TrimPrefix(cleaned, "/")
	if cleaned == "" {
		return "."
	}
	return cleaned
}

// globMatch supports path.Match patterns plus a trailing "/**" for a whole
// subtree and a leading "**/" for any depth.
func globMatch(pattern string, value string) bool {
	p := normalizeRelPath(pattern)
	v := normalizeRelPath(value)
	if p == "**" || p == "*" {
		return true
	}
	if rest, ok := strings.CutPrefix(p, "**/"); ok {
		for {
			if globMatch(rest, v) {
				return true
			}
			i := strings.Index(v, "/")
			if i < 0 {
				return false
			}
			v = v[i+1:]
		}
	}
	if strings.HasSuffix(p, "/**") {
		base := strings.TrimSuffix(p, "/**")
		if !strings.ContainsAny(base, "*?[") {
			return v == base || strings.HasPrefix(v, base+"/")
		}
		parts := strings.Split(v, "/")
		for i := 1; i <= len(parts); i++ {
			if ok, _ := path.Match(base, strings.Join(parts[:i], "/")); ok {
				return true
			}
		}
		return false
	}
	ok, err := path.Match(p, v)
	if err != nil {
		return false
	}
	return ok
}
