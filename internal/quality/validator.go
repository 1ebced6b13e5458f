package quality

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"halforge/internal/domain"
)

// DefaultMinCoverage is the share of a chunk's properties that content of
// the listed kinds has to mention.
var DefaultMinCoverage = map[domain.TaskKind]float64{
	domain.TaskKindAIDL:        0.8,
	domain.TaskKindVHALService: 0.8,
	domain.TaskKindCarService:  0.6,
	domain.TaskKindDesignDoc:   0.5,
}

// PathPolicy reports whether a task kind may produce an entity name.
type PathPolicy interface {
	Allowed(kind domain.TaskKind, name string) (bool, string)
}

// RoleSource names the role a kind's fallback gives an entity name, if any.
type RoleSource interface {
	RoleOf(req domain.GenerationRequest, name string) (string, bool)
}

// StructuralValidator checks shape, never meaning: safe entity names,
// roles from the kind's set, non-empty bodies, parseable data files and
// property coverage.
type StructuralValidator struct {
	MinCoverage map[domain.TaskKind]float64
	Paths       PathPolicy
	// Roles pins names the fallback also produces to the fallback's role,
	// so generated and fallback chunks of one task merge cleanly.
	Roles RoleSource
}

func NewStructuralValidator(minCoverage map[domain.TaskKind]float64) *StructuralValidator {
	merged := make(map[domain.TaskKind]float64, len(DefaultMinCoverage))
	for kind, v := range DefaultMinCoverage {
		merged[kind] = v
	}
	for kind, v := range minCoverage {
		merged[kind] = v
	}
	return &StructuralValidator{MinCoverage: merged}
}

func (v *StructuralValidator) Validate(ctx context.Context, content domain.Content, req domain.GenerationRequest) (bool, string, error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	if len(content.Entities) == 0 {
		return false, "no entities in result", nil
	}
	var corpus strings.Builder
	for _, entity := range content.Entities {
		if err := validateRelativePath(entity.Name); err != nil {
			return false, fmt.Sprintf("entity %q: %v", entity.Name, err), nil
		}
		if v.Paths != nil {
			if ok, reason := v.Paths.Allowed(req.Kind, entity.Name); !ok {
				return false, fmt.Sprintf("entity %q: %s", entity.Name, reason), nil
			}
		}
		if strings.TrimSpace(entity.Role) == "" {
			return false, fmt.Sprintf("entity %q has no role", entity.Name), nil
		}
		if !domain.RoleAllowed(req.Kind, entity.Role) {
			return false, fmt.Sprintf("entity %q role %q is not one of [%s]", entity.Name, entity.Role, strings.Join(domain.KindRoles[req.Kind], " ")), nil
		}
		if v.Roles != nil {
			if want, ok := v.Roles.RoleOf(req, entity.Name); ok && want != entity.Role {
				return false, fmt.Sprintf("entity %q must have role %q", entity.Name, want), nil
			}
		}
		if strings.TrimSpace(entity.Body) == "" {
			return false, fmt.Sprintf("entity %q is empty", entity.Name), nil
		}
		if err := checkSyntax(entity); err != nil {
			return false, fmt.Sprintf("entity %q: %v", entity.Name, err), nil
		}
		corpus.WriteString(strings.ToLower(entity.Body))
		corpus.WriteByte('\n')
	}

	threshold := v.MinCoverage[req.Kind]
	if threshold > 0 && len(req.Units) > 0 {
		coverage := Coverage(corpus.String(), req.Units)
		if coverage < threshold {
			return false, fmt.Sprintf("property coverage %.2f below %.2f", coverage, threshold), nil
		}
	}
	return true, "", nil
}

// Coverage is the share of units whose id, property name or leaf name occurs
// in the lower-cased text.
func Coverage(lowerText string, units []domain.Property) float64 {
	if len(units) == 0 {
		return 1
	}
	mentioned := 0
	for _, unit := range units {
		for _, token := range unitTokens(unit) {
			if token != "" && strings.Contains(lowerText, strings.ToLower(token)) {
				mentioned++
				break
			}
		}
	}
	return float64(mentioned) / float64(len(units))
}

func unitTokens(unit domain.Property) []string {
	leaf := unit.Path
	if i := strings.LastIndex(leaf, "."); i >= 0 {
		leaf = leaf[i+1:]
	}
	return []string{unit.ID, unit.Name, leaf}
}

func checkSyntax(entity domain.Entity) error {
	switch syntaxOf(entity) {
	case "json":
		if !json.Valid([]byte(entity.Body)) {
			return errors.New("invalid json")
		}
	case "yaml":
		var doc any
		if err := yaml.Unmarshal([]byte(entity.Body), &doc); err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
	case "xml":
		dec := xml.NewDecoder(strings.NewReader(entity.Body))
		for {
			if _, err := dec.Token(); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				return fmt.Errorf("invalid xml: %w", err)
			}
		}
	}
	return nil
}

func syntaxOf(entity domain.Entity) string {
	switch strings.ToLower(path.Ext(entity.Name)) {
	case ".json":
		return "json"
	case ".yaml", ".yml":
		return "yaml"
	case ".xml":
		return "xml"
	}
	switch strings.ToLower(entity.Role) {
	case "json", "yaml", "xml":
		return strings.ToLower(entity.Role)
	}
	return ""
}

func validateRelativePath(p string) error {
	value := strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	value = strings.TrimPrefix(value, "./")
	if value == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(value, "/") {
		return fmt.Errorf("absolute path is not allowed")
	}
	clean := filepath.Clean(value)
	if clean == "." {
		return fmt.Errorf("path resolves to current directory")
	}
	if strings.HasPrefix(clean, "..") {
		return fmt.Errorf("path escapes root")
	}
	return nil
}
