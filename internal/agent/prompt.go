package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"halforge/internal/domain"
)

var ErrEmptyOutput = errors.New("model returned no entities")

// generatedContent is the JSON shape every backend asks the model for.
type generatedContent struct {
	Entities []generatedEntity `json:"entities"`
}

type generatedEntity struct {
	Name string `json:"name"`
	Role string `json:"role"`
	Body string `json:"body"`
}

const outputSchema = `{
  "type":"object",
  "additionalProperties":false,
  "required":["entities"],
  "properties":{
    "entities":{
      "type":"array",
      "minItems":1,
      "items":{
        "type":"object",
        "additionalProperties":false,
        "required":["name","role","body"],
        "properties":{
          "name":{"type":"string","minLength":1},
          "role":{"type":"string","minLength":1},
          "body":{"type":"string"}
        }
      }
    }
  }
}`

const instructions = `You generate Android Automotive vehicle HAL artifacts from vehicle signals.
Return only valid JSON. Do not wrap output in markdown fences.
Required top-level JSON shape:
{
  "entities": [
    {"name": "relative/path.ext", "role": "one of the allowed roles", "body": "file text"}
  ]
}
Names must be relative and must not contain ".." or start with "/".
Use only the roles listed as allowed for the artifact.`

var kindGoals = map[domain.TaskKind]string{
	domain.TaskKindDesignDoc:   "Write the design document section describing these properties and their modules.",
	domain.TaskKindAIDL:        "Write the AIDL interface declaring one constant per property.",
	domain.TaskKindVHALService: "Write the native VHAL service code and the property configuration JSON for these properties.",
	domain.TaskKindCarService:  "Write the CarService manager exposing getters and setters for these properties.",
	domain.TaskKindSEPolicy:    "Write the SELinux policy rules the VHAL service needs for this module.",
	domain.TaskKindAndroidApp:  "Write the Android app manifest and Kotlin property bindings.",
	domain.TaskKindBackend:     "Write the backend OpenAPI document exposing the property values.",
	domain.TaskKindBuildGlue:   "Write the Android.bp build rules tying the generated modules together.",
}

var variantHints = map[string]string{
	domain.PromptVariantMinimal:      "Keep every body short: declarations only, no comments, no examples.",
	domain.PromptVariantDetailed:     "Document each property briefly where the format allows comments.",
	domain.PromptVariantConservative: "Use only the property names given. Do not invent properties, files or roles. Every body must parse in its format.",
	domain.PromptVariantAggressive:   "Cover every property in as few entities as possible.",
}

func buildPrompt(req domain.GenerationRequest) string {
	var b strings.Builder
	goal := kindGoals[req.Kind]
	if goal == "" {
		goal = fmt.Sprintf("Write the %s artifact for these properties.", req.Kind)
	}
	b.WriteString(goal)
	b.WriteString("\n")
	if roles := domain.KindRoles[req.Kind]; len(roles) > 0 {
		fmt.Fprintf(&b, "Allowed roles: %s.\n", strings.Join(roles, ", "))
	}
	if hint := variantHints[req.Variant]; hint != "" {
		b.WriteString(hint)
		b.WriteString("\n")
	}
	if req.ChunkCount > 1 {
		fmt.Fprintf(&b, "This is part %d of %d. Only cover the properties listed here; other parts cover the rest.\n", req.ChunkSeq+1, req.ChunkCount)
	}
	if req.Module != "" {
		fmt.Fprintf(&b, "\nModule: %s\n", req.Module)
	}
	if len(req.Units) > 0 {
		b.WriteString("\nProperties:\n")
		for _, p := range req.Units {
			fmt.Fprintf(&b, "- %s id=%s type=%s access=%s", p.Name, p.ID, p.Type, p.Access)
			if p.Unit != "" {
				fmt.Fprintf(&b, " unit=%s", p.Unit)
			}
			if p.Description != "" {
				fmt.Fprintf(&b, " (%s)", p.Description)
			}
			b.WriteString("\n")
		}
	}
	if len(req.Dependencies) > 0 {
		b.WriteString("\nAlready generated:\n")
		for _, dep := range req.Dependencies {
			fmt.Fprintf(&b, "- %s (%s): %s\n", dep.TaskID, dep.Kind, strings.Join(dep.Entities, ", "))
			if dep.Excerpt != "" {
				b.WriteString(indent(dep.Excerpt, "    "))
			}
		}
	}
	if len(req.Payload) > 0 {
		b.WriteString("\nExtra input:\n")
		b.Write(req.Payload)
		b.WriteString("\n")
	}
	if req.PreviousOutcome != "" {
		fmt.Fprintf(&b, "\nThe previous attempt ended with %s", req.PreviousOutcome)
		if req.PreviousReason != "" {
			fmt.Fprintf(&b, ": %s", req.PreviousReason)
		}
		b.WriteString(".\n")
	}
	return b.String()
}

// parseOutput accepts the JSON object alone, inside a markdown fence, or
// surrounded by prose.
func parseOutput(raw []byte) (domain.Content, error) {
	text := strings.TrimSpace(string(raw))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var out generatedContent
	if err := json.Unmarshal([]byte(text), &out); err != nil {
		start := strings.Index(text, "{")
		end := strings.LastIndex(text, "}")
		if start < 0 || end <= start {
			return domain.Content{}, err
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
			return domain.Content{}, err
		}
	}
	if len(out.Entities) == 0 {
		return domain.Content{}, ErrEmptyOutput
	}
	content := domain.Content{Entities: make([]domain.Entity, 0, len(out.Entities))}
	for _, e := range out.Entities {
		content.Entities = append(content.Entities, domain.Entity{Name: strings.TrimSpace(e.Name), Role: strings.ToLower(strings.TrimSpace(e.Role)), Body: e.Body})
	}
	return content, nil
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, line := range lines {
		lines[i] = prefix + line
	}
	return strings.Join(lines, "\n") + "\n"
}

func trim(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
