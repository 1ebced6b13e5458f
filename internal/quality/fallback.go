package quality

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"text/template"

	"halforge/internal/domain"
)

type entityTemplate struct {
	name string
	role string
	body string
}

var kindTemplates = map[domain.TaskKind][]entityTemplate{
	domain.TaskKindDesignDoc: {{
		name: "docs/design.md",
		role: "doc",
		body: `# Vehicle HAL design
{{range .Units}}
- {{.ID}} ({{.Name}}): {{.Type}} {{.Access}} in {{.Domain}}{{if .Unit}} [{{.Unit}}]{{end}}{{end}}
`,
	}},
	domain.TaskKindAIDL: {{
		name: "aidl/{{.ModuleLower}}/I{{.Class}}Properties.aidl",
		role: "interface",
		body: `package android.hardware.automotive.vehicle.{{.ModuleLower}};

@VintfStability
@Backing(type="int")
enum I{{.Class}}Properties {
{{- range $i, $u := .Units}}
    {{$u.ID}} = {{propertyID $.ChunkSeq $i}},{{end}}
}
`,
	}},
	domain.TaskKindVHALService: {
		{
			name: "vhal/{{.ModuleLower}}/{{.Class}}PropertyStore.cpp",
			role: "source",
			body: `#include "{{.Class}}PropertyStore.h"

namespace android::hardware::automotive::vehicle::{{.ModuleLower}} {
{{range .Units}}
// {{.ID}} {{.Type}} {{.Access}}
static const char* k{{.ID}} = "{{.Name}}";{{end}}

}  // namespace
`,
		},
		{
			name: "vhal/{{.ModuleLower}}/{{.ModuleLower}}_properties.json",
			role: "config",
			body: `{{toJSON .Config}}`,
		},
	},
	domain.TaskKindCarService: {{
		name: "car_service/{{.ModuleLower}}/{{.Class}}Manager.java",
		role: "source",
		body: `package com.android.car.{{.ModuleLower}};

public final class {{.Class}}Manager {
{{- range .Units}}
    public static final String {{.Name}} = "{{.Path}}";{{end}}
}
`,
	}},
	domain.TaskKindSEPolicy: {{
		name: "sepolicy/{{.ModuleLower}}/vhal_{{.ModuleLower}}.te",
		role: "policy",
		body: `type vhal_{{.ModuleLower}}, domain;
allow vhal_{{.ModuleLower}} hal_vehicle_service:service_manager find;
{{range .Units}}{{if eq .Access "READ_WRITE"}}# writable: {{.ID}}
{{end}}{{end}}`,
	}},
	domain.TaskKindAndroidApp: {
		{
			name: "app/src/main/AndroidManifest.xml",
			role: "manifest",
			body: `<?xml version="1.0" encoding="utf-8"?>
<manifest xmlns:android="http://schemas.android.com/apk/res/android" package="com.halforge.app">
    <uses-permission android:name="android.car.permission.CAR_INFO"/>
    <application android:label="Vehicle properties"/>
</manifest>
`,
		},
		{
			name: "app/src/main/java/com/halforge/app/Properties.kt",
			role: "source",
			body: `package com.halforge.app

object Properties {
    val all = listOf(
{{- range .Units}}
        "{{.Name}}",{{end}}
    )
}
`,
		},
	},
	domain.TaskKindBackend: {{
		name: "backend/openapi.yaml",
		role: "spec",
		body: `openapi: 3.0.0
info:
  title: Vehicle properties
  version: "1.0"
paths:
  /properties:
    get:
      summary: List vehicle properties
      responses:
        "200":
          description: {{len .Units}} properties
`,
	}},
	domain.TaskKindBuildGlue: {{
		name: "build/Android.bp",
		role: "build",
		body: `cc_binary {
    name: "android.hardware.automotive.vehicle-service.halforge",
    srcs: [
{{- range .Dependencies}}{{if eq .Kind "vhal_service"}}{{range .Entities}}
        "{{.}}",{{end}}{{end}}{{end}}
    ],
}
`,
	}},
}

var templateFuncs = template.FuncMap{
	"propertyID": func(seq, i int) string {
		return fmt.Sprintf("0x%04X", 0x1000+seq*0x100+i)
	},
	"toJSON": func(v any) (string, error) {
		data, err := json.MarshalIndent(v, "", "  ")
		return string(data), err
	},
}

type compiledTemplate struct {
	name *template.Template
	role string
	body *template.Template
}

type templateData struct {
	Kind         domain.TaskKind
	Module       string
	ModuleLower  string
	Class        string
	ChunkSeq     int
	Units        []domain.Property
	Dependencies []domain.DependencyOutput
	Config       []propertyConfig
}

type propertyConfig struct {
	Property string `json:"property"`
	Type     string `json:"type"`
	Access   string `json:"access"`
	Area     string `json:"area"`
}

// TemplateFallback renders fixed per-kind templates. It never fails: if a
// template cannot render, a plain listing of the units is returned instead.
type TemplateFallback struct {
	templates map[domain.TaskKind][]compiledTemplate
	logger    *log.Logger
}

func NewTemplateFallback(logger *log.Logger) *TemplateFallback {
	if logger == nil {
		logger = log.Default()
	}
	compiled := make(map[domain.TaskKind][]compiledTemplate, len(kindTemplates))
	for kind, entities := range kindTemplates {
		for i, entity := range entities {
			id := fmt.Sprintf("%s.%d", kind, i)
			compiled[kind] = append(compiled[kind], compiledTemplate{
				name: template.Must(template.New(id + ".name").Funcs(templateFuncs).Parse(entity.name)),
				role: entity.role,
				body: template.Must(template.New(id + ".body").Funcs(templateFuncs).Parse(entity.body)),
			})
		}
	}
	return &TemplateFallback{templates: compiled, logger: logger}
}

func (f *TemplateFallback) GenerateDeterministic(ctx context.Context, req domain.GenerationRequest) domain.Content {
	templates, ok := f.templates[req.Kind]
	if !ok {
		return plainContent(req)
	}
	data := newTemplateData(req)
	var content domain.Content
	for _, tpl := range templates {
		name, err := render(tpl.name, data)
		if err == nil {
			var body string
			body, err = render(tpl.body, data)
			if err == nil {
				content.Entities = append(content.Entities, domain.Entity{Name: name, Role: tpl.role, Body: body})
				continue
			}
		}
		f.logger.Printf("fallback template failed task=%s kind=%s: %v", req.TaskID, req.Kind, err)
		return plainContent(req)
	}
	return content
}

// RoleOf returns the role the templates for req's kind give name.
func (f *TemplateFallback) RoleOf(req domain.GenerationRequest, name string) (string, bool) {
	templates, ok := f.templates[req.Kind]
	if !ok {
		return "", false
	}
	data := newTemplateData(req)
	for _, tpl := range templates {
		rendered, err := render(tpl.name, data)
		if err == nil && rendered == name {
			return tpl.role, true
		}
	}
	return "", false
}

func newTemplateData(req domain.GenerationRequest) templateData {
	module := req.Module
	if module == "" {
		module = "vehicle"
	}
	data := templateData{
		Kind:         req.Kind,
		Module:       module,
		ModuleLower:  strings.ToLower(module),
		Class:        className(module),
		ChunkSeq:     req.ChunkSeq,
		Units:        req.Units,
		Dependencies: req.Dependencies,
	}
	for _, unit := range req.Units {
		data.Config = append(data.Config, propertyConfig{
			Property: unit.Name,
			Type:     string(unit.Type),
			Access:   string(unit.Access),
			Area:     "GLOBAL",
		})
	}
	return data
}

func className(module string) string {
	lower := strings.ToLower(module)
	if lower == "" {
		return ""
	}
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func render(tpl *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func plainContent(req domain.GenerationRequest) domain.Content {
	var body strings.Builder
	fmt.Fprintf(&body, "# %s (%s)\n", req.TaskID, req.Kind)
	for _, unit := range req.Units {
		fmt.Fprintf(&body, "%s %s %s\n", unit.ID, unit.Type, unit.Access)
	}
	name := strings.NewReplacer(".", "_", "/", "_").Replace(req.TaskID)
	return domain.Content{Entities: []domain.Entity{{
		Name: "generated/" + name + ".txt",
		Role: "text",
		Body: body.String(),
	}}}
}
