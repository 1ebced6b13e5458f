package pipeline

import (
	"encoding/json"
	"fmt"
	"sort"

	"halforge/internal/domain"
)

type Options struct {
	// Kinds restricts the plan. Empty means every kind.
	Kinds []domain.TaskKind
	// Payload is attached to every task as-is.
	Payload json.RawMessage
}

// ModuleTaskID names the per-module task of a kind, for example "aidl.HVAC".
func ModuleTaskID(kind domain.TaskKind, module string) string {
	return fmt.Sprintf("%s.%s", kind, module)
}

// Plan builds the standard artifact set. Modules are the property domains
// in sorted order; dependencies on kinds left out of the plan are dropped.
func Plan(props []domain.Property, opts Options) []domain.TaskSpec {
	enabled := make(map[domain.TaskKind]bool, len(domain.AllTaskKinds))
	if len(opts.Kinds) == 0 {
		for _, kind := range domain.AllTaskKinds {
			enabled[kind] = true
		}
	}
	for _, kind := range opts.Kinds {
		enabled[kind] = true
	}

	byModule := make(map[string][]domain.Property)
	for _, prop := range props {
		byModule[prop.Domain] = append(byModule[prop.Domain], prop)
	}
	modules := make([]string, 0, len(byModule))
	for module := range byModule {
		modules = append(modules, module)
	}
	sort.Strings(modules)

	var specs []domain.TaskSpec
	add := func(kind domain.TaskKind, id, module string, units []domain.Property, deps ...string) {
		if !enabled[kind] {
			return
		}
		var kept []string
		for _, dep := range deps {
			if dep != "" {
				kept = append(kept, dep)
			}
		}
		specs = append(specs, domain.TaskSpec{
			ID:        id,
			Kind:      kind,
			Module:    module,
			DependsOn: kept,
			Units:     append([]domain.Property(nil), units...),
			Payload:   opts.Payload,
		})
	}
	ifEnabled := func(kind domain.TaskKind, id string) string {
		if enabled[kind] {
			return id
		}
		return ""
	}

	add(domain.TaskKindDesignDoc, string(domain.TaskKindDesignDoc), "", props)

	var carServices, vhalServices, sepolicies []string
	for _, module := range modules {
		units := byModule[module]
		aidl := ModuleTaskID(domain.TaskKindAIDL, module)
		vhal := ModuleTaskID(domain.TaskKindVHALService, module)
		car := ModuleTaskID(domain.TaskKindCarService, module)
		sepolicy := ModuleTaskID(domain.TaskKindSEPolicy, module)

		add(domain.TaskKindAIDL, aidl, module, units)
		add(domain.TaskKindVHALService, vhal, module, units, ifEnabled(domain.TaskKindAIDL, aidl))
		add(domain.TaskKindCarService, car, module, units, ifEnabled(domain.TaskKindAIDL, aidl))
		add(domain.TaskKindSEPolicy, sepolicy, module, units, ifEnabled(domain.TaskKindVHALService, vhal))

		carServices = append(carServices, ifEnabled(domain.TaskKindCarService, car))
		vhalServices = append(vhalServices, ifEnabled(domain.TaskKindVHALService, vhal))
		sepolicies = append(sepolicies, ifEnabled(domain.TaskKindSEPolicy, sepolicy))
	}

	design := ifEnabled(domain.TaskKindDesignDoc, string(domain.TaskKindDesignDoc))
	add(domain.TaskKindAndroidApp, string(domain.TaskKindAndroidApp), "", props, append([]string{design}, carServices...)...)
	add(domain.TaskKindBackend, string(domain.TaskKindBackend), "", props, design)
	add(domain.TaskKindBuildGlue, string(domain.TaskKindBuildGlue), "", props, append(vhalServices, sepolicies...)...)
	return specs
}
