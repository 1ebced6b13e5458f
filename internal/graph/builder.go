package graph

import (
	"sort"
	"strings"

	"halforge/internal/domain"
)

// Graph is the validated dependency graph. It is never mutated after Build,
// so it can be read from any number of goroutines.
type Graph struct {
	order []string
	specs map[string]domain.TaskSpec
	deps  map[string][]string
}

// Build validates specs and returns the dependency graph. No partial graph
// is returned on failure.
func Build(specs []domain.TaskSpec) (*Graph, error) {
	if len(specs) == 0 {
		return nil, invalidf("", "no tasks")
	}
	g := &Graph{
		order: make([]string, 0, len(specs)),
		specs: make(map[string]domain.TaskSpec, len(specs)),
		deps:  make(map[string][]string, len(specs)),
	}
	for _, spec := range specs {
		spec.ID = strings.TrimSpace(spec.ID)
		if spec.ID == "" {
			return nil, invalidf("", "task id is required")
		}
		if _, exists := g.specs[spec.ID]; exists {
			return nil, invalidf(spec.ID, "duplicate task id %s", spec.ID)
		}
		deps := make([]string, 0, len(spec.DependsOn))
		seen := make(map[string]bool, len(spec.DependsOn))
		for _, dep := range spec.DependsOn {
			dep = strings.TrimSpace(dep)
			if dep == "" || seen[dep] {
				continue
			}
			if dep == spec.ID {
				return nil, cycleError([]string{spec.ID, spec.ID})
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		sort.Strings(deps)
		spec.DependsOn = deps
		g.specs[spec.ID] = spec
		g.deps[spec.ID] = deps
		g.order = append(g.order, spec.ID)
	}
	sort.Strings(g.order)

	for _, id := range g.order {
		for _, dep := range g.deps[id] {
			if _, ok := g.specs[dep]; !ok {
				return nil, unknownDependency(id, dep)
			}
		}
	}
	if path := findCycle(g.order, g.deps); path != nil {
		return nil, cycleError(path)
	}
	return g, nil
}

const (
	white = iota
	gray
	black
)

// findCycle runs a three-color depth-first search and returns the first
// cycle found as a closed path, or nil.
func findCycle(order []string, deps map[string][]string) []string {
	color := make(map[string]int, len(order))
	stack := make([]string, 0, len(order))
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				start := 0
				for i, item := range stack {
					if item == dep {
						start = i
						break
					}
				}
				cycle = append(append([]string{}, stack[start:]...), dep)
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for _, id := range order {
		if color[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns the task ids in sorted order.
func (g *Graph) IDs() []string {
	return append([]string(nil), g.order...)
}

func (g *Graph) Spec(id string) (domain.TaskSpec, bool) {
	spec, ok := g.specs[id]
	return spec, ok
}

func (g *Graph) DependsOn(id string) []string {
	return append([]string(nil), g.deps[id]...)
}
