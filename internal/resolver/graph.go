package resolver

import (
	"fmt"
	"slices"

	"github.com/MrSnakeDoc/keel/internal/domain"
)

// graph holds, for every node, the dependencies that must start before it.
type graph struct {
	nodes []string
	deps  map[string][]string
}

// build walks the transitive closure of roots. Required dependencies must resolve;
// optional ones are followed only when present and when withOptional is set.
func build(roots []string, lookup func(string) (domain.ServiceDefinition, bool), withOptional bool) (*graph, error) {
	g := &graph{deps: make(map[string][]string)}
	queue := slices.Clone(roots)
	seen := make(map[string]bool, len(roots))

	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		if seen[name] {
			continue
		}
		seen[name] = true

		def, ok := lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceNotFound, name)
		}
		g.nodes = append(g.nodes, name)

		var deps []string
		for _, dep := range def.RequiredDependencies {
			if _, ok := lookup(dep); !ok {
				return nil, fmt.Errorf("%w: %s requires unknown service %s",
					domain.ErrInvalidConfiguration, name, dep)
			}
			deps = append(deps, dep)
		}
		if withOptional {
			for _, dep := range def.OptionalDependencies {
				if _, ok := lookup(dep); ok {
					deps = append(deps, dep)
				}
			}
		}
		slices.Sort(deps)
		g.deps[name] = deps
		queue = append(queue, deps...)
	}
	slices.Sort(g.nodes)
	return g, nil
}

// kahn peels zero in-degree nodes tier by tier. Nodes left over sit on or behind a cycle.
func (g *graph) kahn() (tiers [][]string, remaining []string) {
	indeg := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string, len(g.nodes))
	for _, n := range g.nodes {
		indeg[n] = len(g.deps[n])
		for _, d := range g.deps[n] {
			dependents[d] = append(dependents[d], n)
		}
	}

	done := 0
	for {
		var tier []string
		for _, n := range g.nodes {
			if indeg[n] == 0 {
				tier = append(tier, n)
			}
		}
		if len(tier) == 0 {
			break
		}
		for _, n := range tier {
			indeg[n] = -1
			for _, dep := range dependents[n] {
				indeg[dep]--
			}
		}
		done += len(tier)
		tiers = append(tiers, tier)
	}

	if done == len(g.nodes) {
		return tiers, nil
	}
	for _, n := range g.nodes {
		if indeg[n] > 0 {
			remaining = append(remaining, n)
		}
	}
	return tiers, remaining
}

// cyclePath follows dependencies inside the remaining set until a node repeats.
func (g *graph) cyclePath(remaining []string) []string {
	if len(remaining) == 0 {
		return nil
	}
	in := make(map[string]bool, len(remaining))
	for _, n := range remaining {
		in[n] = true
	}

	pos := make(map[string]int)
	var path []string
	cur := remaining[0]
	for {
		if i, ok := pos[cur]; ok {
			return append(slices.Clone(path[i:]), cur)
		}
		pos[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, d := range g.deps[cur] {
			if in[d] {
				next = d
				break
			}
		}
		if next == "" {
			return nil
		}
		cur = next
	}
}

func (g *graph) cycleError(remaining []string) error {
	return &domain.CycleError{Nodes: remaining, Path: g.cyclePath(remaining)}
}
