package state

import (
	"sort"
	"strings"

	"github.com/stepflow-go/stepflow/pkg/workflow"
)

// depGraph is the static dependency graph over computed fields, built once
// at initialization from the state schema. Nodes are computed field names;
// an edge a -> b means b's transform reads a's value.
type depGraph struct {
	fields map[string]workflow.ComputedField
	// primaryDeps are the non-computed from-paths of each field, as authored
	// (e.g. "state.a", "inputs.retries").
	primaryDeps map[string][]string
	// edges maps a computed field to the computed fields that depend on it.
	edges map[string][]string
	// order is a topological order over the fields.
	order []string
}

// buildDepGraph extracts dependencies from the schema's from-lists and
// returns CIRCULAR_DEPENDENCY naming the cycle members when the graph is
// not a DAG.
func buildDepGraph(schema workflow.StateSchema) (*depGraph, error) {
	g := &depGraph{
		fields:      make(map[string]workflow.ComputedField, len(schema.Computed)),
		primaryDeps: make(map[string][]string),
		edges:       make(map[string][]string),
	}
	for name, field := range schema.Computed {
		g.fields[name] = field
	}

	for name, field := range g.fields {
		paths, _ := field.FromPaths()
		for _, path := range paths {
			if dep, ok := g.computedDep(path); ok {
				g.edges[dep] = append(g.edges[dep], name)
			} else {
				g.primaryDeps[name] = append(g.primaryDeps[name], path)
			}
		}
	}

	if cycle := g.findCycle(); len(cycle) > 0 {
		sort.Strings(cycle)
		return nil, workflow.NewError(workflow.CodeCircularDependency,
			"computed fields form a cycle: %s", strings.Join(cycle, ", "))
	}

	g.order = g.topoOrder()
	return g, nil
}

// computedDep resolves a from-path to a computed field name when it targets
// the computed tier, either as "computed.x" or as a bare field name.
func (g *depGraph) computedDep(path string) (string, bool) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return "", false
	}
	if segs[0] == TierComputed && len(segs) > 1 {
		if _, ok := g.fields[segs[1]]; ok {
			return segs[1], true
		}
		return "", false
	}
	if _, ok := g.fields[segs[0]]; ok {
		return segs[0], true
	}
	return "", false
}

// findCycle runs an iterative DFS coloring over the field graph and returns
// the members of the first cycle found, or nil.
func (g *depGraph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.fields))
	parent := make(map[string]string)

	names := make([]string, 0, len(g.fields))
	for name := range g.fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, start := range names {
		if color[start] != white {
			continue
		}
		type frame struct {
			node string
			next int
		}
		stack := []frame{{node: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.edges[top.node]
			if top.next < len(deps) {
				child := deps[top.next]
				top.next++
				switch color[child] {
				case white:
					color[child] = gray
					parent[child] = top.node
					stack = append(stack, frame{node: child})
				case gray:
					// Back edge: walk parents to collect the cycle.
					cycle := []string{child}
					for at := top.node; at != child && at != ""; at = parent[at] {
						cycle = append(cycle, at)
					}
					return cycle
				}
				continue
			}
			color[top.node] = black
			stack = stack[:len(stack)-1]
		}
	}
	return nil
}

// topoOrder returns fields in dependency order (dependencies first). Only
// valid after findCycle reported no cycle.
func (g *depGraph) topoOrder() []string {
	inDegree := make(map[string]int, len(g.fields))
	for name := range g.fields {
		inDegree[name] = 0
	}
	for _, dependents := range g.edges {
		for _, d := range dependents {
			inDegree[d]++
		}
	}

	queue := make([]string, 0, len(g.fields))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.fields))
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		order = append(order, name)
		added := false
		for _, d := range g.edges[name] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
				added = true
			}
		}
		if added {
			sort.Strings(queue)
		}
	}
	return order
}

// affectedBy returns the computed fields whose transitive dependency set
// intersects the changed primary paths.
func (g *depGraph) affectedBy(changedPaths []string) map[string]bool {
	affected := make(map[string]bool)
	for name, deps := range g.primaryDeps {
		for _, dep := range deps {
			for _, changed := range changedPaths {
				if pathsOverlap(dep, changed) {
					affected[name] = true
				}
			}
		}
	}

	// Propagate through computed-to-computed edges.
	queue := make([]string, 0, len(affected))
	for name := range affected {
		queue = append(queue, name)
	}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		for _, dependent := range g.edges[name] {
			if !affected[dependent] {
				affected[dependent] = true
				queue = append(queue, dependent)
			}
		}
	}
	return affected
}
