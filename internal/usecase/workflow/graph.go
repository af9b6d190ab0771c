package workflow

import (
	"fmt"
	"slices"
	"strings"

	"masterlinc/internal/domain"
)

// graph is the validated dependency DAG of one workflow.
type graph struct {
	ids        []string            // sorted step ids
	deps       map[string][]string // step -> steps it waits for
	dependents map[string][]string // step -> steps waiting for it
	order      []string            // topological order, ties broken by id
}

// buildGraph validates step identity and dependencies and computes a
// deterministic topological order. Every failure wraps ErrInvalidWorkflow.
func buildGraph(steps []domain.WorkflowStep) (*graph, error) {
	const op = "workflow.buildGraph"
	if len(steps) == 0 {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow, "workflow has no steps")
	}

	g := &graph{
		deps:       make(map[string][]string, len(steps)),
		dependents: make(map[string][]string, len(steps)),
	}
	for i, s := range steps {
		if strings.TrimSpace(s.ID) == "" {
			return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow, fmt.Sprintf("step[%d] has no step_id", i))
		}
		if _, dup := g.deps[s.ID]; dup {
			return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow, fmt.Sprintf("duplicate step_id %q", s.ID))
		}
		g.deps[s.ID] = nil
		g.ids = append(g.ids, s.ID)
	}
	slices.Sort(g.ids)

	for _, s := range steps {
		deps := slices.Clone(s.DependsOn)
		slices.Sort(deps)
		deps = slices.Compact(deps)
		for _, d := range deps {
			if d == s.ID {
				return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow, fmt.Sprintf("step %q depends on itself", s.ID))
			}
			if _, ok := g.deps[d]; !ok {
				return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
					fmt.Sprintf("step %q depends on unknown step %q", s.ID, d))
			}
			g.dependents[d] = append(g.dependents[d], s.ID)
		}
		g.deps[s.ID] = deps
	}
	for id := range g.dependents {
		slices.Sort(g.dependents[id])
	}

	order, ok := g.topoSort()
	if !ok {
		return nil, domain.NewSubSystemError("workflow", op, domain.ErrInvalidWorkflow,
			"dependency cycle: "+strings.Join(g.findCycle(), " -> "))
	}
	g.order = order
	return g, nil
}

// topoSort is Kahn's algorithm always taking the smallest ready id.
// Returns false when a cycle prevents completion.
func (g *graph) topoSort() ([]string, bool) {
	indegree := make(map[string]int, len(g.ids))
	var ready []string
	for _, id := range g.ids {
		indegree[id] = len(g.deps[id])
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]string, 0, len(g.ids))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, next := range g.dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				i, _ := slices.BinarySearch(ready, next)
				ready = slices.Insert(ready, i, next)
			}
		}
	}
	return order, len(order) == len(g.ids)
}

// findCycle returns one dependency cycle as a closed path (a -> b -> a),
// found by depth-first search with white/gray/black colouring.
func (g *graph) findCycle() []string {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, d := range g.deps[id] {
			switch color[d] {
			case gray:
				start := slices.Index(stack, d)
				cycle := slices.Clone(stack[start:])
				return append(cycle, d)
			case white:
				if c := visit(d); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, id := range g.ids {
		if color[id] == white {
			if c := visit(id); c != nil {
				return c
			}
		}
	}
	return nil
}
