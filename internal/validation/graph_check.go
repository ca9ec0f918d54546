package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rendis/engageflow/pkg/schema"
)

// validateGraph reports unreachable steps and cycles. Both are warnings:
// cycles are legal and bounded by the interpreter's step limit.
func validateGraph(g *schema.Graph, wf *schema.Workflow) *schema.Report {
	result := &schema.Report{}

	index := make(map[string]int, len(wf.Steps))
	for i, s := range wf.Steps {
		index[s.ID] = i
	}

	reachable := reachableFrom(g)
	for _, s := range wf.Steps {
		if !reachable[s.ID] {
			result.AddWarning(schema.StepPath(index[s.ID], ""), schema.ErrCodeValidation,
				fmt.Sprintf("step %q is unreachable from entry step %q", s.ID, g.Entry))
		}
	}

	if cyclic := cyclicSteps(g); len(cyclic) > 0 {
		result.AddWarning("steps", schema.ErrCodeValidation,
			fmt.Sprintf("cycle through steps [%s]; each invocation stops at the step limit", strings.Join(cyclic, ", ")))
	}
	return result
}

func successors(n *schema.GraphNode) []string {
	var out []string
	for _, id := range []string{n.True, n.False, n.Next} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

// reachableFrom walks the graph breadth-first from its entry.
func reachableFrom(g *schema.Graph) map[string]bool {
	seen := map[string]bool{g.Entry: true}
	queue := []string{g.Entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node, ok := g.Node(id)
		if !ok {
			continue
		}
		for _, next := range successors(node) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

// cyclicSteps returns the sorted ids left over after Kahn's algorithm: the
// steps that sit on, or only behind, a cycle.
func cyclicSteps(g *schema.Graph) []string {
	inDegree := make(map[string]int, len(g.Nodes))
	for id := range g.Nodes {
		if _, ok := inDegree[id]; !ok {
			inDegree[id] = 0
		}
		for _, next := range successors(g.Nodes[id]) {
			inDegree[next]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors(g.Nodes[id]) {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if visited == len(g.Nodes) {
		return nil
	}

	var cyclic []string
	for id, deg := range inDegree {
		if deg > 0 {
			cyclic = append(cyclic, id)
		}
	}
	sort.Strings(cyclic)
	return cyclic
}
