package diagram

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

// Build constructs a DiagramModel from a workflow and an optional trace.
// Nodes keep the workflow's step order. Steps without a successor, and
// condition branches without a target, lead to the virtual end node.
func Build(wf *schema.Workflow, trace []store.StepVisit) (*DiagramModel, error) {
	g, err := schema.BuildGraph(wf)
	if err != nil {
		return nil, fmt.Errorf("diagram: build graph: %w", err)
	}

	nodes := make([]*Node, 0, len(wf.Steps)+2)
	nodes = append(nodes, &Node{ID: StartID, Label: "Start", Kind: NodeKindStart})
	order := make([]string, 0, len(wf.Steps))
	for i := range wf.Steps {
		step := &wf.Steps[i]
		nodes = append(nodes, &Node{ID: step.ID, Label: nodeLabel(step), Kind: stepKind(step.StepType)})
		order = append(order, step.ID)
	}
	nodes = append(nodes, &Node{ID: EndID, Label: "End", Kind: NodeKindEnd})

	model := &DiagramModel{
		Title: wf.Name,
		Nodes: nodes,
		Edges: buildEdges(g, order),
	}
	model.Levels = buildLevels(model, order)
	overlay(model, trace)
	return model, nil
}

func stepKind(st schema.StepType) NodeKind {
	switch st {
	case schema.StepTypeCondition:
		return NodeKindCondition
	case schema.StepTypeDelay:
		return NodeKindDelay
	case schema.StepTypeTrigger:
		return NodeKindTrigger
	case schema.StepTypeMerge, schema.StepTypeParallel, schema.StepTypeLoop:
		return NodeKindMerge
	default:
		return NodeKindAction
	}
}

// nodeLabel is the step name (or ID) followed by a detail line.
func nodeLabel(step *schema.WorkflowStep) string {
	title := step.Name
	if title == "" {
		title = step.ID
	}
	cfg, err := schema.DecodeConfig(step)
	if err != nil || cfg == nil {
		return title
	}
	var detail string
	switch c := cfg.(type) {
	case *schema.ConditionConfig:
		detail = c.ConditionType
		if c.Field != "" {
			detail = strings.TrimSpace(fmt.Sprintf("%s %s %v", c.Field, c.Operator, c.Value))
		}
	case *schema.ActionConfig:
		detail = c.ActionType
	case *schema.DelayConfig:
		if d, err := c.Delay(); err == nil {
			detail = "wait " + d.String()
		}
	}
	if detail == "" {
		return title
	}
	return title + "\n" + detail
}

func buildEdges(g *schema.Graph, order []string) []Edge {
	edges := []Edge{{From: StartID, To: g.Entry}}
	for _, id := range order {
		node := g.Nodes[id]
		if node.Step.StepType == schema.StepTypeCondition {
			edges = append(edges,
				Edge{From: id, To: orEnd(node.True), Label: schema.BranchTrue},
				Edge{From: id, To: orEnd(node.False), Label: schema.BranchFalse},
			)
			continue
		}
		edges = append(edges, Edge{From: id, To: orEnd(node.Next)})
	}
	return edges
}

func orEnd(id string) string {
	if id == "" {
		return EndID
	}
	return id
}

// buildLevels assigns each node the breadth-first distance from start.
// Back edges of cycles do not move a node down. Unreachable steps share a
// level after the deepest reachable one, and end is always last.
func buildLevels(model *DiagramModel, order []string) [][]string {
	out := make(map[string][]string)
	for _, e := range model.Edges {
		out[e.From] = append(out[e.From], e.To)
	}

	depth := map[string]int{StartID: 0}
	queue := []string{StartID}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range out[cur] {
			if next == EndID {
				continue
			}
			if _, seen := depth[next]; seen {
				continue
			}
			depth[next] = depth[cur] + 1
			queue = append(queue, next)
		}
	}

	maxDepth := 0
	for _, d := range depth {
		maxDepth = max(maxDepth, d)
	}
	var unreachable []string
	levels := make([][]string, maxDepth+1)
	levels[0] = []string{StartID}
	for _, id := range order {
		d, ok := depth[id]
		if !ok {
			unreachable = append(unreachable, id)
			continue
		}
		levels[d] = append(levels[d], id)
	}
	if len(unreachable) > 0 {
		levels = append(levels, unreachable)
	}
	return append(levels, []string{EndID})
}

// overlay marks visited nodes and the transitions taken between them.
func overlay(model *DiagramModel, trace []store.StepVisit) {
	if len(trace) == 0 {
		return
	}
	index := make(map[string]*Node, len(model.Nodes))
	for _, n := range model.Nodes {
		index[n.ID] = n
	}

	for _, v := range trace {
		n, ok := index[v.StepID]
		if !ok {
			continue
		}
		if n.Status == nil {
			n.Status = &StatusOverlay{}
		}
		n.Status.Visits++
		n.Status.Outcome = v.Outcome
		n.Status.Error = v.Error
		switch {
		case v.Error != "":
			n.Status.Status = StatusFailed
		case v.Suspended:
			n.Status.Status = StatusSuspended
		default:
			n.Status.Status = StatusVisited
		}
	}

	// A transition out of a condition is keyed by the outcome that chose it.
	type hop struct{ from, to, label string }
	taken := map[hop]bool{{StartID, trace[0].StepID, ""}: true}
	for i := 1; i < len(trace); i++ {
		prev := trace[i-1]
		label := ""
		if prev.Outcome != nil {
			label = strconv.FormatBool(*prev.Outcome)
		}
		taken[hop{prev.StepID, trace[i].StepID, label}] = true
	}
	for i := range model.Edges {
		e := &model.Edges[i]
		e.Taken = taken[hop{e.From, e.To, e.Label}]
	}
}
