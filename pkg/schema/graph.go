package schema

import "fmt"

// Graph is the adjacency form of a workflow definition with tagged edges.
// It is snapshotted into every execution at creation time, so later edits to
// the workflow never change the path of an in-flight run.
type Graph struct {
	WorkflowID string                `json:"workflow_id"`
	Entry      string                `json:"entry"`
	Nodes      map[string]*GraphNode `json:"nodes"`
}

// GraphNode is one step plus its outgoing edges.
type GraphNode struct {
	Step  WorkflowStep `json:"step"`
	True  string       `json:"true,omitempty"`
	False string       `json:"false,omitempty"`
	Next  string       `json:"next,omitempty"`
}

// Node returns the node for a step id.
func (g *Graph) Node(id string) (*GraphNode, bool) {
	if g == nil {
		return nil, false
	}
	n, ok := g.Nodes[id]
	return n, ok
}

// TypedConfig decodes the node's config into its typed variant.
func (n *GraphNode) TypedConfig() (any, error) {
	return DecodeConfig(&n.Step)
}

// Successor returns the step that follows this node for a condition outcome.
// Non-condition nodes ignore the outcome. "" means the branch is a dead end.
func (n *GraphNode) Successor(outcome bool) string {
	if n.Step.StepType != StepTypeCondition {
		return n.Next
	}
	if outcome {
		return n.True
	}
	return n.False
}

// BuildGraph validates a workflow's steps and returns its graph. Cycles are
// accepted; the interpreter bounds the number of steps per invocation.
func BuildGraph(wf *Workflow) (*Graph, error) {
	if wf == nil {
		return nil, NewError(ErrCodeValidation, "workflow is nil")
	}
	if len(wf.Steps) == 0 {
		return nil, NewErrorf(ErrCodeValidation, "workflow %s has no steps", wf.ID)
	}

	g := &Graph{
		WorkflowID: wf.ID,
		Entry:      wf.Definition.EntryStepID,
		Nodes:      make(map[string]*GraphNode, len(wf.Steps)),
	}

	for i := range wf.Steps {
		step := wf.Steps[i]
		if step.ID == "" {
			return nil, NewErrorf(ErrCodeValidation, "step at index %d has empty id", i)
		}
		if _, dup := g.Nodes[step.ID]; dup {
			return nil, NewErrorf(ErrCodeValidation, "duplicate step id: %s", step.ID)
		}
		if _, err := DecodeConfig(&step); err != nil {
			return nil, err
		}
		g.Nodes[step.ID] = &GraphNode{Step: step}
	}

	if g.Entry == "" {
		g.Entry = wf.Steps[0].ID
	}
	if _, ok := g.Nodes[g.Entry]; !ok {
		return nil, NewErrorf(ErrCodeValidation, "entry step %s does not exist", g.Entry)
	}
	for _, id := range wf.Definition.StepIDs {
		if _, ok := g.Nodes[id]; !ok {
			return nil, NewErrorf(ErrCodeValidation, "definition lists unknown step %s", id)
		}
	}

	for _, node := range g.Nodes {
		if err := linkEdges(g, node); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func linkEdges(g *Graph, node *GraphNode) error {
	step := &node.Step
	for _, next := range step.NextSteps {
		if _, ok := g.Nodes[next.StepID]; !ok {
			return NewErrorf(ErrCodeValidation, "step %s points to unknown step %s", step.ID, next.StepID).WithStep(step.ID)
		}

		if step.StepType == StepTypeCondition {
			switch next.Condition {
			case BranchTrue:
				if node.True != "" {
					return branchError(step, BranchTrue)
				}
				node.True = next.StepID
			case BranchFalse:
				if node.False != "" {
					return branchError(step, BranchFalse)
				}
				node.False = next.StepID
			default:
				return NewErrorf(ErrCodeValidation,
					"condition step %s has a successor %s without a true/false tag", step.ID, next.StepID).WithStep(step.ID)
			}
			continue
		}

		if next.Condition != BranchUnconditional {
			return NewErrorf(ErrCodeValidation,
				"%s step %s has a %q-tagged successor; only condition steps branch", step.StepType, step.ID, next.Condition).
				WithStep(step.ID)
		}
		if node.Next != "" {
			return NewErrorf(ErrCodeValidation, "step %s has more than one successor", step.ID).WithStep(step.ID)
		}
		node.Next = next.StepID
	}
	return nil
}

func branchError(step *WorkflowStep, tag string) error {
	return NewError(ErrCodeValidation, fmt.Sprintf("condition step %s has more than one %q successor", step.ID, tag)).
		WithStep(step.ID)
}
