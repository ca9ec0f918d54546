// Package diagram renders workflow graphs as Mermaid, ASCII or PNG, with an
// optional overlay of the steps an execution has visited.
package diagram

// NodeKind classifies a diagram node by its workflow step type.
type NodeKind string

const (
	NodeKindAction    NodeKind = "action"
	NodeKindCondition NodeKind = "condition"
	NodeKindDelay     NodeKind = "delay"
	NodeKindTrigger   NodeKind = "trigger"
	NodeKindMerge     NodeKind = "merge"
	NodeKindStart     NodeKind = "start"
	NodeKindEnd       NodeKind = "end"
)

// Virtual node IDs.
const (
	StartID = "__start__"
	EndID   = "__end__"
)

// Overlay statuses derived from an execution trace.
const (
	StatusVisited   = "completed"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title  string
	Nodes  []*Node
	Edges  []Edge
	Levels [][]string
}

// Node returns the node with the given ID, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Node represents a single step in the diagram.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status *StatusOverlay
}

// StatusOverlay carries runtime state for a node.
type StatusOverlay struct {
	Status  string
	Visits  int
	Outcome *bool // last condition outcome
	Error   string
}

// Edge is a transition between two nodes. Taken marks transitions that
// appear in the overlaid trace.
type Edge struct {
	From  string
	To    string
	Label string
	Taken bool
}
