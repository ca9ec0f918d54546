package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/store"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)

	assert.Contains(t, output, "=== Welcome ===")
	assert.Contains(t, output, "┌")
	assert.Contains(t, output, "┘")
	assert.Contains(t, output, "│ Start │")
	assert.Contains(t, output, "│ send_message │")
	assert.Contains(t, output, "▼")
	assert.Contains(t, output, "transitions:")
	assert.Contains(t, output, "    greet ─→ wait")
}

func TestRenderASCIIWithTrace(t *testing.T) {
	yes := true
	trace := []store.StepVisit{
		{StepID: "vip", Sequence: 2, Outcome: &yes},
		{StepID: "assign", Sequence: 4},
		{StepID: "vip", Sequence: 6, Outcome: &yes},
		{StepID: "assign", Sequence: 8, Error: "no agent"},
	}
	model, err := Build(branchingWorkflow(), trace)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK] x2")
	assert.Contains(t, output, "[FAIL] x2")
	assert.Contains(t, output, "  * vip ─→ assign [true]")
	assert.Contains(t, output, "    vip ─→ __end__ [false]")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[OK]", statusTag(&StatusOverlay{Status: StatusVisited, Visits: 1}))
	assert.Equal(t, "[WAIT]", statusTag(&StatusOverlay{Status: StatusSuspended, Visits: 1}))
	assert.Equal(t, "[FAIL] x3", statusTag(&StatusOverlay{Status: StatusFailed, Visits: 3}))
	assert.Empty(t, statusTag(&StatusOverlay{Status: "unknown"}))
}

func TestRenderASCIIRowsAlign(t *testing.T) {
	model := &DiagramModel{
		Nodes: []*Node{
			{ID: "a", Label: "a"},
			{ID: "bb", Label: "bb\nsecond"},
		},
		Levels: [][]string{{"a", "bb", "missing"}},
	}
	lines := strings.Split(RenderASCII(model), "\n")
	require.GreaterOrEqual(t, len(lines), 4)
	assert.Equal(t, "┌───┐  ┌────────┐", lines[0])
	assert.Equal(t, "│ a │  │ bb     │", lines[1])
	assert.Equal(t, "└───┘  │ second │", lines[2])
	assert.Equal(t, "       └────────┘", lines[3])
}
