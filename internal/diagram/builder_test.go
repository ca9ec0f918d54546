package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/engageflow/internal/store"
	"github.com/rendis/engageflow/pkg/schema"
)

func next(id string) []schema.NextStep {
	return []schema.NextStep{{StepID: id}}
}

func linearWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   "wf-linear",
		Name: "Welcome",
		Steps: []schema.WorkflowStep{
			{ID: "greet", StepType: schema.StepTypeAction, Config: map[string]any{"action_type": "send_message", "message": "hi"}, NextSteps: next("wait")},
			{ID: "wait", StepType: schema.StepTypeDelay, Config: map[string]any{"duration": "5m"}, NextSteps: next("tag")},
			{ID: "tag", Name: "Tag lead", StepType: schema.StepTypeAction, Config: map[string]any{"action_type": "add_tag", "tag": "lead"}},
		},
	}
}

func branchingWorkflow() *schema.Workflow {
	return &schema.Workflow{
		ID:   "wf-branch",
		Name: "Triage",
		Steps: []schema.WorkflowStep{
			{
				ID: "vip", StepType: schema.StepTypeCondition,
				Config: map[string]any{"condition_type": "field", "field": "customer.tier", "operator": "equals", "value": "vip"},
				NextSteps: []schema.NextStep{
					{StepID: "assign", Condition: schema.BranchTrue},
				},
			},
			{ID: "assign", StepType: schema.StepTypeAction, Config: map[string]any{"action_type": "assign_agent", "agent_id": "a1"}, NextSteps: next("vip")},
			{ID: "orphan", StepType: schema.StepTypeAction, Config: map[string]any{"action_type": "close_conversation"}},
		},
	}
}

func TestBuild_Linear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	assert.Equal(t, "Welcome", model.Title)
	require.Len(t, model.Nodes, 5)
	assert.Equal(t, StartID, model.Nodes[0].ID)
	assert.Equal(t, EndID, model.Nodes[4].ID)

	kinds := map[string]NodeKind{}
	labels := map[string]string{}
	for _, n := range model.Nodes {
		kinds[n.ID] = n.Kind
		labels[n.ID] = n.Label
		assert.Nil(t, n.Status)
	}
	assert.Equal(t, NodeKindAction, kinds["greet"])
	assert.Equal(t, NodeKindDelay, kinds["wait"])
	assert.Equal(t, "greet\nsend_message", labels["greet"])
	assert.Equal(t, "wait\nwait 5m0s", labels["wait"])
	assert.Equal(t, "Tag lead\nadd_tag", labels["tag"])

	assert.Equal(t, []Edge{
		{From: StartID, To: "greet"},
		{From: "greet", To: "wait"},
		{From: "wait", To: "tag"},
		{From: "tag", To: EndID},
	}, model.Edges)

	assert.Equal(t, [][]string{{StartID}, {"greet"}, {"wait"}, {"tag"}, {EndID}}, model.Levels)
}

func TestBuild_ConditionBranchesAndCycle(t *testing.T) {
	model, err := Build(branchingWorkflow(), nil)
	require.NoError(t, err)

	assert.Contains(t, model.Edges, Edge{From: "vip", To: "assign", Label: "true"})
	assert.Contains(t, model.Edges, Edge{From: "vip", To: EndID, Label: "false"})
	assert.Contains(t, model.Edges, Edge{From: "assign", To: "vip"})

	// The back edge does not push vip down; orphan is unreachable.
	assert.Equal(t, [][]string{{StartID}, {"vip"}, {"assign"}, {"orphan"}, {EndID}}, model.Levels)

	for _, n := range model.Nodes {
		if n.ID == "vip" {
			assert.Equal(t, NodeKindCondition, n.Kind)
			assert.Equal(t, "vip\ncustomer.tier equals vip", n.Label)
		}
	}
}

func TestBuild_InvalidWorkflow(t *testing.T) {
	_, err := Build(&schema.Workflow{ID: "empty"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "diagram: build graph")
}

func TestBuild_TraceOverlay(t *testing.T) {
	yes, no := true, false
	trace := []store.StepVisit{
		{StepID: "vip", Sequence: 2, Outcome: &yes},
		{StepID: "assign", Sequence: 4},
		{StepID: "vip", Sequence: 6, Outcome: &no},
	}

	model, err := Build(branchingWorkflow(), trace)
	require.NoError(t, err)

	status := map[string]*StatusOverlay{}
	for _, n := range model.Nodes {
		status[n.ID] = n.Status
	}
	require.NotNil(t, status["vip"])
	assert.Equal(t, StatusVisited, status["vip"].Status)
	assert.Equal(t, 2, status["vip"].Visits)
	assert.Equal(t, &no, status["vip"].Outcome)
	require.NotNil(t, status["assign"])
	assert.Equal(t, 1, status["assign"].Visits)
	assert.Nil(t, status["orphan"])

	taken := map[[2]string]bool{}
	for _, e := range model.Edges {
		if e.Taken {
			taken[[2]string{e.From, e.To}] = true
		}
	}
	assert.Equal(t, map[[2]string]bool{
		{StartID, "vip"}:   true,
		{"vip", "assign"}:  true,
		{"assign", "vip"}:  true,
	}, taken)
}

func TestBuild_TraceSuspendedAndFailed(t *testing.T) {
	trace := []store.StepVisit{
		{StepID: "greet", Sequence: 2},
		{StepID: "wait", Sequence: 4, Suspended: true},
	}
	model, err := Build(linearWorkflow(), trace)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, model.Node("wait").Status.Status)

	trace = []store.StepVisit{{StepID: "greet", Sequence: 2, Error: "messenger down"}}
	model, err = Build(linearWorkflow(), trace)
	require.NoError(t, err)
	greet := model.Node("greet")
	assert.Equal(t, StatusFailed, greet.Status.Status)
	assert.Equal(t, "messenger down", greet.Status.Error)
}
