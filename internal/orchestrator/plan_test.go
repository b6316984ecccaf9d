package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoStepPlan = `{"complexity":"medium","decompose":true,"subtasks":[` +
	`{"id":"s1","description":"Implement the parser code","dependencies":[],"difficulty":"medium","error_risk":"low","estimated_tokens":400},` +
	`{"id":"s2","description":"Document the parser","dependencies":["s1"],"difficulty":"low","error_risk":"low","estimated_tokens":200}` +
	`],"requirements":{}}`

func TestParsePlanStrictJSON(t *testing.T) {
	plan, err := ParsePlan(twoStepPlan)
	require.NoError(t, err)
	assert.Equal(t, ComplexityMedium, plan.Complexity)
	assert.True(t, plan.Decompose)
	require.Len(t, plan.Subtasks, 2)
	assert.Equal(t, []string{"s1"}, plan.Subtasks[1].Dependencies)
}

func TestParsePlanStripsFencesAndProse(t *testing.T) {
	raw := "Here is the plan you asked for:\n```json\n" + twoStepPlan + "\n```\nLet me know if you need changes."
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.Len(t, plan.Subtasks, 2)
}

func TestParsePlanRepairsSloppyJSON(t *testing.T) {
	// Trailing comma, a classic LLM defect.
	raw := `{"complexity":"low","decompose":false,"subtasks":[],"requirements":{},}`
	plan, err := ParsePlan(raw)
	require.NoError(t, err)
	assert.False(t, plan.Decompose)
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	_, err := ParsePlan("I cannot produce a plan for this task, sorry.")
	var pe *PlanParseError
	require.ErrorAs(t, err, &pe)
}

func TestParsePlanRejectsCycle(t *testing.T) {
	raw := `{"complexity":"high","decompose":true,"subtasks":[` +
		`{"id":"s1","description":"a","dependencies":["s2"]},` +
		`{"id":"s2","description":"b","dependencies":["s1"]}` +
		`],"requirements":{}}`
	_, err := ParsePlan(raw)
	var ce *PlanCycleError
	require.ErrorAs(t, err, &ce)
}

func TestParsePlanRejectsUnknownDependency(t *testing.T) {
	raw := `{"complexity":"low","decompose":true,"subtasks":[` +
		`{"id":"s1","description":"a","dependencies":["ghost"]}` +
		`],"requirements":{}}`
	_, err := ParsePlan(raw)
	var ce *PlanCycleError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Error(), "ghost")
}

func TestParsePlanRejectsDuplicateIDs(t *testing.T) {
	raw := `{"complexity":"low","decompose":true,"subtasks":[` +
		`{"id":"s1","description":"a","dependencies":[]},` +
		`{"id":"s1","description":"b","dependencies":[]}` +
		`],"requirements":{}}`
	_, err := ParsePlan(raw)
	var ce *PlanCycleError
	require.ErrorAs(t, err, &ce)
}

func TestTopologicalWaves(t *testing.T) {
	plan := Plan{Subtasks: []Subtask{
		{ID: "a"},
		{ID: "b"},
		{ID: "c", Dependencies: []string{"a", "b"}},
		{ID: "d", Dependencies: []string{"c"}},
	}}
	waves, err := plan.TopologicalWaves()
	require.NoError(t, err)
	require.Len(t, waves, 3)
	assert.Len(t, waves[0], 2) // a and b are independent
	assert.Equal(t, "c", waves[1][0].ID)
	assert.Equal(t, "d", waves[2][0].ID)
}

func TestTopologicalOrderRespectsDependencies(t *testing.T) {
	plan := Plan{Subtasks: []Subtask{
		{ID: "late", Dependencies: []string{"early"}},
		{ID: "early"},
	}}
	order, err := plan.TopologicalOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, "early", order[0].ID)
	assert.Equal(t, "late", order[1].ID)
}

func TestSubtaskPriority(t *testing.T) {
	assert.Equal(t, 1, Subtask{Difficulty: ComplexityLow}.priority())
	assert.Equal(t, 3, Subtask{Difficulty: ComplexityMedium}.priority())
	assert.Equal(t, 5, Subtask{Difficulty: ComplexityHigh}.priority())
	assert.Equal(t, 4, Subtask{Difficulty: ComplexityMedium, ErrorRisk: ComplexityHigh}.priority())
	assert.Equal(t, 5, Subtask{Difficulty: ComplexityHigh, ErrorRisk: ComplexityHigh}.priority())
}
