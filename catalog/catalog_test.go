package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

const fileSchema = `{
	"type": "object",
	"required": ["path"],
	"properties": {
		"path": {"type": "string", "minLength": 1},
		"mode": {"type": "integer"}
	}
}`

func stepWithInput(t *testing.T, tool string, input any) plan.Step {
	t.Helper()
	doc, err := plan.FromValue(input)
	require.NoError(t, err)
	return plan.Step{ID: "s1", Tool: tool, Capability: "fs.write", TimeoutSeconds: 30, Input: doc}
}

func TestValidInputPasses(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterTool("fs.write", []byte(fileSchema)))

	step := stepWithInput(t, "fs.write", map[string]any{"path": "a.txt", "mode": 420})
	require.NoError(t, v.ValidateStepInput(step))
}

func TestMissingRequiredFieldFails(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterTool("fs.write", []byte(fileSchema)))

	step := stepWithInput(t, "fs.write", map[string]any{"mode": 420})
	err := v.ValidateStepInput(step)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "s1", verr.StepID)
	require.Equal(t, "fs.write", verr.Tool)
}

func TestUnknownToolPasses(t *testing.T) {
	v := New()
	step := stepWithInput(t, "no.schema", map[string]any{"anything": true})
	require.NoError(t, v.ValidateStepInput(step))
	require.False(t, v.HasSchema("no.schema"))
}

func TestInvalidSchemaRejected(t *testing.T) {
	v := New()
	err := v.RegisterTool("bad", []byte(`{"type": 42}`))
	require.Error(t, err)
}

func TestValidatePlanStopsAtFirstFailure(t *testing.T) {
	v := New()
	require.NoError(t, v.RegisterTool("fs.write", []byte(fileSchema)))

	good := stepWithInput(t, "fs.write", map[string]any{"path": "a.txt"})
	bad := stepWithInput(t, "fs.write", map[string]any{})
	bad.ID = "s2"

	err := v.ValidatePlan(plan.Plan{ID: "plan-00000001", Steps: []plan.Step{good, bad}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "s2", verr.StepID)
}
