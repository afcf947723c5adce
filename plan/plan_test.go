package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	require.Equal(t, "plan-0a1b2c3d:step-1", IdempotencyKey("plan-0a1b2c3d", "step-1"))
}

func TestValidate(t *testing.T) {
	valid := Plan{
		ID: "plan-0a1b2c3d",
		Steps: []Step{
			{ID: "s1", Tool: "repo.read", Capability: "repo.read", TimeoutSeconds: 30},
		},
	}
	require.NoError(t, Validate(valid))

	uuidPlan := valid
	uuidPlan.ID = "plan-123e4567-e89b-42d3-a456-426614174000"
	require.NoError(t, Validate(uuidPlan))

	cases := []struct {
		name   string
		mutate func(*Plan)
	}{
		{"bad id", func(p *Plan) { p.ID = "not-a-plan" }},
		{"uppercase hex id", func(p *Plan) { p.ID = "plan-0A1B2C3D" }},
		{"no steps", func(p *Plan) { p.Steps = nil }},
		{"empty step id", func(p *Plan) { p.Steps[0].ID = "" }},
		{"missing tool", func(p *Plan) { p.Steps[0].Tool = "" }},
		{"missing capability", func(p *Plan) { p.Steps[0].Capability = "" }},
		{"zero timeout", func(p *Plan) { p.Steps[0].TimeoutSeconds = 0 }},
		{"duplicate step id", func(p *Plan) {
			p.Steps = append(p.Steps, p.Steps[0])
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			p.Steps = append([]Step(nil), valid.Steps...)
			tc.mutate(&p)
			require.Error(t, Validate(p))
		})
	}
}

func TestMetadataComplete(t *testing.T) {
	meta := Metadata{
		PlanID:             "plan-0a1b2c3d",
		Steps:              []StepDescriptor{{Step: Step{ID: "s1"}}, {Step: Step{ID: "s2"}}},
		NextStepIndex:      0,
		LastCompletedIndex: -1,
	}
	require.False(t, meta.Complete())

	meta.NextStepIndex = 2
	meta.LastCompletedIndex = 0
	require.False(t, meta.Complete())

	meta.LastCompletedIndex = 1
	require.True(t, meta.Complete())
}

func TestEntryCloneIsolation(t *testing.T) {
	out, err := FromValue(map[string]any{"k": "v"})
	require.NoError(t, err)
	entry := PersistedStepEntry{
		PlanID:         "plan-0a1b2c3d",
		Step:           Step{ID: "s1", Labels: []string{"a"}},
		State:          StateQueued,
		Attempt:        1,
		CreatedAt:      time.Now(),
		IdempotencyKey: "plan-0a1b2c3d:s1",
		Approvals:      map[string]bool{"repo.write": true},
		Subject:        &Subject{TenantID: "t1", Roles: []string{"dev"}},
		Output:         &out,
	}

	clone := entry.Clone()
	clone.Approvals["repo.write"] = false
	clone.Subject.Roles[0] = "ops"
	clone.Step.Labels[0] = "b"

	require.True(t, entry.Approvals["repo.write"])
	require.Equal(t, "dev", entry.Subject.Roles[0])
	require.Equal(t, "a", entry.Step.Labels[0])
}

func TestSubjectIsZero(t *testing.T) {
	require.True(t, Subject{}.IsZero())
	require.False(t, Subject{TenantID: "t"}.IsZero())
	require.False(t, Subject{Scopes: []string{"s"}}.IsZero())
}
