package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

func TestRegistryLookupAndDrop(t *testing.T) {
	r := newRegistry()
	r.register("p1", "s1", registryEntry{step: plan.Step{ID: "s1"}, traceID: "t1"})

	entry, ok := r.lookup("p1", "s1")
	require.True(t, ok)
	require.Equal(t, "t1", entry.traceID)

	_, ok = r.lookup("p1", "s2")
	require.False(t, ok)

	r.drop("p1", "s1")
	_, ok = r.lookup("p1", "s1")
	require.False(t, ok)
	require.True(t, r.planEmpty("p1"))
}

func TestRegistryPlanSubject(t *testing.T) {
	r := newRegistry()
	subject := &plan.Subject{TenantID: "acme"}
	r.register("p1", "s1", registryEntry{job: plan.StepJob{Subject: subject}})

	got, ok := r.planSubject("p1")
	require.True(t, ok)
	require.Equal(t, "acme", got.TenantID)

	_, ok = r.planSubject("p2")
	require.False(t, ok)
}

func TestRegistrySessionRefcount(t *testing.T) {
	r := newRegistry()
	require.Equal(t, 1, r.sessionRetain("sess"))
	require.Equal(t, 2, r.sessionRetain("sess"))
	require.Equal(t, 1, r.sessionRelease("sess"))
	require.Equal(t, 0, r.sessionRelease("sess"))
	require.Equal(t, 0, r.sessionRelease("sess"))
}
