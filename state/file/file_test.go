package file

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

func openStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path, Options{})
	require.NoError(t, err)
	return s
}

func TestSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	ctx := context.Background()
	const planID = "plan-00000001"

	s := openStore(t, path)
	step := plan.Step{ID: "s1", Tool: "files.write", Capability: "repo.write", TimeoutSeconds: 30}
	require.NoError(t, s.RememberStep(ctx, planID, step, "trace-1", state.RememberOptions{
		InitialState: plan.StateRunning,
		Attempt:      1,
		Subject:      &plan.Subject{SessionID: "sess-1"},
	}))
	require.NoError(t, s.RememberPlanMetadata(ctx, planID, plan.Metadata{
		PlanID:             planID,
		TraceID:            "trace-1",
		Steps:              []plan.StepDescriptor{{Step: step}},
		LastCompletedIndex: -1,
	}))
	require.NoError(t, s.Close())

	s = openStore(t, path)
	defer s.Close()
	entry, err := s.Entry(ctx, planID, "s1")
	require.NoError(t, err)
	require.Equal(t, plan.StateRunning, entry.State)
	require.Equal(t, 1, entry.Attempt)
	require.Equal(t, "plan-00000001:s1", entry.IdempotencyKey)
	require.NotNil(t, entry.Subject)
	require.Equal(t, "sess-1", entry.Subject.SessionID)

	active, err := s.ListActiveSteps(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1, "running entry rehydratable after restart")
}

func TestDocumentShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	ctx := context.Background()

	s := openStore(t, path)
	require.NoError(t, s.RetainSubject(ctx, "plan-00000002", plan.Subject{UserID: "u1"}))
	require.NoError(t, s.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &doc))
	for _, key := range []string{"version", "planMetadata", "entries", "retainedSubjects"} {
		require.Contains(t, doc, key)
	}
}

func TestSecondProcessLockRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.json")
	s := openStore(t, path)
	defer s.Close()

	_, err := Open(path, Options{LockTimeout: 200 * time.Millisecond})
	require.Error(t, err, "second holder cannot open a locked store")
}

func TestNoPartialWritesOnDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.json")
	ctx := context.Background()

	s := openStore(t, path)
	defer s.Close()
	for i := 0; i < 5; i++ {
		step := plan.Step{ID: "s1", Tool: "t", Capability: "c", TimeoutSeconds: 1}
		require.NoError(t, s.RememberStep(ctx, "plan-00000001", step, "trace-1", state.RememberOptions{Attempt: i}))
	}

	// Temp files are renamed away; only the document (and its lock) remain.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		require.NotContains(t, e.Name(), ".state-", "no temp file left behind")
	}
}
