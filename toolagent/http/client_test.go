package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent"
)

func job() plan.StepJob {
	return plan.StepJob{
		PlanID:  "plan-00000001",
		Step:    plan.Step{ID: "s1", Tool: "fs.write", Capability: "fs.write", TimeoutSeconds: 30},
		Attempt: 1,
		TraceID: "trace-1",
	}
}

func newClient(t *testing.T, url string, maxFailures int) *Client {
	t.Helper()
	c, err := New(Options{URL: url, MaxFailures: maxFailures, OpenTimeout: time.Minute})
	require.NoError(t, err)
	return c
}

func TestExecuteStepDecodesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, executePath, r.URL.Path)
		require.Equal(t, "trace-1", r.Header.Get("X-Trace-Id"))
		var got plan.StepJob
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, "plan-00000001", got.PlanID)

		events := []toolagent.ToolEvent{
			{State: plan.StateRunning, Summary: "working"},
			{State: plan.StateCompleted, Summary: "done"},
		}
		require.NoError(t, json.NewEncoder(w).Encode(events))
	}))
	defer srv.Close()

	events, err := newClient(t, srv.URL, 5).ExecuteStep(context.Background(), job())
	require.NoError(t, err)
	require.Len(t, events, 2)
	final, err := toolagent.Final(events)
	require.NoError(t, err)
	require.Equal(t, "done", final.Summary)
}

func TestServerErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5).ExecuteStep(context.Background(), job())
	var toolErr *toolagent.ToolError
	require.ErrorAs(t, err, &toolErr)
	require.True(t, toolErr.Retryable)
}

func TestClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown tool", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5).ExecuteStep(context.Background(), job())
	var toolErr *toolagent.ToolError
	require.ErrorAs(t, err, &toolErr)
	require.False(t, toolErr.Retryable)
}

func TestNonTerminalResponseIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		events := []toolagent.ToolEvent{{State: plan.StateRunning}}
		_ = json.NewEncoder(w).Encode(events)
	}))
	defer srv.Close()

	_, err := newClient(t, srv.URL, 5).ExecuteStep(context.Background(), job())
	var toolErr *toolagent.ToolError
	require.ErrorAs(t, err, &toolErr)
	require.False(t, toolErr.Retryable)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits++
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := newClient(t, srv.URL, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := client.ExecuteStep(ctx, job())
		require.Error(t, err)
	}
	// Breaker is open now; the server must not see further requests.
	_, err := client.ExecuteStep(ctx, job())
	var toolErr *toolagent.ToolError
	require.ErrorAs(t, err, &toolErr)
	require.True(t, toolErr.Retryable)
	require.Equal(t, 2, hits)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
