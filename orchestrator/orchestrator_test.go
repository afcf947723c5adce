package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/events"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/lock"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond
)

type (
	// stubAgent scripts tool agent responses per step call number (1-based).
	stubAgent struct {
		mu     sync.Mutex
		calls  map[string]int
		script func(job plan.StepJob, call int) ([]toolagent.ToolEvent, error)
	}

	// eventRecorder captures every published plan step event in order.
	eventRecorder struct {
		mu     sync.Mutex
		events []events.PlanStepEvent
	}

	harness struct {
		t     *testing.T
		orch  *Orchestrator
		queue *queue.Memory
		store state.Store
		rec   *eventRecorder
		agent *stubAgent
	}
)

func newStubAgent(script func(job plan.StepJob, call int) ([]toolagent.ToolEvent, error)) *stubAgent {
	return &stubAgent{calls: make(map[string]int), script: script}
}

func (a *stubAgent) ExecuteStep(_ context.Context, job plan.StepJob) ([]toolagent.ToolEvent, error) {
	a.mu.Lock()
	a.calls[job.Step.ID]++
	call := a.calls[job.Step.ID]
	script := a.script
	a.mu.Unlock()
	if script == nil {
		return []toolagent.ToolEvent{{State: plan.StateCompleted, Summary: "ok"}}, nil
	}
	return script(job, call)
}

func (a *stubAgent) callCount(stepID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[stepID]
}

func (r *eventRecorder) HandleEvent(_ context.Context, ev events.PlanStepEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

// steps returns the recorded event steps for one plan step, in order.
func (r *eventRecorder) steps(planID, stepID string) []events.EventStep {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.EventStep
	for _, ev := range r.events {
		if ev.PlanID == planID && ev.Step.ID == stepID {
			out = append(out, ev.Step)
		}
	}
	return out
}

func (r *eventRecorder) states(planID, stepID string) []plan.StepState {
	var out []plan.StepState
	for _, step := range r.steps(planID, stepID) {
		out = append(out, step.State)
	}
	return out
}

func (r *eventRecorder) has(planID, stepID string, st plan.StepState) bool {
	for _, s := range r.states(planID, stepID) {
		if s == st {
			return true
		}
	}
	return false
}

func newHarness(t *testing.T, agent *stubAgent, mutate func(*Options)) *harness {
	t.Helper()
	q := queue.NewMemory(queue.WithMemoryDedupe(dedupe.NewMemory(), time.Minute))
	bus := events.NewBus()
	rec := &eventRecorder{}
	_, err := bus.Register(rec)
	require.NoError(t, err)

	opts := Options{
		Queue:       q,
		State:       state.NewMemory(),
		Locks:       lock.NewMemory(),
		Policy:      policy.NewEngine(policy.Rules{}),
		Agent:       agent,
		Bus:         bus,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() {
		cancel()
		require.NoError(t, q.Close())
	})
	return &harness{t: t, orch: orch, queue: q, store: orch.opts.State, rec: rec, agent: agent}
}

// waitPlanDone blocks until the plan's metadata is gone and no active step
// remains.
func (h *harness) waitPlanDone(planID string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		if _, err := h.store.PlanMetadata(context.Background(), planID); !errors.Is(err, state.ErrNotFound) {
			return false
		}
		active, err := h.store.ListActiveSteps(context.Background())
		if err != nil {
			return false
		}
		for _, e := range active {
			if e.PlanID == planID {
				return false
			}
		}
		return true
	}, waitFor, tick)
}

func autoStep(id string) plan.Step {
	return plan.Step{ID: id, Tool: "fs.write", Capability: "fs.write", TimeoutSeconds: 30}
}

func gatedStep(id string) plan.Step {
	s := autoStep(id)
	s.ApprovalRequired = true
	return s
}

func TestSingleStepPlanRunsToCompletion(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000001", Steps: []plan.Step{autoStep("s1")}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-1", "", nil))
	h.waitPlanDone(p.ID)

	require.Equal(t, []plan.StepState{plan.StateQueued, plan.StateRunning, plan.StateCompleted},
		h.rec.states(p.ID, "s1"))
	require.Equal(t, 1, agent.callCount("s1"))
}

func TestApprovalGatedPlan(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000002", Steps: []plan.Step{
		autoStep("s1"), gatedStep("s2"), autoStep("s3"),
	}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-2", "", nil))
	require.Eventually(t, func() bool {
		return h.rec.has(p.ID, "s2", plan.StateWaitingApproval)
	}, waitFor, tick)

	// The gate blocks the cursor: s1 ran, s2 and s3 have not.
	require.Equal(t, 1, agent.callCount("s1"))
	require.Zero(t, agent.callCount("s2"))
	require.Zero(t, agent.callCount("s3"))

	require.NoError(t, h.orch.ResolvePlanStepApproval(context.Background(), Resolution{
		PlanID: p.ID, StepID: "s2", Decision: DecisionApproved,
	}))
	h.waitPlanDone(p.ID)

	require.Equal(t, []plan.StepState{
		plan.StateWaitingApproval, plan.StateQueued, plan.StateRunning, plan.StateCompleted,
	}, h.rec.states(p.ID, "s2"))
	require.Equal(t, []plan.StepState{plan.StateQueued, plan.StateRunning, plan.StateCompleted},
		h.rec.states(p.ID, "s3"))
	require.Equal(t, 1, agent.callCount("s2"))
	require.Equal(t, 1, agent.callCount("s3"))
}

func TestApprovalRejectedHaltsStep(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000012", Steps: []plan.Step{gatedStep("s1")}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-12", "", nil))
	require.Eventually(t, func() bool {
		return h.rec.has(p.ID, "s1", plan.StateWaitingApproval)
	}, waitFor, tick)

	require.NoError(t, h.orch.ResolvePlanStepApproval(context.Background(), Resolution{
		PlanID: p.ID, StepID: "s1", Decision: DecisionRejected, Summary: "not today",
	}))

	require.True(t, h.rec.has(p.ID, "s1", plan.StateRejected))
	require.Zero(t, agent.callCount("s1"))
	active, err := h.store.ListActiveSteps(context.Background())
	require.NoError(t, err)
	require.Empty(t, active)
}

func TestRetryThenSuccess(t *testing.T) {
	agent := newStubAgent(func(_ plan.StepJob, call int) ([]toolagent.ToolEvent, error) {
		if call <= 2 {
			return nil, &toolagent.ToolError{Message: "connection reset", Retryable: true}
		}
		return []toolagent.ToolEvent{{State: plan.StateCompleted, Summary: "ok"}}, nil
	})
	h := newHarness(t, agent, func(o *Options) { o.MaxAttempts = 3 })
	p := plan.Plan{ID: "plan-00000003", Steps: []plan.Step{autoStep("s1")}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-3", "", nil))
	h.waitPlanDone(p.ID)

	steps := h.rec.steps(p.ID, "s1")
	var got []struct {
		state   plan.StepState
		attempt int
	}
	for _, s := range steps {
		got = append(got, struct {
			state   plan.StepState
			attempt int
		}{s.State, s.Attempt})
	}
	want := []struct {
		state   plan.StepState
		attempt int
	}{
		{plan.StateQueued, 0}, {plan.StateRunning, 0}, {plan.StateRetrying, 0},
		{plan.StateQueued, 1}, {plan.StateRunning, 1}, {plan.StateRetrying, 1},
		{plan.StateQueued, 2}, {plan.StateRunning, 2}, {plan.StateCompleted, 2},
	}
	require.Equal(t, want, got)
	require.Equal(t, 3, agent.callCount("s1"))
}

func TestRetriesExhaustedFailPlan(t *testing.T) {
	agent := newStubAgent(func(_ plan.StepJob, _ int) ([]toolagent.ToolEvent, error) {
		return nil, &toolagent.ToolError{Message: "still down", Retryable: true}
	})
	h := newHarness(t, agent, func(o *Options) { o.MaxAttempts = 2 })
	p := plan.Plan{ID: "plan-00000013", Steps: []plan.Step{autoStep("s1"), autoStep("s2")}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-13", "", nil))
	require.Eventually(t, func() bool {
		return h.rec.has(p.ID, "s1", plan.StateFailed)
	}, waitFor, tick)

	require.Equal(t, 2, agent.callCount("s1"))
	// The plan halts; s2 never dispatches.
	require.Zero(t, agent.callCount("s2"))
	meta, err := h.store.PlanMetadata(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, -1, meta.LastCompletedIndex)
}

func TestPolicyViolationAtSubmit(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, func(o *Options) {
		o.Policy = policy.NewEngine(policy.Rules{AllowCapabilities: []string{"repo.read"}})
	})
	p := plan.Plan{ID: "plan-00000004", Steps: []plan.Step{autoStep("s1")}}

	err := h.orch.SubmitPlanSteps(context.Background(), p, "trace-4", "", nil)
	var verr *policy.ViolationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "s1", verr.StepID)

	// No step was persisted and the agent never ran.
	_, err = h.store.Entry(context.Background(), p.ID, "s1")
	require.ErrorIs(t, err, state.ErrNotFound)
	require.Zero(t, agent.callCount("s1"))
}

func TestRehydrateInFlightStep(t *testing.T) {
	st := state.NewMemory()
	planID := "plan-00000005"
	step := autoStep("s1")
	ctx := context.Background()
	require.NoError(t, st.RememberStep(ctx, planID, step, "trace-5", state.RememberOptions{
		InitialState: plan.StateQueued,
		Attempt:      1,
	}))
	require.NoError(t, st.SetState(ctx, planID, "s1", plan.StateRunning, state.SetStateOptions{}))

	agent := newStubAgent(nil)
	h := newHarness(t, agent, func(o *Options) { o.State = st })

	require.Eventually(t, func() bool {
		return h.rec.has(planID, "s1", plan.StateCompleted)
	}, waitFor, tick)

	steps := h.rec.steps(planID, "s1")
	require.Equal(t, plan.StateQueued, steps[0].State)
	require.Equal(t, 1, steps[0].Attempt)
	require.Contains(t, steps[0].Summary, "Retry enqueued")
	require.Equal(t, 1, agent.callCount("s1"))
}

func TestRehydrateWaitingApprovalDoesNotEnqueue(t *testing.T) {
	st := state.NewMemory()
	planID := "plan-00000015"
	step := gatedStep("s1")
	ctx := context.Background()
	require.NoError(t, st.RememberStep(ctx, planID, step, "trace-15", state.RememberOptions{
		InitialState: plan.StateWaitingApproval,
	}))

	agent := newStubAgent(nil)
	h := newHarness(t, agent, func(o *Options) { o.State = st })

	require.Eventually(t, func() bool {
		return h.rec.has(planID, "s1", plan.StateWaitingApproval)
	}, waitFor, tick)
	steps := h.rec.steps(planID, "s1")
	require.Contains(t, steps[0].Summary, "rehydrated")
	require.Zero(t, agent.callCount("s1"))
}

func TestCompletionGuardDeadLettersMismatch(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	planID := "plan-00000006"
	step := autoStep("s1")
	ctx := context.Background()

	// Seed after Start so rehydration does not republish the job.
	require.NoError(t, h.store.RememberStep(ctx, planID, step, "mine", state.RememberOptions{
		InitialState: plan.StateQueued,
	}))
	require.NoError(t, h.store.SetState(ctx, planID, "s1", plan.StateRunning, state.SetStateOptions{}))

	dead := make(chan string, 1)
	require.NoError(t, h.queue.Consume(ctx, DefaultCompletionsQueue+queue.DeadLetterSuffix, func(ctx context.Context, msg queue.Message) error {
		select {
		case dead <- msg.Headers()[queue.HeaderDeadLetterReason]:
		default:
		}
		return msg.Ack(ctx)
	}))

	payload, err := json.Marshal(plan.Completion{PlanID: planID, StepID: "s1", State: plan.StateCompleted})
	require.NoError(t, err)
	require.NoError(t, h.queue.Enqueue(ctx, DefaultCompletionsQueue, payload, queue.EnqueueOptions{
		Headers: map[string]string{
			queue.HeaderTraceID:        "other",
			queue.HeaderIdempotencyKey: plan.IdempotencyKey(planID, "s1"),
		},
	}))

	select {
	case reason := <-dead:
		require.Equal(t, "mismatched_trace_or_idempotency", reason)
	case <-time.After(waitFor):
		t.Fatal("forged completion was not dead-lettered")
	}

	entry, err := h.store.Entry(ctx, planID, "s1")
	require.NoError(t, err)
	require.Equal(t, plan.StateRunning, entry.State)
}

func TestContentCaptureGatesOutput(t *testing.T) {
	output, err := plan.FromValue(map[string]any{"text": "secret"})
	require.NoError(t, err)
	script := func(_ plan.StepJob, _ int) ([]toolagent.ToolEvent, error) {
		return []toolagent.ToolEvent{{State: plan.StateCompleted, Summary: "ok", Output: &output}}, nil
	}

	t.Run("off", func(t *testing.T) {
		agent := newStubAgent(script)
		h := newHarness(t, agent, nil)
		p := plan.Plan{ID: "plan-00000007", Steps: []plan.Step{autoStep("s1")}}
		require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-7", "", nil))
		h.waitPlanDone(p.ID)

		steps := h.rec.steps(p.ID, "s1")
		require.Nil(t, steps[len(steps)-1].Output)
	})

	t.Run("on", func(t *testing.T) {
		agent := newStubAgent(script)
		h := newHarness(t, agent, func(o *Options) { o.ContentCapture = true })
		p := plan.Plan{ID: "plan-00000008", Steps: []plan.Step{autoStep("s1")}}
		require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-8", "", nil))
		h.waitPlanDone(p.ID)

		steps := h.rec.steps(p.ID, "s1")
		last := steps[len(steps)-1]
		require.NotNil(t, last.Output)
		require.True(t, output.Equal(*last.Output))
	})
}

func TestIdempotentResubmission(t *testing.T) {
	agent := newStubAgent(func(_ plan.StepJob, _ int) ([]toolagent.ToolEvent, error) {
		time.Sleep(50 * time.Millisecond)
		return []toolagent.ToolEvent{{State: plan.StateCompleted, Summary: "ok"}}, nil
	})
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000009", Steps: []plan.Step{autoStep("s1")}}

	ctx := context.Background()
	require.NoError(t, h.orch.SubmitPlanSteps(ctx, p, "trace-9", "", nil))
	require.NoError(t, h.orch.SubmitPlanSteps(ctx, p, "trace-9", "", nil))
	h.waitPlanDone(p.ID)

	require.Equal(t, 1, agent.callCount("s1"))
}

func TestResubmitAfterFirstStepCompleted(t *testing.T) {
	release := make(chan struct{})
	agent := newStubAgent(func(job plan.StepJob, _ int) ([]toolagent.ToolEvent, error) {
		if job.Step.ID == "s2" {
			<-release
		}
		return []toolagent.ToolEvent{{State: plan.StateCompleted, Summary: "ok"}}, nil
	})
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000017", Steps: []plan.Step{autoStep("s1"), autoStep("s2")}}
	ctx := context.Background()

	require.NoError(t, h.orch.SubmitPlanSteps(ctx, p, "trace-17", "", nil))
	require.Eventually(t, func() bool {
		return h.rec.has(p.ID, "s1", plan.StateCompleted) && h.rec.has(p.ID, "s2", plan.StateRunning)
	}, waitFor, tick)

	// Resubmitting mid-flight must keep the stored cursors; a reset would
	// re-dispatch the completed s1 and leave its phantom entry behind.
	require.NoError(t, h.orch.SubmitPlanSteps(ctx, p, "trace-17", "", nil))
	meta, err := h.store.PlanMetadata(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, 0, meta.LastCompletedIndex)

	close(release)
	h.waitPlanDone(p.ID)

	active, err := h.store.ListActiveSteps(ctx)
	require.NoError(t, err)
	require.Empty(t, active)
	require.Equal(t, 1, agent.callCount("s1"))
	require.Equal(t, 1, agent.callCount("s2"))
}

func TestSequentialStepsRunInOrder(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	p := plan.Plan{ID: "plan-00000010", Steps: []plan.Step{
		autoStep("s1"), autoStep("s2"), autoStep("s3"),
	}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-10", "", nil))
	h.waitPlanDone(p.ID)

	// queued for step i+1 strictly after completed for step i.
	h.rec.mu.Lock()
	defer h.rec.mu.Unlock()
	index := make(map[string]int)
	for i, ev := range h.rec.events {
		if ev.PlanID == p.ID {
			index[ev.Step.ID+"/"+string(ev.Step.State)] = i
		}
	}
	require.Less(t, index["s1/completed"], index["s2/queued"])
	require.Less(t, index["s2/completed"], index["s3/queued"])
}

func TestSubmissionRateLimited(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, func(o *Options) {
		o.Limiter = ratelimit.NewSubmissionLimiter(1)
	})
	subject := &plan.Subject{TenantID: "acme"}
	ctx := context.Background()

	p1 := plan.Plan{ID: "plan-00000011", Steps: []plan.Step{autoStep("s1")}}
	require.NoError(t, h.orch.SubmitPlanSteps(ctx, p1, "trace-11", "", subject))

	p2 := plan.Plan{ID: "plan-00000014", Steps: []plan.Step{autoStep("s1")}}
	err := h.orch.SubmitPlanSteps(ctx, p2, "trace-14", "", subject)
	require.ErrorIs(t, err, ratelimit.ErrLimited)
}

func TestPlanSubjectRetainedAfterCompletion(t *testing.T) {
	agent := newStubAgent(nil)
	h := newHarness(t, agent, nil)
	subject := &plan.Subject{TenantID: "acme", UserID: "u1"}
	p := plan.Plan{ID: "plan-00000016", Steps: []plan.Step{autoStep("s1")}}

	require.NoError(t, h.orch.SubmitPlanSteps(context.Background(), p, "trace-16", "", subject))
	h.waitPlanDone(p.ID)

	got, err := h.orch.PlanSubject(context.Background(), p.ID)
	require.NoError(t, err)
	require.Equal(t, "acme", got.TenantID)
	require.Equal(t, "u1", got.UserID)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	o := &Orchestrator{opts: Options{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}}
	require.Equal(t, time.Second, o.backoff(1))
	require.Equal(t, 2*time.Second, o.backoff(2))
	require.Equal(t, 4*time.Second, o.backoff(3))
	require.Equal(t, 5*time.Second, o.backoff(4))
	require.Equal(t, 5*time.Second, o.backoff(10))
}
