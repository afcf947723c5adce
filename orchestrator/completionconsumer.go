package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

// transientRetryDelay spaces redeliveries when a completion hits a transient
// store inconsistency.
const transientRetryDelay = 2 * time.Second

// handleCompletionMessage consumes one completion. The trace id and
// idempotency key on the message must both match the persisted entry; a
// partial match dead-letters the message, and a completion for a step
// nothing claims is dropped as an orphan.
func (o *Orchestrator) handleCompletionMessage(ctx context.Context, msg queue.Message) error {
	var c plan.Completion
	if err := json.Unmarshal(msg.Payload(), &c); err != nil {
		o.opts.Logger.Error(ctx, "orchestrator.completion_malformed", "error", err.Error())
		return msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "malformed_payload"})
	}

	headers := msg.Headers()
	headerTrace := headers[queue.HeaderTraceID]
	headerKey := headers[queue.HeaderIdempotencyKey]

	entry, ok := o.registry.lookup(c.PlanID, c.StepID)
	stored, err := o.opts.State.Entry(ctx, c.PlanID, c.StepID)
	haveStored := err == nil
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load step entry: %w", err)
	}
	if !haveStored && !ok {
		// Nothing claims this step; late duplicate of settled work.
		o.opts.Logger.Debug(ctx, "orchestrator.completion_orphan",
			"plan", c.PlanID, "step", c.StepID, "state", string(c.State))
		return msg.Ack(ctx)
	}

	persistedTrace := entry.traceID
	persistedKey := plan.IdempotencyKey(c.PlanID, c.StepID)
	if haveStored {
		persistedTrace = stored.TraceID
		persistedKey = stored.IdempotencyKey
	}
	if persistedTrace != headerTrace || persistedKey != headerKey {
		o.opts.Logger.Error(ctx, "orchestrator.completion_mismatch",
			"plan", c.PlanID, "step", c.StepID,
			"trace", headerTrace, "expected_trace", persistedTrace,
			"key", headerKey, "expected_key", persistedKey)
		o.opts.Metrics.IncCounter("orchestrator.completion_mismatches", 1)
		return msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "mismatched_trace_or_idempotency"})
	}

	if !ok {
		entry = registryEntry{
			step:      stored.Step,
			traceID:   stored.TraceID,
			requestID: stored.RequestID,
			job: plan.StepJob{
				PlanID:    stored.PlanID,
				Step:      stored.Step,
				Attempt:   stored.Attempt,
				CreatedAt: stored.CreatedAt,
				TraceID:   stored.TraceID,
				RequestID: stored.RequestID,
				Subject:   stored.Subject,
			},
		}
	}

	switch c.State {
	case plan.StateCompleted:
		if err := o.applyCompleted(ctx, c, entry); err != nil {
			if errors.Is(err, state.ErrTransient) {
				return msg.Retry(ctx, queue.RetryOptions{Delay: transientRetryDelay})
			}
			return err
		}
		if err := msg.Ack(ctx); err != nil {
			return err
		}
		return o.releaseNextPlanSteps(ctx, c.PlanID)

	case plan.StateFailed, plan.StateRejected:
		if err := o.applyFailed(ctx, c, entry); err != nil {
			if errors.Is(err, state.ErrTransient) {
				return msg.Retry(ctx, queue.RetryOptions{Delay: transientRetryDelay})
			}
			return err
		}
		return msg.Ack(ctx)

	case plan.StateRunning:
		// Streaming progress; state refresh only, no cursor movement.
		if err := o.opts.State.SetState(ctx, c.PlanID, c.StepID, plan.StateRunning, state.SetStateOptions{Summary: c.Summary}); err != nil && !errors.Is(err, state.ErrIllegalTransition) {
			if errors.Is(err, state.ErrTransient) {
				return msg.Retry(ctx, queue.RetryOptions{Delay: transientRetryDelay})
			}
			return err
		}
		return msg.Ack(ctx)

	default:
		o.opts.Logger.Error(ctx, "orchestrator.completion_invalid_state",
			"plan", c.PlanID, "step", c.StepID, "state", string(c.State))
		return msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "invalid_completion_state"})
	}
}

// applyCompleted settles a successful step under the plan lock: persist the
// terminal state (output gated by content capture), drop the entry, advance
// the completion cursor, emit.
func (o *Orchestrator) applyCompleted(ctx context.Context, c plan.Completion, entry registryEntry) error {
	release, err := o.lockPlan(ctx, c.PlanID)
	if err != nil {
		return err
	}
	defer release()

	output := c.Output
	if !o.opts.ContentCapture {
		output = nil
	}
	if err := o.opts.State.SetState(ctx, c.PlanID, c.StepID, plan.StateCompleted, state.SetStateOptions{
		Summary: c.Summary,
		Output:  output,
	}); err != nil && !errors.Is(err, state.ErrNotFound) && !errors.Is(err, state.ErrIllegalTransition) {
		return fmt.Errorf("persist completion: %w", err)
	}
	if err := o.opts.State.ForgetStep(ctx, c.PlanID, c.StepID); err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	o.registry.drop(c.PlanID, c.StepID)

	meta, err := o.opts.State.PlanMetadata(ctx, c.PlanID)
	if err == nil {
		if idx := stepIndex(meta, c.StepID); idx >= 0 {
			if meta.LastCompletedIndex < idx {
				meta.LastCompletedIndex = idx
			}
			if meta.NextStepIndex <= idx {
				meta.NextStepIndex = idx + 1
			}
			if err := o.opts.State.RememberPlanMetadata(ctx, c.PlanID, meta); err != nil {
				return fmt.Errorf("advance plan cursors: %w", err)
			}
		}
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load plan metadata: %w", err)
	}

	o.emit(ctx, c.PlanID, entry.traceID, entry.requestID, entry.step, plan.StateCompleted, entry.job.Attempt, c.Summary, output, nil)
	o.opts.Logger.Info(ctx, "orchestrator.step_completed",
		"plan", c.PlanID, "step", c.StepID, "summary", c.Summary)
	o.opts.Metrics.IncCounter("orchestrator.steps_completed", 1)
	return nil
}

// applyFailed settles a failed or rejected step under the plan lock. The
// plan halts: cursors stay put and no further step dispatches.
func (o *Orchestrator) applyFailed(ctx context.Context, c plan.Completion, entry registryEntry) error {
	release, err := o.lockPlan(ctx, c.PlanID)
	if err != nil {
		return err
	}
	defer release()

	if err := o.opts.State.SetState(ctx, c.PlanID, c.StepID, c.State, state.SetStateOptions{Summary: c.Summary}); err != nil && !errors.Is(err, state.ErrNotFound) && !errors.Is(err, state.ErrIllegalTransition) {
		return fmt.Errorf("persist failure: %w", err)
	}
	o.emit(ctx, c.PlanID, entry.traceID, entry.requestID, entry.step, c.State, entry.job.Attempt, c.Summary, nil, nil)
	if err := o.opts.State.ClearApprovals(ctx, c.PlanID, c.StepID); err != nil && !errors.Is(err, state.ErrNotFound) {
		o.opts.Logger.Warn(ctx, "orchestrator.clear_approvals_failed",
			"plan", c.PlanID, "step", c.StepID, "error", err.Error())
	}
	if err := o.opts.State.ForgetStep(ctx, c.PlanID, c.StepID); err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	o.registry.drop(c.PlanID, c.StepID)
	o.pruneSubject(ctx, c.PlanID, entry.job.Subject)

	o.opts.Logger.Warn(ctx, "orchestrator.step_halted_plan",
		"plan", c.PlanID, "step", c.StepID, "state", string(c.State), "summary", c.Summary)
	o.opts.Metrics.IncCounter("orchestrator.steps_failed", 1, "state", string(c.State))
	return nil
}

func stepIndex(meta plan.Metadata, stepID string) int {
	for i, desc := range meta.Steps {
		if desc.Step.ID == stepID {
			return i
		}
	}
	return -1
}
