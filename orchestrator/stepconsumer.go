package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/retry"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent"
)

// handleStepMessage consumes one step job: transition the step to running,
// invoke the tool agent under the step timeout, and settle the delivery with
// a completion, a delayed retry, or an ack-drop for stale work.
func (o *Orchestrator) handleStepMessage(ctx context.Context, msg queue.Message) error {
	var job plan.StepJob
	if err := json.Unmarshal(msg.Payload(), &job); err != nil {
		o.opts.Logger.Error(ctx, "orchestrator.step_malformed", "error", err.Error())
		return msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "malformed_payload"})
	}

	attempt := job.Attempt
	if raw, ok := msg.Headers()[queue.HeaderAttempts]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > attempt {
			attempt = n
		}
	}
	job.Attempt = attempt

	entry, err := o.opts.State.Entry(ctx, job.PlanID, job.Step.ID)
	switch {
	case err == nil && entry.State.Terminal():
		// Stale redelivery of settled work.
		o.opts.Logger.Debug(ctx, "orchestrator.step_stale",
			"plan", job.PlanID, "step", job.Step.ID, "state", string(entry.State))
		return msg.Ack(ctx)
	case errors.Is(err, state.ErrNotFound):
		// Entry lost (or never persisted before a crash); recreate it so the
		// run is durable.
		if err := o.opts.State.RememberStep(ctx, job.PlanID, job.Step, job.TraceID, state.RememberOptions{
			InitialState:   plan.StateQueued,
			IdempotencyKey: plan.IdempotencyKey(job.PlanID, job.Step.ID),
			Attempt:        attempt,
			CreatedAt:      job.CreatedAt,
			RequestID:      job.RequestID,
			Subject:        job.Subject,
		}); err != nil {
			return fmt.Errorf("recreate step entry: %w", err)
		}
	case err != nil:
		return fmt.Errorf("load step entry: %w", err)
	case entry.State == plan.StateRetrying:
		// Redelivery of a retried job; step back through queued so the
		// transition graph admits running.
		if serr := o.opts.State.SetState(ctx, job.PlanID, job.Step.ID, plan.StateQueued, state.SetStateOptions{Attempt: &attempt}); serr != nil {
			return fmt.Errorf("requeue retried step: %w", serr)
		}
		o.emit(ctx, job.PlanID, job.TraceID, job.RequestID, job.Step, plan.StateQueued, attempt, "Queued for retry", nil, nil)
	}

	if err := o.opts.State.SetState(ctx, job.PlanID, job.Step.ID, plan.StateRunning, state.SetStateOptions{Attempt: &attempt}); err != nil {
		if errors.Is(err, state.ErrIllegalTransition) {
			o.opts.Logger.Warn(ctx, "orchestrator.step_not_runnable",
				"plan", job.PlanID, "step", job.Step.ID, "error", err.Error())
			return msg.Ack(ctx)
		}
		return fmt.Errorf("transition to running: %w", err)
	}
	o.registry.register(job.PlanID, job.Step.ID, registryEntry{
		step:      job.Step,
		traceID:   job.TraceID,
		requestID: job.RequestID,
		job:       job,
		inFlight:  true,
	})
	o.emit(ctx, job.PlanID, job.TraceID, job.RequestID, job.Step, plan.StateRunning, attempt, "", nil, nil)

	final, err := o.invokeAgent(ctx, job)
	if err == nil {
		c := plan.Completion{
			PlanID:  job.PlanID,
			StepID:  job.Step.ID,
			State:   plan.StateCompleted,
			Summary: final.Summary,
			Output:  final.Output,
		}
		if final.State == plan.StateFailed {
			c.State = plan.StateFailed
			c.Output = nil
		}
		if err := o.publishCompletion(ctx, c, job.TraceID, job.RequestID); err != nil {
			return err
		}
		return msg.Ack(ctx)
	}

	if retryableAgentError(err) && attempt+1 < o.opts.MaxAttempts {
		delay := o.backoff(attempt + 1)
		if serr := o.opts.State.SetState(ctx, job.PlanID, job.Step.ID, plan.StateRetrying, state.SetStateOptions{Summary: err.Error()}); serr != nil {
			return fmt.Errorf("transition to retrying: %w", serr)
		}
		o.emit(ctx, job.PlanID, job.TraceID, job.RequestID, job.Step, plan.StateRetrying, attempt, err.Error(), nil, nil)
		o.opts.Logger.Info(ctx, "orchestrator.step_retrying",
			"plan", job.PlanID, "step", job.Step.ID, "attempt", attempt, "delay", delay.String(), "error", err.Error())
		o.opts.Metrics.IncCounter("orchestrator.step_retries", 1)
		return msg.Retry(ctx, queue.RetryOptions{Delay: delay})
	}

	c := plan.Completion{
		PlanID:  job.PlanID,
		StepID:  job.Step.ID,
		State:   plan.StateFailed,
		Summary: err.Error(),
	}
	if err := o.publishCompletion(ctx, c, job.TraceID, job.RequestID); err != nil {
		return err
	}
	return msg.Ack(ctx)
}

// invokeAgent runs the tool agent under the step timeout, wrapped with cost
// tracking when configured, and returns the terminal tool event.
func (o *Orchestrator) invokeAgent(ctx context.Context, job plan.StepJob) (toolagent.ToolEvent, error) {
	timeout := time.Duration(job.Step.TimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execute := func(ctx context.Context) ([]toolagent.ToolEvent, error) {
		return o.opts.Agent.ExecuteStep(ctx, job)
	}
	if o.opts.Costs != nil {
		meta := cost.OperationMetadata{
			Operation: job.Step.Tool,
			PlanID:    job.PlanID,
			StepID:    job.Step.ID,
		}
		if job.Subject != nil {
			meta.TenantID = job.Subject.TenantID
		}
		result, err := o.opts.Costs.TrackOperation(ctx, meta, func(ctx context.Context) (cost.Result, error) {
			events, err := execute(ctx)
			res := cost.Result{Value: events}
			if final, ferr := toolagent.Final(events); ferr == nil {
				res.Usage = final.Usage
			}
			return res, err
		})
		if err != nil {
			return toolagent.ToolEvent{}, err
		}
		events, _ := result.Value.([]toolagent.ToolEvent)
		return toolagent.Final(events)
	}
	events, err := execute(ctx)
	if err != nil {
		return toolagent.ToolEvent{}, err
	}
	return toolagent.Final(events)
}

// retryableAgentError classifies an agent failure: a ToolError carries its
// own flag; anything else follows the shared retryability rules. A response
// without a terminal event is permanent.
func retryableAgentError(err error) bool {
	var toolErr *toolagent.ToolError
	if errors.As(err, &toolErr) {
		return toolErr.Retryable
	}
	if errors.Is(err, toolagent.ErrNoEvents) {
		return false
	}
	return retry.IsRetryable(err)
}
