package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/events"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
)

// emit publishes a plan step event. Event delivery is best-effort and always
// ordered after the corresponding state write; a failing subscriber is
// logged, never propagated.
func (o *Orchestrator) emit(ctx context.Context, planID, traceID, requestID string, step plan.Step, st plan.StepState, attempt int, summary string, output *plan.Document, approvals map[string]bool) {
	ev := events.NewPlanStepEvent(planID, traceID, requestID, step, st, attempt, summary)
	ev.Step.Output = output
	ev.Step.Approvals = plan.CloneApprovals(approvals)
	if err := o.opts.Bus.Publish(ctx, ev); err != nil {
		o.opts.Logger.Warn(ctx, "orchestrator.event_publish_failed",
			"plan", planID, "step", step.ID, "state", string(st), "error", err.Error())
	}
	o.opts.Metrics.IncCounter("orchestrator.events", 1, "state", string(st))
}

// publishCompletion puts a Completion on the completions queue under the
// step's idempotency key. Dedupe is skipped: the key was claimed by the step
// enqueue and identifies the step, not this message.
func (o *Orchestrator) publishCompletion(ctx context.Context, c plan.Completion, traceID, requestID string) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode completion: %w", err)
	}
	key := plan.IdempotencyKey(c.PlanID, c.StepID)
	headers := map[string]string{
		queue.HeaderTraceID:        traceID,
		queue.HeaderIdempotencyKey: key,
	}
	if requestID != "" {
		headers[queue.HeaderRequestID] = requestID
	}
	if err := o.opts.Queue.Enqueue(ctx, o.opts.CompletionsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: key,
		Headers:        headers,
		SkipDedupe:     true,
	}); err != nil {
		return fmt.Errorf("enqueue completion %s: %w", key, err)
	}
	return nil
}

// publishDepth records the steps-queue depth gauge.
func (o *Orchestrator) publishDepth(ctx context.Context) {
	depth, err := o.opts.Queue.Depth(ctx, o.opts.StepsQueue)
	if err != nil {
		o.opts.Logger.Debug(ctx, "orchestrator.depth_unavailable",
			"queue", o.opts.StepsQueue, "error", err.Error())
		return
	}
	o.opts.Metrics.RecordGauge("orchestrator.steps_depth", float64(depth),
		"queue", o.opts.StepsQueue)
}
