package orchestrator

import (
	"context"
	"fmt"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

// rehydrate reloads every non-terminal step entry after a restart: registry
// entries are rebuilt, session file locks restored once per session, parked
// steps re-announced and enqueued work re-published. The persisted
// idempotency key plus the dedupe layer keep already-enqueued work from
// duplicating.
func (o *Orchestrator) rehydrate(ctx context.Context) error {
	entries, err := o.opts.State.ListActiveSteps(ctx)
	if err != nil {
		return fmt.Errorf("list active steps: %w", err)
	}
	restored := make(map[string]struct{})
	for _, e := range entries {
		job := plan.StepJob{
			PlanID:    e.PlanID,
			Step:      e.Step,
			Attempt:   e.Attempt,
			CreatedAt: e.CreatedAt,
			TraceID:   e.TraceID,
			RequestID: e.RequestID,
			Subject:   e.Subject,
		}
		o.registry.register(e.PlanID, e.Step.ID, registryEntry{
			step:      e.Step,
			traceID:   e.TraceID,
			requestID: e.RequestID,
			job:       job,
		})
		if sid := sessionOf(e.Subject); sid != "" {
			if _, done := restored[sid]; !done {
				restored[sid] = struct{}{}
				o.retainSession(ctx, sid)
			}
		}

		switch e.State {
		case plan.StateWaitingApproval:
			o.emit(ctx, e.PlanID, e.TraceID, e.RequestID, e.Step, plan.StateWaitingApproval, e.Attempt,
				"Awaiting approval (rehydrated)", nil, e.Approvals)

		case plan.StateQueued, plan.StateRunning, plan.StateRetrying:
			if err := o.enqueueJob(ctx, job, e.IdempotencyKey); err != nil {
				return fmt.Errorf("rehydrate %s: %w", e.IdempotencyKey, err)
			}
			if e.State == plan.StateRunning {
				o.emit(ctx, e.PlanID, e.TraceID, e.RequestID, e.Step, plan.StateQueued, e.Attempt,
					"Retry enqueued after restart", nil, nil)
			}
		}
	}
	if len(entries) > 0 {
		o.opts.Logger.Info(ctx, "orchestrator.rehydrated", "steps", len(entries))
	}
	return nil
}
