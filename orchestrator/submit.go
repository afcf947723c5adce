package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

// SubmitPlanSteps accepts a plan for execution. The plan is validated, rate
// limited per tenant, persisted with empty cursors under the plan lock, and
// its first eligible step dispatched. A policy violation on the first step
// fails the whole call; the plan does not partially start. Submitting a plan
// ID that is already in flight keeps the stored cursors and merely re-drives
// dispatch.
func (o *Orchestrator) SubmitPlanSteps(ctx context.Context, p plan.Plan, traceID, requestID string, subject *plan.Subject) error {
	if err := plan.Validate(p); err != nil {
		return fmt.Errorf("invalid plan: %w", err)
	}
	if o.opts.Catalog != nil {
		if err := o.opts.Catalog.ValidatePlan(p); err != nil {
			return fmt.Errorf("invalid plan: %w", err)
		}
	}
	if o.opts.Limiter != nil {
		tenant := ""
		if subject != nil {
			tenant = subject.TenantID
		}
		if err := o.opts.Limiter.Allow(tenant); err != nil {
			return err
		}
	}
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if err := o.persistSubmission(ctx, p, traceID, requestID, subject); err != nil {
		return err
	}

	o.opts.Logger.Info(ctx, "orchestrator.plan_submitted",
		"plan", p.ID, "trace", traceID, "request", requestID, "steps", len(p.Steps))
	o.opts.Metrics.IncCounter("orchestrator.plans_submitted", 1)

	return o.releaseNextPlanSteps(ctx, p.ID)
}

// persistSubmission writes the plan's metadata with empty cursors under the
// plan lock and retains the session. A plan whose metadata already exists is
// an idempotent resubmit: the stored cursors stay authoritative, so steps
// that already completed are never re-dispatched.
func (o *Orchestrator) persistSubmission(ctx context.Context, p plan.Plan, traceID, requestID string, subject *plan.Subject) error {
	release, err := o.lockPlan(ctx, p.ID)
	if err != nil {
		return err
	}
	defer release()

	if _, err := o.opts.State.PlanMetadata(ctx, p.ID); err == nil {
		o.opts.Logger.Info(ctx, "orchestrator.plan_resubmitted", "plan", p.ID, "request", requestID)
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("load plan metadata: %w", err)
	}

	now := time.Now().UTC()
	meta := plan.Metadata{
		PlanID:             p.ID,
		TraceID:            traceID,
		RequestID:          requestID,
		Steps:              make([]plan.StepDescriptor, len(p.Steps)),
		NextStepIndex:      0,
		LastCompletedIndex: -1,
	}
	for i, step := range p.Steps {
		meta.Steps[i] = plan.StepDescriptor{
			Step:      step.Clone(),
			CreatedAt: now,
			RequestID: requestID,
			Subject:   cloneSubjectPtr(subject),
		}
	}
	if err := o.opts.State.RememberPlanMetadata(ctx, p.ID, meta); err != nil {
		return fmt.Errorf("persist plan metadata: %w", err)
	}

	o.retainSession(ctx, sessionOf(subject))
	return nil
}

func cloneSubjectPtr(in *plan.Subject) *plan.Subject {
	if in == nil {
		return nil
	}
	c := in.Clone()
	return &c
}
