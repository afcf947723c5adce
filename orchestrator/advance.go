package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

// releaseNextPlanSteps is the cursor-advance loop. Under the plan lock it
// dispatches steps in order until it reaches one that is already in flight,
// parks on an unapproved approval gate, or runs out of eligible steps.
// Idempotent; safe to call repeatedly and after partial failures.
func (o *Orchestrator) releaseNextPlanSteps(ctx context.Context, planID string) error {
	release, err := o.lockPlan(ctx, planID)
	if err != nil {
		return err
	}
	defer release()

	meta, err := o.opts.State.PlanMetadata(ctx, planID)
	if errors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load plan metadata: %w", err)
	}

	for meta.NextStepIndex < len(meta.Steps) && meta.NextStepIndex <= meta.LastCompletedIndex+1 {
		desc := meta.Steps[meta.NextStepIndex]
		dispatched, err := o.dispatchStep(ctx, &meta, desc)
		if err != nil {
			// Persist any cursor progress before surfacing; the plan stays
			// re-drivable via another releaseNextPlanSteps call.
			_ = o.opts.State.RememberPlanMetadata(ctx, planID, meta)
			return err
		}
		if !dispatched {
			break
		}
		meta.NextStepIndex++
	}

	if meta.Complete() {
		if err := o.opts.State.ForgetPlanMetadata(ctx, planID); err != nil {
			return fmt.Errorf("forget plan metadata: %w", err)
		}
		o.finishPlan(ctx, planID, meta)
	} else {
		if err := o.opts.State.RememberPlanMetadata(ctx, planID, meta); err != nil {
			return fmt.Errorf("persist plan cursors: %w", err)
		}
	}

	o.publishDepth(ctx)
	return nil
}

// dispatchStep evaluates and, when eligible, enqueues one step. It returns
// true when the cursor may advance past the step; false parks the loop
// (step in flight or awaiting approval).
func (o *Orchestrator) dispatchStep(ctx context.Context, meta *plan.Metadata, desc plan.StepDescriptor) (bool, error) {
	planID := meta.PlanID
	step := desc.Step
	stored, err := o.opts.State.Entry(ctx, planID, step.ID)
	haveStored := err == nil
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return false, fmt.Errorf("load step entry %s: %w", step.ID, err)
	}
	if haveStored && stored.State.InFlight() {
		return false, nil
	}
	if haveStored && stored.State.Terminal() {
		// completed but the cursor never advanced (crash between the state
		// write and the metadata write): catch the cursor up. failed or
		// rejected halts the plan.
		if stored.State == plan.StateCompleted {
			if meta.LastCompletedIndex < meta.NextStepIndex {
				meta.LastCompletedIndex = meta.NextStepIndex
			}
			return true, nil
		}
		return false, nil
	}

	attempt := 0
	if haveStored {
		attempt = stored.Attempt
	}
	requestID := desc.RequestID
	if requestID == "" {
		requestID = meta.RequestID
	}
	job := plan.StepJob{
		PlanID:    planID,
		Step:      step,
		Attempt:   attempt,
		CreatedAt: time.Now().UTC(),
		TraceID:   meta.TraceID,
		RequestID: requestID,
		Subject:   desc.Subject,
	}

	approvals, err := o.opts.State.EnsureApprovals(ctx, planID, step.ID)
	if err != nil {
		return false, fmt.Errorf("load approvals %s: %w", step.ID, err)
	}

	decision, err := o.opts.Policy.EnforcePlanStep(ctx, step, policy.Input{
		PlanID:    planID,
		TraceID:   meta.TraceID,
		Approvals: approvals,
		Subject:   desc.Subject,
	})
	if err != nil {
		return false, fmt.Errorf("policy check %s: %w", step.ID, err)
	}
	if !decision.Allow && (len(decision.Blocking()) > 0 || !step.ApprovalRequired) {
		return false, &policy.ViolationError{PlanID: planID, StepID: step.ID, Denied: decision.Deny}
	}

	o.registry.register(planID, step.ID, registryEntry{
		step:      step,
		traceID:   meta.TraceID,
		requestID: requestID,
		job:       job,
	})

	key := plan.IdempotencyKey(planID, step.ID)
	if step.ApprovalRequired && !approvals[step.Capability] {
		if err := o.opts.State.RememberStep(ctx, planID, step, meta.TraceID, state.RememberOptions{
			InitialState:   plan.StateWaitingApproval,
			IdempotencyKey: key,
			Attempt:        attempt,
			CreatedAt:      job.CreatedAt,
			RequestID:      requestID,
			Approvals:      approvals,
			Subject:        desc.Subject,
		}); err != nil {
			return false, fmt.Errorf("persist waiting step %s: %w", step.ID, err)
		}
		o.emit(ctx, planID, meta.TraceID, requestID, step, plan.StateWaitingApproval, attempt, "Awaiting approval", nil, approvals)
		return false, nil
	}

	// RememberStep both creates fresh entries and moves an approved
	// waiting_approval entry to queued; other existing states pass through
	// unchanged.
	if err := o.opts.State.RememberStep(ctx, planID, step, meta.TraceID, state.RememberOptions{
		InitialState:   plan.StateQueued,
		IdempotencyKey: key,
		Attempt:        attempt,
		CreatedAt:      job.CreatedAt,
		RequestID:      requestID,
		Approvals:      approvals,
		Subject:        desc.Subject,
	}); err != nil {
		return false, fmt.Errorf("persist queued step %s: %w", step.ID, err)
	}

	if err := o.enqueueJob(ctx, job, key); err != nil {
		// Restore the invariant that no persisted entry exists for an
		// un-enqueued step.
		o.registry.drop(planID, step.ID)
		_ = o.opts.State.ClearApprovals(ctx, planID, step.ID)
		_ = o.opts.State.ForgetStep(ctx, planID, step.ID)
		o.pruneSubject(ctx, planID, desc.Subject)
		return false, err
	}

	o.emit(ctx, planID, meta.TraceID, requestID, step, plan.StateQueued, attempt, "Queued for execution", nil, nil)
	return true, nil
}

// enqueueJob publishes one step job under its idempotency key.
func (o *Orchestrator) enqueueJob(ctx context.Context, job plan.StepJob, key string) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode step job: %w", err)
	}
	headers := map[string]string{
		queue.HeaderTraceID:  job.TraceID,
		queue.HeaderAttempts: strconv.Itoa(job.Attempt),
	}
	if job.RequestID != "" {
		headers[queue.HeaderRequestID] = job.RequestID
	}
	if err := o.opts.Queue.Enqueue(ctx, o.opts.StepsQueue, payload, queue.EnqueueOptions{
		IdempotencyKey: key,
		Headers:        headers,
	}); err != nil {
		return fmt.Errorf("enqueue step %s: %w", key, err)
	}
	return nil
}

// finishPlan tears down a fully completed plan: registry, retained subject,
// session refcount.
func (o *Orchestrator) finishPlan(ctx context.Context, planID string, meta plan.Metadata) {
	var subject *plan.Subject
	for _, desc := range meta.Steps {
		if desc.Subject != nil && !desc.Subject.IsZero() {
			subject = desc.Subject
			break
		}
	}
	o.registry.dropPlan(planID)
	if subject != nil {
		if err := o.opts.State.RetainSubject(ctx, planID, *subject); err != nil {
			o.opts.Logger.Warn(ctx, "orchestrator.retain_subject_failed",
				"plan", planID, "error", err.Error())
		}
	}
	o.releaseSession(ctx, sessionOf(subject))
	o.opts.Logger.Info(ctx, "orchestrator.plan_completed",
		"plan", planID, "trace", meta.TraceID, "steps", len(meta.Steps))
	o.opts.Metrics.IncCounter("orchestrator.plans_completed", 1)
}
