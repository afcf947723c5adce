package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

// Approval decisions.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Resolution resolves one step's pending approval.
type Resolution struct {
	PlanID   string `json:"planId"`
	StepID   string `json:"stepId"`
	Decision string `json:"decision"`
	Summary  string `json:"summary,omitempty"`
}

// ErrUnknownStep reports an approval resolution for a step the orchestrator
// does not know.
var ErrUnknownStep = errors.New("unknown plan step")

// ResolvePlanStepApproval applies a human approval decision to a parked
// step. Approval merges the step's capability into its approvals and re-runs
// policy; blocking denies that remain reject the step anyway. Rejection (and
// a failed re-check) persists the terminal state, clears approvals and drops
// the step.
func (o *Orchestrator) ResolvePlanStepApproval(ctx context.Context, res Resolution) error {
	if res.Decision != DecisionApproved && res.Decision != DecisionRejected {
		return fmt.Errorf("invalid approval decision %q", res.Decision)
	}

	entry, ok := o.registry.lookup(res.PlanID, res.StepID)
	if !ok {
		stored, err := o.opts.State.Entry(ctx, res.PlanID, res.StepID)
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%s: %w", plan.IdempotencyKey(res.PlanID, res.StepID), ErrUnknownStep)
		}
		if err != nil {
			return fmt.Errorf("load step entry: %w", err)
		}
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

	if res.Decision == DecisionRejected {
		if err := o.rejectStep(ctx, res.PlanID, entry, summaryOr(res.Summary, "Approval rejected")); err != nil {
			return err
		}
		return nil
	}

	return o.approveStep(ctx, res.PlanID, entry, res.Summary)
}

// approveStep records the approval, re-runs policy with it applied, and
// either releases the plan or rejects the step when blocking denies remain.
func (o *Orchestrator) approveStep(ctx context.Context, planID string, entry registryEntry, summary string) error {
	step := entry.step
	if err := o.opts.State.RecordApproval(ctx, planID, step.ID, step.Capability, true); err != nil {
		return fmt.Errorf("record approval: %w", err)
	}
	approvals, err := o.opts.State.EnsureApprovals(ctx, planID, step.ID)
	if err != nil {
		return fmt.Errorf("load approvals: %w", err)
	}

	decision, err := o.opts.Policy.EnforcePlanStep(ctx, step, policy.Input{
		PlanID:    planID,
		TraceID:   entry.traceID,
		Approvals: approvals,
		Subject:   entry.job.Subject,
	})
	if err != nil {
		return fmt.Errorf("policy re-check: %w", err)
	}
	if blocking := decision.Blocking(); len(blocking) > 0 {
		if err := o.rejectStep(ctx, planID, entry, "Policy denied after approval"); err != nil {
			return err
		}
		return &policy.ViolationError{PlanID: planID, StepID: step.ID, Denied: blocking}
	}

	o.opts.Logger.Info(ctx, "orchestrator.approval_granted",
		"plan", planID, "step", step.ID, "capability", step.Capability)
	o.opts.Metrics.IncCounter("orchestrator.approvals", 1, "decision", DecisionApproved)
	if summary != "" {
		o.opts.Logger.Debug(ctx, "orchestrator.approval_summary",
			"plan", planID, "step", step.ID, "summary", summary)
	}

	// The advance loop moves the waiting_approval entry to queued and
	// enqueues the job.
	return o.releaseNextPlanSteps(ctx, planID)
}

// rejectStep terminally rejects a parked step: persist rejected, emit, clear
// approvals, drop the entry and prune the plan subject. The plan halts with
// its metadata in place.
func (o *Orchestrator) rejectStep(ctx context.Context, planID string, entry registryEntry, summary string) error {
	release, err := o.lockPlan(ctx, planID)
	if err != nil {
		return err
	}
	defer release()

	step := entry.step
	if err := o.opts.State.SetState(ctx, planID, step.ID, plan.StateRejected, state.SetStateOptions{Summary: summary}); err != nil && !errors.Is(err, state.ErrNotFound) && !errors.Is(err, state.ErrIllegalTransition) {
		return fmt.Errorf("persist rejection: %w", err)
	}
	o.emit(ctx, planID, entry.traceID, entry.requestID, step, plan.StateRejected, entry.job.Attempt, summary, nil, nil)
	if err := o.opts.State.ClearApprovals(ctx, planID, step.ID); err != nil && !errors.Is(err, state.ErrNotFound) {
		o.opts.Logger.Warn(ctx, "orchestrator.clear_approvals_failed",
			"plan", planID, "step", step.ID, "error", err.Error())
	}
	if err := o.opts.State.ForgetStep(ctx, planID, step.ID); err != nil {
		return fmt.Errorf("forget step: %w", err)
	}
	o.registry.drop(planID, step.ID)
	o.pruneSubject(ctx, planID, entry.job.Subject)

	o.opts.Logger.Info(ctx, "orchestrator.step_rejected",
		"plan", planID, "step", step.ID, "summary", summary)
	o.opts.Metrics.IncCounter("orchestrator.approvals", 1, "decision", DecisionRejected)
	return nil
}

func summaryOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
