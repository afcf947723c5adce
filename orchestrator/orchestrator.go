// Package orchestrator schedules plan steps: it submits plans, advances the
// per-plan cursor one step at a time, parks approval-gated steps, consumes
// step jobs and completions from the work queues, and rehydrates in-flight
// work after a restart. One plan's mutations are serialised under the
// distributed lock "plan:{planId}"; every durable write lands in the plan
// state store before the corresponding event is published.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/lock"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
)

// Orchestrator is the plan queue manager. Construct with New, call Start to
// rehydrate and attach the queue consumers, then drive it through
// SubmitPlanSteps and ResolvePlanStepApproval.
type Orchestrator struct {
	opts     Options
	registry *registry
}

// New validates the options and constructs an orchestrator. The queue
// consumers are not attached until Start.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.fill(); err != nil {
		return nil, err
	}
	return &Orchestrator{opts: opts, registry: newRegistry()}, nil
}

// Start rehydrates active steps from the state store and attaches the step
// and completion consumers. Delivery happens on adapter-owned goroutines
// until ctx is cancelled or the adapter closes.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.rehydrate(ctx); err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	if err := o.opts.Queue.Consume(ctx, o.opts.StepsQueue, o.handleStepMessage); err != nil {
		return fmt.Errorf("consume %s: %w", o.opts.StepsQueue, err)
	}
	if err := o.opts.Queue.Consume(ctx, o.opts.CompletionsQueue, o.handleCompletionMessage); err != nil {
		return fmt.Errorf("consume %s: %w", o.opts.CompletionsQueue, err)
	}
	return nil
}

// PersistedPlanStep returns the durable record of one dispatched step.
func (o *Orchestrator) PersistedPlanStep(ctx context.Context, planID, stepID string) (plan.PersistedStepEntry, error) {
	return o.opts.State.Entry(ctx, planID, stepID)
}

// PlanSubject returns the subject a plan executes for: the subject of its
// first registered step while the plan is active, falling back to the
// retained-subject archive once the plan's steps are gone.
func (o *Orchestrator) PlanSubject(ctx context.Context, planID string) (plan.Subject, error) {
	if subject, ok := o.registry.planSubject(planID); ok {
		return subject, nil
	}
	return o.opts.State.RetainedSubject(ctx, planID)
}

// lockPlan acquires the plan's distributed lock. A bounded-wait failure is
// reported as a transient store error so callers re-drive instead of failing
// the plan.
func (o *Orchestrator) lockPlan(ctx context.Context, planID string) (func(), error) {
	release, err := o.opts.Locks.Acquire(ctx, "plan:"+planID, o.opts.LockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return nil, fmt.Errorf("plan %s: %w: %w", planID, state.ErrTransient, err)
		}
		return nil, fmt.Errorf("acquire plan lock %s: %w", planID, err)
	}
	return release, nil
}

// backoff computes the delay before retry attempt n (1-based):
// base * 2^(n-1), capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := o.opts.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.opts.MaxBackoff {
			return o.opts.MaxBackoff
		}
	}
	if delay > o.opts.MaxBackoff {
		delay = o.opts.MaxBackoff
	}
	return delay
}

// pruneSubject archives the plan's subject once its last registry entry is
// gone, so PlanSubject keeps answering after the plan leaves the hot path.
func (o *Orchestrator) pruneSubject(ctx context.Context, planID string, subject *plan.Subject) {
	if !o.registry.planEmpty(planID) {
		return
	}
	o.registry.dropPlan(planID)
	if subject == nil || subject.IsZero() {
		return
	}
	if err := o.opts.State.RetainSubject(ctx, planID, *subject); err != nil {
		o.opts.Logger.Warn(ctx, "orchestrator.retain_subject_failed",
			"plan", planID, "error", err.Error())
	}
}

// releaseSession decrements the session's plan refcount and releases its
// file locks at zero.
func (o *Orchestrator) releaseSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	if o.registry.sessionRelease(sessionID) > 0 {
		return
	}
	if o.opts.FileLocks == nil {
		return
	}
	if err := o.opts.FileLocks.ReleaseSessionLocks(sessionID); err != nil {
		o.opts.Logger.Warn(ctx, "orchestrator.session_locks_release_failed",
			"session", sessionID, "error", err.Error())
	}
}

// retainSession increments the session's plan refcount and restores its file
// locks from the on-disk manifest.
func (o *Orchestrator) retainSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	o.registry.sessionRetain(sessionID)
	if o.opts.FileLocks == nil {
		return
	}
	if err := o.opts.FileLocks.RestoreSessionLocks(sessionID); err != nil {
		o.opts.Logger.Warn(ctx, "orchestrator.session_locks_restore_failed",
			"session", sessionID, "error", err.Error())
	}
}

func sessionOf(subject *plan.Subject) string {
	if subject == nil {
		return ""
	}
	return subject.SessionID
}
