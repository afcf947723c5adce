// Package state defines the durable plan state store: per-plan metadata with
// its ordering cursors and the lifecycle record of every dispatched step.
// Writes are idempotent by idempotency key and respect the step state
// transition graph, which is what makes at-least-once delivery upstream safe.
// Backends: in-memory (this package), an atomically persisted JSON document
// (state/file) and a relational schema (state/postgres).
package state

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

var (
	// ErrNotFound reports that no record exists for the requested key.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition reports a state change the transition graph
	// forbids. The caller must not advance; completion consumers dead-letter
	// the offending message.
	ErrIllegalTransition = errors.New("illegal state transition")

	// ErrTransient wraps backend failures worth retrying (deadlock, lost
	// connection). Callers release the plan lock and re-drive.
	ErrTransient = errors.New("transient store error")
)

// DefaultRetainedSubjects caps the retained-subject archive.
const DefaultRetainedSubjects = 256

type (
	// Store is the durable plan state contract. All methods tolerate
	// concurrent callers; cross-worker serialisation of one plan is the
	// plan lock's job, not the store's.
	Store interface {
		// RememberPlanMetadata persists the plan's step list and cursors.
		RememberPlanMetadata(ctx context.Context, planID string, meta plan.Metadata) error
		// PlanMetadata loads a plan's metadata or ErrNotFound.
		PlanMetadata(ctx context.Context, planID string) (plan.Metadata, error)
		// ForgetPlanMetadata removes the plan's metadata.
		ForgetPlanMetadata(ctx context.Context, planID string) error
		// ListPlanMetadata returns every stored plan, for operations and
		// debugging.
		ListPlanMetadata(ctx context.Context) ([]plan.Metadata, error)

		// RememberStep creates or advances a step entry, idempotent by
		// idempotency key: an existing entry only moves forward (attempt
		// non-decreasing, state per the transition graph) and a terminal
		// state never regresses.
		RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts RememberOptions) error
		// SetState applies an allowed transition or fails with
		// ErrIllegalTransition.
		SetState(ctx context.Context, planID, stepID string, to plan.StepState, opts SetStateOptions) error
		// Entry loads one step entry or ErrNotFound.
		Entry(ctx context.Context, planID, stepID string) (plan.PersistedStepEntry, error)
		// ForgetStep removes one step entry.
		ForgetStep(ctx context.Context, planID, stepID string) error
		// ListActiveSteps returns every non-terminal entry, for rehydration.
		ListActiveSteps(ctx context.Context) ([]plan.PersistedStepEntry, error)

		// EnsureApprovals returns the step's approvals map, creating an
		// empty one when absent.
		EnsureApprovals(ctx context.Context, planID, stepID string) (map[string]bool, error)
		// RecordApproval sets one capability's approval on the step.
		RecordApproval(ctx context.Context, planID, stepID, capability string, value bool) error
		// ClearApprovals drops the step's approvals.
		ClearApprovals(ctx context.Context, planID, stepID string) error

		// RetainSubject archives a plan's subject after its registry entries
		// are gone. The archive is bounded; the oldest entry gives way.
		RetainSubject(ctx context.Context, planID string, subject plan.Subject) error
		// RetainedSubject loads an archived subject or ErrNotFound.
		RetainedSubject(ctx context.Context, planID string) (plan.Subject, error)
		// ForgetRetainedSubject removes an archived subject.
		ForgetRetainedSubject(ctx context.Context, planID string) error

		// SweepTerminal removes terminal entries not updated since cutoff
		// and prunes the retained-subject archive to the same horizon.
		// Non-terminal entries, waiting_approval included, are never swept.
		SweepTerminal(ctx context.Context, cutoff time.Time) (int, error)

		// Close releases backend resources.
		Close() error
	}

	// RememberOptions parameterises RememberStep.
	RememberOptions struct {
		// InitialState is the state a new entry starts in; defaults to
		// queued. For an existing entry it is applied only when the
		// transition graph allows it.
		InitialState plan.StepState
		// IdempotencyKey defaults to "{planId}:{stepId}".
		IdempotencyKey string
		// Attempt is the dispatch attempt; existing entries keep the max.
		Attempt int
		// CreatedAt defaults to now.
		CreatedAt time.Time
		// RequestID correlates the entry with the submitting request.
		RequestID string
		// Approvals seeds or merges into the entry's approvals map.
		Approvals map[string]bool
		// Subject is the identity the step executes for.
		Subject *plan.Subject
	}

	// SetStateOptions parameterises SetState. Summary annotates the
	// transition for logging; it is not persisted on the entry.
	SetStateOptions struct {
		Summary string
		// Output is persisted when present (content capture is the
		// caller's gate).
		Output *plan.Document
		// Attempt, when non-nil, advances the entry's attempt; it never
		// decreases it.
		Attempt *int
	}
)

// applyRemember merges a RememberStep call into an existing entry, or builds
// a fresh one when existing is nil. Pure; shared by the memory and file
// backends.
func applyRemember(existing *plan.PersistedStepEntry, planID string, step plan.Step, traceID string, opts RememberOptions, now time.Time) plan.PersistedStepEntry {
	if opts.IdempotencyKey == "" {
		opts.IdempotencyKey = plan.IdempotencyKey(planID, step.ID)
	}
	if opts.InitialState == "" {
		opts.InitialState = plan.StateQueued
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = now
	}
	if existing == nil {
		return plan.PersistedStepEntry{
			PlanID:         planID,
			Step:           step.Clone(),
			State:          opts.InitialState,
			Attempt:        opts.Attempt,
			CreatedAt:      opts.CreatedAt,
			TraceID:        traceID,
			RequestID:      opts.RequestID,
			IdempotencyKey: opts.IdempotencyKey,
			Approvals:      plan.CloneApprovals(opts.Approvals),
			Subject:        cloneSubject(opts.Subject),
			UpdatedAt:      now,
		}
	}
	out := existing.Clone()
	if opts.Attempt > out.Attempt {
		out.Attempt = opts.Attempt
	}
	if plan.CanTransition(out.State, opts.InitialState) {
		out.State = opts.InitialState
	}
	if opts.RequestID != "" {
		out.RequestID = opts.RequestID
	}
	if opts.Subject != nil {
		out.Subject = cloneSubject(opts.Subject)
	}
	if len(opts.Approvals) > 0 {
		if out.Approvals == nil {
			out.Approvals = make(map[string]bool, len(opts.Approvals))
		}
		for capability, v := range opts.Approvals {
			out.Approvals[capability] = v
		}
	}
	out.UpdatedAt = now
	return out
}

// applySetState mutates entry per an allowed transition. Pure except for the
// entry itself; shared by the memory and file backends.
func applySetState(entry *plan.PersistedStepEntry, to plan.StepState, opts SetStateOptions, now time.Time) error {
	if !plan.CanTransition(entry.State, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, entry.State, to, entry.IdempotencyKey)
	}
	entry.State = to
	if opts.Output != nil {
		o := opts.Output.Clone()
		entry.Output = &o
	}
	if opts.Attempt != nil && *opts.Attempt > entry.Attempt {
		entry.Attempt = *opts.Attempt
	}
	entry.UpdatedAt = now
	return nil
}

func cloneSubject(in *plan.Subject) *plan.Subject {
	if in == nil {
		return nil
	}
	c := in.Clone()
	return &c
}
