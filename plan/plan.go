// Package plan defines the data model for plan execution: plans and their
// ordered capability-bearing steps, the subject a plan executes on behalf of,
// the payloads carried on the work queues, and the durable records kept by the
// plan state store. Types in this package are plain values; persistence and
// scheduling live in the state and orchestrator packages.
package plan

import (
	"fmt"
	"time"
)

type (
	// Plan is an ordered sequence of steps submitted for execution. Plans are
	// immutable once submitted; progress is tracked externally via Metadata
	// and per-step entries.
	Plan struct {
		// ID uniquely identifies the plan. Must match the plan id pattern
		// accepted by Validate.
		ID string `json:"id"`

		// Goal is the human-readable objective the plan works toward.
		Goal string `json:"goal,omitempty"`

		// Steps is the ordered sequence of steps. Step i+1 is never dispatched
		// before step i completed.
		Steps []Step `json:"steps"`

		// SuccessCriteria lists the conditions under which the plan is
		// considered successful. Informational; not evaluated by the core.
		SuccessCriteria []string `json:"successCriteria,omitempty"`
	}

	// Step is a unit of work bound to one tool invocation and one capability.
	Step struct {
		// ID is unique within the plan.
		ID string `json:"id"`

		// Action describes what the step does (free-form).
		Action string `json:"action,omitempty"`

		// Tool names the tool the external agent invokes for this step.
		Tool string `json:"tool"`

		// Capability is the permission the policy engine reasons about
		// (e.g. "repo.write").
		Capability string `json:"capability"`

		// CapabilityLabel is the display form of Capability.
		CapabilityLabel string `json:"capabilityLabel,omitempty"`

		// Labels carries caller-provided step labels.
		Labels []string `json:"labels,omitempty"`

		// TimeoutSeconds bounds the tool invocation wall time. Must be > 0.
		TimeoutSeconds int `json:"timeoutSeconds"`

		// ApprovalRequired marks steps that must not run until the step's
		// capability has been approved for this step.
		ApprovalRequired bool `json:"approvalRequired"`

		// Input is the structured payload handed to the tool.
		Input Document `json:"input,omitempty"`

		// Metadata carries implementation-specific step metadata.
		Metadata Document `json:"metadata,omitempty"`
	}

	// Subject is the authenticated identity on whose behalf steps execute.
	// Carried with every step so policy can decide per identity.
	Subject struct {
		SessionID string   `json:"sessionId,omitempty"`
		TenantID  string   `json:"tenantId,omitempty"`
		UserID    string   `json:"userId,omitempty"`
		Email     string   `json:"email,omitempty"`
		Name      string   `json:"name,omitempty"`
		Roles     []string `json:"roles,omitempty"`
		Scopes    []string `json:"scopes,omitempty"`
	}

	// StepJob is the payload transported on the steps queue.
	StepJob struct {
		PlanID    string    `json:"planId"`
		Step      Step      `json:"step"`
		Attempt   int       `json:"attempt"`
		CreatedAt time.Time `json:"createdAt"`
		TraceID   string    `json:"traceId"`
		RequestID string    `json:"requestId,omitempty"`
		Subject   *Subject  `json:"subject,omitempty"`
	}

	// Completion is the payload transported on the completions queue. State
	// is one of completed, failed, rejected or running (streaming progress).
	Completion struct {
		PlanID    string          `json:"planId"`
		StepID    string          `json:"stepId"`
		State     StepState       `json:"state"`
		Summary   string          `json:"summary,omitempty"`
		Output    *Document       `json:"output,omitempty"`
		Approvals map[string]bool `json:"approvals,omitempty"`
	}

	// PersistedStepEntry is the durable record the plan state store keeps for
	// each dispatched step.
	PersistedStepEntry struct {
		PlanID         string          `json:"planId"`
		Step           Step            `json:"step"`
		State          StepState       `json:"state"`
		Attempt        int             `json:"attempt"`
		CreatedAt      time.Time       `json:"createdAt"`
		TraceID        string          `json:"traceId"`
		RequestID      string          `json:"requestId,omitempty"`
		IdempotencyKey string          `json:"idempotencyKey"`
		Approvals      map[string]bool `json:"approvals,omitempty"`
		Subject        *Subject        `json:"subject,omitempty"`
		Output         *Document       `json:"output,omitempty"`
		UpdatedAt      time.Time       `json:"updatedAt"`
	}

	// StepDescriptor is the per-step slot stored in plan metadata.
	StepDescriptor struct {
		Step      Step      `json:"step"`
		CreatedAt time.Time `json:"createdAt"`
		Attempt   int       `json:"attempt"`
		RequestID string    `json:"requestId,omitempty"`
		Subject   *Subject  `json:"subject,omitempty"`
	}

	// Metadata is the durable per-plan record: the ordered step list plus the
	// cursors driving sequential progression. LastCompletedIndex starts at -1.
	// Invariant: LastCompletedIndex < NextStepIndex <= len(Steps).
	Metadata struct {
		PlanID             string           `json:"planId"`
		TraceID            string           `json:"traceId"`
		RequestID          string           `json:"requestId,omitempty"`
		Steps              []StepDescriptor `json:"steps"`
		NextStepIndex      int              `json:"nextStepIndex"`
		LastCompletedIndex int              `json:"lastCompletedIndex"`
	}
)

// IdempotencyKey returns the stable key identifying one step of one plan
// across retries. The queue adapter and the state store both key duplicate
// suppression on it.
func IdempotencyKey(planID, stepID string) string {
	return fmt.Sprintf("%s:%s", planID, stepID)
}

// IsZero reports whether the subject carries no identity at all.
func (s Subject) IsZero() bool {
	return s.SessionID == "" && s.TenantID == "" && s.UserID == "" &&
		s.Email == "" && s.Name == "" && len(s.Roles) == 0 && len(s.Scopes) == 0
}

// Clone returns a deep copy of the subject.
func (s Subject) Clone() Subject {
	out := s
	out.Roles = cloneStrings(s.Roles)
	out.Scopes = cloneStrings(s.Scopes)
	return out
}

// Clone returns a deep copy of the step, including its documents.
func (st Step) Clone() Step {
	out := st
	out.Labels = cloneStrings(st.Labels)
	out.Input = st.Input.Clone()
	out.Metadata = st.Metadata.Clone()
	return out
}

// Clone returns a deep copy of the entry; approvals, subject and output are
// copied so callers can mutate the result freely.
func (e PersistedStepEntry) Clone() PersistedStepEntry {
	out := e
	out.Step = e.Step.Clone()
	out.Approvals = CloneApprovals(e.Approvals)
	out.Subject = cloneSubjectPtr(e.Subject)
	if e.Output != nil {
		o := e.Output.Clone()
		out.Output = &o
	}
	return out
}

// Clone returns a deep copy of the metadata and its step descriptors.
func (m Metadata) Clone() Metadata {
	out := m
	out.Steps = make([]StepDescriptor, len(m.Steps))
	for i, d := range m.Steps {
		d.Step = d.Step.Clone()
		d.Subject = cloneSubjectPtr(d.Subject)
		out.Steps[i] = d
	}
	return out
}

// Complete reports whether every step of the plan has completed.
func (m Metadata) Complete() bool {
	return m.NextStepIndex >= len(m.Steps) && m.LastCompletedIndex >= len(m.Steps)-1
}

// CloneApprovals copies an approvals map; nil stays nil.
func CloneApprovals(in map[string]bool) map[string]bool {
	if in == nil {
		return nil
	}
	out := make(map[string]bool, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneSubjectPtr(in *Subject) *Subject {
	if in == nil {
		return nil
	}
	c := in.Clone()
	return &c
}
