// Package policy decides whether a plan step may execute. The decision is a
// pure function of the step, the approvals recorded for it, and the subject
// it executes for; the scheduler distinguishes blocking denies (which fail
// the step) from approval-required denies (which park it until a human
// resolves the approval).
package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

// ReasonApprovalRequired is the one deny reason that parks a step instead of
// failing it.
const ReasonApprovalRequired = "approval_required"

type (
	// Enforcer evaluates one step.
	Enforcer interface {
		EnforcePlanStep(ctx context.Context, step plan.Step, input Input) (Decision, error)
	}

	// Input carries the decision context for one step.
	Input struct {
		PlanID    string
		TraceID   string
		Approvals map[string]bool
		Subject   *plan.Subject
	}

	// Decision is the evaluation result. Allow is true iff Deny is empty or
	// every entry is an approval-required deny on a step that declares
	// ApprovalRequired.
	Decision struct {
		Allow bool        `json:"allow"`
		Deny  []DenyEntry `json:"deny,omitempty"`
	}

	// DenyEntry names one reason the step may not run.
	DenyEntry struct {
		Reason     string `json:"reason"`
		Capability string `json:"capability,omitempty"`
	}

	// ViolationError surfaces blocking denies to the submitter; no state is
	// changed when it is raised.
	ViolationError struct {
		PlanID string
		StepID string
		Denied []DenyEntry
	}
)

// Blocking returns the denies that fail the step outright.
func (d Decision) Blocking() []DenyEntry {
	var out []DenyEntry
	for _, deny := range d.Deny {
		if deny.Reason != ReasonApprovalRequired {
			out = append(out, deny)
		}
	}
	return out
}

// Error implements the error interface.
func (e *ViolationError) Error() string {
	reasons := make([]string, len(e.Denied))
	for i, d := range e.Denied {
		if d.Capability != "" {
			reasons[i] = d.Reason + "(" + d.Capability + ")"
		} else {
			reasons[i] = d.Reason
		}
	}
	return fmt.Sprintf("policy violation for step %s: %s",
		plan.IdempotencyKey(e.PlanID, e.StepID), strings.Join(reasons, ", "))
}
