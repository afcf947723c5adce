// Package events carries plan step lifecycle events from the orchestrator to
// in-process subscribers. Delivery is at-least-once and not transactional
// with state persistence; consumers dedupe on (planId, stepId, state,
// attempt).
package events

import (
	"fmt"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

// EventName is the constant event discriminator carried by every plan step
// event.
const EventName = "plan.step"

type (
	// PlanStepEvent is published on every step state change.
	PlanStepEvent struct {
		Event      string    `json:"event"`
		TraceID    string    `json:"traceId"`
		RequestID  string    `json:"requestId,omitempty"`
		PlanID     string    `json:"planId"`
		OccurredAt time.Time `json:"occurredAt"`
		Step       EventStep `json:"step"`
	}

	// EventStep is the step snapshot embedded in a PlanStepEvent.
	EventStep struct {
		ID               string          `json:"id"`
		Action           string          `json:"action,omitempty"`
		Tool             string          `json:"tool"`
		Capability       string          `json:"capability"`
		CapabilityLabel  string          `json:"capabilityLabel,omitempty"`
		Labels           []string        `json:"labels,omitempty"`
		TimeoutSeconds   int             `json:"timeoutSeconds"`
		ApprovalRequired bool            `json:"approvalRequired"`
		State            plan.StepState  `json:"state"`
		Attempt          int             `json:"attempt"`
		Summary          string          `json:"summary,omitempty"`
		Output           *plan.Document  `json:"output,omitempty"`
		Approvals        map[string]bool `json:"approvals,omitempty"`
	}
)

// NewPlanStepEvent builds an event for one step state change. Output and
// approvals are optional and attached by the caller when applicable.
func NewPlanStepEvent(planID, traceID, requestID string, step plan.Step, state plan.StepState, attempt int, summary string) PlanStepEvent {
	return PlanStepEvent{
		Event:      EventName,
		TraceID:    traceID,
		RequestID:  requestID,
		PlanID:     planID,
		OccurredAt: time.Now().UTC(),
		Step: EventStep{
			ID:               step.ID,
			Action:           step.Action,
			Tool:             step.Tool,
			Capability:       step.Capability,
			CapabilityLabel:  step.CapabilityLabel,
			Labels:           append([]string(nil), step.Labels...),
			TimeoutSeconds:   step.TimeoutSeconds,
			ApprovalRequired: step.ApprovalRequired,
			State:            state,
			Attempt:          attempt,
			Summary:          summary,
		},
	}
}

// DedupeKey identifies an event for at-least-once consumers.
func (e PlanStepEvent) DedupeKey() string {
	return fmt.Sprintf("%s:%s:%s:%d", e.PlanID, e.Step.ID, e.Step.State, e.Step.Attempt)
}
