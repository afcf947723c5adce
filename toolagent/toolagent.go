// Package toolagent defines the contract between the orchestrator and the
// external agent that executes tool invocations. The orchestrator hands the
// agent one step job and receives the ordered tool events the invocation
// produced; the final event carries the terminal state, summary and output.
package toolagent

import (
	"context"
	"errors"
	"fmt"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

type (
	// Agent executes one plan step and reports its tool events.
	Agent interface {
		ExecuteStep(ctx context.Context, job plan.StepJob) ([]ToolEvent, error)
	}

	// AgentFunc adapts a function to the Agent interface.
	AgentFunc func(ctx context.Context, job plan.StepJob) ([]ToolEvent, error)

	// ToolEvent is one observation from the agent. Intermediate events carry
	// state running; the final event carries completed or failed plus the
	// summary, output and token usage of the invocation.
	ToolEvent struct {
		State   plan.StepState `json:"state"`
		Summary string         `json:"summary,omitempty"`
		Output  *plan.Document `json:"output,omitempty"`
		Usage   cost.Usage     `json:"usage,omitempty"`
	}

	// ToolError is a classified agent failure. Retryable failures are retried
	// with backoff; permanent ones fail the step.
	ToolError struct {
		Message   string
		Retryable bool
	}
)

// ErrNoEvents reports an agent response without a terminal event.
var ErrNoEvents = errors.New("agent returned no tool events")

// ExecuteStep invokes the function.
func (f AgentFunc) ExecuteStep(ctx context.Context, job plan.StepJob) ([]ToolEvent, error) {
	return f(ctx, job)
}

// Error implements the error interface.
func (e *ToolError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("tool agent %s failure: %s", kind, e.Message)
}

// Final returns the terminal event from an agent response. Responses whose
// last event is not terminal yield ErrNoEvents.
func Final(events []ToolEvent) (ToolEvent, error) {
	if len(events) == 0 {
		return ToolEvent{}, ErrNoEvents
	}
	last := events[len(events)-1]
	if last.State != plan.StateCompleted && last.State != plan.StateFailed {
		return ToolEvent{}, fmt.Errorf("last tool event has non-terminal state %s: %w", last.State, ErrNoEvents)
	}
	return last, nil
}
