package plan

// StepState is the lifecycle state of a dispatched step.
type StepState string

const (
	// StateWaitingApproval parks a step until its capability is approved.
	StateWaitingApproval StepState = "waiting_approval"
	// StateQueued means the step job has been enqueued for execution.
	StateQueued StepState = "queued"
	// StateRunning means the external tool agent is executing the step.
	StateRunning StepState = "running"
	// StateRetrying means the last attempt failed with a retryable error and
	// the step is awaiting its next delivery.
	StateRetrying StepState = "retrying"
	// StateCompleted is the terminal success state.
	StateCompleted StepState = "completed"
	// StateFailed is the terminal failure state; the plan halts.
	StateFailed StepState = "failed"
	// StateRejected is the terminal state of a denied approval.
	StateRejected StepState = "rejected"
)

// transitions lists the permitted state graph edges. Self transitions of
// non-terminal states are additionally allowed so redeliveries stay
// idempotent.
var transitions = map[StepState][]StepState{
	StateWaitingApproval: {StateQueued, StateRejected},
	StateQueued:          {StateRunning},
	StateRunning:         {StateCompleted, StateFailed, StateRetrying},
	StateRetrying:        {StateQueued},
}

// Valid reports whether s is a known step state.
func (s StepState) Valid() bool {
	switch s {
	case StateWaitingApproval, StateQueued, StateRunning, StateRetrying,
		StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s StepState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateRejected:
		return true
	}
	return false
}

// InFlight reports whether s counts toward the at-most-one-in-flight
// invariant for a step.
func (s StepState) InFlight() bool {
	switch s {
	case StateQueued, StateRunning, StateRetrying:
		return true
	}
	return false
}

// CanTransition reports whether the state graph permits moving from one state
// to another. Terminal states admit nothing, not even themselves; non-terminal
// states may repeat.
func CanTransition(from, to StepState) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if from.Terminal() {
		return false
	}
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
