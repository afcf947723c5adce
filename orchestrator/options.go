package orchestrator

import (
	"errors"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/catalog"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/cost"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/events"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/fslock"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/lock"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/policy"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/ratelimit"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent"
)

// Default queue names and retry tuning.
const (
	DefaultStepsQueue       = "plan.steps"
	DefaultCompletionsQueue = "plan.completions"
	DefaultMaxAttempts      = 3
	DefaultBaseBackoff      = time.Second
	DefaultMaxBackoff       = 30 * time.Second
)

// Options wires the orchestrator to its backends. Queue, State, Locks,
// Policy and Agent are required; everything else has a working default or is
// optional.
type Options struct {
	// Queue carries step jobs and completions. Required.
	Queue queue.Adapter
	// State is the durable plan state store. Required.
	State state.Store
	// Locks serialises per-plan mutations across processes. Required.
	Locks lock.Service
	// Policy decides whether a step may execute. Required.
	Policy policy.Enforcer
	// Agent executes tool invocations. Required.
	Agent toolagent.Agent

	// FileLocks manages session-scoped workspace file locks. Optional.
	FileLocks *fslock.Manager
	// Bus receives a PlanStepEvent on every step state change; defaults to a
	// fresh in-memory bus.
	Bus events.Bus
	// Catalog validates step inputs against tool schemas at submission.
	// Optional.
	Catalog *catalog.Validator
	// Limiter bounds submissions per tenant. Nil disables limiting.
	Limiter *ratelimit.SubmissionLimiter
	// Costs wraps tool invocations with cost tracking. Optional.
	Costs *cost.Tracker

	// StepsQueue and CompletionsQueue name the work queues.
	StepsQueue       string
	CompletionsQueue string

	// MaxAttempts bounds deliveries of one step job including the first.
	MaxAttempts int
	// BaseBackoff is the delay before the first retry; doubled per attempt
	// up to MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// LockTTL is the plan lock lifetime; must exceed the worst-case
	// cursor-advance critical section.
	LockTTL time.Duration

	// ContentCapture gates whether step outputs are persisted and carried
	// on events. When false, outputs are dropped at the completion boundary.
	ContentCapture bool

	// Logger, Metrics and Tracer default to noop.
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	Tracer  telemetry.Tracer
}

func (o *Options) fill() error {
	if o.Queue == nil {
		return errors.New("queue adapter is required")
	}
	if o.State == nil {
		return errors.New("state store is required")
	}
	if o.Locks == nil {
		return errors.New("lock service is required")
	}
	if o.Policy == nil {
		return errors.New("policy enforcer is required")
	}
	if o.Agent == nil {
		return errors.New("tool agent is required")
	}
	if o.Bus == nil {
		o.Bus = events.NewBus()
	}
	if o.StepsQueue == "" {
		o.StepsQueue = DefaultStepsQueue
	}
	if o.CompletionsQueue == "" {
		o.CompletionsQueue = DefaultCompletionsQueue
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = DefaultBaseBackoff
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = DefaultMaxBackoff
	}
	if o.LockTTL <= 0 {
		o.LockTTL = lock.DefaultTTL
	}
	if o.Logger == nil {
		o.Logger = telemetry.NewNoopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = telemetry.NewNoopMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = telemetry.NewNoopTracer()
	}
	return nil
}
