// Package cost measures and attributes the spend of tracked operations.
// Every tracked invocation produces one Metrics record carrying the token
// usage reported by the operation, the computed price and the identifiers
// needed for attribution (tenant, plan, step).
package cost

import (
	"context"
	"fmt"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

type (
	// OperationMetadata identifies one tracked invocation.
	OperationMetadata struct {
		Operation string
		Provider  string
		Model     string
		TenantID  string
		PlanID    string
		StepID    string
	}

	// Usage is the token consumption an operation reports.
	Usage struct {
		PromptTokens     int `json:"promptTokens"`
		CompletionTokens int `json:"completionTokens"`
	}

	// Result is the outcome of a tracked operation: the caller's value plus
	// the usage the provider reported for it.
	Result struct {
		Value any
		Usage Usage
	}

	// Operation is the work being tracked.
	Operation func(ctx context.Context) (Result, error)

	// Metrics is one spend record.
	Metrics struct {
		Operation        string    `json:"operation"`
		Provider         string    `json:"provider"`
		Model            string    `json:"model"`
		TenantID         string    `json:"tenantId,omitempty"`
		PlanID           string    `json:"planId,omitempty"`
		StepID           string    `json:"stepId,omitempty"`
		PromptTokens     int       `json:"promptTokens"`
		CompletionTokens int       `json:"completionTokens"`
		CostUSD          float64   `json:"costUsd"`
		DurationMs       int64     `json:"durationMs"`
		Timestamp        time.Time `json:"timestamp"`
	}

	// Tracker wraps operations with timing, pricing and record keeping.
	Tracker struct {
		prices  PriceLookup
		store   Store
		logger  telemetry.Logger
		metrics telemetry.Metrics
		now     func() time.Time
	}

	// TrackerOptions configures a tracker.
	TrackerOptions struct {
		// Prices defaults to DefaultPrices().
		Prices PriceLookup
		// Store receives one record per tracked operation; defaults to an
		// in-memory ring.
		Store Store
		// Logger defaults to noop.
		Logger telemetry.Logger
		// Metrics defaults to noop.
		Metrics telemetry.Metrics
	}
)

// NewTracker constructs a tracker.
func NewTracker(opts TrackerOptions) *Tracker {
	if opts.Prices == nil {
		opts.Prices = DefaultPrices()
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore(0)
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	return &Tracker{
		prices:  opts.Prices,
		store:   opts.Store,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// TrackOperation runs fn, measures its wall time, prices the usage it reports
// and appends a spend record. The operation's result and error pass through
// unchanged; a record is written even when fn fails so partially consumed
// tokens are still accounted for.
func (t *Tracker) TrackOperation(ctx context.Context, meta OperationMetadata, fn Operation) (Result, error) {
	if meta.Operation == "" {
		return Result{}, fmt.Errorf("operation name is required")
	}
	start := t.now()
	result, err := fn(ctx)
	elapsed := t.now().Sub(start)

	record := Metrics{
		Operation:        meta.Operation,
		Provider:         meta.Provider,
		Model:            meta.Model,
		TenantID:         meta.TenantID,
		PlanID:           meta.PlanID,
		StepID:           meta.StepID,
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		CostUSD:          t.prices.Cost(meta.Provider, meta.Model, result.Usage),
		DurationMs:       elapsed.Milliseconds(),
		Timestamp:        start.UTC(),
	}
	tags := []string{"operation", meta.Operation, "provider", meta.Provider, "model", meta.Model}
	t.metrics.IncCounter("cost.operations", 1, tags...)
	t.metrics.RecordTimer("cost.operation_duration", elapsed, tags...)
	t.metrics.RecordGauge("cost.operation_usd", record.CostUSD, tags...)

	if aerr := t.store.Append(ctx, record); aerr != nil {
		t.logger.Warn(ctx, "cost.record_append_failed",
			"operation", meta.Operation, "error", aerr.Error())
	}
	return result, err
}

// Store exposes the tracker's record store for attribution.
func (t *Tracker) Store() Store { return t.store }
