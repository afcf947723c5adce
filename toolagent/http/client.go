// Package http implements the tool agent contract against a remote agent
// speaking JSON over HTTP. The transport is traced, a circuit breaker guards
// the remote endpoint, and failures are classified into retryable and
// permanent tool errors.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/retry"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/toolagent"
)

// executePath is the remote endpoint receiving step jobs.
const executePath = "/execute"

const (
	defaultTimeout     = 5 * time.Minute
	defaultMaxFailures = 5
	defaultOpenTimeout = 30 * time.Second
)

type (
	// Options configures the client.
	Options struct {
		// URL is the agent base URL. Required.
		URL string
		// HTTPClient overrides the default traced client.
		HTTPClient *http.Client
		// Timeout bounds one ExecuteStep call end to end; the per-step
		// timeout applied by the caller usually binds tighter.
		Timeout time.Duration
		// MaxFailures consecutive failures trip the breaker.
		MaxFailures int
		// OpenTimeout is how long the breaker stays open before probing.
		OpenTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	// Client implements toolagent.Agent over HTTP.
	Client struct {
		url     string
		client  *http.Client
		breaker *gobreaker.CircuitBreaker
		logger  telemetry.Logger
	}
)

// New constructs a remote agent client.
func New(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("agent url is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	maxFailures := opts.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := opts.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   opts.Timeout,
		}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "tool-agent",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
	})
	return &Client{
		url:     opts.URL,
		client:  client,
		breaker: breaker,
		logger:  opts.Logger,
	}, nil
}

// ExecuteStep posts the job to the remote agent and decodes its tool events.
// Transport failures, 5xx and 429 come back as retryable tool errors; other
// 4xx as permanent ones. An open breaker reads as a retryable failure so the
// scheduler backs off instead of failing the step.
func (c *Client) ExecuteStep(ctx context.Context, job plan.StepJob) ([]toolagent.ToolEvent, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		return c.post(ctx, job)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			c.logger.Warn(ctx, "toolagent.breaker_open", "plan", job.PlanID, "step", job.Step.ID)
			return nil, &toolagent.ToolError{Message: "agent circuit open", Retryable: true}
		}
		return nil, classify(err)
	}
	return out.([]toolagent.ToolEvent), nil
}

func (c *Client) post(ctx context.Context, job plan.StepJob) ([]toolagent.ToolEvent, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encode step job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url+executePath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Trace-Id", job.TraceID)
	if job.RequestID != "" {
		req.Header.Set("X-Request-Id", job.RequestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &retry.HTTPStatusError{StatusCode: resp.StatusCode, Message: string(msg)}
	}
	var events []toolagent.ToolEvent
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, fmt.Errorf("decode agent response: %w", err)
	}
	if _, err := toolagent.Final(events); err != nil {
		return nil, err
	}
	return events, nil
}

// classify maps transport errors to typed tool errors using the shared
// retryability rules.
func classify(err error) error {
	var toolErr *toolagent.ToolError
	if errors.As(err, &toolErr) {
		return err
	}
	var statusErr *retry.HTTPStatusError
	if errors.As(err, &statusErr) {
		return &toolagent.ToolError{
			Message:   statusErr.Error(),
			Retryable: retry.IsRetryable(statusErr),
		}
	}
	return &toolagent.ToolError{Message: err.Error(), Retryable: retry.IsRetryable(err)}
}
