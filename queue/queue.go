// Package queue defines the transport-agnostic durable work queue the
// orchestrator runs on: enqueue with idempotency-key dedupe, at-least-once
// consume with manual ack/retry/dead-letter, and depth telemetry. Backends
// exist for an in-process queue (this package), an AMQP broker (queue/rabbit)
// and a partitioned log (queue/kafka); all honor the same contract so the
// orchestrator never knows which transport carries its work.
package queue

import (
	"context"
	"time"
)

// Header names carried on every queue message. Headers are opaque strings to
// the transport; the orchestrator reads and writes only these.
const (
	// HeaderTraceID propagates the trace id across enqueue boundaries.
	HeaderTraceID = "trace-id"
	// HeaderRequestID propagates the request id across enqueue boundaries.
	HeaderRequestID = "request-id"
	// HeaderAttempts counts deliveries of the same logical message.
	HeaderAttempts = "x-attempts"
	// HeaderIdempotencyKey carries the stable "{planId}:{stepId}" key.
	HeaderIdempotencyKey = "x-idempotency-key"
	// HeaderDeadLetterReason annotates messages routed to a dead-letter queue.
	HeaderDeadLetterReason = "x-dead-letter-reason"
)

// DeadLetterSuffix is appended to a queue name to derive its default
// dead-letter destination.
const DeadLetterSuffix = ".dead"

type (
	// Adapter is the durable work queue contract. Implementations deliver
	// at least once; consumers settle every message with exactly one of
	// Ack, Retry or DeadLetter.
	Adapter interface {
		// Enqueue publishes payload on the named queue. When an idempotency
		// key is present and SkipDedupe is false the adapter claims the key
		// first; a failed claim makes the enqueue a silent no-op.
		Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error

		// Consume registers a long-lived handler on the named queue. The
		// call returns once the consumer is installed; delivery happens on
		// adapter-owned goroutines until ctx is cancelled or the adapter
		// closes.
		Consume(ctx context.Context, queue string, handler Handler) error

		// Depth reports pending-but-unacked work on the queue, or consumer
		// group lag for a partitioned-log backend.
		Depth(ctx context.Context, queue string) (int64, error)

		// Close stops delivery and releases transport resources.
		Close() error
	}

	// Handler processes one delivery. Returning an error without settling
	// the message lets the adapter retry it with a small delay.
	Handler func(ctx context.Context, msg Message) error

	// Message is one at-least-once delivery.
	Message interface {
		// ID identifies this delivery (not the logical message).
		ID() string
		// Payload is the message body.
		Payload() []byte
		// Headers returns the opaque string headers.
		Headers() map[string]string
		// Attempts is the delivery attempt count, starting at 0.
		Attempts() int
		// Ack settles the message as processed.
		Ack(ctx context.Context) error
		// Retry re-enqueues the message with attempts+1, optionally after
		// a delay, and settles the current delivery.
		Retry(ctx context.Context, opts RetryOptions) error
		// DeadLetter routes the message to the dead-letter queue and
		// settles the current delivery.
		DeadLetter(ctx context.Context, opts DeadLetterOptions) error
	}

	// EnqueueOptions customises a single enqueue.
	EnqueueOptions struct {
		// IdempotencyKey suppresses duplicate enqueues within the dedupe
		// TTL. Empty disables dedupe for this message.
		IdempotencyKey string
		// Headers are attached to the message verbatim.
		Headers map[string]string
		// Delay postpones delivery.
		Delay time.Duration
		// SkipDedupe publishes even when the idempotency key is claimed.
		// Used when the key is known to be held by an earlier stage of the
		// same pipeline.
		SkipDedupe bool
	}

	// RetryOptions customises a retry.
	RetryOptions struct {
		// Delay postpones the redelivery.
		Delay time.Duration
	}

	// DeadLetterOptions customises dead-lettering.
	DeadLetterOptions struct {
		// Reason is recorded in the x-dead-letter-reason header.
		Reason string
		// Queue overrides the default "<queue>.dead" destination.
		Queue string
	}
)

// DeadLetterQueue returns the dead-letter destination for a queue, honoring
// an explicit override.
func DeadLetterQueue(queue, override string) string {
	if override != "" {
		return override
	}
	return queue + DeadLetterSuffix
}

// CloneHeaders copies a header map; nil yields an empty map so callers can
// add entries freely.
func CloneHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
