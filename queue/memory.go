package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

const (
	// memoryBuffer bounds the per-queue in-flight channel.
	memoryBuffer = 4096
	// unsettledRetryDelay is applied when a handler errors without settling
	// its message.
	unsettledRetryDelay = 250 * time.Millisecond
)

// ErrSettled reports a second settlement attempt on the same delivery.
var ErrSettled = errors.New("message already settled")

type (
	// Memory implements Adapter in process. It honors the full contract
	// including dedupe, delayed retry and "<queue>.dead" dead-lettering, so
	// tests and single-node deployments run unchanged against it.
	Memory struct {
		mu      sync.Mutex
		queues  map[string]*memQueue
		dedupe  dedupe.Service
		ttl     time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics
		pref    int
		done    chan struct{}
		closed  sync.Once
		wg      sync.WaitGroup
	}

	// MemoryOption customises the in-process adapter.
	MemoryOption func(*Memory)

	memQueue struct {
		name    string
		msgs    chan *memMessage
		pending atomic.Int64
	}

	memMessage struct {
		adapter  *Memory
		queue    string
		id       string
		payload  []byte
		headers  map[string]string
		attempts int
		settled  atomic.Bool
	}
)

// WithMemoryDedupe installs the dedupe service claimed on enqueue. Without
// one, idempotency keys are ignored.
func WithMemoryDedupe(svc dedupe.Service, ttl time.Duration) MemoryOption {
	return func(m *Memory) {
		m.dedupe = svc
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithMemoryLogger sets the adapter logger.
func WithMemoryLogger(logger telemetry.Logger) MemoryOption {
	return func(m *Memory) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMemoryMetrics sets the adapter metrics recorder.
func WithMemoryMetrics(metrics telemetry.Metrics) MemoryOption {
	return func(m *Memory) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithMemoryPrefetch bounds per-consumer concurrency.
func WithMemoryPrefetch(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.pref = n
		}
	}
}

// NewMemory constructs the in-process adapter.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		queues:  make(map[string]*memQueue),
		ttl:     10 * time.Minute,
		logger:  telemetry.NewNoopLogger(),
		metrics: telemetry.NewNoopMetrics(),
		pref:    8,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue publishes payload on the named queue, suppressing duplicates via
// the idempotency key when a dedupe service is installed.
func (m *Memory) Enqueue(ctx context.Context, queue string, payload []byte, opts EnqueueOptions) error {
	if opts.IdempotencyKey != "" && !opts.SkipDedupe && m.dedupe != nil {
		if !m.dedupe.Claim(ctx, opts.IdempotencyKey, m.ttl) {
			m.logger.Debug(ctx, "queue.enqueue_deduped", "queue", queue, "key", opts.IdempotencyKey)
			return nil
		}
	}
	attempts := 0
	if raw, ok := opts.Headers[HeaderAttempts]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempts = n
		}
	}
	msg := &memMessage{
		adapter:  m,
		queue:    queue,
		id:       uuid.NewString(),
		payload:  append([]byte(nil), payload...),
		headers:  CloneHeaders(opts.Headers),
		attempts: attempts,
	}
	if opts.IdempotencyKey != "" {
		msg.headers[HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	q := m.queue(queue)
	q.pending.Add(1)
	m.metrics.IncCounter("queue.enqueued", 1, "queue", queue)
	m.metrics.RecordGauge("queue.depth", float64(q.pending.Load()), "queue", queue)
	if opts.Delay > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			select {
			case <-m.done:
				return
			case <-time.After(opts.Delay):
			}
			m.deliver(q, msg)
		}()
		return nil
	}
	select {
	case q.msgs <- msg:
		return nil
	case <-m.done:
		return errors.New("queue adapter closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume installs handler on the named queue and starts its workers.
func (m *Memory) Consume(ctx context.Context, queue string, handler Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	q := m.queue(queue)
	for i := 0; i < m.pref; i++ {
		m.wg.Add(1)
		go m.worker(ctx, q, handler)
	}
	return nil
}

// Depth reports pending-but-unacked work on the queue.
func (m *Memory) Depth(_ context.Context, queue string) (int64, error) {
	return m.queue(queue).pending.Load(), nil
}

// Close stops delivery. In-flight handlers finish; unsettled messages are
// dropped (the store's idempotency keys make redelivery after restart safe).
func (m *Memory) Close() error {
	m.closed.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

func (m *Memory) queue(name string) *memQueue {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	if !ok {
		q = &memQueue{name: name, msgs: make(chan *memMessage, memoryBuffer)}
		m.queues[name] = q
	}
	return q
}

func (m *Memory) worker(ctx context.Context, q *memQueue, handler Handler) {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return
		case msg := <-q.msgs:
			err := handler(ctx, msg)
			if msg.settled.Load() {
				continue
			}
			// Handlers settle explicitly; an unsettled return is resolved
			// from the error value.
			if err != nil {
				m.logger.Warn(ctx, "queue.handler_unsettled", "queue", q.name, "error", err.Error())
				_ = msg.Retry(ctx, RetryOptions{Delay: unsettledRetryDelay})
				continue
			}
			_ = msg.Ack(ctx)
		}
	}
}

func (m *Memory) deliver(q *memQueue, msg *memMessage) {
	select {
	case q.msgs <- msg:
	case <-m.done:
	}
}

// ID identifies this delivery.
func (msg *memMessage) ID() string { return msg.id }

// Payload is the message body.
func (msg *memMessage) Payload() []byte { return msg.payload }

// Headers returns the message headers.
func (msg *memMessage) Headers() map[string]string { return msg.headers }

// Attempts is the delivery attempt count, starting at 0.
func (msg *memMessage) Attempts() int { return msg.attempts }

// Ack settles the message as processed.
func (msg *memMessage) Ack(_ context.Context) error {
	if !msg.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	q := msg.adapter.queue(msg.queue)
	q.pending.Add(-1)
	msg.adapter.metrics.IncCounter("queue.acked", 1, "queue", msg.queue)
	msg.adapter.metrics.RecordGauge("queue.depth", float64(q.pending.Load()), "queue", msg.queue)
	return nil
}

// Retry settles the current delivery and re-enqueues with attempts+1.
func (msg *memMessage) Retry(ctx context.Context, opts RetryOptions) error {
	if !msg.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	q := msg.adapter.queue(msg.queue)
	q.pending.Add(-1)
	msg.adapter.metrics.IncCounter("queue.retried", 1, "queue", msg.queue)
	headers := CloneHeaders(msg.headers)
	headers[HeaderAttempts] = strconv.Itoa(msg.attempts + 1)
	return msg.adapter.Enqueue(ctx, msg.queue, msg.payload, EnqueueOptions{
		Headers:    headers,
		Delay:      opts.Delay,
		SkipDedupe: true,
	})
}

// DeadLetter settles the current delivery and routes it to the dead-letter
// queue.
func (msg *memMessage) DeadLetter(ctx context.Context, opts DeadLetterOptions) error {
	if !msg.settled.CompareAndSwap(false, true) {
		return ErrSettled
	}
	q := msg.adapter.queue(msg.queue)
	q.pending.Add(-1)
	msg.adapter.metrics.IncCounter("queue.dead_lettered", 1, "queue", msg.queue)
	headers := CloneHeaders(msg.headers)
	if opts.Reason != "" {
		headers[HeaderDeadLetterReason] = opts.Reason
	}
	headers[HeaderAttempts] = strconv.Itoa(msg.attempts)
	dest := DeadLetterQueue(msg.queue, opts.Queue)
	msg.adapter.logger.Warn(ctx, "queue.dead_letter",
		"queue", msg.queue, "dest", dest, "reason", opts.Reason, "id", msg.id)
	if err := msg.adapter.Enqueue(ctx, dest, msg.payload, EnqueueOptions{Headers: headers, SkipDedupe: true}); err != nil {
		return fmt.Errorf("dead-letter to %s: %w", dest, err)
	}
	return nil
}
