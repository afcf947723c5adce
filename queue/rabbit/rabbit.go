// Package rabbit implements the queue adapter on an AMQP 0.9.1 broker.
// Queues are durable with per-message acks; delayed retry uses a per-queue
// delay queue whose expired messages dead-letter back to the work queue, and
// undeliverable work lands on a native "<queue>.dead" queue. Publishes use
// confirms; connection loss triggers reconnection with capped exponential
// backoff and consumer re-installation.
package rabbit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/retry"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

const (
	defaultPublishTimeout = 10 * time.Second
	defaultPrefetch       = 8
	reconnectInitial      = time.Second
	reconnectMax          = 30 * time.Second
)

type (
	// Options configures the broker adapter.
	Options struct {
		// URL is the AMQP connection string. Required.
		URL string
		// Dedupe claims idempotency keys on enqueue. Optional.
		Dedupe dedupe.Service
		// DedupeTTL bounds idempotency claims; defaults to ten minutes.
		DedupeTTL time.Duration
		// Prefetch bounds unacked deliveries per consumer.
		Prefetch int
		// PublishTimeout bounds the wait for a publisher confirm.
		PublishTimeout time.Duration
		// Logger, Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Adapter implements queue.Adapter on an AMQP broker.
	Adapter struct {
		opts Options

		mu       sync.Mutex
		conn     *amqp.Connection
		pub      *amqp.Channel
		confirms chan amqp.Confirmation
		declared map[string]bool

		consumers []consumerSpec

		done   chan struct{}
		closed sync.Once
		wg     sync.WaitGroup
	}

	consumerSpec struct {
		ctx     context.Context
		queue   string
		handler queue.Handler
	}

	message struct {
		adapter  *Adapter
		queue    string
		delivery amqp.Delivery
		headers  map[string]string
		attempts int
		settled  bool
		mu       sync.Mutex
	}
)

// New connects to the broker and returns a ready adapter.
func New(opts Options) (*Adapter, error) {
	if opts.URL == "" {
		return nil, errors.New("broker URL is required")
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = defaultPrefetch
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	a := &Adapter{
		opts:     opts,
		declared: make(map[string]bool),
		done:     make(chan struct{}),
	}
	if err := a.connect(); err != nil {
		return nil, err
	}
	a.wg.Add(1)
	go a.monitor()
	return a, nil
}

// Enqueue publishes payload on the named queue with publisher confirms.
// A Delay routes through the queue's delay companion with a per-message TTL.
func (a *Adapter) Enqueue(ctx context.Context, name string, payload []byte, opts queue.EnqueueOptions) error {
	if opts.IdempotencyKey != "" && !opts.SkipDedupe && a.opts.Dedupe != nil {
		if !a.opts.Dedupe.Claim(ctx, opts.IdempotencyKey, a.opts.DedupeTTL) {
			a.opts.Logger.Debug(ctx, "queue.enqueue_deduped", "queue", name, "key", opts.IdempotencyKey)
			return nil
		}
	}
	headers := queue.CloneHeaders(opts.Headers)
	if opts.IdempotencyKey != "" {
		headers[queue.HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	pub := amqp.Publishing{
		MessageId:    uuid.NewString(),
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      toTable(headers),
		Body:         payload,
	}
	target := name
	if opts.Delay > 0 {
		target = name + RetrySuffix
		pub.Expiration = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}
	if err := a.publish(ctx, name, target, pub); err != nil {
		return err
	}
	a.opts.Metrics.IncCounter("queue.enqueued", 1, "queue", name)
	a.publishDepth(ctx, name)
	return nil
}

// Consume installs handler on the named queue. The registration survives
// reconnects.
func (a *Adapter) Consume(ctx context.Context, name string, handler queue.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	spec := consumerSpec{ctx: ctx, queue: name, handler: handler}
	a.mu.Lock()
	a.consumers = append(a.consumers, spec)
	a.mu.Unlock()
	return a.startConsumer(spec)
}

// Depth reports messages ready on the queue.
func (a *Adapter) Depth(_ context.Context, name string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub == nil {
		return 0, errors.New("broker connection down")
	}
	state, err := a.pub.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		return 0, fmt.Errorf("inspect queue %s: %w", name, err)
	}
	return int64(state.Messages), nil
}

// Close stops consumers and closes the connection.
func (a *Adapter) Close() error {
	var err error
	a.closed.Do(func() {
		close(a.done)
		a.mu.Lock()
		conn := a.conn
		a.conn = nil
		a.pub = nil
		a.mu.Unlock()
		if conn != nil && !conn.IsClosed() {
			err = conn.Close()
		}
	})
	a.wg.Wait()
	return err
}

// Name identifies the adapter for health reporting.
func (a *Adapter) Name() string { return "queue-rabbit" }

// Ping verifies the broker connection is up.
func (a *Adapter) Ping(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn == nil || a.conn.IsClosed() {
		return errors.New("broker connection down")
	}
	return nil
}

func (a *Adapter) connect() error {
	conn, err := amqp.Dial(a.opts.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := pub.Confirm(false); err != nil {
		conn.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	a.mu.Lock()
	a.conn = conn
	a.pub = pub
	a.confirms = pub.NotifyPublish(make(chan amqp.Confirmation, 1))
	queues := make([]string, 0, len(a.declared))
	for q := range a.declared {
		queues = append(queues, q)
	}
	a.mu.Unlock()
	for _, q := range queues {
		if err := a.ensureTopology(q); err != nil {
			return err
		}
	}
	return nil
}

// monitor watches for connection loss and reconnects with capped backoff,
// re-declaring topology and re-installing consumers.
func (a *Adapter) monitor() {
	defer a.wg.Done()
	backoff := retry.Config{InitialBackoff: reconnectInitial, MaxBackoff: reconnectMax, BackoffMultiplier: 2}
	for {
		a.mu.Lock()
		conn := a.conn
		a.mu.Unlock()
		if conn == nil {
			return
		}
		closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))
		select {
		case <-a.done:
			return
		case amqpErr := <-closeCh:
			if amqpErr == nil {
				return
			}
			ctx := context.Background()
			a.opts.Logger.Warn(ctx, "queue.connection_lost", "error", amqpErr.Error())
			for attempt := 1; ; attempt++ {
				select {
				case <-a.done:
					return
				case <-time.After(retry.Backoff(backoff, attempt)):
				}
				if err := a.connect(); err != nil {
					a.opts.Logger.Warn(ctx, "queue.reconnect_failed", "attempt", attempt, "error", err.Error())
					continue
				}
				a.mu.Lock()
				specs := append([]consumerSpec(nil), a.consumers...)
				a.mu.Unlock()
				ok := true
				for _, spec := range specs {
					if err := a.startConsumer(spec); err != nil {
						a.opts.Logger.Error(ctx, "queue.consumer_restart_failed", "queue", spec.queue, "error", err.Error())
						ok = false
					}
				}
				if ok {
					a.opts.Logger.Info(ctx, "queue.reconnected")
					break
				}
			}
		}
	}
}

func (a *Adapter) ensureTopology(name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub == nil {
		return errors.New("broker connection down")
	}
	if err := declareTopology(a.pub, name); err != nil {
		return err
	}
	a.declared[name] = true
	return nil
}

// publish sends one confirmed publish. The publisher channel is serialized so
// confirmations pair with publishes one to one.
func (a *Adapter) publish(ctx context.Context, name, target string, pub amqp.Publishing) error {
	if err := a.ensureTopology(name); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pub == nil {
		return errors.New("broker connection down")
	}
	pctx, cancel := context.WithTimeout(ctx, a.opts.PublishTimeout)
	defer cancel()
	if err := a.pub.PublishWithContext(pctx, "", target, false, false, pub); err != nil {
		return fmt.Errorf("publish to %s: %w", target, err)
	}
	select {
	case confirm := <-a.confirms:
		if !confirm.Ack {
			return fmt.Errorf("publish to %s not confirmed", target)
		}
	case <-pctx.Done():
		return fmt.Errorf("publish to %s: confirm wait: %w", target, pctx.Err())
	case <-a.done:
		return errors.New("queue adapter closed")
	}
	return nil
}

func (a *Adapter) startConsumer(spec consumerSpec) error {
	if err := a.ensureTopology(spec.queue); err != nil {
		return err
	}
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return errors.New("broker connection down")
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consumer channel: %w", err)
	}
	if err := ch.Qos(a.opts.Prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	tag := spec.queue + "-" + uuid.NewString()
	deliveries, err := ch.Consume(spec.queue, tag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return fmt.Errorf("consume %s: %w", spec.queue, err)
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer ch.Close()
		for {
			select {
			case <-a.done:
				return
			case <-spec.ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					// Channel died; the monitor reinstalls the consumer.
					return
				}
				a.handle(spec, delivery)
			}
		}
	}()
	return nil
}

func (a *Adapter) handle(spec consumerSpec, delivery amqp.Delivery) {
	headers := fromTable(delivery.Headers)
	attempts := 0
	if raw, ok := headers[queue.HeaderAttempts]; ok {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			attempts = n
		}
	}
	msg := &message{
		adapter:  a,
		queue:    spec.queue,
		delivery: delivery,
		headers:  headers,
		attempts: attempts,
	}
	err := spec.handler(spec.ctx, msg)
	msg.mu.Lock()
	settled := msg.settled
	msg.mu.Unlock()
	if settled {
		return
	}
	if err != nil {
		a.opts.Logger.Warn(spec.ctx, "queue.handler_unsettled", "queue", spec.queue, "error", err.Error())
		_ = msg.Retry(spec.ctx, queue.RetryOptions{Delay: time.Second})
		return
	}
	_ = msg.Ack(spec.ctx)
}

func (a *Adapter) publishDepth(ctx context.Context, name string) {
	depth, err := a.Depth(ctx, name)
	if err != nil {
		return
	}
	a.opts.Metrics.RecordGauge("queue.depth", float64(depth), "queue", name)
}

func (msg *message) ID() string                 { return msg.delivery.MessageId }
func (msg *message) Payload() []byte            { return msg.delivery.Body }
func (msg *message) Headers() map[string]string { return msg.headers }
func (msg *message) Attempts() int              { return msg.attempts }

func (msg *message) settle() error {
	msg.mu.Lock()
	defer msg.mu.Unlock()
	if msg.settled {
		return queue.ErrSettled
	}
	msg.settled = true
	return nil
}

// Ack acknowledges the delivery.
func (msg *message) Ack(ctx context.Context) error {
	if err := msg.settle(); err != nil {
		return err
	}
	if err := msg.delivery.Ack(false); err != nil {
		return fmt.Errorf("ack: %w", err)
	}
	msg.adapter.opts.Metrics.IncCounter("queue.acked", 1, "queue", msg.queue)
	msg.adapter.publishDepth(ctx, msg.queue)
	return nil
}

// Retry republishes with attempts+1 through the delay queue and acks the
// current delivery.
func (msg *message) Retry(ctx context.Context, opts queue.RetryOptions) error {
	if err := msg.settle(); err != nil {
		return err
	}
	headers := queue.CloneHeaders(msg.headers)
	headers[queue.HeaderAttempts] = strconv.Itoa(msg.attempts + 1)
	if err := msg.adapter.Enqueue(ctx, msg.queue, msg.delivery.Body, queue.EnqueueOptions{
		Headers:    headers,
		Delay:      opts.Delay,
		SkipDedupe: true,
	}); err != nil {
		// Leave the delivery unacked so the broker redelivers it.
		msg.mu.Lock()
		msg.settled = false
		msg.mu.Unlock()
		return err
	}
	msg.adapter.opts.Metrics.IncCounter("queue.retried", 1, "queue", msg.queue)
	if err := msg.delivery.Ack(false); err != nil {
		return fmt.Errorf("ack after retry publish: %w", err)
	}
	return nil
}

// DeadLetter publishes to the dead-letter queue and acks the current
// delivery.
func (msg *message) DeadLetter(ctx context.Context, opts queue.DeadLetterOptions) error {
	if err := msg.settle(); err != nil {
		return err
	}
	headers := queue.CloneHeaders(msg.headers)
	if opts.Reason != "" {
		headers[queue.HeaderDeadLetterReason] = opts.Reason
	}
	dest := queue.DeadLetterQueue(msg.queue, opts.Queue)
	msg.adapter.opts.Logger.Warn(ctx, "queue.dead_letter",
		"queue", msg.queue, "dest", dest, "reason", opts.Reason, "id", msg.delivery.MessageId)
	if err := msg.adapter.publish(ctx, msg.queue, dest, amqp.Publishing{
		MessageId:    msg.delivery.MessageId,
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Headers:      toTable(headers),
		Body:         msg.delivery.Body,
	}); err != nil {
		msg.mu.Lock()
		msg.settled = false
		msg.mu.Unlock()
		return err
	}
	msg.adapter.opts.Metrics.IncCounter("queue.dead_lettered", 1, "queue", msg.queue)
	if err := msg.delivery.Ack(false); err != nil {
		return fmt.Errorf("ack after dead-letter publish: %w", err)
	}
	return nil
}
