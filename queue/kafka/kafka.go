// Package kafka implements the queue adapter on a partitioned log. Topics
// carry the work; consumer groups with manual offset commits provide
// at-least-once delivery (offsets commit only on ack). Retry re-publishes the
// same payload with an incremented attempts header, dead-lettering goes to a
// "<topic>.dead" topic, and the steps topic is partitioned by plan id so
// per-plan ordering survives retries. Depth is consumer-group lag: the sum of
// latest-offset minus committed-offset across partitions.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/dedupe"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

type (
	// Options configures the log adapter.
	Options struct {
		// Brokers lists bootstrap addresses. Required.
		Brokers []string
		// Group is the consumer group id. Required for Consume and Depth.
		Group string
		// Partitions and ReplicationFactor apply to auto-created topics.
		Partitions        int
		ReplicationFactor int
		// AutoCreateTopics gates topic creation on first use.
		AutoCreateTopics bool
		// CompactedSuffixes lists topic suffixes that get
		// cleanup.policy=compact when auto-created (state-holding topics).
		CompactedSuffixes []string
		// Dedupe claims idempotency keys on enqueue. Optional.
		Dedupe dedupe.Service
		// DedupeTTL bounds idempotency claims; defaults to ten minutes.
		DedupeTTL time.Duration
		// Prefetch bounds concurrently handled messages per consumer.
		Prefetch int
		// Logger, Metrics default to noops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
	}

	// Adapter implements queue.Adapter on a partitioned log.
	Adapter struct {
		opts   Options
		client *kafkago.Client
		writer *kafkago.Writer

		mu      sync.Mutex
		created map[string]bool
		readers []*kafkago.Reader

		done   chan struct{}
		closed sync.Once
		wg     sync.WaitGroup
	}

	message struct {
		adapter  *Adapter
		topic    string
		reader   *kafkago.Reader
		raw      kafkago.Message
		headers  map[string]string
		attempts int
		settled  bool
		mu       sync.Mutex
	}
)

// New constructs the log adapter.
func New(opts Options) (*Adapter, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if opts.Partitions <= 0 {
		opts.Partitions = 8
	}
	if opts.ReplicationFactor <= 0 {
		opts.ReplicationFactor = 1
	}
	if opts.DedupeTTL <= 0 {
		opts.DedupeTTL = 10 * time.Minute
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 8
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.Metrics == nil {
		opts.Metrics = telemetry.NewNoopMetrics()
	}
	addr := kafkago.TCP(opts.Brokers...)
	return &Adapter{
		opts:   opts,
		client: &kafkago.Client{Addr: addr},
		writer: &kafkago.Writer{
			Addr:         addr,
			Balancer:     &kafkago.Hash{},
			RequiredAcks: kafkago.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
		created: make(map[string]bool),
		done:    make(chan struct{}),
	}, nil
}

// Enqueue publishes payload on the topic, keyed by the plan id extracted from
// the idempotency key so one plan's steps stay on one partition.
func (a *Adapter) Enqueue(ctx context.Context, topic string, payload []byte, opts queue.EnqueueOptions) error {
	if opts.IdempotencyKey != "" && !opts.SkipDedupe && a.opts.Dedupe != nil {
		if !a.opts.Dedupe.Claim(ctx, opts.IdempotencyKey, a.opts.DedupeTTL) {
			a.opts.Logger.Debug(ctx, "queue.enqueue_deduped", "topic", topic, "key", opts.IdempotencyKey)
			return nil
		}
	}
	if err := a.ensureTopic(ctx, topic); err != nil {
		return err
	}
	headers := queue.CloneHeaders(opts.Headers)
	if opts.IdempotencyKey != "" {
		headers[queue.HeaderIdempotencyKey] = opts.IdempotencyKey
	}
	if opts.Delay > 0 {
		// The log has no native delay; sleep before publishing.
		select {
		case <-time.After(opts.Delay):
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return errors.New("queue adapter closed")
		}
	}
	msg := kafkago.Message{
		Topic:   topic,
		Key:     partitionKey(headers[queue.HeaderIdempotencyKey]),
		Value:   payload,
		Headers: toKafkaHeaders(headers),
	}
	if err := a.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", topic, err)
	}
	a.opts.Metrics.IncCounter("queue.enqueued", 1, "queue", topic)
	return nil
}

// Consume installs handler on the topic through the configured consumer
// group. Offsets commit only on ack.
func (a *Adapter) Consume(ctx context.Context, topic string, handler queue.Handler) error {
	if handler == nil {
		return errors.New("handler is required")
	}
	if a.opts.Group == "" {
		return errors.New("consumer group is required")
	}
	if err := a.ensureTopic(ctx, topic); err != nil {
		return err
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        a.opts.Brokers,
		GroupID:        a.opts.Group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10 << 20,
		CommitInterval: 0, // synchronous commits
	})
	a.mu.Lock()
	a.readers = append(a.readers, reader)
	a.mu.Unlock()

	sem := make(chan struct{}, a.opts.Prefetch)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			raw, err := reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, kafkago.ErrGroupClosed) {
					return
				}
				select {
				case <-a.done:
					return
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			select {
			case sem <- struct{}{}:
			case <-a.done:
				return
			case <-ctx.Done():
				return
			}
			a.wg.Add(1)
			go func(raw kafkago.Message) {
				defer a.wg.Done()
				defer func() { <-sem }()
				a.handle(ctx, topic, reader, handler, raw)
			}(raw)
		}
	}()
	return nil
}

// Depth reports consumer-group lag summed across the topic's partitions.
func (a *Adapter) Depth(ctx context.Context, topic string) (int64, error) {
	meta, err := a.client.Metadata(ctx, &kafkago.MetadataRequest{Topics: []string{topic}})
	if err != nil {
		return 0, fmt.Errorf("metadata for %s: %w", topic, err)
	}
	var partitions []int
	for _, t := range meta.Topics {
		if t.Name != topic {
			continue
		}
		for _, p := range t.Partitions {
			partitions = append(partitions, p.ID)
		}
	}
	if len(partitions) == 0 {
		return 0, nil
	}
	offsetReqs := make([]kafkago.OffsetRequest, 0, len(partitions))
	for _, p := range partitions {
		offsetReqs = append(offsetReqs, kafkago.LastOffsetOf(p))
	}
	listResp, err := a.client.ListOffsets(ctx, &kafkago.ListOffsetsRequest{
		Topics: map[string][]kafkago.OffsetRequest{topic: offsetReqs},
	})
	if err != nil {
		return 0, fmt.Errorf("list offsets for %s: %w", topic, err)
	}
	latest := make(map[int]int64, len(partitions))
	first := make(map[int]int64, len(partitions))
	for _, po := range listResp.Topics[topic] {
		latest[po.Partition] = po.LastOffset
		first[po.Partition] = po.FirstOffset
	}
	committed := make(map[int]int64, len(partitions))
	if a.opts.Group != "" {
		fetchResp, err := a.client.OffsetFetch(ctx, &kafkago.OffsetFetchRequest{
			GroupID: a.opts.Group,
			Topics:  map[string][]int{topic: partitions},
		})
		if err != nil {
			return 0, fmt.Errorf("fetch group offsets for %s: %w", topic, err)
		}
		for _, op := range fetchResp.Topics[topic] {
			committed[op.Partition] = op.CommittedOffset
		}
	}
	var lag int64
	for _, p := range partitions {
		base, ok := committed[p]
		if !ok || base < 0 {
			base = first[p]
		}
		if d := latest[p] - base; d > 0 {
			lag += d
			a.opts.Metrics.RecordGauge("queue.lag", float64(d), "topic", topic, "partition", strconv.Itoa(p))
		}
	}
	return lag, nil
}

// Close stops consumers and the writer.
func (a *Adapter) Close() error {
	var errs []error
	a.closed.Do(func() {
		close(a.done)
		a.mu.Lock()
		readers := a.readers
		a.readers = nil
		a.mu.Unlock()
		for _, r := range readers {
			if err := r.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := a.writer.Close(); err != nil {
			errs = append(errs, err)
		}
	})
	a.wg.Wait()
	return errors.Join(errs...)
}

// Name identifies the adapter for health reporting.
func (a *Adapter) Name() string { return "queue-kafka" }

// Ping verifies broker reachability.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.client.Metadata(ctx, &kafkago.MetadataRequest{})
	return err
}

// ensureTopic creates the topic when auto-creation is enabled. State-holding
// suffixes get log compaction.
func (a *Adapter) ensureTopic(ctx context.Context, topic string) error {
	if !a.opts.AutoCreateTopics {
		return nil
	}
	a.mu.Lock()
	if a.created[topic] {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()
	cfg := kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     a.opts.Partitions,
		ReplicationFactor: a.opts.ReplicationFactor,
	}
	if a.compacted(topic) {
		cfg.ConfigEntries = []kafkago.ConfigEntry{{ConfigName: "cleanup.policy", ConfigValue: "compact"}}
	}
	resp, err := a.client.CreateTopics(ctx, &kafkago.CreateTopicsRequest{Topics: []kafkago.TopicConfig{cfg}})
	if err != nil {
		return fmt.Errorf("create topic %s: %w", topic, err)
	}
	if topicErr := resp.Errors[topic]; topicErr != nil && !errors.Is(topicErr, kafkago.TopicAlreadyExists) {
		return fmt.Errorf("create topic %s: %w", topic, topicErr)
	}
	a.mu.Lock()
	a.created[topic] = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) compacted(topic string) bool {
	for _, suffix := range a.opts.CompactedSuffixes {
		if suffix != "" && strings.HasSuffix(topic, suffix) {
			return true
		}
	}
	return false
}

func (a *Adapter) handle(ctx context.Context, topic string, reader *kafkago.Reader, handler queue.Handler, raw kafkago.Message) {
	headers := fromKafkaHeaders(raw.Headers)
	attempts := 0
	if rawAttempts, ok := headers[queue.HeaderAttempts]; ok {
		if n, err := strconv.Atoi(rawAttempts); err == nil && n > 0 {
			attempts = n
		}
	}
	msg := &message{
		adapter:  a,
		topic:    topic,
		reader:   reader,
		raw:      raw,
		headers:  headers,
		attempts: attempts,
	}
	err := handler(ctx, msg)
	msg.mu.Lock()
	settled := msg.settled
	msg.mu.Unlock()
	if settled {
		return
	}
	if err != nil {
		a.opts.Logger.Warn(ctx, "queue.handler_unsettled", "topic", topic, "error", err.Error())
		_ = msg.Retry(ctx, queue.RetryOptions{Delay: time.Second})
		return
	}
	_ = msg.Ack(ctx)
}

func (msg *message) ID() string {
	return fmt.Sprintf("%s-%d-%d", msg.raw.Topic, msg.raw.Partition, msg.raw.Offset)
}

func (msg *message) Payload() []byte            { return msg.raw.Value }
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

// Ack commits the message offset.
func (msg *message) Ack(ctx context.Context) error {
	if err := msg.settle(); err != nil {
		return err
	}
	if err := msg.reader.CommitMessages(ctx, msg.raw); err != nil {
		return fmt.Errorf("commit offset: %w", err)
	}
	msg.adapter.opts.Metrics.IncCounter("queue.acked", 1, "queue", msg.topic)
	return nil
}

// Retry re-publishes the payload with attempts+1 and commits the original
// offset afterwards so a crash between the two redelivers rather than loses.
func (msg *message) Retry(ctx context.Context, opts queue.RetryOptions) error {
	if err := msg.settle(); err != nil {
		return err
	}
	headers := queue.CloneHeaders(msg.headers)
	headers[queue.HeaderAttempts] = strconv.Itoa(msg.attempts + 1)
	if err := msg.adapter.Enqueue(ctx, msg.topic, msg.raw.Value, queue.EnqueueOptions{
		Headers:    headers,
		Delay:      opts.Delay,
		SkipDedupe: true,
	}); err != nil {
		msg.mu.Lock()
		msg.settled = false
		msg.mu.Unlock()
		return err
	}
	msg.adapter.opts.Metrics.IncCounter("queue.retried", 1, "queue", msg.topic)
	if err := msg.reader.CommitMessages(ctx, msg.raw); err != nil {
		return fmt.Errorf("commit offset after retry publish: %w", err)
	}
	return nil
}

// DeadLetter publishes to "<topic>.dead" and commits the original offset.
func (msg *message) DeadLetter(ctx context.Context, opts queue.DeadLetterOptions) error {
	if err := msg.settle(); err != nil {
		return err
	}
	headers := queue.CloneHeaders(msg.headers)
	if opts.Reason != "" {
		headers[queue.HeaderDeadLetterReason] = opts.Reason
	}
	dest := queue.DeadLetterQueue(msg.topic, opts.Queue)
	msg.adapter.opts.Logger.Warn(ctx, "queue.dead_letter",
		"topic", msg.topic, "dest", dest, "reason", opts.Reason, "id", msg.ID())
	if err := msg.adapter.Enqueue(ctx, dest, msg.raw.Value, queue.EnqueueOptions{Headers: headers, SkipDedupe: true}); err != nil {
		msg.mu.Lock()
		msg.settled = false
		msg.mu.Unlock()
		return err
	}
	msg.adapter.opts.Metrics.IncCounter("queue.dead_lettered", 1, "queue", msg.topic)
	if err := msg.reader.CommitMessages(ctx, msg.raw); err != nil {
		return fmt.Errorf("commit offset after dead-letter publish: %w", err)
	}
	return nil
}

// partitionKey extracts the plan id from an idempotency key so every step of
// one plan hashes to the same partition. Messages without a key balance
// round-robin.
func partitionKey(idempotencyKey string) []byte {
	if idempotencyKey == "" {
		return []byte(uuid.NewString())
	}
	if i := strings.IndexByte(idempotencyKey, ':'); i > 0 {
		return []byte(idempotencyKey[:i])
	}
	return []byte(idempotencyKey)
}

func toKafkaHeaders(headers map[string]string) []kafkago.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafkago.Header, 0, len(headers))
	for k, v := range headers {
		out = append(out, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func fromKafkaHeaders(headers []kafkago.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}
