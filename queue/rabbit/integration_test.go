//go:build integration

package rabbit_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue/rabbit"
)

// startBroker provisions a RabbitMQ container and returns its AMQP URL.
func startBroker(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-alpine",
			ExposedPorts: []string{"5672/tcp"},
			WaitingFor:   wait.ForListeningPort("5672/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5672")
	require.NoError(t, err)
	return fmt.Sprintf("amqp://guest:guest@%s:%s/", host, port.Port())
}

func TestBrokerRoundTrip(t *testing.T) {
	url := startBroker(t)
	adapter, err := rabbit.New(rabbit.Options{URL: url})
	require.NoError(t, err)
	defer adapter.Close()

	ctx := context.Background()
	received := make(chan queue.Message, 1)
	require.NoError(t, adapter.Consume(ctx, "it.steps", func(ctx context.Context, msg queue.Message) error {
		received <- msg
		return msg.Ack(ctx)
	}))

	require.NoError(t, adapter.Enqueue(ctx, "it.steps", []byte(`{"n":1}`), queue.EnqueueOptions{
		Headers: map[string]string{queue.HeaderTraceID: "trace-it"},
	}))

	select {
	case msg := <-received:
		require.Equal(t, []byte(`{"n":1}`), msg.Payload())
		require.Equal(t, "trace-it", msg.Headers()[queue.HeaderTraceID])
	case <-time.After(30 * time.Second):
		t.Fatal("message never delivered")
	}
}

func TestBrokerRetryRedelivers(t *testing.T) {
	url := startBroker(t)
	adapter, err := rabbit.New(rabbit.Options{URL: url})
	require.NoError(t, err)
	defer adapter.Close()

	ctx := context.Background()
	attempts := make(chan int, 4)
	require.NoError(t, adapter.Consume(ctx, "it.retry", func(ctx context.Context, msg queue.Message) error {
		attempts <- msg.Attempts()
		if msg.Attempts() < 2 {
			return msg.Retry(ctx, queue.RetryOptions{Delay: 100 * time.Millisecond})
		}
		return msg.Ack(ctx)
	}))

	require.NoError(t, adapter.Enqueue(ctx, "it.retry", []byte("x"), queue.EnqueueOptions{}))

	var seen []int
	deadline := time.After(30 * time.Second)
	for len(seen) < 3 {
		select {
		case n := <-attempts:
			seen = append(seen, n)
		case <-deadline:
			t.Fatalf("saw attempts %v before timeout", seen)
		}
	}
	require.Equal(t, []int{0, 1, 2}, seen)
}

func TestBrokerDeadLetter(t *testing.T) {
	url := startBroker(t)
	adapter, err := rabbit.New(rabbit.Options{URL: url})
	require.NoError(t, err)
	defer adapter.Close()

	ctx := context.Background()
	dead := make(chan queue.Message, 1)
	require.NoError(t, adapter.Consume(ctx, "it.dlq"+queue.DeadLetterSuffix, func(ctx context.Context, msg queue.Message) error {
		dead <- msg
		return msg.Ack(ctx)
	}))
	require.NoError(t, adapter.Consume(ctx, "it.dlq", func(ctx context.Context, msg queue.Message) error {
		return msg.DeadLetter(ctx, queue.DeadLetterOptions{Reason: "poisoned"})
	}))

	require.NoError(t, adapter.Enqueue(ctx, "it.dlq", []byte("x"), queue.EnqueueOptions{}))

	select {
	case msg := <-dead:
		require.Equal(t, "poisoned", msg.Headers()[queue.HeaderDeadLetterReason])
	case <-time.After(30 * time.Second):
		t.Fatal("dead-lettered message never arrived")
	}
}
