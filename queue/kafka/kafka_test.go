package kafka

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/queue"
)

func TestPartitionKeyUsesPlanID(t *testing.T) {
	require.Equal(t, []byte("plan-00000001"), partitionKey("plan-00000001:s1"))
	require.Equal(t, []byte("plan-00000001"), partitionKey("plan-00000001:s2"),
		"every step of one plan hashes identically")
	require.Equal(t, []byte("loose"), partitionKey("loose"))
	require.NotEmpty(t, partitionKey(""), "keyless messages still get a key")
}

func TestKafkaHeaderRoundTrip(t *testing.T) {
	headers := map[string]string{
		queue.HeaderTraceID:  "trace-1",
		queue.HeaderAttempts: "1",
	}
	require.Equal(t, headers, fromKafkaHeaders(toKafkaHeaders(headers)))
	require.Nil(t, toKafkaHeaders(nil))
}

func TestCompactedSuffixMatch(t *testing.T) {
	a := &Adapter{opts: Options{CompactedSuffixes: []string{".state"}}}
	require.True(t, a.compacted("plan.steps.state"))
	require.False(t, a.compacted("plan.steps"))
	require.False(t, (&Adapter{}).compacted("plan.steps.state"))
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)

	a, err := New(Options{Brokers: []string{"127.0.0.1:9092"}})
	require.NoError(t, err)
	require.Equal(t, 8, a.opts.Partitions)
	require.Equal(t, 1, a.opts.ReplicationFactor)
}
