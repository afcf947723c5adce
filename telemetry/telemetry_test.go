package telemetry

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func TestKVFielders(t *testing.T) {
	fielders := kvFielders("hello", []any{"a", 1, "b", "two", 3, "skipped", "c"})
	// msg + a + b + c; the non-string key 3 is dropped together with its value.
	require.Len(t, fielders, 4)
}

func TestTagAttrs(t *testing.T) {
	attrs := tagAttrs([]string{"queue", "plan.steps", "odd"})
	require.Equal(t, []attribute.KeyValue{
		attribute.String("queue", "plan.steps"),
		attribute.String("odd", ""),
	}, attrs)
}

func TestKVAttrsTypes(t *testing.T) {
	attrs := kvAttrs([]any{"s", "v", "i", 7, "i64", int64(8), "f", 1.5, "b", true, "other", struct{}{}})
	require.Len(t, attrs, 6)
	require.Equal(t, attribute.String("s", "v"), attrs[0])
	require.Equal(t, attribute.Int("i", 7), attrs[1])
	require.Equal(t, attribute.Int64("i64", 8), attrs[2])
	require.Equal(t, attribute.Float64("f", 1.5), attrs[3])
	require.Equal(t, attribute.Bool("b", true), attrs[4])
	require.Equal(t, attribute.String("other", ""), attrs[5])
}

func TestNoopImplementations(t *testing.T) {
	var (
		_ Logger  = NewNoopLogger()
		_ Metrics = NewNoopMetrics()
		_ Tracer  = NewNoopTracer()
	)
	// Noop span operations must not panic.
	ctx, span := NewNoopTracer().Start(t.Context(), "op")
	require.NotNil(t, ctx)
	span.AddEvent("event", "k", "v")
	span.End()
}
