package cost

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTrackOperationRecordsSpend(t *testing.T) {
	store := NewMemoryStore(16)
	tracker := NewTracker(TrackerOptions{Store: store})

	meta := OperationMetadata{
		Operation: "summarize",
		Provider:  "anthropic",
		Model:     "claude-3-5-haiku",
		TenantID:  "t1",
		PlanID:    "plan-00000001",
		StepID:    "s1",
	}
	result, err := tracker.TrackOperation(context.Background(), meta, func(context.Context) (Result, error) {
		return Result{Value: "ok", Usage: Usage{PromptTokens: 1000, CompletionTokens: 500}}, nil
	})
	require.NoError(t, err)
	require.Equal(t, "ok", result.Value)

	records, err := store.ListRange(context.Background(), time.Now().Add(-time.Minute), time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, records, 1)
	rec := records[0]
	require.Equal(t, "summarize", rec.Operation)
	require.Equal(t, "t1", rec.TenantID)
	require.Equal(t, 1000, rec.PromptTokens)
	// 1000 prompt tokens at 0.0008/K plus 500 completion tokens at 0.004/K.
	require.InDelta(t, 0.0028, rec.CostUSD, 1e-9)
}

func TestTrackOperationRecordsFailures(t *testing.T) {
	store := NewMemoryStore(16)
	tracker := NewTracker(TrackerOptions{Store: store})

	boom := errors.New("provider unavailable")
	_, err := tracker.TrackOperation(context.Background(), OperationMetadata{Operation: "summarize"},
		func(context.Context) (Result, error) {
			return Result{Usage: Usage{PromptTokens: 200}}, boom
		})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, store.Len(), "partial usage is still accounted")
}

func TestTrackOperationRequiresName(t *testing.T) {
	tracker := NewTracker(TrackerOptions{})
	_, err := tracker.TrackOperation(context.Background(), OperationMetadata{},
		func(context.Context) (Result, error) { return Result{}, nil })
	require.Error(t, err)
}

func TestStaticPricesFallback(t *testing.T) {
	prices := DefaultPrices()
	_, known := prices.Price("anthropic", "claude-3-5-haiku")
	require.True(t, known)
	_, known = prices.Price("nobody", "mystery")
	require.False(t, known)
	require.Greater(t, prices.Cost("nobody", "mystery", Usage{PromptTokens: 1000}), 0.0)
}

func TestMemoryStoreRingEvictsOldest(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Append(ctx, Metrics{
			Operation: "op",
			CostUSD:   float64(i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	records, err := store.ListRange(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 3)
	require.Equal(t, 2.0, records[0].CostUSD, "oldest surviving record first")
	require.Equal(t, 4.0, records[2].CostUSD)
}

func TestMemoryStoreRangeBounds(t *testing.T) {
	store := NewMemoryStore(8)
	ctx := context.Background()
	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		require.NoError(t, store.Append(ctx, Metrics{Timestamp: base.Add(time.Duration(i) * time.Hour)}))
	}
	records, err := store.ListRange(ctx, base.Add(time.Hour), base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 2, "start inclusive, end exclusive")
}
