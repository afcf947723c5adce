package events

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

func testEvent(state plan.StepState, attempt int) PlanStepEvent {
	step := plan.Step{ID: "s1", Tool: "repo.read", Capability: "repo.read", TimeoutSeconds: 30}
	return NewPlanStepEvent("plan-0a1b2c3d", "trace-1", "req-1", step, state, attempt, "")
}

func TestBusPublishFanOut(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	count := 0
	sub := SubscriberFunc(func(ctx context.Context, event PlanStepEvent) error {
		count++
		return nil
	})
	_, err := bus.Register(sub)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, testEvent(plan.StateQueued, 0)))
	require.NoError(t, bus.Publish(ctx, testEvent(plan.StateRunning, 0)))
	require.Equal(t, 2, count)
}

func TestBusRegisterNil(t *testing.T) {
	bus := NewBus()
	_, err := bus.Register(nil)
	require.Error(t, err)
}

func TestBusDeliveryOrder(t *testing.T) {
	bus := NewBus()
	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := bus.Register(SubscriberFunc(func(context.Context, PlanStepEvent) error {
			order = append(order, name)
			return nil
		}))
		require.NoError(t, err)
	}
	require.NoError(t, bus.Publish(context.Background(), testEvent(plan.StateQueued, 0)))
	require.Equal(t, []string{"first", "second", "third"}, order)
}

func TestBusStopsAtFirstError(t *testing.T) {
	bus := NewBus()
	boom := errors.New("boom")
	_, err := bus.Register(SubscriberFunc(func(context.Context, PlanStepEvent) error {
		return boom
	}))
	require.NoError(t, err)
	reached := false
	_, err = bus.Register(SubscriberFunc(func(context.Context, PlanStepEvent) error {
		reached = true
		return nil
	}))
	require.NoError(t, err)
	require.ErrorIs(t, bus.Publish(context.Background(), testEvent(plan.StateQueued, 0)), boom)
	require.False(t, reached)
}

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()
	count := 0
	subscription, err := bus.Register(SubscriberFunc(func(context.Context, PlanStepEvent) error {
		count++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, testEvent(plan.StateQueued, 0)))
	require.NoError(t, subscription.Close())
	require.NoError(t, subscription.Close(), "close is idempotent")
	require.NoError(t, bus.Publish(ctx, testEvent(plan.StateRunning, 0)))
	require.Equal(t, 1, count)
}

func TestDedupeKey(t *testing.T) {
	evt := testEvent(plan.StateQueued, 2)
	require.Equal(t, "plan-0a1b2c3d:s1:queued:2", evt.DedupeKey())
}
