package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net timeout", &net.DNSError{IsTimeout: true, IsTemporary: true}, true},
		{"http 503", &HTTPStatusError{StatusCode: 503, Message: "unavailable"}, true},
		{"http 429", &HTTPStatusError{StatusCode: 429, Message: "slow down"}, true},
		{"http 502", &HTTPStatusError{StatusCode: 502, Message: "bad gateway"}, true},
		{"http 504", &HTTPStatusError{StatusCode: 504, Message: "timeout"}, true},
		{"http 400", &HTTPStatusError{StatusCode: 400, Message: "bad request"}, false},
		{"http 500", &HTTPStatusError{StatusCode: 500, Message: "boom"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}

func TestBackoffFormula(t *testing.T) {
	cfg := Config{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffMultiplier: 2.0}
	require.Equal(t, time.Second, Backoff(cfg, 1))
	require.Equal(t, 2*time.Second, Backoff(cfg, 2))
	require.Equal(t, 4*time.Second, Backoff(cfg, 3))
	require.Equal(t, 30*time.Second, Backoff(cfg, 10), "capped at MaxBackoff")
	require.Equal(t, time.Second, Backoff(cfg, 0), "attempt below one clamps to one")
}

func TestBackoffProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	cfg := Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: 10 * time.Second, BackoffMultiplier: 2.0}

	properties.Property("backoff is non-decreasing", prop.ForAll(
		func(attempt int) bool {
			return Backoff(cfg, attempt+1) >= Backoff(cfg, attempt)
		},
		gen.IntRange(1, 30),
	))

	properties.Property("backoff never exceeds the cap", prop.ForAll(
		func(attempt int) bool {
			return Backoff(cfg, attempt) <= cfg.MaxBackoff
		},
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}

func TestDoSucceedsAfterRetries(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		if calls < 3 {
			return &HTTPStatusError{StatusCode: 503, Message: "warming up"}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoStopsOnPermanentError(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialBackoff: time.Millisecond}
	calls := 0
	permanent := errors.New("permanent")
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return permanent
	})
	require.ErrorIs(t, err, permanent)
	require.Equal(t, 1, calls)
}

func TestDoExhaustion(t *testing.T) {
	cfg := Config{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2.0}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return &HTTPStatusError{StatusCode: 503, Message: "still down"}
	})
	require.Equal(t, 3, calls)
	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 3, exhausted.Attempts)
	var httpErr *HTTPStatusError
	require.ErrorAs(t, err, &httpErr, "exhausted error unwraps to the last failure")
}
