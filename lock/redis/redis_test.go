package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/lock"
)

func newTestService(t *testing.T, opts ...Option) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, opts...), mr
}

func TestAcquireRelease(t *testing.T) {
	svc, _ := newTestService(t, WithWait(100*time.Millisecond))
	ctx := context.Background()

	release, err := svc.Acquire(ctx, "plan:p1", time.Minute)
	require.NoError(t, err)

	_, err = svc.Acquire(ctx, "plan:p1", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)

	release()
	release2, err := svc.Acquire(ctx, "plan:p1", time.Minute)
	require.NoError(t, err)
	release2()
}

func TestExpiryFreesLock(t *testing.T) {
	svc, mr := newTestService(t, WithWait(100*time.Millisecond))
	ctx := context.Background()

	staleRelease, err := svc.Acquire(ctx, "plan:p1", time.Second)
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	release, err := svc.Acquire(ctx, "plan:p1", time.Minute)
	require.NoError(t, err, "expired lock is acquirable")

	// A late release from the stale holder must not free the new lock.
	staleRelease()
	_, err = svc.Acquire(ctx, "plan:p1", time.Minute)
	require.ErrorIs(t, err, lock.ErrNotAcquired)
	release()
}

func TestAcquireErrorsOnOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	svc := New(client, WithWait(100*time.Millisecond))
	mr.Close()

	_, err := svc.Acquire(context.Background(), "plan:p1", time.Minute)
	require.Error(t, err, "store outage is a transient acquisition error")
}

func TestLockKeyPrefix(t *testing.T) {
	svc, mr := newTestService(t)
	release, err := svc.Acquire(context.Background(), "plan:p1", time.Minute)
	require.NoError(t, err)
	defer release()
	require.True(t, mr.Exists("lock:plan:p1"))
}
