// Package lock provides named distributed mutexes with TTL. The orchestrator
// serialises all mutations of a single plan under the lock "plan:{planId}";
// expiry releases a lock automatically so a crashed holder cannot wedge the
// plan forever.
package lock

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired reports that the lock was still held after the bounded
// wait. Transient; callers may retry.
var ErrNotAcquired = errors.New("lock not acquired")

// DefaultTTL is the lock lifetime used when callers pass a non-positive TTL.
// It must exceed the worst-case duration of a plan-lock critical section.
const DefaultTTL = 30 * time.Second

// Service hands out named locks.
type Service interface {
	// Acquire obtains the named lock for ttl, waiting up to the service's
	// bounded wait for a current holder to release. The returned function
	// releases the lock; it is safe to call once the work is done even if
	// the TTL has already expired.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)

	// Close releases resources held by the service.
	Close() error
}
