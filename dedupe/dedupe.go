// Package dedupe claims idempotency keys for a bounded TTL so the queue
// adapter can suppress duplicate enqueues. Claims are atomic and distributed
// when backed by a shared store (see dedupe/redis). Duplicate suppression is
// an optimisation, not a correctness requirement: when the backing store is
// unreachable implementations fail open and allow the work through, because
// the plan state store keys its writes on the same idempotency keys.
package dedupe

import (
	"context"
	"time"
)

// Service claims and releases idempotency keys.
type Service interface {
	// Claim attempts to claim key for ttl. It returns true when the key was
	// free or when the backing store is unavailable (fail-open).
	Claim(ctx context.Context, key string, ttl time.Duration) bool

	// Release frees the key before its TTL expires. Best effort.
	Release(ctx context.Context, key string)

	// IsClaimed reports whether the key currently holds a live claim.
	IsClaimed(ctx context.Context, key string) bool

	// Close releases resources held by the service.
	Close() error
}
