// Package ratelimit guards plan submission with per-tenant token buckets.
// Each tenant gets an independent bucket refilled at the configured
// submissions-per-minute rate; a zero rate disables limiting entirely.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// ErrLimited reports that the tenant exhausted its submission budget.
var ErrLimited = errors.New("submission rate limit exceeded")

// SubmissionLimiter hands out per-tenant token buckets. Process-local; in a
// multi-worker deployment each worker enforces its own share.
type SubmissionLimiter struct {
	mu      sync.Mutex
	perMin  int
	buckets map[string]*rate.Limiter
}

// NewSubmissionLimiter builds a limiter allowing perMinute submissions per
// tenant. perMinute <= 0 disables limiting.
func NewSubmissionLimiter(perMinute int) *SubmissionLimiter {
	return &SubmissionLimiter{
		perMin:  perMinute,
		buckets: make(map[string]*rate.Limiter),
	}
}

// Allow consumes one token from the tenant's bucket. An empty tenant shares
// the anonymous bucket.
func (l *SubmissionLimiter) Allow(tenantID string) error {
	if l == nil || l.perMin <= 0 {
		return nil
	}
	l.mu.Lock()
	bucket, ok := l.buckets[tenantID]
	if !ok {
		bucket = rate.NewLimiter(rate.Limit(float64(l.perMin)/60.0), l.perMin)
		l.buckets[tenantID] = bucket
	}
	l.mu.Unlock()
	if !bucket.Allow() {
		return fmt.Errorf("tenant %q: %w", tenantID, ErrLimited)
	}
	return nil
}
