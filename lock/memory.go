package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// defaultWait bounds how long Acquire polls for a held lock.
	defaultWait = 10 * time.Second
	// pollInterval is the delay between acquisition attempts.
	pollInterval = 25 * time.Millisecond
)

type holder struct {
	token  string
	expiry time.Time
}

// Memory implements Service in-process. Mutual exclusion spans goroutines,
// not processes; multi-worker deployments need the shared backend.
type Memory struct {
	mu      sync.Mutex
	holders map[string]holder
	wait    time.Duration
	nowFunc func() time.Time
}

// MemoryOption customises a Memory service.
type MemoryOption func(*Memory)

// WithWait overrides the bounded acquisition wait.
func WithWait(wait time.Duration) MemoryOption {
	return func(m *Memory) {
		if wait > 0 {
			m.wait = wait
		}
	}
}

// NewMemory constructs an in-process lock service.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		holders: make(map[string]holder),
		wait:    defaultWait,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire polls until the lock is free, the bounded wait elapses or ctx is
// done.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	deadline := m.nowFunc().Add(m.wait)
	for {
		if m.tryAcquire(key, token, ttl) {
			return func() { m.release(key, token) }, nil
		}
		if m.nowFunc().After(deadline) {
			return nil, ErrNotAcquired
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Close satisfies Service.
func (m *Memory) Close() error { return nil }

func (m *Memory) tryAcquire(key, token string, ttl time.Duration) bool {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.holders[key]; ok && now.Before(cur.expiry) {
		return false
	}
	m.holders[key] = holder{token: token, expiry: now.Add(ttl)}
	return true
}

// release deletes the holder only when the token still matches, so an
// expired lock reacquired by someone else survives a late release.
func (m *Memory) release(key, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.holders[key]; ok && cur.token == token {
		delete(m.holders, key)
	}
}
