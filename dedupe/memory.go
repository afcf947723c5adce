package dedupe

import (
	"context"
	"sync"
	"time"
)

// janitorInterval controls how often expired claims are swept.
const janitorInterval = 30 * time.Second

// Memory implements Service with an in-process map. Suitable for tests and
// single-node deployments; multi-worker deployments need the shared backend.
type Memory struct {
	mu      sync.Mutex
	claims  map[string]time.Time
	done    chan struct{}
	closed  sync.Once
	nowFunc func() time.Time
}

// NewMemory constructs a Memory service and starts its expiry janitor.
func NewMemory() *Memory {
	m := &Memory{
		claims:  make(map[string]time.Time),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	go m.janitor()
	return m
}

// Claim claims key for ttl; returns false when a live claim exists.
func (m *Memory) Claim(_ context.Context, key string, ttl time.Duration) bool {
	if ttl <= 0 {
		return true
	}
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	if expiry, ok := m.claims[key]; ok && now.Before(expiry) {
		return false
	}
	m.claims[key] = now.Add(ttl)
	return true
}

// Release frees the key.
func (m *Memory) Release(_ context.Context, key string) {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
}

// IsClaimed reports whether key holds a live claim.
func (m *Memory) IsClaimed(_ context.Context, key string) bool {
	now := m.nowFunc()
	m.mu.Lock()
	defer m.mu.Unlock()
	expiry, ok := m.claims[key]
	return ok && now.Before(expiry)
}

// Close stops the janitor. Subsequent calls are no-ops.
func (m *Memory) Close() error {
	m.closed.Do(func() { close(m.done) })
	return nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			now := m.nowFunc()
			m.mu.Lock()
			for key, expiry := range m.claims {
				if !now.Before(expiry) {
					delete(m.claims, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
