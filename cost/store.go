package cost

import (
	"context"
	"sync"
	"time"
)

// DefaultStoreCapacity bounds the memory ring.
const DefaultStoreCapacity = 10000

type (
	// Store persists spend records for later attribution.
	Store interface {
		Append(ctx context.Context, record Metrics) error
		// ListRange returns the records with start <= Timestamp < end,
		// oldest first.
		ListRange(ctx context.Context, start, end time.Time) ([]Metrics, error)
	}

	// MemoryStore is a bounded in-process ring; once full the oldest record
	// is dropped for each append.
	MemoryStore struct {
		mu      sync.Mutex
		records []Metrics
		next    int
		full    bool
	}
)

// NewMemoryStore builds a ring holding at most capacity records
// (DefaultStoreCapacity when capacity <= 0).
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	return &MemoryStore{records: make([]Metrics, capacity)}
}

// Append implements Store.
func (m *MemoryStore) Append(_ context.Context, record Metrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[m.next] = record
	m.next++
	if m.next == len(m.records) {
		m.next = 0
		m.full = true
	}
	return nil
}

// ListRange implements Store.
func (m *MemoryStore) ListRange(_ context.Context, start, end time.Time) ([]Metrics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Metrics
	appendInRange := func(r Metrics) {
		if r.Timestamp.IsZero() {
			return
		}
		if r.Timestamp.Before(start) || !r.Timestamp.Before(end) {
			return
		}
		out = append(out, r)
	}
	if m.full {
		for _, r := range m.records[m.next:] {
			appendInRange(r)
		}
	}
	for _, r := range m.records[:m.next] {
		appendInRange(r)
	}
	return out, nil
}

// Len reports the number of stored records.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return len(m.records)
	}
	return m.next
}
