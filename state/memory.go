package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

type (
	// Memory implements Store in process. Suitable for tests and
	// single-worker deployments; durability needs the file or relational
	// backend.
	Memory struct {
		mu       sync.RWMutex
		meta     map[string]plan.Metadata
		entries  map[string]map[string]*plan.PersistedStepEntry
		retained map[string]retainedSubject
		// retainedOrder drives FIFO eviction once the archive cap is hit.
		retainedOrder []string
		retainedCap   int
		nowFunc       func() time.Time
	}

	retainedSubject struct {
		subject    plan.Subject
		retainedAt time.Time
	}

	// MemoryOption customises the in-process store.
	MemoryOption func(*Memory)
)

// WithRetainedSubjectCap overrides the retained-subject archive bound.
func WithRetainedSubjectCap(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.retainedCap = n
		}
	}
}

// NewMemory constructs an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		meta:        make(map[string]plan.Metadata),
		entries:     make(map[string]map[string]*plan.PersistedStepEntry),
		retained:    make(map[string]retainedSubject),
		retainedCap: DefaultRetainedSubjects,
		nowFunc:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RememberPlanMetadata persists the plan's metadata.
func (m *Memory) RememberPlanMetadata(_ context.Context, planID string, meta plan.Metadata) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[planID] = meta.Clone()
	return nil
}

// PlanMetadata loads a plan's metadata.
func (m *Memory) PlanMetadata(_ context.Context, planID string) (plan.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.meta[planID]
	if !ok {
		return plan.Metadata{}, fmt.Errorf("plan %s metadata: %w", planID, ErrNotFound)
	}
	return meta.Clone(), nil
}

// ForgetPlanMetadata removes the plan's metadata.
func (m *Memory) ForgetPlanMetadata(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.meta, planID)
	return nil
}

// ListPlanMetadata returns every stored plan.
func (m *Memory) ListPlanMetadata(_ context.Context) ([]plan.Metadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]plan.Metadata, 0, len(m.meta))
	for _, meta := range m.meta {
		out = append(out, meta.Clone())
	}
	return out, nil
}

// RememberStep creates or advances a step entry, idempotent by idempotency
// key.
func (m *Memory) RememberStep(_ context.Context, planID string, step plan.Step, traceID string, opts RememberOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.entries[planID]
	if !ok {
		steps = make(map[string]*plan.PersistedStepEntry)
		m.entries[planID] = steps
	}
	merged := applyRemember(steps[step.ID], planID, step, traceID, opts, m.nowFunc())
	steps[step.ID] = &merged
	return nil
}

// SetState applies an allowed transition.
func (m *Memory) SetState(_ context.Context, planID, stepID string, to plan.StepState, opts SetStateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(planID, stepID)
	if err != nil {
		return err
	}
	return applySetState(entry, to, opts, m.nowFunc())
}

// Entry loads one step entry.
func (m *Memory) Entry(_ context.Context, planID, stepID string) (plan.PersistedStepEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, err := m.lookup(planID, stepID)
	if err != nil {
		return plan.PersistedStepEntry{}, err
	}
	return entry.Clone(), nil
}

// ForgetStep removes one step entry.
func (m *Memory) ForgetStep(_ context.Context, planID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if steps, ok := m.entries[planID]; ok {
		delete(steps, stepID)
		if len(steps) == 0 {
			delete(m.entries, planID)
		}
	}
	return nil
}

// ListActiveSteps returns every non-terminal entry.
func (m *Memory) ListActiveSteps(_ context.Context) ([]plan.PersistedStepEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []plan.PersistedStepEntry
	for _, steps := range m.entries {
		for _, entry := range steps {
			if !entry.State.Terminal() {
				out = append(out, entry.Clone())
			}
		}
	}
	return out, nil
}

// EnsureApprovals returns the step's approvals map, creating an empty one
// when absent.
func (m *Memory) EnsureApprovals(_ context.Context, planID, stepID string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(planID, stepID)
	if err != nil {
		// No entry yet; the step has not been persisted. Approvals start
		// empty without creating a phantom entry.
		return map[string]bool{}, nil
	}
	if entry.Approvals == nil {
		entry.Approvals = make(map[string]bool)
	}
	return plan.CloneApprovals(entry.Approvals), nil
}

// RecordApproval sets one capability's approval on the step.
func (m *Memory) RecordApproval(_ context.Context, planID, stepID, capability string, value bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(planID, stepID)
	if err != nil {
		return err
	}
	if entry.Approvals == nil {
		entry.Approvals = make(map[string]bool)
	}
	entry.Approvals[capability] = value
	entry.UpdatedAt = m.nowFunc()
	return nil
}

// ClearApprovals drops the step's approvals.
func (m *Memory) ClearApprovals(_ context.Context, planID, stepID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, err := m.lookup(planID, stepID)
	if err != nil {
		return nil
	}
	entry.Approvals = nil
	entry.UpdatedAt = m.nowFunc()
	return nil
}

// RetainSubject archives a plan's subject, evicting the oldest archive entry
// at the cap.
func (m *Memory) RetainSubject(_ context.Context, planID string, subject plan.Subject) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.retained[planID]; !exists {
		for len(m.retainedOrder) >= m.retainedCap {
			oldest := m.retainedOrder[0]
			m.retainedOrder = m.retainedOrder[1:]
			delete(m.retained, oldest)
		}
		m.retainedOrder = append(m.retainedOrder, planID)
	}
	m.retained[planID] = retainedSubject{subject: subject.Clone(), retainedAt: m.nowFunc()}
	return nil
}

// RetainedSubject loads an archived subject.
func (m *Memory) RetainedSubject(_ context.Context, planID string) (plan.Subject, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.retained[planID]
	if !ok {
		return plan.Subject{}, fmt.Errorf("retained subject for %s: %w", planID, ErrNotFound)
	}
	return r.subject.Clone(), nil
}

// ForgetRetainedSubject removes an archived subject.
func (m *Memory) ForgetRetainedSubject(_ context.Context, planID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropRetained(planID)
	return nil
}

// SweepTerminal removes terminal entries not updated since cutoff and prunes
// the retained-subject archive to the same horizon.
func (m *Memory) SweepTerminal(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for planID, steps := range m.entries {
		for stepID, entry := range steps {
			if entry.State.Terminal() && entry.UpdatedAt.Before(cutoff) {
				delete(steps, stepID)
				removed++
			}
		}
		if len(steps) == 0 {
			delete(m.entries, planID)
		}
	}
	for planID, r := range m.retained {
		if r.retainedAt.Before(cutoff) {
			m.dropRetained(planID)
			removed++
		}
	}
	return removed, nil
}

// Close satisfies Store.
func (m *Memory) Close() error { return nil }

func (m *Memory) lookup(planID, stepID string) (*plan.PersistedStepEntry, error) {
	steps, ok := m.entries[planID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", plan.IdempotencyKey(planID, stepID), ErrNotFound)
	}
	entry, ok := steps[stepID]
	if !ok {
		return nil, fmt.Errorf("step %s: %w", plan.IdempotencyKey(planID, stepID), ErrNotFound)
	}
	return entry, nil
}

func (m *Memory) dropRetained(planID string) {
	if _, ok := m.retained[planID]; !ok {
		return
	}
	delete(m.retained, planID)
	for i, id := range m.retainedOrder {
		if id == planID {
			m.retainedOrder = append(m.retainedOrder[:i], m.retainedOrder[i+1:]...)
			break
		}
	}
}
