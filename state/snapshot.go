package state

import (
	"sort"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

// DocumentVersion tags the persisted snapshot format.
const DocumentVersion = 1

// Document is the serialisable snapshot of a store: the format persisted by
// the file backend.
type Document struct {
	Version          int                                              `json:"version"`
	PlanMetadata     map[string]plan.Metadata                         `json:"planMetadata"`
	Entries          map[string]map[string]plan.PersistedStepEntry    `json:"entries"`
	RetainedSubjects map[string]plan.Subject                          `json:"retainedSubjects"`
}

// Snapshot captures the store's current contents.
func (m *Memory) Snapshot() Document {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc := Document{
		Version:          DocumentVersion,
		PlanMetadata:     make(map[string]plan.Metadata, len(m.meta)),
		Entries:          make(map[string]map[string]plan.PersistedStepEntry, len(m.entries)),
		RetainedSubjects: make(map[string]plan.Subject, len(m.retained)),
	}
	for planID, meta := range m.meta {
		doc.PlanMetadata[planID] = meta.Clone()
	}
	for planID, steps := range m.entries {
		out := make(map[string]plan.PersistedStepEntry, len(steps))
		for stepID, entry := range steps {
			out[stepID] = entry.Clone()
		}
		doc.Entries[planID] = out
	}
	for planID, r := range m.retained {
		doc.RetainedSubjects[planID] = r.subject.Clone()
	}
	return doc
}

// Restore replaces the store's contents with the snapshot. The archive's
// insertion order is not part of the persisted format; restored entries are
// ordered by plan id so eviction stays deterministic.
func (m *Memory) Restore(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta = make(map[string]plan.Metadata, len(doc.PlanMetadata))
	for planID, meta := range doc.PlanMetadata {
		m.meta[planID] = meta.Clone()
	}
	m.entries = make(map[string]map[string]*plan.PersistedStepEntry, len(doc.Entries))
	for planID, steps := range doc.Entries {
		out := make(map[string]*plan.PersistedStepEntry, len(steps))
		for stepID, entry := range steps {
			cloned := entry.Clone()
			out[stepID] = &cloned
		}
		m.entries[planID] = out
	}
	m.retained = make(map[string]retainedSubject, len(doc.RetainedSubjects))
	m.retainedOrder = m.retainedOrder[:0]
	now := m.nowFunc()
	for planID, subject := range doc.RetainedSubjects {
		m.retained[planID] = retainedSubject{subject: subject.Clone(), retainedAt: now}
		m.retainedOrder = append(m.retainedOrder, planID)
	}
	sort.Strings(m.retainedOrder)
}
