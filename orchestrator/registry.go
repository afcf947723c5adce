package orchestrator

import (
	"sync"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
)

type (
	// registryEntry is the per-process hot cache of one dispatched step.
	// Never authoritative; the state store is.
	registryEntry struct {
		step      plan.Step
		traceID   string
		requestID string
		job       plan.StepJob
		inFlight  bool
	}

	// registry tracks dispatched steps per plan plus per-session plan
	// refcounts.
	registry struct {
		mu       sync.RWMutex
		plans    map[string]map[string]*registryEntry
		sessions map[string]int
	}
)

func newRegistry() *registry {
	return &registry{
		plans:    make(map[string]map[string]*registryEntry),
		sessions: make(map[string]int),
	}
}

func (r *registry) register(planID, stepID string, entry registryEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps, ok := r.plans[planID]
	if !ok {
		steps = make(map[string]*registryEntry)
		r.plans[planID] = steps
	}
	steps[stepID] = &entry
}

func (r *registry) lookup(planID, stepID string) (registryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.plans[planID][stepID]
	if !ok {
		return registryEntry{}, false
	}
	return *entry, true
}

func (r *registry) drop(planID, stepID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plans[planID], stepID)
}

func (r *registry) dropPlan(planID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plans, planID)
}

func (r *registry) planEmpty(planID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plans[planID]) == 0
}

// planSubject returns the subject carried by any of the plan's registered
// steps.
func (r *registry) planSubject(planID string) (plan.Subject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, entry := range r.plans[planID] {
		if entry.job.Subject != nil && !entry.job.Subject.IsZero() {
			return entry.job.Subject.Clone(), true
		}
	}
	return plan.Subject{}, false
}

// sessionRetain increments the session's plan refcount and returns the new
// count.
func (r *registry) sessionRetain(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionID]++
	return r.sessions[sessionID]
}

// sessionRelease decrements the session's plan refcount, removing it at
// zero, and returns the remaining count.
func (r *registry) sessionRelease(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.sessions[sessionID]
	if n <= 1 {
		delete(r.sessions, sessionID)
		return 0
	}
	r.sessions[sessionID] = n - 1
	return n - 1
}
