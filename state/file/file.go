// Package file persists the plan state store as a single JSON document with
// atomic write-temp-then-rename and an advisory process lock, for single-node
// deployments. Semantics delegate to the in-memory store; this package owns
// only durability.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/plan"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/state"
	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

const lockRetryInterval = 100 * time.Millisecond

type (
	// Store implements state.Store over a JSON document on disk.
	Store struct {
		mem    *state.Memory
		path   string
		flk    *flock.Flock
		logger telemetry.Logger

		// mu serialises persists so concurrent mutations cannot interleave
		// their temp-file renames.
		mu     sync.Mutex
		closed bool
	}

	// Options configures the file store.
	Options struct {
		// LockTimeout bounds the wait for the process lock; defaults to
		// ten seconds.
		LockTimeout time.Duration
		// RetainedSubjectCap overrides the retained-subject archive bound.
		RetainedSubjectCap int
		// Logger defaults to noop.
		Logger telemetry.Logger
	}
)

// Open loads (or creates) the document at path, holding an advisory process
// lock for the store's lifetime so two processes never share the file.
func Open(path string, opts Options) (*Store, error) {
	if path == "" {
		return nil, errors.New("state file path is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 10 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	flk := flock.New(path + ".lock")
	ctx, cancel := context.WithTimeout(context.Background(), opts.LockTimeout)
	defer cancel()
	locked, err := flk.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return nil, fmt.Errorf("acquire state file lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("state file %s is locked by another process", path)
	}

	var memOpts []state.MemoryOption
	if opts.RetainedSubjectCap > 0 {
		memOpts = append(memOpts, state.WithRetainedSubjectCap(opts.RetainedSubjectCap))
	}
	s := &Store{
		mem:    state.NewMemory(memOpts...),
		path:   path,
		flk:    flk,
		logger: opts.Logger,
	}
	if err := s.load(); err != nil {
		_ = flk.Unlock()
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	var doc state.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("decode state file %s: %w", s.path, err)
	}
	if doc.Version > state.DocumentVersion {
		return fmt.Errorf("state file %s has version %d, newer than supported %d", s.path, doc.Version, state.DocumentVersion)
	}
	s.mem.Restore(doc)
	return nil
}

// persist writes the current snapshot atomically: temp file in the same
// directory, fsync, rename over the target.
func (s *Store) persist() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("state file store closed")
	}
	doc := s.mem.Snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state document: %w", err)
	}
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state document: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync state document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (s *Store) mutate(err error) error {
	if err != nil {
		return err
	}
	return s.persist()
}

// RememberPlanMetadata persists the plan's metadata.
func (s *Store) RememberPlanMetadata(ctx context.Context, planID string, meta plan.Metadata) error {
	return s.mutate(s.mem.RememberPlanMetadata(ctx, planID, meta))
}

// PlanMetadata loads a plan's metadata.
func (s *Store) PlanMetadata(ctx context.Context, planID string) (plan.Metadata, error) {
	return s.mem.PlanMetadata(ctx, planID)
}

// ForgetPlanMetadata removes the plan's metadata.
func (s *Store) ForgetPlanMetadata(ctx context.Context, planID string) error {
	return s.mutate(s.mem.ForgetPlanMetadata(ctx, planID))
}

// ListPlanMetadata returns every stored plan.
func (s *Store) ListPlanMetadata(ctx context.Context) ([]plan.Metadata, error) {
	return s.mem.ListPlanMetadata(ctx)
}

// RememberStep creates or advances a step entry.
func (s *Store) RememberStep(ctx context.Context, planID string, step plan.Step, traceID string, opts state.RememberOptions) error {
	return s.mutate(s.mem.RememberStep(ctx, planID, step, traceID, opts))
}

// SetState applies an allowed transition.
func (s *Store) SetState(ctx context.Context, planID, stepID string, to plan.StepState, opts state.SetStateOptions) error {
	return s.mutate(s.mem.SetState(ctx, planID, stepID, to, opts))
}

// Entry loads one step entry.
func (s *Store) Entry(ctx context.Context, planID, stepID string) (plan.PersistedStepEntry, error) {
	return s.mem.Entry(ctx, planID, stepID)
}

// ForgetStep removes one step entry.
func (s *Store) ForgetStep(ctx context.Context, planID, stepID string) error {
	return s.mutate(s.mem.ForgetStep(ctx, planID, stepID))
}

// ListActiveSteps returns every non-terminal entry.
func (s *Store) ListActiveSteps(ctx context.Context) ([]plan.PersistedStepEntry, error) {
	return s.mem.ListActiveSteps(ctx)
}

// EnsureApprovals returns the step's approvals map.
func (s *Store) EnsureApprovals(ctx context.Context, planID, stepID string) (map[string]bool, error) {
	return s.mem.EnsureApprovals(ctx, planID, stepID)
}

// RecordApproval sets one capability's approval on the step.
func (s *Store) RecordApproval(ctx context.Context, planID, stepID, capability string, value bool) error {
	return s.mutate(s.mem.RecordApproval(ctx, planID, stepID, capability, value))
}

// ClearApprovals drops the step's approvals.
func (s *Store) ClearApprovals(ctx context.Context, planID, stepID string) error {
	return s.mutate(s.mem.ClearApprovals(ctx, planID, stepID))
}

// RetainSubject archives a plan's subject.
func (s *Store) RetainSubject(ctx context.Context, planID string, subject plan.Subject) error {
	return s.mutate(s.mem.RetainSubject(ctx, planID, subject))
}

// RetainedSubject loads an archived subject.
func (s *Store) RetainedSubject(ctx context.Context, planID string) (plan.Subject, error) {
	return s.mem.RetainedSubject(ctx, planID)
}

// ForgetRetainedSubject removes an archived subject.
func (s *Store) ForgetRetainedSubject(ctx context.Context, planID string) error {
	return s.mutate(s.mem.ForgetRetainedSubject(ctx, planID))
}

// SweepTerminal removes terminal entries older than cutoff.
func (s *Store) SweepTerminal(ctx context.Context, cutoff time.Time) (int, error) {
	removed, err := s.mem.SweepTerminal(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		if err := s.persist(); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Close persists a final snapshot and releases the process lock.
func (s *Store) Close() error {
	err := s.persist()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	if unlockErr := s.flk.Unlock(); unlockErr != nil {
		err = errors.Join(err, fmt.Errorf("release state file lock: %w", unlockErr))
	}
	return err
}

// Name identifies the store for health reporting.
func (s *Store) Name() string { return "state-file" }

// Ping verifies the state directory is writable.
func (s *Store) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}
