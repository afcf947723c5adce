// Package fslock serialises filesystem mutations across cooperating plans.
// Locks are advisory, file-level and session-scoped: a plan executing for a
// session takes the lock on each workspace file it mutates, re-entrant within
// that session, exclusive across sessions. Each session's held paths are
// recorded in a manifest so RestoreSessionLocks can re-acquire them after a
// restart.
package fslock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/JudgeZ/AI-Agent-Tool-sub001/telemetry"
)

// ErrLocked reports that another session holds the file.
var ErrLocked = errors.New("file locked by another session")

// locksDir is the workspace subdirectory holding lock files and session
// manifests.
const locksDir = ".locks"

const lockRetryInterval = 50 * time.Millisecond

type (
	// Manager hands out session-scoped file locks over one workspace
	// directory.
	Manager struct {
		workspace string
		dir       string
		logger    telemetry.Logger
		timeout   time.Duration

		mu sync.Mutex
		// sessions tracks held locks per session: path -> refcount.
		sessions map[string]map[string]int
		// locks maps a path to its flock and the owning session.
		locks map[string]*fileLock
	}

	fileLock struct {
		flk     *flock.Flock
		session string
	}

	// Options configures the manager.
	Options struct {
		// AcquireTimeout bounds each lock acquisition; defaults to five
		// seconds.
		AcquireTimeout time.Duration
		// Logger defaults to noop.
		Logger telemetry.Logger
	}

	manifest struct {
		SessionID string   `json:"sessionId"`
		Paths     []string `json:"paths"`
	}
)

// NewManager constructs a manager over the workspace directory.
func NewManager(workspace string, opts Options) (*Manager, error) {
	if workspace == "" {
		return nil, errors.New("workspace directory is required")
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = 5 * time.Second
	}
	dir := filepath.Join(workspace, locksDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create locks directory: %w", err)
	}
	return &Manager{
		workspace: workspace,
		dir:       dir,
		logger:    opts.Logger,
		timeout:   opts.AcquireTimeout,
		sessions:  make(map[string]map[string]int),
		locks:     make(map[string]*fileLock),
	}, nil
}

// LockFile takes the advisory lock on path (relative to the workspace) for
// the session. Re-entrant within a session; ErrLocked when another session
// holds it.
func (m *Manager) LockFile(sessionID, path string) error {
	if sessionID == "" {
		return errors.New("session id is required")
	}
	rel, err := m.normalize(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if held, ok := m.locks[rel]; ok {
		if held.session != sessionID {
			return fmt.Errorf("%s held by session %s: %w", rel, held.session, ErrLocked)
		}
		m.sessions[sessionID][rel]++
		return nil
	}
	flk := flock.New(m.lockPath(rel))
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	locked, err := flk.TryLockContext(ctx, lockRetryInterval)
	if err != nil {
		return fmt.Errorf("lock %s: %w", rel, err)
	}
	if !locked {
		return fmt.Errorf("%s: %w", rel, ErrLocked)
	}
	m.locks[rel] = &fileLock{flk: flk, session: sessionID}
	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]int)
	}
	m.sessions[sessionID][rel] = 1
	if err := m.writeManifest(sessionID); err != nil {
		m.logger.Warn(ctx, "fslock.manifest_write_failed", "session", sessionID, "error", err.Error())
	}
	return nil
}

// UnlockFile drops one reference to the session's lock on path, releasing it
// at zero.
func (m *Manager) UnlockFile(sessionID, path string) error {
	rel, err := m.normalize(path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	refs, ok := m.sessions[sessionID]
	if !ok || refs[rel] == 0 {
		return nil
	}
	refs[rel]--
	if refs[rel] > 0 {
		return nil
	}
	delete(refs, rel)
	err = m.releaseLocked(rel)
	if werr := m.writeManifest(sessionID); werr != nil {
		err = errors.Join(err, werr)
	}
	return err
}

// RestoreSessionLocks re-acquires every lock named in the session's manifest.
// Called on startup and on plan submission for a known session.
func (m *Manager) RestoreSessionLocks(sessionID string) error {
	if sessionID == "" {
		return nil
	}
	data, err := os.ReadFile(m.manifestPath(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session manifest: %w", err)
	}
	var mf manifest
	if err := json.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("decode session manifest: %w", err)
	}
	var errs []error
	for _, path := range mf.Paths {
		if err := m.LockFile(sessionID, path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReleaseSessionLocks drops every lock the session holds and removes its
// manifest. Called when the session's last plan finishes.
func (m *Manager) ReleaseSessionLocks(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.sessions[sessionID]
	var errs []error
	for rel := range refs {
		if err := m.releaseLocked(rel); err != nil {
			errs = append(errs, err)
		}
	}
	delete(m.sessions, sessionID)
	if err := os.Remove(m.manifestPath(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove session manifest: %w", err))
	}
	return errors.Join(errs...)
}

// SessionHolds reports whether the session currently holds the lock on path.
func (m *Manager) SessionHolds(sessionID, path string) bool {
	rel, err := m.normalize(path)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionID][rel] > 0
}

// Close releases every held lock. Manifests stay on disk so a restart can
// restore the sessions.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for rel := range m.locks {
		if err := m.releaseLocked(rel); err != nil {
			errs = append(errs, err)
		}
	}
	m.sessions = make(map[string]map[string]int)
	return errors.Join(errs...)
}

// releaseLocked unlocks rel. Caller holds m.mu.
func (m *Manager) releaseLocked(rel string) error {
	held, ok := m.locks[rel]
	if !ok {
		return nil
	}
	delete(m.locks, rel)
	if err := held.flk.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", rel, err)
	}
	return nil
}

// writeManifest persists the session's held paths. Caller holds m.mu.
func (m *Manager) writeManifest(sessionID string) error {
	refs := m.sessions[sessionID]
	mf := manifest{SessionID: sessionID, Paths: make([]string, 0, len(refs))}
	for rel := range refs {
		mf.Paths = append(mf.Paths, rel)
	}
	data, err := json.Marshal(mf)
	if err != nil {
		return err
	}
	return os.WriteFile(m.manifestPath(sessionID), data, 0o644)
}

// normalize resolves path to a clean workspace-relative form and rejects
// escapes.
func (m *Manager) normalize(path string) (string, error) {
	if path == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(path) {
		rel, err := filepath.Rel(m.workspace, path)
		if err != nil {
			return "", fmt.Errorf("path outside workspace: %s", path)
		}
		path = rel
	}
	clean := filepath.Clean(path)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside workspace: %s", path)
	}
	return filepath.ToSlash(clean), nil
}

func (m *Manager) lockPath(rel string) string {
	sum := sha256.Sum256([]byte(rel))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:16])+".lock")
}

func (m *Manager) manifestPath(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:16])+".session.json")
}
