// Package lock implements the workspace-scoped singleton lock: at most
// one broker process may be active against a given workspace at a
// time. Unlike the reference codebase's flock-based FileLock, this
// lock is pid-content-based so a dead owner's lock can be detected and
// taken over without relying on advisory-lock release-on-crash
// semantics.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nobu007/copilot-instruction-eval/internal/clock"
	"github.com/nobu007/copilot-instruction-eval/internal/fsutil"
	"github.com/nobu007/copilot-instruction-eval/internal/procutil"
)

// DefaultHeartbeatInterval is how often Manager.Heartbeat refreshes the
// lock file while Active, per §4.1.
const DefaultHeartbeatInterval = 15 * time.Second

// Result is the outcome of Acquire.
type Result struct {
	Acquired bool
	OwnerPID int // set when !Acquired
}

// Manager owns the lock file at state/ws.<workspace_id>.lock for one
// workspace. It is not itself goroutine-safe against concurrent Acquire
// calls from the same process — there is only ever one broker instance
// per process, so that is not a requirement.
type Manager struct {
	path string
	pid  int
	cl   clock.Clock

	mu     sync.Mutex
	active bool
}

// New returns a Manager for the lock file at stateDir/ws.<workspaceID>.lock.
func New(stateDir, workspaceID string, cl clock.Clock) *Manager {
	return &Manager{
		path: filepath.Join(stateDir, fmt.Sprintf("ws.%s.lock", workspaceID)),
		pid:  os.Getpid(),
		cl:   cl,
	}
}

// Path returns the lock file's location, for logging and tests.
func (m *Manager) Path() string { return m.path }

// Acquire implements the §4.1 algorithm: ensure state/ exists, write the
// pid if absent, probe the recorded owner's liveness if present, and
// take over a stale (dead-owner) lock exactly once before giving up.
func (m *Manager) Acquire() (Result, error) {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return Result{}, fmt.Errorf("acquire lock: ensure state dir: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		ownerPID, err := readPID(m.path)
		if err != nil {
			if os.IsNotExist(err) {
				if err := m.writePID(); err != nil {
					return Result{}, fmt.Errorf("acquire lock: write pid: %w", err)
				}
				m.mu.Lock()
				m.active = true
				m.mu.Unlock()
				return Result{Acquired: true}, nil
			}
			return Result{}, fmt.Errorf("acquire lock: read lock file: %w", err)
		}

		if ownerPID == m.pid || !procutil.IsAlive(ownerPID) {
			// Either we already own it (re-entrant start in the same
			// process) or the owner is dead: take over.
			if err := m.writePID(); err != nil {
				return Result{}, fmt.Errorf("acquire lock: takeover write: %w", err)
			}
			m.mu.Lock()
			m.active = true
			m.mu.Unlock()
			return Result{Acquired: true}, nil
		}

		return Result{Acquired: false, OwnerPID: ownerPID}, nil
	}

	// Unreachable: the loop above always returns on its first iteration,
	// but a defensive fallback keeps Acquire total.
	ownerPID, _ := readPID(m.path)
	return Result{Acquired: false, OwnerPID: ownerPID}, nil
}

// Heartbeat refreshes the lock file with the current pid, proving
// liveness to any process that reads it. It is a no-op, returning nil,
// if this Manager never acquired the lock or has since released it.
func (m *Manager) Heartbeat() error {
	m.mu.Lock()
	active := m.active
	m.mu.Unlock()
	if !active {
		return nil
	}
	if err := m.writePID(); err != nil {
		return fmt.Errorf("heartbeat lock: %w", err)
	}
	return nil
}

// Run blocks, calling Heartbeat every interval, until ctx-like stop is
// closed. Heartbeat errors are logged by the caller via onError, per
// §4.1's "heartbeat errors are logged but non-fatal" failure semantics.
func (m *Manager) Run(stop <-chan struct{}, interval time.Duration, onError func(error)) {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := m.Heartbeat(); err != nil && onError != nil {
				onError(err)
			}
		}
	}
}

// Release removes the lock file, but only if it still names this
// process — matching §4.1's "idempotent, only removes if it still names
// the current process" rule, so a process that lost a race to a
// takeover never deletes the new owner's lock.
func (m *Manager) Release() error {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	ownerPID, err := readPID(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("release lock: read lock file: %w", err)
	}
	if ownerPID != m.pid {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock: remove: %w", err)
	}
	return nil
}

func (m *Manager) writePID() error {
	return fsutil.AtomicWriteRaw(m.path, []byte(strconv.Itoa(m.pid)+"\n"))
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock file %s: %w", path, err)
	}
	return pid, nil
}
