// Package store implements the State Store (§4.3): the durable
// request_id -> ProcessingState map persisted to
// state/processing_state.json. Every mutation goes through Store's
// mutex, matching §5's "ProcessingState map — guarded by a mutex;
// persisted by the State Store under the same mutex" requirement.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nobu007/copilot-instruction-eval/internal/fsutil"
	"github.com/nobu007/copilot-instruction-eval/internal/model"
)

// Store is the in-memory, mutex-guarded, disk-backed ProcessingState map.
type Store struct {
	path string

	mu     sync.Mutex
	states map[string]model.ProcessingState
}

// New returns a Store backed by path. Call Load before using it.
func New(path string) *Store {
	return &Store{path: path, states: make(map[string]model.ProcessingState)}
}

// Load reads the persisted map on startup. A missing file is not an
// error (first run); a corrupt file is archived alongside itself and
// the store starts empty, per §4.3's corruption-is-non-fatal rule —
// the crash-recovery pass in internal/engine then rebuilds what it can
// from processing/.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", s.path, err)
	}

	var states map[string]model.ProcessingState
	if err := json.Unmarshal(data, &states); err != nil {
		archivePath := s.path + ".corrupt." + time.Now().UTC().Format("20060102T150405Z")
		if rerr := os.Rename(s.path, archivePath); rerr != nil {
			return fmt.Errorf("store: archive corrupt state file %s: %w (original parse error: %v)", s.path, rerr, err)
		}
		s.mu.Lock()
		s.states = make(map[string]model.ProcessingState)
		s.mu.Unlock()
		return nil
	}

	s.mu.Lock()
	s.states = states
	s.mu.Unlock()
	return nil
}

// save persists the current map atomically. Must be called with s.mu
// held by the caller's operation, not re-entrantly from within save.
func (s *Store) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("store: ensure dir: %w", err)
	}
	return fsutil.AtomicWriteJSON(s.path, s.states)
}

// Get returns a copy of the ProcessingState for id, if present.
func (s *Store) Get(id string) (model.ProcessingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.states[id]
	return ps, ok
}

// Upsert inserts or replaces the ProcessingState for id and persists
// the change before returning, so every transition in §4.6 is durable
// by the time its caller proceeds to the next step.
func (s *Store) Upsert(ps model.ProcessingState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[ps.RequestID] = ps
	if err := s.save(); err != nil {
		return fmt.Errorf("store: upsert %s: %w", ps.RequestID, err)
	}
	return nil
}

// Delete removes id from the map and persists the change. Deleting an
// absent id is not an error.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.states[id]; !ok {
		return nil
	}
	delete(s.states, id)
	if err := s.save(); err != nil {
		return fmt.Errorf("store: delete %s: %w", id, err)
	}
	return nil
}

// All returns a snapshot copy of the full map, for maintenance sweeps
// and the advisory snapshot publisher (§4.8).
func (s *Store) All() map[string]model.ProcessingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.ProcessingState, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}

// DeleteMany removes multiple ids and persists once, used by the
// maintenance loop's completed-state GC pass to avoid one fsync per id.
func (s *Store) DeleteMany(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.states, id)
	}
	if err := s.save(); err != nil {
		return fmt.Errorf("store: delete many: %w", err)
	}
	return nil
}

// CountsByState tallies the map by Status, for the §4.8 snapshot.
func (s *Store) CountsByState() map[model.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.Status]int)
	for _, ps := range s.states {
		counts[ps.Status]++
	}
	return counts
}
