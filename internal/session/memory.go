package session

import (
	"fmt"
	"sync"

	"github.com/revued-io/revued/pkg/protocol"
)

// MemoryStore is the in-process Store implementation. A single mutex
// serializes all mutation, so no two Update calls on the same session can
// interleave.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]*protocol.Run
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]*protocol.Run)}
}

func (s *MemoryStore) Create(run *protocol.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.runs[run.SessionID]; ok {
		if !existing.Terminal() {
			return ErrSessionBusy
		}
		return fmt.Errorf("session store: session %q already finished", run.SessionID)
	}
	s.runs[run.SessionID] = run.Clone()
	return nil
}

func (s *MemoryStore) Get(sessionID string) (*protocol.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return run.Clone(), nil
}

func (s *MemoryStore) Update(sessionID string, mutate func(*protocol.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[sessionID]
	if !ok {
		return ErrNotFound
	}
	if run.Terminal() {
		return ErrNotActive
	}

	// Mutate a copy so a failed mutation can't leave the stored run half
	// modified.
	cp := run.Clone()
	if err := mutate(cp); err != nil {
		return err
	}
	s.runs[sessionID] = cp
	return nil
}

func (s *MemoryStore) ListActive() ([]*protocol.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var active []*protocol.Run
	for _, run := range s.runs {
		if !run.Terminal() {
			active = append(active, run.Clone())
		}
	}
	return active, nil
}

func (s *MemoryStore) List() ([]*protocol.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*protocol.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	return runs, nil
}

// Delete removes a run. Used by retention policies layered on top of the
// store; the state machine never deletes.
func (s *MemoryStore) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.runs, sessionID)
}
