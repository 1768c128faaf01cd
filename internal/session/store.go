// Package session maps session IDs to workflow runs. All mutation goes
// through Update, which applies atomically; the store guarantees at most one
// active run per session ID.
package session

import (
	"errors"

	"github.com/revued-io/revued/pkg/protocol"
)

var (
	// ErrNotFound means no run exists for the session ID.
	ErrNotFound = errors.New("session not found")
	// ErrSessionBusy means a run with this session ID is already in flight.
	ErrSessionBusy = errors.New("session busy")
	// ErrNotActive means the run reached a terminal state and is immutable.
	ErrNotActive = errors.New("session not active")
)

// Store is the persistence interface for workflow runs.
type Store interface {
	// Create registers a new run. Returns ErrSessionBusy if a run with the
	// same session ID is still in flight, or an error if one already
	// finished under that ID.
	Create(run *protocol.Run) error
	// Get retrieves a copy of a run by session ID.
	Get(sessionID string) (*protocol.Run, error)
	// Update applies mutate atomically to the run. Returns ErrNotActive if
	// the run is already terminal; the mutation is then discarded.
	Update(sessionID string, mutate func(*protocol.Run) error) error
	// ListActive returns all runs that have not reached a terminal state.
	ListActive() ([]*protocol.Run, error)
	// List returns every retained run.
	List() ([]*protocol.Run, error)
}
