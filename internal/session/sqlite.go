package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/revued-io/revued/pkg/protocol"
)

// SQLiteStore implements Store with a durable SQLite database, so finished
// runs survive daemon restarts.
type SQLiteStore struct {
	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database and runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("session store: open: %w", err)
	}

	// WAL for concurrent readers while a run is being driven
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("session store: wal: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			session_id            TEXT PRIMARY KEY,
			paper_id              TEXT NOT NULL,
			input_ref             TEXT NOT NULL,
			step_status           TEXT NOT NULL DEFAULT '{}',
			step_results          TEXT NOT NULL DEFAULT '{}',
			attempt_counts        TEXT NOT NULL DEFAULT '{}',
			step_failures         TEXT NOT NULL DEFAULT '{}',
			call_counts           TEXT NOT NULL DEFAULT '{}',
			errors                TEXT NOT NULL DEFAULT '[]',
			terminal_state        TEXT NOT NULL DEFAULT 'none',
			failed_step           TEXT NOT NULL DEFAULT '',
			failure_cause         TEXT NOT NULL DEFAULT '',
			citations_unavailable INTEGER NOT NULL DEFAULT 0,
			created_at            TEXT NOT NULL,
			completed_at          TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_runs_terminal ON runs(terminal_state);
	`)
	if err != nil {
		return fmt.Errorf("session store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Create(run *protocol.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.get(run.SessionID)
	if err != nil && err != ErrNotFound {
		return err
	}
	if existing != nil {
		if !existing.Terminal() {
			return ErrSessionBusy
		}
		return fmt.Errorf("session store: session %q already finished", run.SessionID)
	}
	return s.save(run, true)
}

func (s *SQLiteStore) Get(sessionID string) (*protocol.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(sessionID)
}

func (s *SQLiteStore) Update(sessionID string, mutate func(*protocol.Run) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.get(sessionID)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return ErrNotActive
	}
	if err := mutate(run); err != nil {
		return err
	}
	return s.save(run, false)
}

func (s *SQLiteStore) ListActive() ([]*protocol.Run, error) {
	return s.list("WHERE terminal_state = 'none'")
}

func (s *SQLiteStore) List() ([]*protocol.Run, error) {
	return s.list("")
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- helpers ---

const runColumns = `session_id, paper_id, input_ref, step_status, step_results,
	attempt_counts, step_failures, call_counts, errors, terminal_state,
	failed_step, failure_cause, citations_unavailable, created_at, completed_at`

func (s *SQLiteStore) get(sessionID string) (*protocol.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE session_id = ?`, sessionID)
	run, err := scanRun(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session store: get: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) list(where string) ([]*protocol.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT ` + runColumns + ` FROM runs ` + where + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("session store: list: %w", err)
	}
	defer rows.Close()

	var runs []*protocol.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("session store: list scan: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) save(run *protocol.Run, insert bool) error {
	stepStatus, _ := json.Marshal(run.StepStatus)
	stepResults, _ := json.Marshal(run.StepResults)
	attempts, _ := json.Marshal(run.AttemptCounts)
	stepFailures, _ := json.Marshal(run.StepFailures)
	callCounts, _ := json.Marshal(run.CallCounts)
	errsJSON, _ := json.Marshal(run.Errors)

	var completedAt *string
	if run.CompletedAt != nil {
		v := run.CompletedAt.Format(time.RFC3339Nano)
		completedAt = &v
	}
	citations := 0
	if run.CitationsUnavailable {
		citations = 1
	}
	terminal := string(run.TerminalState)
	if terminal == "" {
		terminal = string(protocol.TerminalNone)
	}

	_, err := s.db.Exec(`
		INSERT INTO runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			step_status=excluded.step_status, step_results=excluded.step_results,
			attempt_counts=excluded.attempt_counts, step_failures=excluded.step_failures,
			call_counts=excluded.call_counts, errors=excluded.errors,
			terminal_state=excluded.terminal_state, failed_step=excluded.failed_step,
			failure_cause=excluded.failure_cause,
			citations_unavailable=excluded.citations_unavailable,
			completed_at=excluded.completed_at
	`, run.SessionID, run.PaperID, run.InputRef, string(stepStatus), string(stepResults),
		string(attempts), string(stepFailures), string(callCounts), string(errsJSON),
		terminal, string(run.FailedStep), run.FailureCause, citations,
		run.CreatedAt.Format(time.RFC3339Nano), completedAt)
	if err != nil {
		return fmt.Errorf("session store: save: %w", err)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*protocol.Run, error) {
	var run protocol.Run
	var stepStatus, stepResults, attempts, stepFailures, callCounts, errsJSON string
	var terminal, failedStep, createdAt string
	var completedAt *string
	var citations int

	err := row.Scan(&run.SessionID, &run.PaperID, &run.InputRef, &stepStatus, &stepResults,
		&attempts, &stepFailures, &callCounts, &errsJSON, &terminal,
		&failedStep, &run.FailureCause, &citations, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}

	json.Unmarshal([]byte(stepStatus), &run.StepStatus)
	json.Unmarshal([]byte(stepResults), &run.StepResults)
	json.Unmarshal([]byte(attempts), &run.AttemptCounts)
	json.Unmarshal([]byte(stepFailures), &run.StepFailures)
	json.Unmarshal([]byte(callCounts), &run.CallCounts)
	json.Unmarshal([]byte(errsJSON), &run.Errors)

	run.TerminalState = protocol.TerminalState(terminal)
	run.FailedStep = protocol.Step(failedStep)
	run.CitationsUnavailable = citations != 0
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if completedAt != nil {
		t, _ := time.Parse(time.RFC3339Nano, *completedAt)
		run.CompletedAt = &t
	}

	if run.StepStatus == nil {
		run.StepStatus = make(map[protocol.Step]protocol.StepStatus)
	}
	if run.StepResults == nil {
		run.StepResults = make(map[protocol.Step]map[string]any)
	}
	if run.AttemptCounts == nil {
		run.AttemptCounts = make(map[protocol.Step]int)
	}
	if run.StepFailures == nil {
		run.StepFailures = make(map[protocol.Step]string)
	}
	if run.CallCounts == nil {
		run.CallCounts = make(map[protocol.AgentName]int)
	}

	return &run, nil
}
