// Package workflow drives one document through the fixed review pipeline:
// extract, then critique and citation in parallel, then synthesis. The
// machine owns each run exclusively from creation to its terminal state.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/revued-io/revued/internal/session"
	"github.com/revued-io/revued/internal/transport"
	"github.com/revued-io/revued/pkg/protocol"
)

// DefaultFocusAreas are the critique dimensions requested from the critic
// when the caller does not narrow them.
var DefaultFocusAreas = []string{"methodology", "clarity", "novelty", "reproducibility"}

// Caller abstracts the transport client so tests can drive the machine
// against fakes.
type Caller interface {
	Call(ctx context.Context, env protocol.Envelope, timeout time.Duration) (*protocol.Envelope, *transport.Failure)
}

// Config holds the machine's retry and timeout policy.
type Config struct {
	MaxAttempts int           // per-step attempts for retryable failures, default 3
	CallTimeout time.Duration // per-call timeout handed to the transport, default 30s
	BackoffBase time.Duration // first retry delay, doubled per attempt, default 500ms
	RunDeadline time.Duration // optional whole-run deadline, 0 = none
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	return c
}

// Machine is the workflow state machine.
type Machine struct {
	store  session.Store
	caller Caller
	cfg    Config
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates a machine over the given store and transport.
func New(store session.Store, caller Caller, cfg Config, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:  store,
		caller: caller,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start submits a document under a fresh session ID and returns immediately;
// the run is driven to a terminal state in the background.
func (m *Machine) Start(ctx context.Context, paperID, inputRef string) (string, error) {
	return m.StartSession(ctx, uuid.NewString(), paperID, inputRef)
}

// StartSession submits a document under a caller-chosen session ID. Returns
// session.ErrSessionBusy when a run with that ID is already in flight.
func (m *Machine) StartSession(ctx context.Context, sessionID, paperID, inputRef string) (string, error) {
	run := protocol.NewRun(sessionID, paperID, inputRef)
	if err := m.store.Create(run); err != nil {
		return "", err
	}

	m.logger.Info("run created", "session", sessionID, "paper", paperID, "input", inputRef)

	// The run outlives the submitting request. Its lifetime is governed by
	// Abort and the optional RunDeadline, not the caller's context.
	runCtx := context.WithoutCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.drive(runCtx, sessionID, paperID, inputRef)
	}()
	return sessionID, nil
}

// GetStatus returns a copy of the run for observability.
func (m *Machine) GetStatus(sessionID string) (*protocol.Run, error) {
	return m.store.Get(sessionID)
}

// Sessions returns retained runs, active ones only when activeOnly is set.
func (m *Machine) Sessions(activeOnly bool) ([]*protocol.Run, error) {
	if activeOnly {
		return m.store.ListActive()
	}
	return m.store.List()
}

// Abort requests cancellation of a session. The terminal state is set
// immediately; the driving task observes it at its next transition point and
// discards any response that arrives afterwards.
func (m *Machine) Abort(sessionID string) error {
	err := m.store.Update(sessionID, func(r *protocol.Run) error {
		now := time.Now().UTC()
		r.TerminalState = protocol.TerminalAborted
		r.FailureCause = "aborted by caller"
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, session.ErrNotActive) {
		// Already terminal; nothing to abort.
		return nil
	}
	return err
}

// Wait blocks until every in-flight run has reached a terminal state. Used
// by the evaluation harness and at daemon shutdown.
func (m *Machine) Wait() {
	m.wg.Wait()
}

// drive runs the pipeline for one session. Every state transition goes
// through the store's atomic Update; an external abort shows up as
// ErrNotActive and stops the pipeline at the next transition.
func (m *Machine) drive(ctx context.Context, sessionID, paperID, inputRef string) {
	logger := m.logger.With("session", sessionID)
	if m.cfg.RunDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.RunDeadline)
		defer cancel()
	}
	pctx := protocol.Context{PaperID: paperID, SessionID: sessionID}

	// reading
	readData, fail, aborted := m.runStep(ctx, logger, sessionID, protocol.StepReading, protocol.AgentReader, protocol.ActionExtract, map[string]any{
		"pdf_path":           inputRef,
		"extract_references": true,
	}, pctx)
	if aborted {
		m.finalizeAborted(ctx, logger, sessionID)
		return
	}
	if fail != nil {
		m.failRun(logger, sessionID, protocol.StepReading, fail)
		return
	}

	paperContent, _ := readData["paper_content"].(map[string]any)
	title, _ := paperContent["title"].(string)
	references, _ := paperContent["references"].([]any)
	if references == nil {
		references = []any{}
	}

	// fan out: critique and citation are independent once reading succeeds
	var (
		critData, citeData       map[string]any
		critFail, citeFail       *transport.Failure
		critAborted, citeAborted bool
		wg                       sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		critData, critFail, critAborted = m.runStep(ctx, logger, sessionID, protocol.StepCritiquing, protocol.AgentCritic, protocol.ActionAnalyze, map[string]any{
			"paper_content": paperContent,
			"focus_areas":   DefaultFocusAreas,
		}, pctx)
	}()
	go func() {
		defer wg.Done()
		citeData, citeFail, citeAborted = m.runStep(ctx, logger, sessionID, protocol.StepCiting, protocol.AgentCite, protocol.ActionCite, map[string]any{
			"title":      title,
			"references": references,
		}, pctx)
	}()
	wg.Wait()

	if critAborted || citeAborted {
		m.finalizeAborted(ctx, logger, sessionID)
		return
	}

	// critique is essential; citation is not
	if critFail != nil {
		if citeFail != nil {
			m.markStepSkipped(logger, sessionID, citeFail)
		}
		m.failRun(logger, sessionID, protocol.StepCritiquing, critFail)
		return
	}

	relatedPapers := []any{}
	citationsUnavailable := false
	if citeFail != nil {
		citationsUnavailable = true
		m.markStepSkipped(logger, sessionID, citeFail)
	} else if rp, ok := citeData["related_papers"].([]any); ok {
		relatedPapers = rp
	}

	// synthesis starts only after both fan-out branches resolved
	synthData := map[string]any{
		"paper_content":  paperContent,
		"critique":       critData["critique"],
		"related_papers": relatedPapers,
	}
	if citationsUnavailable {
		synthData["citations_unavailable"] = true
	}

	_, fail, aborted = m.runStep(ctx, logger, sessionID, protocol.StepSynthesizing, protocol.AgentMetaReviewer, protocol.ActionReview, synthData, pctx)
	if aborted {
		m.finalizeAborted(ctx, logger, sessionID)
		return
	}
	if fail != nil {
		m.failRun(logger, sessionID, protocol.StepSynthesizing, fail)
		return
	}

	err := m.store.Update(sessionID, func(r *protocol.Run) error {
		now := time.Now().UTC()
		r.TerminalState = protocol.TerminalCompleted
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, session.ErrNotActive) {
		logger.Info("run aborted before completion, result discarded")
		return
	}
	if err != nil {
		logger.Error("failed to finalize run", "error", err)
		return
	}
	logger.Info("run completed", "citations_unavailable", citationsUnavailable)
}

// runStep executes one pipeline step with the retry policy: Timeout and
// Unreachable are retried with exponential backoff up to MaxAttempts;
// ContractViolation and AgentReportedError terminate the step at the first
// attempt. Returns the response data on success, the last failure on
// exhaustion, or aborted=true when the run was cancelled externally or the
// run deadline expired.
func (m *Machine) runStep(ctx context.Context, logger *slog.Logger, sessionID string, step protocol.Step, agent protocol.AgentName, action string, data map[string]any, pctx protocol.Context) (map[string]any, *transport.Failure, bool) {
	backoff := m.cfg.BackoffBase

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, nil, true
		}

		err := m.store.Update(sessionID, func(r *protocol.Run) error {
			r.StepStatus[step] = protocol.StepInFlight
			r.AttemptCounts[step] = attempt
			r.CallCounts[agent]++
			return nil
		})
		if errors.Is(err, session.ErrNotActive) {
			return nil, nil, true
		}
		if err != nil {
			return nil, &transport.Failure{Kind: transport.FailureUnreachable, Err: fmt.Errorf("session update: %w", err)}, false
		}

		env := protocol.NewRequest(protocol.AgentOrchestrator, agent, action, data, pctx)
		logger.Debug("dispatching step", "step", step, "agent", agent, "attempt", attempt, "message_id", env.MessageID)

		resp, fail := m.caller.Call(ctx, env, m.cfg.CallTimeout)
		if ctx.Err() != nil {
			// Run deadline or cancellation raced the call; the response, if
			// any, is discarded.
			return nil, nil, true
		}

		if fail == nil {
			err := m.store.Update(sessionID, func(r *protocol.Run) error {
				r.StepStatus[step] = protocol.StepSucceeded
				r.StepResults[step] = resp.Payload.Data
				return nil
			})
			if errors.Is(err, session.ErrNotActive) {
				logger.Info("late response discarded", "step", step)
				return nil, nil, true
			}
			if err != nil {
				return nil, &transport.Failure{Kind: transport.FailureUnreachable, Err: fmt.Errorf("session update: %w", err)}, false
			}
			logger.Info("step succeeded", "step", step, "agent", agent, "attempt", attempt)
			return resp.Payload.Data, nil, false
		}

		logger.Warn("step attempt failed",
			"step", step,
			"agent", agent,
			"attempt", attempt,
			"kind", fail.Kind,
			"error", fail.Err,
		)
		m.store.Update(sessionID, func(r *protocol.Run) error {
			r.StepFailures[step] = fail.Error()
			r.Errors = append(r.Errors, fmt.Sprintf("%s attempt %d: %s", step, attempt, fail.Error()))
			return nil
		})

		if !fail.Retryable() || attempt == m.cfg.MaxAttempts {
			return nil, fail, false
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, nil, true
		}
		backoff *= 2
	}
	return nil, &transport.Failure{Kind: transport.FailureUnreachable, Err: errors.New("retries exhausted")}, false
}

// failRun marks the failing step and drives the run to its terminal failed
// state in a single atomic mutation.
func (m *Machine) failRun(logger *slog.Logger, sessionID string, step protocol.Step, fail *transport.Failure) {
	err := m.store.Update(sessionID, func(r *protocol.Run) error {
		now := time.Now().UTC()
		r.StepStatus[step] = protocol.StepFailed
		r.TerminalState = protocol.TerminalFailed
		r.FailedStep = step
		r.FailureCause = fmt.Sprintf("%s failed: %s", step, fail.Kind)
		r.CompletedAt = &now
		return nil
	})
	if errors.Is(err, session.ErrNotActive) {
		logger.Info("run already terminal, failure discarded", "step", step)
		return
	}
	if err != nil {
		logger.Error("failed to record run failure", "step", step, "error", err)
		return
	}
	logger.Warn("run failed", "step", step, "kind", fail.Kind)
}

// markStepSkipped records a non-essential step's terminal failure without
// failing the run.
func (m *Machine) markStepSkipped(logger *slog.Logger, sessionID string, fail *transport.Failure) {
	err := m.store.Update(sessionID, func(r *protocol.Run) error {
		r.StepStatus[protocol.StepCiting] = protocol.StepSkipped
		r.StepFailures[protocol.StepCiting] = fail.Error()
		r.CitationsUnavailable = true
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotActive) {
		logger.Error("failed to mark citation skipped", "error", err)
		return
	}
	logger.Warn("citation skipped, review proceeds without it", "kind", fail.Kind)
}

// finalizeAborted records the aborted terminal state unless an external
// Abort already did.
func (m *Machine) finalizeAborted(ctx context.Context, logger *slog.Logger, sessionID string) {
	cause := "aborted by caller"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		cause = "run deadline exceeded"
	}
	err := m.store.Update(sessionID, func(r *protocol.Run) error {
		now := time.Now().UTC()
		r.TerminalState = protocol.TerminalAborted
		r.FailureCause = cause
		r.CompletedAt = &now
		return nil
	})
	if err != nil && !errors.Is(err, session.ErrNotActive) {
		logger.Error("failed to record abort", "error", err)
		return
	}
	logger.Info("run aborted", "cause", cause)
}
