// Package transport delivers request envelopes to named agent services and
// classifies every outcome into the failure taxonomy. Retry policy lives
// with the caller; the client never retries internally.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/pkg/protocol"
)

// FailureKind classifies a transport-level failure.
type FailureKind string

const (
	FailureTimeout           FailureKind = "timeout"
	FailureUnreachable       FailureKind = "unreachable"
	FailureContractViolation FailureKind = "contract_violation"
	FailureAgentError        FailureKind = "agent_reported_error"
)

// Failure is the typed result of an unsuccessful call. Raw retains the
// offending response body for diagnostics; it is never handed to the state
// machine as data.
type Failure struct {
	Kind       FailureKind
	Err        error
	AgentError string // verbatim agent-supplied error payload, for FailureAgentError
	Raw        []byte
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %v", f.Kind, f.Err)
	}
	return string(f.Kind)
}

// Retryable reports whether the caller's retry policy may re-issue the call.
// A malformed or explicitly-erroring agent is unlikely to self-correct.
func (f *Failure) Retryable() bool {
	return f.Kind == FailureTimeout || f.Kind == FailureUnreachable
}

// Recorder receives one metrics record per call. May be nil.
type Recorder interface {
	Record(r metrics.Record)
}

// Client sends envelopes to agent services over HTTP. The name→address map
// is injected at construction and stable for the process lifetime.
type Client struct {
	addresses      map[protocol.AgentName]string
	http           *http.Client
	defaultTimeout time.Duration
	logger         *slog.Logger
	recorder       Recorder
}

// New creates a transport client. recorder may be nil.
func New(addresses map[protocol.AgentName]string, defaultTimeout time.Duration, logger *slog.Logger, recorder Recorder) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTimeout <= 0 {
		defaultTimeout = 30 * time.Second
	}
	return &Client{
		addresses:      addresses,
		http:           &http.Client{},
		defaultTimeout: defaultTimeout,
		logger:         logger,
		recorder:       recorder,
	}
}

// Call posts one request envelope to its receiver's /process endpoint and
// waits up to timeout (the configured default when timeout is zero) for a
// correlated, contract-valid response. Exactly one of the return values is
// non-nil.
func (c *Client) Call(ctx context.Context, env protocol.Envelope, timeout time.Duration) (*protocol.Envelope, *Failure) {
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	start := time.Now()
	resp, fail := c.call(ctx, env, timeout)

	outcome := metrics.OutcomeOK
	detail := ""
	if fail != nil {
		detail = fail.Error()
		switch fail.Kind {
		case FailureTimeout:
			outcome = metrics.OutcomeTimeout
		case FailureUnreachable:
			outcome = metrics.OutcomeUnreachable
		case FailureContractViolation:
			outcome = metrics.OutcomeContractViolation
		case FailureAgentError:
			outcome = metrics.OutcomeAgentError
		}
	}
	if c.recorder != nil {
		c.recorder.Record(metrics.Record{
			Time:      start,
			Agent:     env.Receiver,
			Action:    env.Payload.Action,
			SessionID: env.Context.SessionID,
			Outcome:   outcome,
			LatencyMS: time.Since(start).Milliseconds(),
			Detail:    detail,
		})
	}
	return resp, fail
}

func (c *Client) call(ctx context.Context, env protocol.Envelope, timeout time.Duration) (*protocol.Envelope, *Failure) {
	if err := env.Validate(); err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: err}
	}
	if err := protocol.ValidateRequest(env); err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: err}
	}

	addr, ok := c.addresses[env.Receiver]
	if !ok {
		return nil, &Failure{Kind: FailureUnreachable, Err: fmt.Errorf("no address configured for agent %q", env.Receiver)}
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: fmt.Errorf("encode envelope: %w", err)}
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, addr+"/process", bytes.NewReader(body))
	if err != nil {
		return nil, &Failure{Kind: FailureUnreachable, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			c.logger.Warn("call timed out", "agent", env.Receiver, "action", env.Payload.Action, "timeout", timeout)
			return nil, &Failure{Kind: FailureTimeout, Err: err}
		}
		return nil, &Failure{Kind: FailureUnreachable, Err: err}
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, &Failure{Kind: FailureTimeout, Err: err}
		}
		return nil, &Failure{Kind: FailureUnreachable, Err: fmt.Errorf("read response: %w", err)}
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &Failure{
			Kind: FailureUnreachable,
			Err:  fmt.Errorf("agent %s returned HTTP %d", env.Receiver, httpResp.StatusCode),
			Raw:  raw,
		}
	}

	var resp protocol.Envelope
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: fmt.Errorf("decode response: %w", err), Raw: raw}
	}
	if err := resp.Validate(); err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: err, Raw: raw}
	}

	// A response that doesn't answer this request on this session is a
	// protocol violation. Dropped, logged, counted.
	if resp.InReplyTo() != env.MessageID || resp.Context.SessionID != env.Context.SessionID {
		c.logger.Warn("unmatched response dropped",
			"agent", env.Receiver,
			"request_id", env.MessageID,
			"in_reply_to", resp.InReplyTo(),
			"session", env.Context.SessionID,
		)
		return nil, &Failure{
			Kind: FailureContractViolation,
			Err:  fmt.Errorf("unmatched response: in_reply_to %q does not correlate with request %q", resp.InReplyTo(), env.MessageID),
			Raw:  raw,
		}
	}

	if resp.MessageType == protocol.MessageError {
		return nil, &Failure{
			Kind:       FailureAgentError,
			Err:        fmt.Errorf("agent %s reported: %s", resp.Sender, resp.Payload.Error),
			AgentError: resp.Payload.Error,
			Raw:        raw,
		}
	}

	if err := protocol.ValidateResponse(resp.Sender, resp.Payload); err != nil {
		return nil, &Failure{Kind: FailureContractViolation, Err: err, Raw: raw}
	}

	return &resp, nil
}
