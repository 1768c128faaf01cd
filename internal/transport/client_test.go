package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/pkg/protocol"
)

type recordingSink struct {
	records []metrics.Record
}

func (r *recordingSink) Record(rec metrics.Record) {
	r.records = append(r.records, rec)
}

func readerRequest() protocol.Envelope {
	return protocol.NewRequest(protocol.AgentOrchestrator, protocol.AgentReader, protocol.ActionExtract,
		map[string]any{"pdf_path": "paper.txt"},
		protocol.Context{PaperID: "p1", SessionID: "s1"})
}

func readerPayload() map[string]any {
	return map[string]any{
		"paper_content": map[string]any{
			"title":      "T",
			"abstract":   "A",
			"sections":   []any{},
			"references": []any{},
		},
	}
}

func newClient(addr string, sink *recordingSink) *Client {
	addresses := map[protocol.AgentName]string{protocol.AgentReader: addr}
	return New(addresses, 2*time.Second, nil, sink)
}

// agentServer responds like a well-behaved agent host unless respond
// overrides the reply.
func agentServer(t *testing.T, respond func(req protocol.Envelope) any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/process" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req protocol.Envelope
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(respond(req))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestCallSuccess(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		return protocol.NewResponse(req, protocol.AgentReader, readerPayload())
	})
	sink := &recordingSink{}
	c := newClient(srv.URL, sink)

	resp, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail != nil {
		t.Fatalf("unexpected failure: %v", fail)
	}
	if resp.Sender != protocol.AgentReader {
		t.Errorf("expected reader response, got %q", resp.Sender)
	}
	if len(sink.records) != 1 || sink.records[0].Outcome != metrics.OutcomeOK {
		t.Errorf("expected one ok record, got %+v", sink.records)
	}
}

func TestCallTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()
	sink := &recordingSink{}
	c := newClient(srv.URL, sink)

	_, fail := c.Call(context.Background(), readerRequest(), 50*time.Millisecond)
	if fail == nil {
		t.Fatal("expected timeout failure")
	}
	if fail.Kind != FailureTimeout {
		t.Errorf("expected timeout, got %q", fail.Kind)
	}
	if !fail.Retryable() {
		t.Error("timeout must be retryable")
	}
	if sink.records[0].Outcome != metrics.OutcomeTimeout {
		t.Errorf("expected timeout record, got %q", sink.records[0].Outcome)
	}
}

func TestCallUnreachable(t *testing.T) {
	c := newClient("http://127.0.0.1:1", &recordingSink{})

	_, fail := c.Call(context.Background(), readerRequest(), time.Second)
	if fail == nil || fail.Kind != FailureUnreachable {
		t.Fatalf("expected unreachable, got %+v", fail)
	}
	if !fail.Retryable() {
		t.Error("unreachable must be retryable")
	}
}

func TestCallNoAddress(t *testing.T) {
	c := New(map[protocol.AgentName]string{}, time.Second, nil, nil)
	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureUnreachable {
		t.Fatalf("expected unreachable for unconfigured agent, got %+v", fail)
	}
}

func TestCallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	c := newClient(srv.URL, &recordingSink{})

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureUnreachable {
		t.Fatalf("expected unreachable for HTTP 500, got %+v", fail)
	}
}

func TestCallMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	c := newClient(srv.URL, &recordingSink{})

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureContractViolation {
		t.Fatalf("expected contract violation, got %+v", fail)
	}
	if fail.Retryable() {
		t.Error("contract violation must not be retryable")
	}
}

func TestCallAgentError(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		return protocol.NewError(req, protocol.AgentReader, "could not open file")
	})
	sink := &recordingSink{}
	c := newClient(srv.URL, sink)

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureAgentError {
		t.Fatalf("expected agent error, got %+v", fail)
	}
	if fail.AgentError != "could not open file" {
		t.Errorf("agent error text not preserved verbatim: %q", fail.AgentError)
	}
	if fail.Retryable() {
		t.Error("agent-reported error must not be retryable")
	}
	if sink.records[0].Outcome != metrics.OutcomeAgentError {
		t.Errorf("expected agent error record, got %q", sink.records[0].Outcome)
	}
}

func TestCallCorrelationMismatch(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		resp := protocol.NewResponse(req, protocol.AgentReader, readerPayload())
		resp.Payload.Metadata[protocol.MetaInReplyTo] = "someone-elses-request"
		return resp
	})
	sink := &recordingSink{}
	c := newClient(srv.URL, sink)

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureContractViolation {
		t.Fatalf("unmatched response must be dropped as violation, got %+v", fail)
	}
	if sink.records[0].Outcome != metrics.OutcomeContractViolation {
		t.Errorf("mismatch not counted: %q", sink.records[0].Outcome)
	}
}

func TestCallSessionMismatch(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		resp := protocol.NewResponse(req, protocol.AgentReader, readerPayload())
		resp.Context.SessionID = "other-session"
		return resp
	})
	c := newClient(srv.URL, &recordingSink{})

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureContractViolation {
		t.Fatalf("cross-session response must be dropped, got %+v", fail)
	}
}

func TestCallResponseShapeViolation(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		// paper_content missing entirely
		return protocol.NewResponse(req, protocol.AgentReader, map[string]any{"unexpected": true})
	})
	c := newClient(srv.URL, &recordingSink{})

	_, fail := c.Call(context.Background(), readerRequest(), 0)
	if fail == nil || fail.Kind != FailureContractViolation {
		t.Fatalf("expected contract violation for bad shape, got %+v", fail)
	}
}

func TestCallRejectsInvalidRequest(t *testing.T) {
	srv := agentServer(t, func(req protocol.Envelope) any {
		t.Error("invalid request must never reach the wire")
		return nil
	})
	c := newClient(srv.URL, &recordingSink{})

	env := readerRequest()
	delete(env.Payload.Data, "pdf_path")
	_, fail := c.Call(context.Background(), env, 0)
	if fail == nil || fail.Kind != FailureContractViolation {
		t.Fatalf("expected pre-flight violation, got %+v", fail)
	}
}
