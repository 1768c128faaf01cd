package metrics

import (
	"fmt"
	"testing"
	"time"

	"github.com/revued-io/revued/pkg/protocol"
)

func record(agent protocol.AgentName, session string, outcome Outcome, at time.Time) Record {
	return Record{
		Time:      at,
		Agent:     agent,
		Action:    "extract",
		SessionID: session,
		Outcome:   outcome,
		LatencyMS: 10,
	}
}

func TestQueryOrder(t *testing.T) {
	b := New(10)
	base := time.Now()
	for i := 0; i < 3; i++ {
		b.Record(record(protocol.AgentReader, "s1", OutcomeOK, base.Add(time.Duration(i)*time.Second)))
	}

	got := b.Query(time.Time{}, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 records, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].Time.Before(got[i-1].Time) {
			t.Error("records not oldest-first")
		}
	}
}

func TestRingEviction(t *testing.T) {
	b := New(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r := record(protocol.AgentReader, fmt.Sprintf("s%d", i), OutcomeOK, base.Add(time.Duration(i)*time.Second))
		b.Record(r)
	}

	got := b.Query(time.Time{}, 0)
	if len(got) != 3 {
		t.Fatalf("expected 3 records after eviction, got %d", len(got))
	}
	if got[0].SessionID != "s2" {
		t.Errorf("expected oldest surviving record s2, got %s", got[0].SessionID)
	}
}

func TestZeroSizeBufferFloored(t *testing.T) {
	b := New(0)
	b.Record(record(protocol.AgentReader, "s1", OutcomeOK, time.Now()))
	got := b.Query(time.Time{}, 0)
	if len(got) != 1 {
		t.Fatalf("expected 1 record, got %d", len(got))
	}

	b = New(-5)
	b.Record(record(protocol.AgentCritic, "s1", OutcomeTimeout, time.Now()))
	if sum := b.Snapshot("s1"); sum.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", sum.Timeouts)
	}
}

func TestQuerySinceAndLimit(t *testing.T) {
	b := New(10)
	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Record(record(protocol.AgentCritic, "s1", OutcomeOK, base.Add(time.Duration(i)*time.Second)))
	}

	since := base.Add(2500 * time.Millisecond)
	got := b.Query(since, 0)
	if len(got) != 2 {
		t.Errorf("expected 2 records after since filter, got %d", len(got))
	}

	got = b.Query(time.Time{}, 2)
	if len(got) != 2 {
		t.Errorf("expected limit to cap at 2, got %d", len(got))
	}
	// limit keeps the newest
	if got[1].Time.Before(got[0].Time) {
		t.Error("limited records not oldest-first")
	}
}

func TestSnapshot(t *testing.T) {
	b := New(10)
	now := time.Now()
	b.Record(record(protocol.AgentReader, "s1", OutcomeOK, now))
	b.Record(record(protocol.AgentCritic, "s1", OutcomeContractViolation, now))
	b.Record(record(protocol.AgentCite, "s1", OutcomeTimeout, now))
	b.Record(record(protocol.AgentCite, "s2", OutcomeAgentError, now))

	sum := b.Snapshot("s1")
	if sum.Calls[protocol.AgentReader] != 1 || sum.Calls[protocol.AgentCritic] != 1 {
		t.Errorf("unexpected per-agent calls: %v", sum.Calls)
	}
	if sum.Violations != 1 {
		t.Errorf("expected 1 violation, got %d", sum.Violations)
	}
	if sum.Timeouts != 1 {
		t.Errorf("expected 1 timeout, got %d", sum.Timeouts)
	}
	if sum.Errors != 0 {
		t.Errorf("s2 error leaked into s1 snapshot: %d", sum.Errors)
	}

	all := b.Snapshot("")
	if all.Errors != 1 {
		t.Errorf("expected 1 error across all sessions, got %d", all.Errors)
	}
}
