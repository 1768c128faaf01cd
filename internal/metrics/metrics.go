// Package metrics captures one record per transport call in a fixed-size
// ring buffer. The evaluation harness and the /api/calls endpoint consume
// it; the transport client is its only writer.
package metrics

import (
	"sync"
	"time"

	"github.com/revued-io/revued/pkg/protocol"
)

// Outcome classifies a finished transport call.
type Outcome string

const (
	OutcomeOK                Outcome = "ok"
	OutcomeTimeout           Outcome = "timeout"
	OutcomeUnreachable       Outcome = "unreachable"
	OutcomeContractViolation Outcome = "contract_violation"
	OutcomeAgentError        Outcome = "agent_reported_error"
)

// Record is a single transport call observation.
type Record struct {
	Time      time.Time          `json:"time"`
	Agent     protocol.AgentName `json:"agent"`
	Action    string             `json:"action"`
	SessionID string             `json:"session_id"`
	Outcome   Outcome            `json:"outcome"`
	LatencyMS int64              `json:"latency_ms"`
	Detail    string             `json:"detail,omitempty"`
}

// Buffer is a thread-safe ring buffer of call records.
type Buffer struct {
	mu      sync.Mutex
	records []Record
	size    int
	pos     int
	count   int
}

// New creates a ring buffer holding up to size records. Sizes below 1 are
// raised to 1.
func New(size int) *Buffer {
	if size < 1 {
		size = 1
	}
	return &Buffer{
		records: make([]Record, size),
		size:    size,
	}
}

// Record appends a call record, evicting the oldest when full.
func (b *Buffer) Record(r Record) {
	b.mu.Lock()
	b.records[b.pos] = r
	b.pos = (b.pos + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()
}

// Query returns records newer than since, oldest first. A zero since matches
// everything; limit <= 0 returns all matches.
func (b *Buffer) Query(since time.Time, limit int) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()

	var result []Record
	start := 0
	n := b.count
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < n; i++ {
		r := b.records[(start+i)%b.size]
		if !since.IsZero() && r.Time.Before(since) {
			continue
		}
		result = append(result, r)
	}
	if limit > 0 && len(result) > limit {
		result = result[len(result)-limit:]
	}
	return result
}

// Summary aggregates the buffered records.
type Summary struct {
	Calls      map[protocol.AgentName]int `json:"calls"`
	Violations int                        `json:"contract_violations"`
	Timeouts   int                        `json:"timeouts"`
	Errors     int                        `json:"errors"`
}

// Snapshot aggregates records for one session, or all records when
// sessionID is empty.
func (b *Buffer) Snapshot(sessionID string) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	sum := Summary{Calls: make(map[protocol.AgentName]int)}
	start := 0
	n := b.count
	if b.count == b.size {
		start = b.pos
	}
	for i := 0; i < n; i++ {
		r := b.records[(start+i)%b.size]
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		sum.Calls[r.Agent]++
		switch r.Outcome {
		case OutcomeContractViolation:
			sum.Violations++
		case OutcomeTimeout:
			sum.Timeouts++
		case OutcomeUnreachable, OutcomeAgentError:
			sum.Errors++
		}
	}
	return sum
}
