package protocol

import "time"

// Step is one stage of the fixed review pipeline.
type Step string

const (
	StepReading      Step = "reading"
	StepCritiquing   Step = "critiquing"
	StepCiting       Step = "citing"
	StepSynthesizing Step = "synthesizing"
)

// Steps lists the pipeline stages in dispatch order. Critiquing and citing
// run concurrently once reading succeeds.
var Steps = []Step{StepReading, StepCritiquing, StepCiting, StepSynthesizing}

// StepStatus is the per-step lifecycle state within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepInFlight  StepStatus = "in_flight"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// TerminalState is the final outcome of a run. A run with TerminalNone is
// still in flight.
type TerminalState string

const (
	TerminalNone      TerminalState = "none"
	TerminalCompleted TerminalState = "completed"
	TerminalFailed    TerminalState = "failed"
	TerminalAborted   TerminalState = "aborted"
)

// Run is one document's journey through the pipeline. It is owned exclusively
// by the workflow state machine for its lifetime and becomes immutable once
// TerminalState leaves TerminalNone.
type Run struct {
	SessionID string `json:"session_id"`
	PaperID   string `json:"paper_id"`
	InputRef  string `json:"input_ref"`

	StepStatus    map[Step]StepStatus     `json:"step_status"`
	StepResults   map[Step]map[string]any `json:"step_results"`
	AttemptCounts map[Step]int            `json:"attempt_counts"`
	StepFailures  map[Step]string         `json:"step_failures,omitempty"`

	TerminalState TerminalState `json:"terminal_state"`
	FailedStep    Step          `json:"failed_step,omitempty"`
	FailureCause  string        `json:"failure_cause,omitempty"`

	// CitationsUnavailable marks a degraded run whose citation step was
	// skipped after exhausting retries.
	CitationsUnavailable bool `json:"citations_unavailable,omitempty"`

	// CallCounts tracks transport calls issued per agent, including retries.
	CallCounts map[AgentName]int `json:"call_counts,omitempty"`
	Errors     []string          `json:"errors,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewRun creates a run with every step pending.
func NewRun(sessionID, paperID, inputRef string) *Run {
	status := make(map[Step]StepStatus, len(Steps))
	for _, s := range Steps {
		status[s] = StepPending
	}
	return &Run{
		SessionID:     sessionID,
		PaperID:       paperID,
		InputRef:      inputRef,
		StepStatus:    status,
		StepResults:   make(map[Step]map[string]any),
		AttemptCounts: make(map[Step]int),
		StepFailures:  make(map[Step]string),
		CallCounts:    make(map[AgentName]int),
		TerminalState: TerminalNone,
		CreatedAt:     time.Now().UTC(),
	}
}

// Terminal reports whether the run has reached a final state.
func (r *Run) Terminal() bool {
	return r.TerminalState != TerminalNone && r.TerminalState != ""
}

// FinalResult returns the synthesizing step's payload, the run's aggregated
// output. Nil until the run completes.
func (r *Run) FinalResult() map[string]any {
	return r.StepResults[StepSynthesizing]
}

// Clone returns a deep copy so callers can hand out runs without exposing
// the store's internal state to mutation.
func (r *Run) Clone() *Run {
	cp := *r
	cp.StepStatus = make(map[Step]StepStatus, len(r.StepStatus))
	for k, v := range r.StepStatus {
		cp.StepStatus[k] = v
	}
	cp.StepResults = make(map[Step]map[string]any, len(r.StepResults))
	for k, v := range r.StepResults {
		cp.StepResults[k] = v
	}
	cp.AttemptCounts = make(map[Step]int, len(r.AttemptCounts))
	for k, v := range r.AttemptCounts {
		cp.AttemptCounts[k] = v
	}
	cp.StepFailures = make(map[Step]string, len(r.StepFailures))
	for k, v := range r.StepFailures {
		cp.StepFailures[k] = v
	}
	cp.CallCounts = make(map[AgentName]int, len(r.CallCounts))
	for k, v := range r.CallCounts {
		cp.CallCounts[k] = v
	}
	cp.Errors = append([]string(nil), r.Errors...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}
