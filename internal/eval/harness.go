// Package eval runs review pipelines against a suite of test cases and
// scores the outcomes: per-case constraint checks plus aggregate call
// statistics from the metrics buffer.
package eval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/revued-io/revued/internal/metrics"
	"github.com/revued-io/revued/pkg/protocol"
)

const (
	defaultCaseTimeout = 60 * time.Second
	pollInterval       = 50 * time.Millisecond
)

// Runner is the slice of the workflow machine the harness drives.
type Runner interface {
	Start(ctx context.Context, paperID, inputRef string) (string, error)
	GetStatus(sessionID string) (*protocol.Run, error)
}

// Snapshotter aggregates call records per session. May be nil.
type Snapshotter interface {
	Snapshot(sessionID string) metrics.Summary
}

// Case is one evaluation scenario.
type Case struct {
	Name        string      `json:"name"`
	PaperID     string      `json:"paper_id,omitempty"`
	InputRef    string      `json:"input_ref"`
	Constraints Constraints `json:"constraints"`
	Expected    Expected    `json:"expected"`
}

// Constraints are structural requirements on the pipeline's intermediate
// and final outputs.
type Constraints struct {
	MustExtractTitle    bool `json:"must_extract_title,omitempty"`
	MustExtractAbstract bool `json:"must_extract_abstract,omitempty"`
	MustHaveCritique    bool `json:"must_have_critique,omitempty"`
	MustHaveELI5        bool `json:"must_have_eli5,omitempty"`
}

// Expected are quantitative expectations. Zero values disable a check.
type Expected struct {
	State            protocol.TerminalState `json:"state,omitempty"` // default "completed"
	MinReferences    int                    `json:"min_references,omitempty"`
	MinRelatedPapers int                    `json:"min_related_papers,omitempty"`
	MinScore         float64                `json:"min_score,omitempty"` // methodology and clarity floor
	MaxSeconds       float64                `json:"max_seconds,omitempty"`
	MaxErrors        int                    `json:"max_errors,omitempty"` // -1 disables
}

// Result is the outcome of one case.
type Result struct {
	Name      string                 `json:"name"`
	SessionID string                 `json:"session_id"`
	Passed    bool                   `json:"passed"`
	Failures  []string               `json:"failures,omitempty"`
	State     protocol.TerminalState `json:"state"`
	Seconds   float64                `json:"seconds"`
	Calls     metrics.Summary        `json:"calls"`
}

// Report aggregates a whole suite.
type Report struct {
	Total       int       `json:"total"`
	Passed      int       `json:"passed"`
	SuccessRate float64   `json:"success_rate"`
	AvgSeconds  float64   `json:"avg_seconds"`
	Results     []Result  `json:"results"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
}

// LoadCases reads a JSON array of cases from path.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("eval: read cases %s: %w", path, err)
	}
	var cases []Case
	if err := json.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("eval: parse cases %s: %w", path, err)
	}
	for i, c := range cases {
		if c.Name == "" {
			return nil, fmt.Errorf("eval: case %d missing name", i)
		}
		if c.InputRef == "" {
			return nil, fmt.Errorf("eval: case %q missing input_ref", c.Name)
		}
	}
	return cases, nil
}

// Harness drives evaluation cases through a runner.
type Harness struct {
	runner Runner
	calls  Snapshotter
	logger *slog.Logger
}

// New creates a harness. calls may be nil.
func New(runner Runner, calls Snapshotter, logger *slog.Logger) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	return &Harness{runner: runner, calls: calls, logger: logger.With("component", "eval")}
}

// Run executes every case sequentially and returns the aggregate report.
func (h *Harness) Run(ctx context.Context, cases []Case) Report {
	report := Report{StartedAt: time.Now().UTC()}

	var totalSeconds float64
	for _, c := range cases {
		result := h.runCase(ctx, c)
		if result.Passed {
			report.Passed++
		} else {
			h.logger.Warn("case failed", "case", c.Name, "failures", result.Failures)
		}
		totalSeconds += result.Seconds
		report.Results = append(report.Results, result)
	}

	report.Total = len(cases)
	report.FinishedAt = time.Now().UTC()
	if report.Total > 0 {
		report.SuccessRate = float64(report.Passed) / float64(report.Total)
		report.AvgSeconds = totalSeconds / float64(report.Total)
	}
	return report
}

func (h *Harness) runCase(ctx context.Context, c Case) Result {
	result := Result{Name: c.Name}

	paperID := c.PaperID
	if paperID == "" {
		paperID = c.InputRef
	}

	start := time.Now()
	sessionID, err := h.runner.Start(ctx, paperID, c.InputRef)
	if err != nil {
		result.Failures = append(result.Failures, fmt.Sprintf("start: %v", err))
		return result
	}
	result.SessionID = sessionID
	h.logger.Info("case started", "case", c.Name, "session", sessionID)

	timeout := defaultCaseTimeout
	if c.Expected.MaxSeconds > 0 {
		timeout = time.Duration(c.Expected.MaxSeconds * float64(time.Second))
	}

	run, err := h.waitTerminal(ctx, sessionID, timeout)
	result.Seconds = time.Since(start).Seconds()
	if err != nil {
		result.Failures = append(result.Failures, err.Error())
		return result
	}
	result.State = run.TerminalState
	if h.calls != nil {
		result.Calls = h.calls.Snapshot(sessionID)
	}

	result.Failures = append(result.Failures, checkCase(c, run)...)
	result.Passed = len(result.Failures) == 0
	return result
}

// waitTerminal polls the run until it reaches a terminal state or the case
// times out.
func (h *Harness) waitTerminal(ctx context.Context, sessionID string, timeout time.Duration) (*protocol.Run, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		run, err := h.runner.GetStatus(sessionID)
		if err != nil {
			return nil, fmt.Errorf("status: %w", err)
		}
		if run.Terminal() {
			return run, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("case did not finish within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// checkCase evaluates constraints and expectations against a finished run.
func checkCase(c Case, run *protocol.Run) []string {
	var failures []string

	wantState := c.Expected.State
	if wantState == "" {
		wantState = protocol.TerminalCompleted
	}
	if run.TerminalState != wantState {
		failures = append(failures, fmt.Sprintf("state %q, want %q (cause: %s)", run.TerminalState, wantState, run.FailureCause))
		return failures
	}
	if wantState != protocol.TerminalCompleted {
		// For failure cases the terminal state is the whole expectation.
		return failures
	}

	paper, _ := run.StepResults[protocol.StepReading]["paper_content"].(map[string]any)
	critiqueData := run.StepResults[protocol.StepCritiquing]
	review := run.FinalResult()

	if c.Constraints.MustExtractTitle {
		if title, _ := paper["title"].(string); title == "" || title == "Unknown Title" {
			failures = append(failures, "no title extracted")
		}
	}
	if c.Constraints.MustExtractAbstract {
		if abstract, _ := paper["abstract"].(string); abstract == "" || abstract == "Abstract not found" {
			failures = append(failures, "no abstract extracted")
		}
	}
	if c.Constraints.MustHaveCritique {
		if _, ok := critiqueData["critique"].(map[string]any); !ok {
			failures = append(failures, "no critique produced")
		}
	}
	if c.Constraints.MustHaveELI5 {
		if eli5, _ := review["eli5_summary"].(string); eli5 == "" {
			failures = append(failures, "no eli5 summary produced")
		}
	}

	if c.Expected.MinReferences > 0 {
		refs, _ := paper["references"].([]any)
		if len(refs) < c.Expected.MinReferences {
			failures = append(failures, fmt.Sprintf("%d references extracted, want at least %d", len(refs), c.Expected.MinReferences))
		}
	}
	if c.Expected.MinRelatedPapers > 0 {
		related, _ := run.StepResults[protocol.StepCiting]["related_papers"].([]any)
		if len(related) < c.Expected.MinRelatedPapers {
			failures = append(failures, fmt.Sprintf("%d related papers, want at least %d", len(related), c.Expected.MinRelatedPapers))
		}
	}
	if c.Expected.MinScore > 0 {
		if critique, ok := critiqueData["critique"].(map[string]any); ok {
			for _, field := range []string{"methodology_score", "clarity_score"} {
				if score, ok := critique[field].(float64); ok && score < c.Expected.MinScore {
					failures = append(failures, fmt.Sprintf("%s %.1f below %.1f", field, score, c.Expected.MinScore))
				}
			}
		}
	}
	if c.Expected.MaxErrors >= 0 && len(run.Errors) > c.Expected.MaxErrors {
		failures = append(failures, fmt.Sprintf("%d errors recorded, want at most %d", len(run.Errors), c.Expected.MaxErrors))
	}

	return failures
}

// WriteReport writes the report as indented JSON to path, or stdout when
// path is "-".
func WriteReport(report Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("eval: encode report: %w", err)
	}
	data = append(data, '\n')
	if path == "-" || path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("eval: write report: %w", err)
	}
	return nil
}
