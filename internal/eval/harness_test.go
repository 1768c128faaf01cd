package eval

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/revued-io/revued/pkg/protocol"
)

// fakeRunner hands out pre-terminal runs keyed by input_ref.
type fakeRunner struct {
	runs map[string]*protocol.Run
	next int
}

func (f *fakeRunner) Start(ctx context.Context, paperID, inputRef string) (string, error) {
	run, ok := f.runs[inputRef]
	if !ok {
		return "", fmt.Errorf("no scripted run for %q", inputRef)
	}
	f.next++
	id := fmt.Sprintf("s%d", f.next)
	run.SessionID = id
	f.runs[id] = run
	return id, nil
}

func (f *fakeRunner) GetStatus(sessionID string) (*protocol.Run, error) {
	run, ok := f.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("unknown session %q", sessionID)
	}
	return run, nil
}

func completedRun() *protocol.Run {
	run := protocol.NewRun("", "p1", "good.txt")
	run.TerminalState = protocol.TerminalCompleted
	run.StepResults[protocol.StepReading] = map[string]any{
		"paper_content": map[string]any{
			"title":      "A Real Title",
			"abstract":   "A real abstract with substance.",
			"references": []any{"ref one that is long enough", "ref two that is long enough"},
		},
	}
	run.StepResults[protocol.StepCritiquing] = map[string]any{
		"critique": map[string]any{
			"methodology_score": 7.0,
			"clarity_score":     6.5,
		},
	}
	run.StepResults[protocol.StepCiting] = map[string]any{
		"related_papers": []any{map[string]any{"title": "Related"}},
	}
	run.StepResults[protocol.StepSynthesizing] = map[string]any{
		"comprehensive_review": "# Detailed Review",
		"eli5_summary":         "Plain words.",
	}
	return run
}

func allConstraints() Constraints {
	return Constraints{
		MustExtractTitle:    true,
		MustExtractAbstract: true,
		MustHaveCritique:    true,
		MustHaveELI5:        true,
	}
}

func TestRunPassingCase(t *testing.T) {
	runner := &fakeRunner{runs: map[string]*protocol.Run{"good.txt": completedRun()}}
	h := New(runner, nil, nil)

	report := h.Run(context.Background(), []Case{{
		Name:        "full-pipeline",
		InputRef:    "good.txt",
		Constraints: allConstraints(),
		Expected: Expected{
			MinReferences:    2,
			MinRelatedPapers: 1,
			MinScore:         6.0,
			MaxErrors:        0,
		},
	}})

	if report.Total != 1 || report.Passed != 1 {
		t.Fatalf("expected 1/1 passed, got %d/%d: %+v", report.Passed, report.Total, report.Results)
	}
	if report.SuccessRate != 1.0 {
		t.Errorf("success rate %.2f", report.SuccessRate)
	}
	if report.Results[0].State != protocol.TerminalCompleted {
		t.Errorf("result state %q", report.Results[0].State)
	}
}

func TestRunConstraintFailures(t *testing.T) {
	run := completedRun()
	run.StepResults[protocol.StepReading] = map[string]any{
		"paper_content": map[string]any{
			"title":      "Unknown Title",
			"abstract":   "Abstract not found",
			"references": []any{},
		},
	}
	run.Errors = []string{"reading attempt 1: timeout"}
	runner := &fakeRunner{runs: map[string]*protocol.Run{"bad.txt": run}}
	h := New(runner, nil, nil)

	report := h.Run(context.Background(), []Case{{
		Name:        "degraded-extraction",
		InputRef:    "bad.txt",
		Constraints: allConstraints(),
		Expected:    Expected{MinReferences: 1, MaxErrors: 0},
	}})

	if report.Passed != 0 {
		t.Fatal("case with failed constraints must not pass")
	}
	failures := strings.Join(report.Results[0].Failures, "; ")
	for _, want := range []string{"no title extracted", "no abstract extracted", "references extracted", "errors recorded"} {
		if !strings.Contains(failures, want) {
			t.Errorf("failures missing %q: %s", want, failures)
		}
	}
}

func TestRunExpectedFailureState(t *testing.T) {
	run := protocol.NewRun("", "p1", "broken.txt")
	run.TerminalState = protocol.TerminalFailed
	run.FailedStep = protocol.StepReading
	runner := &fakeRunner{runs: map[string]*protocol.Run{"broken.txt": run}}
	h := New(runner, nil, nil)

	report := h.Run(context.Background(), []Case{{
		Name:     "expected-failure",
		InputRef: "broken.txt",
		Expected: Expected{State: protocol.TerminalFailed, MaxErrors: -1},
	}})
	if report.Passed != 1 {
		t.Errorf("a run failing as expected should pass: %+v", report.Results[0].Failures)
	}
}

func TestRunWrongTerminalState(t *testing.T) {
	run := protocol.NewRun("", "p1", "a.txt")
	run.TerminalState = protocol.TerminalFailed
	run.FailureCause = "reading failed: timeout"
	runner := &fakeRunner{runs: map[string]*protocol.Run{"a.txt": run}}
	h := New(runner, nil, nil)

	report := h.Run(context.Background(), []Case{{Name: "should-complete", InputRef: "a.txt"}})
	if report.Passed != 0 {
		t.Fatal("failed run must not pass a default-state case")
	}
	if !strings.Contains(report.Results[0].Failures[0], "reading failed: timeout") {
		t.Errorf("failure cause not surfaced: %v", report.Results[0].Failures)
	}
}

func TestRunStartError(t *testing.T) {
	runner := &fakeRunner{runs: map[string]*protocol.Run{}}
	h := New(runner, nil, nil)

	report := h.Run(context.Background(), []Case{{Name: "unstartable", InputRef: "missing.txt"}})
	if report.Passed != 0 || report.Total != 1 {
		t.Errorf("unstartable case must fail: %+v", report)
	}
}

func TestLoadCases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.json")
	content := `[
		{"name": "one", "input_ref": "a.txt", "constraints": {"must_have_eli5": true}},
		{"name": "two", "input_ref": "b.txt", "expected": {"state": "failed", "max_errors": -1}}
	]`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write cases: %v", err)
	}

	cases, err := LoadCases(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cases) != 2 {
		t.Fatalf("expected 2 cases, got %d", len(cases))
	}
	if !cases[0].Constraints.MustHaveELI5 {
		t.Error("constraints not decoded")
	}
	if cases[1].Expected.State != protocol.TerminalFailed || cases[1].Expected.MaxErrors != -1 {
		t.Errorf("expectations not decoded: %+v", cases[1].Expected)
	}
}

func TestLoadCasesValidation(t *testing.T) {
	dir := t.TempDir()

	noName := filepath.Join(dir, "noname.json")
	os.WriteFile(noName, []byte(`[{"input_ref": "a.txt"}]`), 0o644)
	if _, err := LoadCases(noName); err == nil || !strings.Contains(err.Error(), "missing name") {
		t.Errorf("expected missing-name error, got %v", err)
	}

	noRef := filepath.Join(dir, "noref.json")
	os.WriteFile(noRef, []byte(`[{"name": "x"}]`), 0o644)
	if _, err := LoadCases(noRef); err == nil || !strings.Contains(err.Error(), "missing input_ref") {
		t.Errorf("expected missing-input_ref error, got %v", err)
	}
}

func TestWriteReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	report := Report{Total: 2, Passed: 1, SuccessRate: 0.5}
	if err := WriteReport(report, path); err != nil {
		t.Fatalf("write: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), `"success_rate": 0.5`) {
		t.Errorf("unexpected report content: %s", data)
	}
}
