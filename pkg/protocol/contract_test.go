package protocol

import (
	"errors"
	"testing"
)

func validReaderResponse() map[string]any {
	return map[string]any{
		"paper_content": map[string]any{
			"title":      "A Study of Things",
			"abstract":   "We study things.",
			"sections":   []any{},
			"references": []any{},
		},
	}
}

func validCritiqueResponse() map[string]any {
	return map[string]any{
		"critique": map[string]any{
			"strengths":         []any{"clear"},
			"weaknesses":        []any{"short"},
			"methodology_score": 7.0,
			"clarity_score":     8.0,
		},
	}
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name     string
		receiver AgentName
		action   string
		data     map[string]any
		wantErr  bool
	}{
		{"extract ok", AgentReader, ActionExtract, map[string]any{"pdf_path": "p.txt"}, false},
		{"extract missing pdf_path", AgentReader, ActionExtract, map[string]any{}, true},
		{"wrong action for reader", AgentReader, ActionAnalyze, map[string]any{"pdf_path": "p"}, true},
		{"analyze ok", AgentCritic, ActionAnalyze, map[string]any{"paper_content": map[string]any{}}, false},
		{"analyze missing paper_content", AgentCritic, ActionAnalyze, map[string]any{}, true},
		{"cite ok", AgentCite, ActionCite, map[string]any{"title": "T"}, false},
		{"cite missing title", AgentCite, ActionCite, map[string]any{"references": []any{}}, true},
		{"review ok", AgentMetaReviewer, ActionReview, map[string]any{
			"paper_content": map[string]any{}, "critique": map[string]any{},
		}, false},
		{"review missing critique", AgentMetaReviewer, ActionReview, map[string]any{
			"paper_content": map[string]any{},
		}, true},
		{"orchestrator accepts nothing", AgentOrchestrator, ActionExtract, map[string]any{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := NewRequest(AgentOrchestrator, tt.receiver, tt.action, tt.data, Context{SessionID: "s"})
			err := ValidateRequest(env)
			if tt.wantErr && err == nil {
				t.Error("expected contract violation")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if tt.wantErr {
				var cv *ContractViolationError
				if !errors.As(err, &cv) {
					t.Errorf("expected ContractViolationError, got %T", err)
				}
			}
		})
	}
}

func TestValidateResponse_Reader(t *testing.T) {
	if err := ValidateResponse(AgentReader, Payload{Data: validReaderResponse()}); err != nil {
		t.Errorf("valid response rejected: %v", err)
	}

	missing := validReaderResponse()
	delete(missing["paper_content"].(map[string]any), "abstract")
	if err := ValidateResponse(AgentReader, Payload{Data: missing}); err == nil {
		t.Error("expected violation for missing abstract")
	}

	if err := ValidateResponse(AgentReader, Payload{Data: map[string]any{}}); err == nil {
		t.Error("expected violation for missing paper_content")
	}
}

func TestValidateResponse_CriticScoreRange(t *testing.T) {
	if err := ValidateResponse(AgentCritic, Payload{Data: validCritiqueResponse()}); err != nil {
		t.Errorf("valid critique rejected: %v", err)
	}

	for _, bad := range []float64{-1, 10.5, 42} {
		data := validCritiqueResponse()
		data["critique"].(map[string]any)["methodology_score"] = bad
		if err := ValidateResponse(AgentCritic, Payload{Data: data}); err == nil {
			t.Errorf("score %v should be out of range", bad)
		}
	}

	data := validCritiqueResponse()
	delete(data["critique"].(map[string]any), "clarity_score")
	if err := ValidateResponse(AgentCritic, Payload{Data: data}); err == nil {
		t.Error("expected violation for missing clarity_score")
	}
}

func TestValidateResponse_Cite(t *testing.T) {
	data := map[string]any{
		"related_papers":    []any{},
		"citation_validity": []any{},
	}
	if err := ValidateResponse(AgentCite, Payload{Data: data}); err != nil {
		t.Errorf("valid cite response rejected: %v", err)
	}
	if err := ValidateResponse(AgentCite, Payload{Data: map[string]any{"related_papers": []any{}}}); err == nil {
		t.Error("expected violation for missing citation_validity")
	}
}

func TestValidateResponse_MetaReviewer(t *testing.T) {
	data := map[string]any{
		"comprehensive_review": "long text",
		"eli5_summary":         "short text",
	}
	if err := ValidateResponse(AgentMetaReviewer, Payload{Data: data}); err != nil {
		t.Errorf("valid review rejected: %v", err)
	}
	if err := ValidateResponse(AgentMetaReviewer, Payload{Data: map[string]any{"comprehensive_review": "x"}}); err == nil {
		t.Error("expected violation for missing eli5_summary")
	}
}

func TestDecodePaperContent(t *testing.T) {
	pc, err := DecodePaperContent(map[string]any{
		"title":    "T",
		"abstract": "A",
		"sections": []any{
			map[string]any{"heading": "Introduction", "content": "..."},
		},
		"references": []any{"Smith et al. 2020"},
	})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pc.Title != "T" || len(pc.Sections) != 1 || pc.Sections[0].Heading != "Introduction" {
		t.Errorf("unexpected decode result: %+v", pc)
	}
}

func TestRunStepLifecycle(t *testing.T) {
	run := NewRun("s1", "p1", "paper.txt")
	if run.Terminal() {
		t.Error("fresh run must not be terminal")
	}
	for _, step := range Steps {
		if run.StepStatus[step] != StepPending {
			t.Errorf("step %s should start pending", step)
		}
	}

	run.TerminalState = TerminalCompleted
	if !run.Terminal() {
		t.Error("completed run must be terminal")
	}
}

func TestRunClone(t *testing.T) {
	run := NewRun("s1", "p1", "paper.txt")
	run.StepResults[StepReading] = map[string]any{"paper_content": map[string]any{}}

	cp := run.Clone()
	cp.StepStatus[StepReading] = StepSucceeded
	cp.Errors = append(cp.Errors, "boom")

	if run.StepStatus[StepReading] != StepPending {
		t.Error("clone mutation leaked into original step status")
	}
	if len(run.Errors) != 0 {
		t.Error("clone mutation leaked into original errors")
	}
}
