package protocol

import (
	"encoding/json"
	"fmt"
)

// Actions scoped per receiver. Each concrete agent implements exactly one
// action family; the orchestrator only depends on the declared shapes below.
const (
	ActionExtract = "extract"
	ActionAnalyze = "analyze"
	ActionCite    = "cite"
	ActionReview  = "review"
)

// ActionFor returns the single action an agent accepts.
func ActionFor(agent AgentName) (string, bool) {
	switch agent {
	case AgentReader:
		return ActionExtract, true
	case AgentCritic:
		return ActionAnalyze, true
	case AgentCite:
		return ActionCite, true
	case AgentMetaReviewer:
		return ActionReview, true
	}
	return "", false
}

// ContractViolationError reports a payload that does not match its agent's
// declared shape.
type ContractViolationError struct {
	Agent  AgentName
	Reason string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("contract violation (%s): %s", e.Agent, e.Reason)
}

// Section is one structural unit of an extracted paper.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// PaperContent is the reader agent's output shape.
type PaperContent struct {
	Title      string    `json:"title"`
	Abstract   string    `json:"abstract"`
	Sections   []Section `json:"sections"`
	References []string  `json:"references"`
}

// Critique is the critic agent's output shape. DetailedScores and
// Recommendations go beyond the minimum contract and are passed through
// untouched by the orchestrator.
type Critique struct {
	Strengths        []string           `json:"strengths"`
	Weaknesses       []string           `json:"weaknesses"`
	MethodologyScore float64            `json:"methodology_score"`
	ClarityScore     float64            `json:"clarity_score"`
	DetailedScores   map[string]float64 `json:"detailed_scores,omitempty"`
	Recommendations  []string           `json:"recommendations,omitempty"`
}

// RelatedPaper is one entry in the cite agent's related-papers list.
type RelatedPaper struct {
	Title           string   `json:"title"`
	SimilarityScore float64  `json:"similarity_score"`
	SharedTopics    []string `json:"shared_topics,omitempty"`
	Reason          string   `json:"reason,omitempty"`
}

// CitationValidity records the parse outcome for a single reference string.
type CitationValidity struct {
	Reference string `json:"reference"`
	HasYear   bool   `json:"has_year"`
	Year      int    `json:"year,omitempty"`
	Plausible bool   `json:"plausible"`
}

// Review is the meta-reviewer agent's output shape.
type Review struct {
	ComprehensiveReview string  `json:"comprehensive_review"`
	ELI5Summary         string  `json:"eli5_summary"`
	Recommendation      string  `json:"recommendation,omitempty"`
	Confidence          float64 `json:"confidence,omitempty"`
}

// ValidateRequest checks that a request envelope carries the action its
// receiver accepts and the data fields that action requires.
func ValidateRequest(env Envelope) error {
	action, ok := ActionFor(env.Receiver)
	if !ok {
		return &ContractViolationError{Agent: env.Receiver, Reason: fmt.Sprintf("agent %q accepts no requests", env.Receiver)}
	}
	if env.Payload.Action != action {
		return &ContractViolationError{
			Agent:  env.Receiver,
			Reason: fmt.Sprintf("action %q not accepted (expected %q)", env.Payload.Action, action),
		}
	}
	data := env.Payload.Data
	switch env.Receiver {
	case AgentReader:
		if _, ok := data["pdf_path"].(string); !ok {
			return &ContractViolationError{Agent: env.Receiver, Reason: "extract request missing pdf_path"}
		}
	case AgentCritic:
		if _, ok := data["paper_content"].(map[string]any); !ok {
			return &ContractViolationError{Agent: env.Receiver, Reason: "analyze request missing paper_content"}
		}
	case AgentCite:
		if _, ok := data["title"].(string); !ok {
			return &ContractViolationError{Agent: env.Receiver, Reason: "cite request missing title"}
		}
	case AgentMetaReviewer:
		if _, ok := data["paper_content"].(map[string]any); !ok {
			return &ContractViolationError{Agent: env.Receiver, Reason: "review request missing paper_content"}
		}
		if _, ok := data["critique"].(map[string]any); !ok {
			return &ContractViolationError{Agent: env.Receiver, Reason: "review request missing critique"}
		}
	}
	return nil
}

// ValidateResponse checks a response payload against the sending agent's
// declared output shape. Extra fields are allowed; missing or mistyped
// required fields are contract violations.
func ValidateResponse(agent AgentName, p Payload) error {
	data := p.Data
	switch agent {
	case AgentReader:
		pc, ok := data["paper_content"].(map[string]any)
		if !ok {
			return &ContractViolationError{Agent: agent, Reason: "response missing paper_content"}
		}
		if _, ok := pc["title"].(string); !ok {
			return &ContractViolationError{Agent: agent, Reason: "paper_content missing title"}
		}
		if _, ok := pc["abstract"].(string); !ok {
			return &ContractViolationError{Agent: agent, Reason: "paper_content missing abstract"}
		}
		if !isArray(pc["sections"]) {
			return &ContractViolationError{Agent: agent, Reason: "paper_content.sections is not a list"}
		}
		if !isArray(pc["references"]) {
			return &ContractViolationError{Agent: agent, Reason: "paper_content.references is not a list"}
		}
	case AgentCritic:
		cr, ok := data["critique"].(map[string]any)
		if !ok {
			return &ContractViolationError{Agent: agent, Reason: "response missing critique"}
		}
		if !isArray(cr["strengths"]) || !isArray(cr["weaknesses"]) {
			return &ContractViolationError{Agent: agent, Reason: "critique missing strengths/weaknesses lists"}
		}
		for _, field := range []string{"methodology_score", "clarity_score"} {
			score, ok := asNumber(cr[field])
			if !ok {
				return &ContractViolationError{Agent: agent, Reason: "critique missing " + field}
			}
			if score < 0 || score > 10 {
				return &ContractViolationError{Agent: agent, Reason: fmt.Sprintf("critique %s %.1f out of range 0-10", field, score)}
			}
		}
	case AgentCite:
		if !isArray(data["related_papers"]) {
			return &ContractViolationError{Agent: agent, Reason: "response missing related_papers"}
		}
		if !isArray(data["citation_validity"]) {
			return &ContractViolationError{Agent: agent, Reason: "response missing citation_validity"}
		}
	case AgentMetaReviewer:
		if _, ok := data["comprehensive_review"].(string); !ok {
			return &ContractViolationError{Agent: agent, Reason: "response missing comprehensive_review"}
		}
		if _, ok := data["eli5_summary"].(string); !ok {
			return &ContractViolationError{Agent: agent, Reason: "response missing eli5_summary"}
		}
	default:
		return &ContractViolationError{Agent: agent, Reason: fmt.Sprintf("agent %q declares no response shape", agent)}
	}
	return nil
}

// DecodePaperContent converts a generic data map into the typed reader shape.
func DecodePaperContent(data map[string]any) (*PaperContent, error) {
	var pc PaperContent
	if err := remap(data, &pc); err != nil {
		return nil, fmt.Errorf("protocol: decode paper_content: %w", err)
	}
	return &pc, nil
}

// DecodeCritique converts a generic data map into the typed critic shape.
func DecodeCritique(data map[string]any) (*Critique, error) {
	var cr Critique
	if err := remap(data, &cr); err != nil {
		return nil, fmt.Errorf("protocol: decode critique: %w", err)
	}
	return &cr, nil
}

// ToMap converts a typed payload struct back into the generic wire form.
func ToMap(v any) map[string]any {
	raw, err := json.Marshal(v)
	if err != nil {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{}
	}
	return m
}

func remap(data map[string]any, dst any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
