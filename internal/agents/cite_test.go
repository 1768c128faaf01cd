package agents

import (
	"context"
	"strings"
	"testing"

	"github.com/revued-io/revued/pkg/protocol"
)

func citeRequest(title, abstract string, refs []any) protocol.Envelope {
	data := map[string]any{"title": title, "references": refs}
	if abstract != "" {
		data["abstract"] = abstract
	}
	return protocol.NewRequest(protocol.AgentOrchestrator, protocol.AgentCite, protocol.ActionCite,
		data, protocol.Context{PaperID: "p1", SessionID: "s1"})
}

func TestCiteReferenceValidity(t *testing.T) {
	refs := []any{
		"Smith, J. (2020). Deep Learning Methods for Modern Applications. NeurIPS.",
		"A reference with no publication year but plenty of text.",
		"Old one 1850",
	}
	c := NewCite()
	resp := c.Process(context.Background(), citeRequest("Deep Learning Survey", "", refs))
	if resp.MessageType != protocol.MessageResponse {
		t.Fatalf("expected response, got %s: %s", resp.MessageType, resp.Payload.Error)
	}
	if err := protocol.ValidateResponse(protocol.AgentCite, resp.Payload); err != nil {
		t.Fatalf("response violates contract: %v", err)
	}

	validity := resp.Payload.Data["citation_validity"].([]any)
	if len(validity) != 3 {
		t.Fatalf("expected 3 verdicts, got %d", len(validity))
	}

	first := validity[0].(map[string]any)
	if !first["has_year"].(bool) || first["year"].(int) != 2020 {
		t.Errorf("year not parsed: %v", first)
	}
	if !first["plausible"].(bool) {
		t.Errorf("well-formed reference judged implausible: %v", first)
	}

	second := validity[1].(map[string]any)
	if second["has_year"].(bool) {
		t.Errorf("reference without a year judged to have one: %v", second)
	}
	if second["plausible"].(bool) {
		t.Error("reference without a year cannot be plausible")
	}

	third := validity[2].(map[string]any)
	if third["plausible"].(bool) {
		t.Errorf("year outside the plausible range accepted: %v", third)
	}

	if count := resp.Payload.Data["citation_count"].(int); count != 3 {
		t.Errorf("expected citation_count 3, got %d", count)
	}
}

func TestCiteRelatedPapers(t *testing.T) {
	c := NewCite()
	resp := c.Process(context.Background(), citeRequest(
		"Attention Mechanisms for Neural Machine Translation",
		"We study transformer attention architectures for machine translation quality.",
		[]any{}))
	if resp.MessageType != protocol.MessageResponse {
		t.Fatalf("expected response, got %s: %s", resp.MessageType, resp.Payload.Error)
	}

	related := resp.Payload.Data["related_papers"].([]any)
	if len(related) == 0 {
		t.Fatal("no related papers for a transformer-flavored title")
	}

	var titles []string
	var prev = 2.0
	for _, r := range related {
		rp := r.(map[string]any)
		titles = append(titles, rp["title"].(string))
		score := rp["similarity_score"].(float64)
		if score <= 0 || score > 1 {
			t.Errorf("similarity %.3f out of range for %q", score, rp["title"])
		}
		if score > prev {
			t.Error("related papers not sorted by similarity")
		}
		prev = score
	}
	if !contains(titles, "Attention Is All You Need") {
		t.Errorf("expected the transformer paper among matches, got %v", titles)
	}
}

func TestCiteTopics(t *testing.T) {
	c := NewCite()
	resp := c.Process(context.Background(), citeRequest(
		"Deep Neural Network Training with Reinforcement Learning on Image Data",
		"A policy gradient agent learns visual recognition from reward signals.",
		[]any{}))

	topics := resp.Payload.Data["topics"].([]any)
	if len(topics) == 0 || len(topics) > 3 {
		t.Fatalf("expected 1-3 topics, got %v", topics)
	}
	found := false
	for _, topic := range topics {
		if topic == "Machine Learning" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected Machine Learning among topics, got %v", topics)
	}
}

func TestCiteLongReferenceTruncated(t *testing.T) {
	c := NewCite()
	long := strings.Repeat("x", 300) + " 2021"
	resp := c.Process(context.Background(), citeRequest("T is a title", "", []any{long}))

	validity := resp.Payload.Data["citation_validity"].([]any)
	verdict := validity[0].(map[string]any)
	if len(verdict["reference"].(string)) > 200 {
		t.Error("stored reference not truncated")
	}
	// Truncation must not affect the verdict
	if !verdict["has_year"].(bool) {
		t.Error("year lost to truncation")
	}
}

func TestCiteMissingTitle(t *testing.T) {
	c := NewCite()
	req := protocol.NewRequest(protocol.AgentOrchestrator, protocol.AgentCite, protocol.ActionCite,
		map[string]any{"references": []any{}}, protocol.Context{SessionID: "s1"})

	resp := c.Process(context.Background(), req)
	if resp.MessageType != protocol.MessageError {
		t.Fatalf("expected error envelope, got %s", resp.MessageType)
	}
	if !strings.Contains(resp.Payload.Error, "title") {
		t.Errorf("error should name the missing field: %q", resp.Payload.Error)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
