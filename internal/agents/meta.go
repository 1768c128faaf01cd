package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/revued-io/revued/pkg/protocol"
)

// MetaReviewer synthesizes the extraction, critique, and citation results
// into the final review: a structured comprehensive review, a plain-language
// summary, and a publication recommendation.
type MetaReviewer struct{}

// NewMetaReviewer creates a meta-reviewer agent.
func NewMetaReviewer() *MetaReviewer { return &MetaReviewer{} }

func (m *MetaReviewer) Name() protocol.AgentName { return protocol.AgentMetaReviewer }

func (m *MetaReviewer) Process(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	if req.Payload.Action != protocol.ActionReview {
		return badAction(req, m.Name())
	}

	paperRaw, ok := req.Payload.Data["paper_content"].(map[string]any)
	if !ok {
		return errorf(req, m.Name(), "review request missing paper_content")
	}
	critiqueRaw, ok := req.Payload.Data["critique"].(map[string]any)
	if !ok {
		return errorf(req, m.Name(), "review request missing critique")
	}
	paper, err := protocol.DecodePaperContent(paperRaw)
	if err != nil {
		return errorf(req, m.Name(), "%v", err)
	}
	critique, err := protocol.DecodeCritique(critiqueRaw)
	if err != nil {
		return errorf(req, m.Name(), "%v", err)
	}

	related, _ := req.Payload.Data["related_papers"].([]any)
	citationsUnavailable, _ := req.Payload.Data["citations_unavailable"].(bool)

	overall := overallScore(critique)

	return protocol.NewResponse(req, m.Name(), map[string]any{
		"comprehensive_review":  comprehensiveReview(paper, critique, related, citationsUnavailable, overall),
		"eli5_summary":          eli5Summary(paper, critique, overall),
		"key_takeaways":         keyTakeaways(paper, critique, overall),
		"recommendation":        recommendation(overall),
		"confidence":            confidence(critique),
		"citations_unavailable": citationsUnavailable,
	})
}

// overallScore averages the detailed scores when the critic supplied them,
// falling back to the two contract-required scores.
func overallScore(c *protocol.Critique) float64 {
	if len(c.DetailedScores) > 0 {
		var sum float64
		for _, s := range c.DetailedScores {
			sum += s
		}
		return sum / float64(len(c.DetailedScores))
	}
	return (c.MethodologyScore + c.ClarityScore) / 2
}

func comprehensiveReview(p *protocol.PaperContent, c *protocol.Critique, related []any, citationsUnavailable bool, overall float64) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Detailed Review: %s\n\n", p.Title)

	b.WriteString("## Overview\n")
	abstract := p.Abstract
	if len(abstract) > 500 {
		abstract = abstract[:500] + "..."
	}
	b.WriteString(abstract + "\n\n")

	b.WriteString("## Assessment Scores\n")
	fmt.Fprintf(&b, "- **Overall**: %.1f/10\n", overall)
	fmt.Fprintf(&b, "- **Methodology**: %.1f/10\n", c.MethodologyScore)
	fmt.Fprintf(&b, "- **Clarity**: %.1f/10\n", c.ClarityScore)
	for _, category := range []string{"Novelty", "Reproducibility"} {
		if s, ok := c.DetailedScores[strings.ToLower(category)]; ok {
			fmt.Fprintf(&b, "- **%s**: %.1f/10\n", category, s)
		}
	}
	b.WriteString("\n")

	b.WriteString("## Strengths\n")
	for i, s := range c.Strengths {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\n## Weaknesses\n")
	for i, w := range c.Weaknesses {
		fmt.Fprintf(&b, "%d. %s\n", i+1, w)
	}

	if len(c.Recommendations) > 0 {
		b.WriteString("\n## Recommendations for Improvement\n")
		for i, r := range c.Recommendations {
			fmt.Fprintf(&b, "%d. %s\n", i+1, r)
		}
	}

	b.WriteString("\n## Related Work\n")
	switch {
	case citationsUnavailable:
		b.WriteString("Citation analysis was unavailable for this review.\n")
	case len(related) == 0:
		b.WriteString("No closely related work was identified.\n")
	default:
		for i, r := range related {
			if i == 3 {
				break
			}
			rp, _ := r.(map[string]any)
			title, _ := rp["title"].(string)
			score, _ := rp["similarity_score"].(float64)
			fmt.Fprintf(&b, "- %s (Similarity: %.2f)\n", title, score)
		}
	}

	return b.String()
}

func eli5Summary(p *protocol.PaperContent, c *protocol.Critique, overall float64) string {
	var b strings.Builder

	shortTitle := p.Title
	if idx := strings.Index(shortTitle, ":"); idx > 0 {
		shortTitle = shortTitle[:idx]
	}

	b.WriteString("**What is this paper about?**\n")
	fmt.Fprintf(&b, "Imagine you're trying to solve a puzzle. %s is like finding a new way to put the pieces together.\n\n", shortTitle)

	b.WriteString("**What did they do?**\n")
	b.WriteString("The researchers looked at a problem and tried a new approach to solve it. They tested their idea and checked if it worked better than previous methods.\n\n")

	b.WriteString("**Why does it matter?**\n")
	switch {
	case overall >= 7:
		b.WriteString("This work is important because it shows a new way to tackle this problem that works really well!\n")
	case overall >= 5:
		b.WriteString("This work adds to our understanding of the problem, though there's still room for improvement.\n")
	default:
		b.WriteString("This work explores an interesting idea, but needs more development to be really useful.\n")
	}

	b.WriteString("\n**The bottom line:**\n")
	if len(c.Strengths) > 0 {
		fmt.Fprintf(&b, "The main good thing: %s\n", c.Strengths[0])
	}
	if len(c.Weaknesses) > 0 {
		fmt.Fprintf(&b, "Something to improve: %s\n", c.Weaknesses[0])
	}

	return b.String()
}

func keyTakeaways(p *protocol.PaperContent, c *protocol.Critique, overall float64) []any {
	takeaways := []any{}
	if p.Title != "" {
		takeaways = append(takeaways, "Main focus: "+p.Title)
	}
	if len(c.Strengths) > 0 {
		takeaways = append(takeaways, "Key strength: "+c.Strengths[0])
	}
	if len(c.Weaknesses) > 0 {
		takeaways = append(takeaways, "Area for improvement: "+c.Weaknesses[0])
	}
	quality := "Needs work"
	switch {
	case overall >= 8:
		quality = "Excellent"
	case overall >= 6:
		quality = "Good"
	case overall >= 4:
		quality = "Fair"
	}
	takeaways = append(takeaways, fmt.Sprintf("Overall quality: %.1f/10 - %s", overall, quality))
	if len(takeaways) > 5 {
		takeaways = takeaways[:5]
	}
	return takeaways
}

func recommendation(overall float64) string {
	switch {
	case overall >= 7.5:
		return "Accept - Strong contribution with minor revisions"
	case overall >= 6.0:
		return "Weak Accept - Good work but needs improvements"
	case overall >= 4.5:
		return "Major Revisions - Significant improvements needed"
	default:
		return "Reject - Does not meet publication standards"
	}
}

// confidence is higher when the critic's scores agree with each other and
// when more dimensions were scored.
func confidence(c *protocol.Critique) float64 {
	scores := make([]float64, 0, len(c.DetailedScores))
	for _, s := range c.DetailedScores {
		scores = append(scores, s)
	}
	if len(scores) == 0 {
		scores = []float64{c.MethodologyScore, c.ClarityScore}
	}

	min, max := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < min {
			min = s
		}
		if s > max {
			max = s
		}
	}
	conf := 1.0 - (max-min)/10.0
	if len(scores) >= 4 {
		conf += 0.1
	}
	if conf > 1 {
		conf = 1
	}
	return conf
}
