package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/revued-io/revued/pkg/protocol"
)

// Critic scores a paper on methodology, clarity, novelty, and
// reproducibility using keyword and structure heuristics, and derives
// strengths, weaknesses, and recommendations from the scores.
type Critic struct{}

// NewCritic creates a critic agent.
func NewCritic() *Critic { return &Critic{} }

func (c *Critic) Name() protocol.AgentName { return protocol.AgentCritic }

func (c *Critic) Process(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	if req.Payload.Action != protocol.ActionAnalyze {
		return badAction(req, c.Name())
	}

	raw, ok := req.Payload.Data["paper_content"].(map[string]any)
	if !ok {
		return errorf(req, c.Name(), "analyze request missing paper_content")
	}
	paper, err := protocol.DecodePaperContent(raw)
	if err != nil {
		return errorf(req, c.Name(), "%v", err)
	}

	scores := map[string]float64{
		"novelty":         assessNovelty(paper),
		"methodology":     assessMethodology(paper),
		"clarity":         assessClarity(paper),
		"reproducibility": assessReproducibility(paper),
	}

	var sum float64
	for _, category := range scoreOrder(scores) {
		sum += scores[category]
	}
	overall := sum / float64(len(scores))

	strengths := identifyStrengths(paper, scores)
	weaknesses := identifyWeaknesses(paper, scores)

	critique := map[string]any{
		"strengths":         strengths,
		"weaknesses":        weaknesses,
		"methodology_score": scores["methodology"],
		"clarity_score":     scores["clarity"],
		"overall_score":     overall,
		"detailed_scores":   scores,
		"recommendations":   recommend(weaknesses),
	}

	return protocol.NewResponse(req, c.Name(), map[string]any{
		"critique": critique,
	})
}

// --- scoring heuristics, each clamped to 0-10 ---

func assessNovelty(p *protocol.PaperContent) float64 {
	score := 5.0
	text := strings.ToLower(p.Title + " " + p.Abstract)
	keywords := []string{"novel", "new", "first", "innovative", "breakthrough", "unprecedented", "unique", "original"}
	var hits float64
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			hits++
		}
	}
	score += clamp(hits*0.5, 3.0)
	return clamp(score, 10.0)
}

func assessMethodology(p *protocol.PaperContent) float64 {
	score := 5.0
	for _, s := range p.Sections {
		h := strings.ToLower(s.Heading)
		if strings.Contains(h, "method") || strings.Contains(h, "approach") || strings.Contains(h, "experiment") {
			score += 2.0
			break
		}
	}
	body := sectionText(p)
	indicators := []string{"baseline", "benchmark", "evaluation", "metrics", "dataset", "validation", "cross-validation"}
	var hits float64
	for _, ind := range indicators {
		if strings.Contains(body, ind) {
			hits++
		}
	}
	score += clamp(hits*0.3, 2.0)
	return clamp(score, 10.0)
}

func assessClarity(p *protocol.PaperContent) float64 {
	score := 5.0
	abstractWords := len(strings.Fields(p.Abstract))
	if abstractWords >= 100 && abstractWords <= 300 {
		score += 1.5
	}
	if len(p.Sections) >= 4 {
		score += 1.5
	}
	standard := []string{"introduction", "method", "result", "conclusion", "discussion"}
	var hits float64
	for _, std := range standard {
		for _, s := range p.Sections {
			if strings.Contains(strings.ToLower(s.Heading), std) {
				hits++
				break
			}
		}
	}
	score += clamp(hits*0.4, 2.0)
	return clamp(score, 10.0)
}

func assessReproducibility(p *protocol.PaperContent) float64 {
	score := 4.0
	body := sectionText(p)
	repro := []string{"code", "github", "implementation", "hyperparameter", "dataset", "open source", "available", "repository"}
	var hits float64
	for _, kw := range repro {
		if strings.Contains(body, kw) {
			hits++
		}
	}
	score += clamp(hits*0.5, 4.0)
	detail := []string{"architecture", "configuration", "parameter", "setting"}
	hits = 0
	for _, kw := range detail {
		if strings.Contains(body, kw) {
			hits++
		}
	}
	score += clamp(hits*0.3, 2.0)
	return clamp(score, 10.0)
}

func identifyStrengths(p *protocol.PaperContent, scores map[string]float64) []any {
	var strengths []any
	for _, category := range scoreOrder(scores) {
		if scores[category] >= 7.5 {
			strengths = append(strengths, fmt.Sprintf("Strong %s: well-executed and clearly presented", category))
		}
	}
	if len(p.References) > 30 {
		strengths = append(strengths, "Comprehensive literature review with extensive citations")
	}
	if len(p.Sections) > 6 {
		strengths = append(strengths, "Well-structured paper with detailed sections")
	}
	if len(strings.Fields(p.Abstract)) > 150 {
		strengths = append(strengths, "Detailed abstract providing good overview")
	}
	if len(strengths) == 0 {
		strengths = append(strengths, "Clear research question")
	}
	return strengths
}

func identifyWeaknesses(p *protocol.PaperContent, scores map[string]float64) []any {
	var weaknesses []any
	for _, category := range scoreOrder(scores) {
		if scores[category] < 5.0 {
			weaknesses = append(weaknesses, fmt.Sprintf("Weak %s: needs improvement", category))
		}
	}
	if len(p.References) < 10 {
		weaknesses = append(weaknesses, "Limited references - needs more literature review")
	}
	if len(p.Sections) < 4 {
		weaknesses = append(weaknesses, "Limited section structure - could be more detailed")
	}
	hasResults := false
	for _, s := range p.Sections {
		if strings.Contains(strings.ToLower(s.Heading), "result") {
			hasResults = true
			break
		}
	}
	if !hasResults {
		weaknesses = append(weaknesses, "No clear results section identified")
	}
	if len(weaknesses) == 0 {
		weaknesses = append(weaknesses, "Minor presentation improvements needed")
	}
	return weaknesses
}

func recommend(weaknesses []any) []any {
	joined := strings.ToLower(fmt.Sprint(weaknesses...))
	var recs []any
	if strings.Contains(joined, "literature review") {
		recs = append(recs, "Expand literature review to include more recent work")
	}
	if strings.Contains(joined, "result") {
		recs = append(recs, "Add dedicated results section with clear presentation")
	}
	if strings.Contains(joined, "reproducibility") {
		recs = append(recs, "Include implementation details and code availability")
	}
	if len(recs) == 0 {
		recs = append(recs,
			"Consider adding more ablation studies",
			"Expand discussion of limitations")
	}
	return recs
}

func sectionText(p *protocol.PaperContent) string {
	var b strings.Builder
	for _, s := range p.Sections {
		b.WriteString(s.Content)
		b.WriteByte(' ')
	}
	return strings.ToLower(b.String())
}

// scoreOrder returns the score categories in a stable order so repeated
// analyses of the same paper produce identical output.
func scoreOrder(scores map[string]float64) []string {
	fixed := []string{"novelty", "methodology", "clarity", "reproducibility"}
	var order []string
	for _, c := range fixed {
		if _, ok := scores[c]; ok {
			order = append(order, c)
		}
	}
	return order
}

func clamp(v, max float64) float64 {
	if v > max {
		return max
	}
	return v
}
