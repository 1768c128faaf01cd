package agents

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/revued-io/revued/pkg/protocol"
)

const maxRelatedPapers = 10

// Cite validates a paper's reference list and surfaces related work from a
// built-in index using keyword overlap. The index is deliberately small; it
// stands in for an external search backend and keeps the agent dependency
// free and deterministic.
type Cite struct {
	index []indexedPaper
}

type indexedPaper struct {
	Title    string
	Abstract string
}

// NewCite creates a cite agent with the default index.
func NewCite() *Cite {
	return &Cite{index: builtinIndex}
}

func (c *Cite) Name() protocol.AgentName { return protocol.AgentCite }

func (c *Cite) Process(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	if req.Payload.Action != protocol.ActionCite {
		return badAction(req, c.Name())
	}

	title, ok := req.Payload.Data["title"].(string)
	if !ok || title == "" {
		return errorf(req, c.Name(), "cite request missing title")
	}
	abstract, _ := req.Payload.Data["abstract"].(string)
	references, _ := req.Payload.Data["references"].([]any)

	validity := []any{}
	for _, r := range references {
		ref, ok := r.(string)
		if !ok {
			continue
		}
		validity = append(validity, checkReference(ref))
	}

	return protocol.NewResponse(req, c.Name(), map[string]any{
		"related_papers":    c.findRelated(title, abstract),
		"citation_validity": validity,
		"citation_count":    len(references),
		"topics":            extractTopics(title, abstract),
	})
}

var yearRe = regexp.MustCompile(`\b(19|20)\d{2}\b`)

// checkReference parses one reference string for a publication year and a
// plausibility verdict.
func checkReference(ref string) map[string]any {
	out := map[string]any{
		"reference": truncate(ref, 200),
		"has_year":  false,
		"plausible": false,
	}
	m := yearRe.FindString(ref)
	if m == "" {
		return out
	}
	year, _ := strconv.Atoi(m)
	out["has_year"] = true
	out["year"] = year
	out["plausible"] = len(strings.TrimSpace(ref)) > 20 && year >= 1900 && year <= time.Now().Year()+1
	return out
}

// findRelated scores every indexed paper against the submission and returns
// the best matches, highest similarity first.
func (c *Cite) findRelated(title, abstract string) []any {
	own := keywordSet(title, abstract)
	ownTitle := wordSet(title)

	type scored struct {
		paper indexedPaper
		score float64
	}
	var candidates []scored
	for _, p := range c.index {
		score := similarity(own, ownTitle, p)
		if score > 0 {
			candidates = append(candidates, scored{paper: p, score: score})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if len(candidates) > maxRelatedPapers {
		candidates = candidates[:maxRelatedPapers]
	}

	related := []any{}
	for _, cand := range candidates {
		shared := sharedTopics(own, keywordSet(cand.paper.Title, cand.paper.Abstract))
		related = append(related, map[string]any{
			"title":            cand.paper.Title,
			"similarity_score": cand.score,
			"shared_topics":    shared,
			"reason":           similarityReason(shared),
		})
	}
	return related
}

// similarity is Jaccard overlap of the keyword sets plus a boost for shared
// title words, capped at 1.
func similarity(own map[string]struct{}, ownTitle map[string]struct{}, p indexedPaper) float64 {
	other := keywordSet(p.Title, p.Abstract)
	if len(own) == 0 || len(other) == 0 {
		return 0
	}
	inter, union := 0, len(own)
	for w := range other {
		if _, ok := own[w]; ok {
			inter++
		} else {
			union++
		}
	}
	score := float64(inter) / float64(union)

	otherTitle := wordSet(p.Title)
	titleInter := 0
	for w := range otherTitle {
		if _, ok := ownTitle[w]; ok {
			titleInter++
		}
	}
	titleMax := len(ownTitle)
	if len(otherTitle) > titleMax {
		titleMax = len(otherTitle)
	}
	if titleMax > 0 {
		score += float64(titleInter) / float64(titleMax) * 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func similarityReason(shared []any) string {
	if len(shared) == 0 {
		return "Related methodology or domain"
	}
	parts := make([]string, 0, 3)
	for _, s := range shared {
		parts = append(parts, s.(string))
		if len(parts) == 3 {
			break
		}
	}
	return "Shared focus on: " + strings.Join(parts, ", ")
}

var stopWords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "and": {}, "or": {}, "but": {}, "in": {},
	"on": {}, "at": {}, "to": {}, "for": {}, "of": {}, "with": {}, "by": {},
	"from": {}, "as": {}, "is": {}, "was": {}, "are": {}, "were": {},
	"been": {}, "be": {}, "have": {}, "has": {}, "had": {}, "do": {},
	"does": {}, "did": {}, "will": {}, "would": {}, "could": {},
	"should": {}, "may": {}, "might": {}, "can": {}, "this": {},
	"that": {}, "these": {}, "those": {}, "we": {}, "our": {},
	"paper": {}, "study": {}, "research": {}, "approach": {}, "method": {},
}

var wordRe = regexp.MustCompile(`\b[a-z]+\b`)

func keywordSet(title, abstract string) map[string]struct{} {
	set := make(map[string]struct{})
	text := strings.ToLower(title + " " + abstract)
	for _, w := range wordRe.FindAllString(text, -1) {
		if len(w) <= 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

func wordSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		if len(w) > 4 {
			set[w] = struct{}{}
		}
	}
	return set
}

func sharedTopics(a, b map[string]struct{}) []any {
	var shared []string
	for w := range a {
		if _, ok := b[w]; ok {
			shared = append(shared, w)
		}
	}
	sort.Strings(shared)
	out := make([]any, 0, len(shared))
	for _, w := range shared {
		out = append(out, w)
	}
	return out
}

var topicKeywords = []struct {
	topic    string
	keywords []string
}{
	{"Machine Learning", []string{"learning", "neural", "network", "deep", "model", "training"}},
	{"Computer Vision", []string{"image", "vision", "visual", "detection", "recognition"}},
	{"Natural Language", []string{"language", "text", "nlp", "translation", "semantic"}},
	{"Reinforcement Learning", []string{"reinforcement", "agent", "policy", "reward"}},
	{"Data Science", []string{"data", "analysis", "mining", "statistics"}},
	{"Optimization", []string{"optimization", "algorithm", "convergence", "efficient"}},
}

func extractTopics(title, abstract string) []any {
	text := strings.ToLower(title + " " + abstract)
	topics := []any{}
	for _, tk := range topicKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(text, kw) {
				topics = append(topics, tk.topic)
				break
			}
		}
		if len(topics) == 3 {
			break
		}
	}
	return topics
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// builtinIndex covers the ML-adjacent areas the review pipeline is most
// often pointed at.
var builtinIndex = []indexedPaper{
	{
		Title:    "Attention Is All You Need",
		Abstract: "We propose a new simple network architecture, the Transformer, based solely on attention mechanisms, dispensing with recurrence and convolutions entirely. Experiments on machine translation tasks show these models to be superior in quality.",
	},
	{
		Title:    "Deep Residual Learning for Image Recognition",
		Abstract: "We present a residual learning framework to ease the training of networks that are substantially deeper than those used previously. Deep residual nets won the ILSVRC classification task on the ImageNet dataset.",
	},
	{
		Title:    "BERT: Pre-training of Deep Bidirectional Transformers for Language Understanding",
		Abstract: "We introduce a new language representation model which obtains new state-of-the-art results on eleven natural language processing tasks by jointly conditioning on both left and right context in all layers.",
	},
	{
		Title:    "Generative Adversarial Networks",
		Abstract: "We propose a new framework for estimating generative models via an adversarial process, in which we simultaneously train two models: a generative model that captures the data distribution and a discriminative model.",
	},
	{
		Title:    "Proximal Policy Optimization Algorithms",
		Abstract: "We propose a new family of policy gradient methods for reinforcement learning, which alternate between sampling data through interaction with the environment and optimizing a surrogate objective function.",
	},
	{
		Title:    "Adam: A Method for Stochastic Optimization",
		Abstract: "We introduce Adam, an algorithm for first-order gradient-based optimization of stochastic objective functions, based on adaptive estimates of lower-order moments. The method is computationally efficient and well suited for problems with large data.",
	},
	{
		Title:    "ImageNet Classification with Deep Convolutional Neural Networks",
		Abstract: "We trained a large, deep convolutional neural network to classify high-resolution images in the ImageNet dataset into a thousand different classes, achieving error rates considerably better than the previous state of the art.",
	},
	{
		Title:    "Sequence to Sequence Learning with Neural Networks",
		Abstract: "We present a general end-to-end approach to sequence learning that makes minimal assumptions on the sequence structure, using a multilayered Long Short-Term Memory to map the input sequence to a vector of fixed dimensionality.",
	},
}
