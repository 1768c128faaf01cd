package agents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	readability "codeberg.org/readeck/go-readability/v2"

	"github.com/revued-io/revued/pkg/protocol"
)

const (
	maxSourceSize  = 8 << 20 // largest document the reader will ingest
	maxSections    = 15
	maxReferences  = 50
	maxAuthors     = 10
	sectionCharCap = 1000
	fetchTimeout   = 30 * time.Second
)

// Reader extracts structured paper content from a local text file or a URL.
// URL sources go through readability to strip page chrome before parsing.
type Reader struct {
	http *http.Client
}

// NewReader creates a reader agent.
func NewReader() *Reader {
	return &Reader{http: &http.Client{Timeout: fetchTimeout}}
}

func (r *Reader) Name() protocol.AgentName { return protocol.AgentReader }

func (r *Reader) Process(ctx context.Context, req protocol.Envelope) protocol.Envelope {
	if req.Payload.Action != protocol.ActionExtract {
		return badAction(req, r.Name())
	}

	source, _ := req.Payload.Data["pdf_path"].(string)
	if source == "" {
		return errorf(req, r.Name(), "extract request missing pdf_path")
	}

	text, err := r.load(ctx, source)
	if err != nil {
		return errorf(req, r.Name(), "load source: %v", err)
	}

	title := extractTitle(text)
	content := map[string]any{
		"title":      title,
		"abstract":   extractAbstract(text),
		"authors":    extractAuthors(text),
		"sections":   extractSections(text),
		"references": extractReferences(text),
		"metadata": map[string]any{
			"source":       source,
			"word_count":   len(strings.Fields(text)),
			"extracted_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	return protocol.NewResponse(req, r.Name(), map[string]any{
		"paper_content": content,
	})
}

// load resolves the source to plain text. http(s) sources are fetched and
// run through readability; anything else is treated as a local file path.
func (r *Reader) load(ctx context.Context, source string) (string, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return r.fetch(ctx, source)
	}
	raw, err := os.ReadFile(source)
	if err != nil {
		return "", err
	}
	if len(raw) > maxSourceSize {
		raw = raw[:maxSourceSize]
	}
	return string(raw), nil
}

func (r *Reader) fetch(ctx context.Context, rawURL string) (string, error) {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("User-Agent", "revued-reader/1.0")

	resp, err := r.http.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") {
		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceSize))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return "", fmt.Errorf("parse: %w", err)
	}
	var textBuf bytes.Buffer
	if err := article.RenderText(&textBuf); err != nil {
		return "", fmt.Errorf("render: %w", err)
	}
	return textBuf.String(), nil
}

// --- parsing heuristics ---

var (
	abstractRe   = regexp.MustCompile(`(?is)abstract\s*[:\-]?\s*(.+?)(?:\n\n|\nintroduction|\n1\.|\nkeywords)`)
	authorLineRe = regexp.MustCompile(`^[A-Z][a-z]+\s+[A-Z][a-z]+`)
	authorSepRe  = regexp.MustCompile(`,|\sand\s`)
	numberedRe   = regexp.MustCompile(`\n(\d+\.?\s+[A-Z][a-zA-Z ]+)\n`)
	allCapsRe    = regexp.MustCompile(`\n([A-Z][A-Z ]{3,})\n`)
	referencesRe = regexp.MustCompile(`(?is)\nreferences\s*\n(.+)`)
	refSplitRe   = regexp.MustCompile(`\n\[\d+\]|\n\d+\.`)
)

// extractTitle picks the first early line that looks like a title: long
// enough to be one, and not continued on the next line.
func extractTitle(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if i >= 10 {
			break
		}
		line = strings.TrimSpace(line)
		if len(line) > 20 && len(line) < 200 {
			if i+1 < len(lines) && len(strings.TrimSpace(lines[i+1])) < 10 {
				return line
			}
		}
	}
	for _, line := range lines {
		if t := strings.TrimSpace(line); t != "" {
			return t
		}
	}
	return "Unknown Title"
}

func extractAbstract(text string) string {
	if m := abstractRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	// Fallback: first substantial paragraph
	for _, para := range strings.Split(text, "\n\n") {
		if len(para) > 100 {
			return strings.TrimSpace(para)
		}
	}
	return "Abstract not found"
}

func extractAuthors(text string) []any {
	lines := strings.Split(text, "\n")
	var authors []any
	for i, line := range lines {
		if i >= 20 {
			break
		}
		line = strings.TrimSpace(line)
		if !authorLineRe.MatchString(line) {
			continue
		}
		for _, part := range authorSepRe.Split(line, -1) {
			if name := strings.TrimSpace(part); name != "" {
				authors = append(authors, name)
			}
		}
	}
	if len(authors) > maxAuthors {
		authors = authors[:maxAuthors]
	}
	if authors == nil {
		authors = []any{}
	}
	return authors
}

// extractSections finds numbered and all-caps headings and slices the text
// between them.
func extractSections(text string) []any {
	sections := []any{}
	for _, re := range []*regexp.Regexp{numberedRe, allCapsRe} {
		matches := re.FindAllStringSubmatchIndex(text, -1)
		for i, m := range matches {
			heading := strings.TrimSpace(text[m[2]:m[3]])
			start := m[1]
			end := len(text)
			if i+1 < len(matches) {
				end = matches[i+1][0]
			}
			content := strings.TrimSpace(text[start:end])
			if len(content) > sectionCharCap {
				content = content[:sectionCharCap]
			}
			sections = append(sections, map[string]any{
				"heading": heading,
				"content": content,
			})
			if len(sections) >= maxSections {
				return sections
			}
		}
	}
	return sections
}

func extractReferences(text string) []any {
	refs := []any{}
	m := referencesRe.FindStringSubmatch(text)
	if m == nil {
		return refs
	}
	for _, part := range refSplitRe.Split(m[1], -1) {
		ref := strings.TrimSpace(part)
		if len(ref) > 20 {
			refs = append(refs, ref)
		}
		if len(refs) >= maxReferences {
			break
		}
	}
	return refs
}
