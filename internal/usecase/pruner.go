package usecase

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	thoughtBlockRe  = regexp.MustCompile(`(?is)<thought>.*?</thought>`)
	thoughtFenceRe  = regexp.MustCompile("(?is)```thought.*?```")
	separatorLineRe = regexp.MustCompile(`^-{2,}$`)
	blankRunRe      = regexp.MustCompile(`\n{3,}`)
	dashRunRe       = regexp.MustCompile(`-{5,}`)
)

// preamblePatterns mark thinking preamble lines. Matching is on
// lowercased line prefixes rather than regex to avoid false positives on
// substantive headers.
var preamblePatterns = []string{
	"i'll conduct", "i'll start by", "i'll follow", "i'll use",
	"let me analyze", "let me check", "let me start", "let me look",
	"i need to", "i will", "here's my approach", "here is my approach",
	"i'm thinking", "i am thinking", "first, i'll", "first, i will",
}

// workflowPatterns mark structural scaffolding headers that carry no
// findings.
var workflowPatterns = []string{
	"## phase", "## step", "### phase", "### step",
}

// PruneResult reports what a prune pass removed.
type PruneResult struct {
	Output      string
	CharsSaved  int
	TokensSaved int
}

// Pruner strips reasoning noise from agent output before it is handed to
// another agent. The goal is context efficiency: remove thinking preambles,
// workflow markers and decorative bloat while preserving findings and data.
type Pruner struct {
	counter *TokenCounter
	// MaxChars, when positive, truncates the middle of oversized output
	// keeping head and tail.
	MaxChars int
}

// NewPruner creates a pruner with the given token counter.
func NewPruner(counter *TokenCounter) *Pruner {
	return &Pruner{counter: counter}
}

// Prune cleans raw agent output and reports the savings.
func (p *Pruner) Prune(raw string) PruneResult {
	if raw == "" {
		return PruneResult{}
	}

	out := thoughtBlockRe.ReplaceAllString(raw, "")
	out = thoughtFenceRe.ReplaceAllString(out, "")

	var kept []string
	for _, line := range strings.Split(out, "\n") {
		stripped := strings.ToLower(strings.TrimSpace(line))
		if stripped == "" {
			kept = append(kept, line)
			continue
		}
		// Long paragraphs survive even when they open like a preamble.
		if hasAnyPrefix(stripped, preamblePatterns) && len(stripped) < 200 {
			continue
		}
		// Headers that are just workflow markers, e.g. "## Phase 1:".
		if hasAnyPrefix(stripped, workflowPatterns) &&
			(strings.Contains(stripped, ":") || len(stripped) < 15) {
			continue
		}
		if separatorLineRe.MatchString(stripped) {
			continue
		}
		kept = append(kept, line)
	}

	out = strings.Join(kept, "\n")
	out = blankRunRe.ReplaceAllString(out, "\n\n")
	out = dashRunRe.ReplaceAllString(out, "---")

	if p.MaxChars > 0 && len(out) > p.MaxChars {
		half := p.MaxChars / 2
		out = out[:half] +
			fmt.Sprintf("\n\n[... %d chars truncated for context efficiency ...]\n\n", len(out)-p.MaxChars) +
			out[len(out)-half:]
	}

	out = strings.TrimSpace(out)

	saved := len(raw) - len(out)
	if saved < 0 {
		saved = 0
	}
	result := PruneResult{Output: out, CharsSaved: saved}
	if p.counter != nil && saved > 0 {
		result.TokensSaved = p.counter.Count(raw) - p.counter.Count(out)
		if result.TokensSaved < 0 {
			result.TokensSaved = 0
		}
	}
	return result
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
