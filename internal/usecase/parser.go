package usecase

import (
	"fmt"
	"regexp"
	"strings"

	"equitylens/internal/domain"
)

// completionPatterns are the phrases a coordinator uses to signal that the
// gathered research is sufficient. First match wins; matching beats any
// co-occurring request sections.
var completionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bDone\b`),
	regexp.MustCompile(`(?i)\bThere is nothing else needed\b`),
	regexp.MustCompile(`(?i)\bI have enough information\b`),
	regexp.MustCompile(`(?i)\bready to provide final\b`),
	regexp.MustCompile(`(?i)\bno further (research|information|data) needed\b`),
	regexp.MustCompile(`(?i)\bsufficient (data|information|context)\b`),
}

// ActionParser turns a coordinator's free-text output into a structured
// control decision. Pure text transformation; the orchestrator never looks
// at coordinator prose directly.
type ActionParser struct {
	specialists []string
	sections    map[string]*regexp.Regexp
}

// NewActionParser builds a parser for the given specialist display names.
// The order of specialists fixes the broadcast order of fallback requests.
func NewActionParser(specialists []string) *ActionParser {
	sections := make(map[string]*regexp.Regexp, len(specialists))
	for _, name := range specialists {
		// Content between "## For <Name> Agent:" and the next "##" or EOF.
		pattern := fmt.Sprintf(`## For %s Agent:([\s\S]*?)(?:##|$)`, regexp.QuoteMeta(name))
		sections[name] = regexp.MustCompile(pattern)
	}
	return &ActionParser{specialists: specialists, sections: sections}
}

// Parse maps any input to exactly one SynthesisAction.
//
// A completion phrase yields Complete with the phrase stripped from the
// answer. Otherwise labeled per-specialist sections yield RequestMore.
// Ambiguous output falls back to a broad request to every specialist,
// flagged for monitoring; the convergence loop must never deadlock on
// coordinator prose that drifted from the expected structure.
func (p *ActionParser) Parse(text string) domain.SynthesisAction {
	for _, pattern := range completionPatterns {
		if pattern.MatchString(text) {
			answer := strings.TrimSpace(pattern.ReplaceAllString(text, ""))
			return domain.SynthesisAction{Kind: domain.ActionComplete, Answer: answer}
		}
	}

	requests := make(map[string]string)
	for _, name := range p.specialists {
		m := p.sections[name].FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if req := strings.TrimSpace(m[1]); req != "" {
			requests[name] = req
		}
	}
	if len(requests) > 0 {
		return domain.SynthesisAction{Kind: domain.ActionRequestMore, Requests: requests}
	}

	broadcast := make(map[string]string, len(p.specialists))
	for _, name := range p.specialists {
		broadcast[name] = fmt.Sprintf("Provide a comprehensive %s report.", strings.ToLower(name))
	}
	return domain.SynthesisAction{
		Kind:     domain.ActionRequestMore,
		Requests: broadcast,
		Fallback: true,
	}
}
