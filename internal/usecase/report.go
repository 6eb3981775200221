package usecase

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"equitylens/internal/domain"
)

var unsafeFilenameRe = regexp.MustCompile(`[^a-z0-9]+`)

// ReportWriter exports a finished session as a markdown artifact.
type ReportWriter struct {
	OutputDir string
}

// Export writes the report and returns its path. The filename is derived
// deterministically from mode, sanitized query and timestamp so repeated
// sessions never overwrite each other.
func (w *ReportWriter) Export(result *domain.SessionResult) (string, error) {
	if err := os.MkdirAll(w.OutputDir, 0o755); err != nil {
		return "", domain.WrapOp("create output dir", err)
	}

	name := fmt.Sprintf("research_%s_%s_%s.md",
		result.Mode,
		sanitizeQuery(result.Query),
		result.FinishedAt.Format("20060102_150405"),
	)
	path := filepath.Join(w.OutputDir, name)

	if err := os.WriteFile(path, []byte(RenderReport(result)), 0o644); err != nil {
		return "", domain.WrapOp("write report", err)
	}
	return path, nil
}

// RenderReport assembles the markdown body.
func RenderReport(result *domain.SessionResult) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Investment Research Report: %s\n\n", result.Query)
	fmt.Fprintf(&b, "**Timestamp**: %s\n", result.FinishedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "**Strategy Mode**: %s\n\n", result.Mode)

	if len(result.Cycles) > 0 {
		b.WriteString("## Research Cycles\n")
		for _, cycle := range result.Cycles {
			fmt.Fprintf(&b, "\n### Iteration %d\n", cycle.Iteration)
			for _, name := range sortedKeys(cycle.Responses) {
				fmt.Fprintf(&b, "\n#### %s\n%s\n", name, cycle.Responses[name])
			}
		}
		b.WriteString("\n")
	}

	if result.FinalReport != "" {
		b.WriteString("## Final Investment Thesis\n")
		b.WriteString(result.FinalReport + "\n\n")
	}
	if result.MomentumAnalysis != "" {
		b.WriteString("## Momentum Strategy Analysis\n")
		b.WriteString(result.MomentumAnalysis + "\n\n")
	}

	if len(result.Failures) > 0 {
		b.WriteString("## Degraded Contributions\n")
		for _, name := range sortedKeys(result.Failures) {
			fmt.Fprintf(&b, "- %s: %s\n", name, result.Failures[name])
		}
		b.WriteString("\n")
	}

	if result.Usage.TotalTokens > 0 {
		b.WriteString("---\n### Resource Usage\n")
		fmt.Fprintf(&b, "Total Tokens: %d (prompt %d, completion %d)\n",
			result.Usage.TotalTokens, result.Usage.PromptTokens, result.Usage.CompletionTokens)
	}

	return b.String()
}

// sanitizeQuery reduces free-text to a filesystem-safe slug.
func sanitizeQuery(query string) string {
	slug := unsafeFilenameRe.ReplaceAllString(strings.ToLower(query), "_")
	slug = strings.Trim(slug, "_")
	if slug == "" {
		slug = "query"
	}
	if len(slug) > 60 {
		slug = slug[:60]
	}
	return slug
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
