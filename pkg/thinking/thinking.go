// Package thinking converts the agent's raw interim reasoning into a short,
// user-presentable progress summary.
package thinking

import (
	"regexp"
	"strings"

	"github.com/fabrica-dev/fabrica/pkg/agent/interpret"
)

// Neutral is shown while nothing meaningful is available yet.
const Neutral = "Processing..."

const (
	maxLines = 5
	maxChars = 500
)

var (
	tagRe      = regexp.MustCompile(`<[^>]*>`)
	analysisRe = regexp.MustCompile(`(?s)<task_analysis>(.*?)</task_analysis>`)
)

// Summarize extracts the best-effort progress summary from raw reasoning
// text. Preference order: text preceding a <task_summary> marker (the
// reasoning that leads up to the final answer), then the inner text of a
// <task_analysis> block, then the raw text itself.
func Summarize(raw string) string {
	if i := strings.Index(raw, interpret.TaskSummaryOpen); i >= 0 {
		if part := strings.TrimSpace(raw[:i]); part != "" {
			return Format(part)
		}
	}

	if m := analysisRe.FindStringSubmatch(raw); m != nil {
		return Format(m[1])
	}

	return Format(raw)
}

// Format makes reasoning text presentable: markup tags become single
// spaces, empty lines are dropped, at most the first 5 non-empty lines are
// kept, and anything beyond 500 characters is truncated with an ellipsis.
// Idempotent: formatting its own output yields the same output.
func Format(raw string) string {
	cleaned := strings.TrimSpace(tagRe.ReplaceAllString(raw, " "))

	var lines []string
	for _, l := range strings.Split(cleaned, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		lines = append(lines, l)
		if len(lines) == maxLines {
			break
		}
	}

	result := strings.Join(lines, "\n")
	if len(result) > maxChars {
		result = result[:maxChars] + "..."
	}

	if result == "" {
		return Neutral
	}
	return result
}
