// Package interpret turns the raw chunk sequence of one agent run into the
// values the pipeline persists. Extraction is purely mechanical: every
// malformed shape has a defined fallback, and nothing here ever errors.
package interpret

import (
	"regexp"
	"strings"

	"github.com/fabrica-dev/fabrica/pkg/agent"
)

// Plain-text completion conventions embedded in the assistant's stream.
const (
	TaskSummaryOpen   = "<task_summary>"
	TaskSummaryClose  = "</task_summary>"
	TaskAnalysisOpen  = "<task_analysis>"
	TaskAnalysisClose = "</task_analysis>"
)

// FallbackTitle is returned when the first chunk is not structured. A
// malformed or partial structured response should still yield something
// displayable rather than abort the turn.
// TODO: log these as malformed output so real failures are not masked.
const FallbackTitle = "Fragment"

var taskSummaryRe = regexp.MustCompile(`(?s)<task_summary>(.*?)</task_summary>`)

// FragmentText extracts the fragment's displayable text from the run
// output. When the first chunk is structured its segments are concatenated
// in order; otherwise the sentinel FallbackTitle is returned.
func FragmentText(chunks []agent.Chunk) string {
	if len(chunks) == 0 {
		return FallbackTitle
	}
	first := chunks[0]
	if !first.Structured() {
		return FallbackTitle
	}
	return first.Flatten()
}

// LastAssistantText returns the flattened content of the last chunk with
// role "assistant", scanning from the end. The second return value is false
// when no such chunk exists; callers must treat that as "no summarizable
// output", not a failure.
func LastAssistantText(chunks []agent.Chunk) (string, bool) {
	for i := len(chunks) - 1; i >= 0; i-- {
		if chunks[i].Role == agent.RoleAssistant {
			return chunks[i].Flatten(), true
		}
	}
	return "", false
}

// TaskSummary extracts the final human-readable summary from assistant
// text. It returns the inner text of a <task_summary> block, or everything
// after an unclosed marker. The second return value reports whether the
// completion marker was present at all.
func TaskSummary(text string) (string, bool) {
	if m := taskSummaryRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if i := strings.Index(text, TaskSummaryOpen); i >= 0 {
		return strings.TrimSpace(text[i+len(TaskSummaryOpen):]), true
	}
	return "", false
}
