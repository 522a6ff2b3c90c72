package interpret

import (
	"testing"

	"github.com/fabrica-dev/fabrica/pkg/agent"
)

func TestFragmentTextJoinsSegments(t *testing.T) {
	chunks := []agent.Chunk{
		{
			Role: agent.RoleAssistant,
			Type: "structured",
			Segments: []agent.Segment{
				{Text: "Todo "},
				{Text: "App "},
				{Text: "Fragment"},
			},
		},
	}
	if got := FragmentText(chunks); got != "Todo App Fragment" {
		t.Errorf("FragmentText = %q, want segments joined in order", got)
	}
}

func TestFragmentTextFallback(t *testing.T) {
	tests := []struct {
		name   string
		chunks []agent.Chunk
	}{
		{"empty sequence", nil},
		{"plain text first chunk", []agent.Chunk{
			{Role: agent.RoleAssistant, Type: agent.ChunkTypeText, Text: "just text"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FragmentText(tt.chunks); got != FallbackTitle {
				t.Errorf("FragmentText = %q, want %q", got, FallbackTitle)
			}
		})
	}
}

func TestLastAssistantText(t *testing.T) {
	chunks := []agent.Chunk{
		{Role: agent.RoleUser, Type: agent.ChunkTypeText, Text: "build it"},
		{Role: agent.RoleAssistant, Type: agent.ChunkTypeText, Text: "thinking"},
		{Role: agent.RoleTool, Type: agent.ChunkTypeText, Text: "tool output"},
		{Role: agent.RoleAssistant, Type: agent.ChunkTypeText, Text: "final answer"},
		{Role: agent.RoleTool, Type: agent.ChunkTypeText, Text: "trailing tool"},
	}
	got, ok := LastAssistantText(chunks)
	if !ok {
		t.Fatal("ok = false, want true")
	}
	if got != "final answer" {
		t.Errorf("got %q, want the last assistant chunk", got)
	}
}

func TestLastAssistantTextFlattensSegments(t *testing.T) {
	chunks := []agent.Chunk{
		{Role: agent.RoleAssistant, Type: "structured", Segments: []agent.Segment{
			{Text: "part one, "},
			{Text: "part two"},
		}},
	}
	got, ok := LastAssistantText(chunks)
	if !ok || got != "part one, part two" {
		t.Errorf("got (%q, %v), want flattened segments", got, ok)
	}
}

func TestLastAssistantTextAbsent(t *testing.T) {
	chunks := []agent.Chunk{
		{Role: agent.RoleUser, Type: agent.ChunkTypeText, Text: "build it"},
		{Role: agent.RoleTool, Type: agent.ChunkTypeText, Text: "tool output"},
	}
	if got, ok := LastAssistantText(chunks); ok {
		t.Errorf("ok = true (got %q), want absence value", got)
	}
	if _, ok := LastAssistantText(nil); ok {
		t.Error("ok = true for empty sequence, want absence value")
	}
}

func TestTaskSummary(t *testing.T) {
	tests := []struct {
		name   string
		text   string
		want   string
		wantOK bool
	}{
		{"closed block", "reasoning\n<task_summary>Built a todo app.</task_summary>", "Built a todo app.", true},
		{"unclosed marker", "reasoning\n<task_summary>Built a todo app.", "Built a todo app.", true},
		{"no marker", "just some text", "", false},
		{"empty block", "<task_summary></task_summary>", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := TaskSummary(tt.text)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("TaskSummary(%q) = (%q, %v), want (%q, %v)", tt.text, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
