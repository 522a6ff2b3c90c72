package agent

import "context"

// Chunk roles, following the agent framework's role tags.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// ChunkTypeText marks a chunk whose content is a plain string. Any other
// type is treated as structured content carried in Segments.
const ChunkTypeText = "text"

// Segment is one typed text segment of a structured chunk payload.
type Segment struct {
	Text string `json:"text"`
}

// Chunk is one role-tagged unit of output from an agent run. Content is a
// tagged union: plain text in Text when Type is "text", otherwise a sequence
// of Segments. The ambiguity is resolved by the interpreter before anything
// enters the message log.
type Chunk struct {
	Role     string    `json:"role"`
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	Segments []Segment `json:"segments,omitempty"`
}

// Flatten resolves the chunk's content to a single text value, joining
// segments in order when present.
func (c Chunk) Flatten() string {
	if c.Segments == nil {
		return c.Text
	}
	var out string
	for _, s := range c.Segments {
		out += s.Text
	}
	return out
}

// Structured reports whether the chunk carries non-plain-text content.
func (c Chunk) Structured() bool {
	return c.Type != ChunkTypeText
}

// Provider represents a service that runs the generation agent
// (e.g. Gemini, Anthropic).
type Provider interface {
	// Name returns the provider's identifier (e.g. "gemini", "anthropic").
	Name() string

	// Run starts one agent run with the given system instructions and
	// conversation history, returning a stream of output chunks. It may
	// fail with a transport or quota error.
	Run(ctx context.Context, instructions string, history []Chunk) (Stream, error)
}

// Stream is the ordered sequence of chunks produced by one agent run.
type Stream interface {
	// Recv returns the next chunk, or io.EOF when the run is complete.
	Recv() (Chunk, error)

	// Close releases resources associated with this stream.
	Close() error
}
