package anthropic

import (
	"context"
	"io"
	"log/slog"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/fabrica-dev/fabrica/pkg/agent"
)

const defaultMaxTokens = 8192

// Provider implements agent.Provider using the Anthropic SDK.
type Provider struct {
	client sdk.Client
	model  string
}

// Verify interface compliance.
var _ agent.Provider = (*Provider)(nil)

// New creates a new Anthropic provider.
func New(apiKey, model string) *Provider {
	return &Provider{
		client: sdk.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "anthropic" }

// Run starts one generation run and returns the chunk stream.
func (p *Provider) Run(ctx context.Context, instructions string, history []agent.Chunk) (agent.Stream, error) {
	slog.Debug("anthropic.Run", "model", p.model, "historyLen", len(history))

	messages := make([]sdk.MessageParam, 0, len(history))
	for _, c := range history {
		block := sdk.NewTextBlock(c.Flatten())
		if c.Role == agent.RoleAssistant {
			messages = append(messages, sdk.NewAssistantMessage(block))
		} else {
			messages = append(messages, sdk.NewUserMessage(block))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: defaultMaxTokens,
		Messages:  messages,
	}
	if instructions != "" {
		params.System = []sdk.TextBlockParam{{Text: instructions}}
	}

	return &anthropicStream{stream: p.client.Messages.NewStreaming(ctx, params)}, nil
}

// anthropicStream adapts the SDK's SSE stream to agent.Stream.
type anthropicStream struct {
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *anthropicStream) Recv() (agent.Chunk, error) {
	for s.stream.Next() {
		event := s.stream.Current()
		switch variant := event.AsAny().(type) {
		case sdk.ContentBlockDeltaEvent:
			if delta, ok := variant.Delta.AsAny().(sdk.TextDelta); ok && delta.Text != "" {
				return agent.Chunk{
					Role: agent.RoleAssistant,
					Type: agent.ChunkTypeText,
					Text: delta.Text,
				}, nil
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		return agent.Chunk{}, err
	}
	return agent.Chunk{}, io.EOF
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}
