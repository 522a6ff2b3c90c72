package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"

	"google.golang.org/genai"

	"github.com/fabrica-dev/fabrica/pkg/agent"
)

// Provider implements agent.Provider using the Google Gen AI SDK.
type Provider struct {
	client *genai.Client
	model  string
}

// Verify interface compliance.
var _ agent.Provider = (*Provider)(nil)

// New creates a new Gemini provider.
func New(ctx context.Context, apiKey, model string) (*Provider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &Provider{client: client, model: model}, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string { return "gemini" }

// Run starts one generation run and returns the chunk stream.
func (p *Provider) Run(ctx context.Context, instructions string, history []agent.Chunk) (agent.Stream, error) {
	slog.Debug("gemini.Run", "model", p.model, "historyLen", len(history))

	var contents []*genai.Content
	for _, c := range history {
		role := "user"
		if c.Role == agent.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: c.Flatten()}},
		})
	}

	config := &genai.GenerateContentConfig{}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	streamCtx, cancel := context.WithCancel(ctx)
	seq := p.client.Models.GenerateContentStream(streamCtx, p.model, contents, config)
	next, stop := iter.Pull2(iter.Seq2[*genai.GenerateContentResponse, error](seq))

	return &geminiStream{next: next, stop: stop, cancel: cancel}, nil
}

// geminiStream adapts the Gemini streaming iterator to agent.Stream.
type geminiStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
}

func (s *geminiStream) Recv() (agent.Chunk, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return agent.Chunk{}, io.EOF
		}
		if err != nil {
			return agent.Chunk{}, err
		}
		if resp == nil {
			continue
		}

		var text string
		for _, cand := range resp.Candidates {
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				text += part.Text
			}
		}
		if text == "" {
			continue
		}
		return agent.Chunk{
			Role: agent.RoleAssistant,
			Type: agent.ChunkTypeText,
			Text: text,
		}, nil
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	s.cancel()
	return nil
}
