package llmstream

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GenAIProvider streams chat completions from Google's Gemini models.
// It follows the same client construction the teacher uses for
// embeddings (internal/embedding/genai.go): a single *genai.Client built
// from an API key, reused across calls.
type GenAIProvider struct {
	client *genai.Client
	model  string
}

// NewGenAIProvider constructs a provider against model (e.g.
// "gemini-2.0-flash"). apiKey is required.
func NewGenAIProvider(ctx context.Context, apiKey, model string) (*GenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("llmstream: GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("llmstream: creating GenAI client: %w", err)
	}
	return &GenAIProvider{client: client, model: model}, nil
}

// Stream implements Provider.
func (p *GenAIProvider) Stream(ctx context.Context, systemPrompt string, history []Turn) (<-chan Chunk, error) {
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		var role genai.Role = genai.RoleUser
		if t.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(t.Content, role))
	}

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		for resp, err := range p.client.Models.GenerateContentStream(ctx, p.model, contents, cfg) {
			if err != nil {
				out <- Chunk{Err: fmt.Errorf("llmstream: GenAI stream: %w", err)}
				return
			}
			if ctx.Err() != nil {
				out <- Chunk{Err: ctx.Err()}
				return
			}
			out <- Chunk{Text: resp.Text()}
		}
	}()
	return out, nil
}

// Close releases the underlying client. genai.Client has no Close
// method to release; this is a no-op kept for interface symmetry.
func (p *GenAIProvider) Close() error {
	return nil
}
