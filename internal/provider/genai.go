package provider

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"ollm/internal/logging"
)

// GenAIClient implements Client over Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a streaming GenAI chat client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// ChatStream sends the request and streams text chunks until completion.
// Cancellation of ctx terminates the stream with an error chunk.
func (c *GenAIClient) ChatStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	var contents []*genai.Content
	var cfg genai.GenerateContentConfig
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			// Gemini takes the system prompt as a dedicated instruction.
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	out := make(chan StreamChunk, 16)

	go func() {
		defer close(out)

		logging.APIDebug("GenAI ChatStream: model=%s messages=%d", model, len(req.Messages))

		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, &cfg) {
			if err != nil {
				out <- StreamChunk{Type: ChunkError, Err: err}
				return
			}
			if text := resp.Text(); text != "" {
				select {
				case out <- StreamChunk{Type: ChunkText, Text: text}:
				case <-ctx.Done():
					out <- StreamChunk{Type: ChunkError, Err: ctx.Err()}
					return
				}
			}
		}

		out <- StreamChunk{Type: ChunkFinish}
	}()

	return out, nil
}
