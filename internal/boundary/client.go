package boundary

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// ErrNoClient is returned by Complete when no model backend is
// configured and the replay cache has no recording for the call.
var ErrNoClient = errors.New("boundary: no model client configured")

// Client is the minimal surface the wrapper needs from an LLM backend.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// GenAIClient calls Google's Gemini API.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates a Gemini-backed client.
func NewGenAIClient(apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Model returns the configured model name.
func (c *GenAIClient) Model() string { return c.model }

// Complete sends a single-turn prompt and returns the response text.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI completion failed: %w", err)
	}

	text := result.Text()
	if text == "" {
		return "", fmt.Errorf("no text in GenAI response")
	}
	return text, nil
}
