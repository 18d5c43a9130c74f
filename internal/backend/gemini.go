package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"charrelay/internal/relay"

	"google.golang.org/genai"
)

// GeminiResponder drives characters wired to Google Gemini.
type GeminiResponder struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiResponder creates a responder. model is the fallback for
// characters that do not pin one.
func NewGeminiResponder(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiResponder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiResponder{client: client, model: model, timeout: timeout}, nil
}

// Respond generates the character's reply. Rate limiting and service
// unavailability surface as relay.ErrBackendNotReady so the dispatcher
// treats them as soft failures.
func (g *GeminiResponder) Respond(ctx context.Context, ch *relay.SpawnedCharacter, text string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	model := ch.Integration.Model
	if model == "" {
		model = g.model
	}

	var config *genai.GenerateContentConfig
	if persona := personaPrompt(ch); persona != "" {
		config = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(persona, genai.RoleUser),
		}
	}

	resp, err := g.client.Models.GenerateContent(ctx, model, genai.Text(text), config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) && (apiErr.Code == 429 || apiErr.Code == 503) {
			return "", fmt.Errorf("%w: gemini: %v", relay.ErrBackendNotReady, err)
		}
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	reply := strings.TrimSpace(resp.Text())
	if reply == "" {
		return "", fmt.Errorf("gemini returned empty response")
	}
	return reply, nil
}

// personaPrompt renders the character's persona as a system instruction.
func personaPrompt(ch *relay.SpawnedCharacter) string {
	if ch.Persona == "" {
		return ""
	}
	return fmt.Sprintf("You are %s. Stay in character.\n\n%s", ch.Name, ch.Persona)
}
