package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// DefaultModel is the generative model used for rice expert replies.
const DefaultModel = "gemini-2.0-flash"

const maxOutputTokens = 1024

// GeminiCompleter issues single-turn completions against the Gemini API.
// The underlying client is built on first use and reused across calls; a
// missing API key is a call-time failure, not a construction failure, so
// the service can start without chat configured.
type GeminiCompleter struct {
	apiKey string
	model  string
	logger *zap.Logger

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiCompleter builds a completer for the given model. An empty model
// falls back to DefaultModel.
func NewGeminiCompleter(apiKey, model string, logger *zap.Logger) *GeminiCompleter {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	return &GeminiCompleter{
		apiKey: strings.TrimSpace(apiKey),
		model:  strings.TrimSpace(model),
		logger: logger.Named("gemini_completer"),
	}
}

// Complete sends the prompt as a one-off generation with no history.
func (g *GeminiCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	if g.apiKey == "" {
		return "", errors.New("gemini api key is not configured")
	}

	client, err := g.generativeClient(ctx)
	if err != nil {
		return "", err
	}

	model := client.GenerativeModel(g.model)
	tokens := int32(maxOutputTokens)
	model.GenerationConfig = genai.GenerationConfig{MaxOutputTokens: &tokens}

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := extractText(resp)
	if text == "" {
		return "", errors.New("empty completion response")
	}
	return text, nil
}

// Close releases the underlying client, if one was ever created.
func (g *GeminiCompleter) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	return err
}

// generativeClient returns the shared client, creating it on first use.
// A failed creation is not sticky; the next call tries again.
func (g *GeminiCompleter) generativeClient(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	g.client = client
	return client, nil
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var sb strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	return strings.TrimSpace(sb.String())
}
