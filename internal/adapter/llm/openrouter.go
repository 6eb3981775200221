package llm

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

// Compile-time interface assertion.
var _ domain.CompletionClient = (*OpenRouterClient)(nil)

// openrouterTransport is a custom http.RoundTripper that injects
// OpenRouter-specific headers (HTTP-Referer and X-Title) into every request.
type openrouterTransport struct {
	base http.RoundTripper
}

func (t *openrouterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone the request to avoid mutating the original.
	clone := req.Clone(req.Context())
	clone.Header.Set("HTTP-Referer", "https://github.com/equitylens/equitylens")
	clone.Header.Set("X-Title", "equitylens")
	return t.base.RoundTrip(clone)
}

// OpenRouterClient wraps OpenAIClient to work with the OpenRouter API.
type OpenRouterClient struct {
	inner *OpenAIClient
}

// NewOpenRouterClient creates an OpenRouter client that delegates to
// OpenAIClient with a custom transport for OpenRouter-specific headers.
func NewOpenRouterClient(cfg config.ProviderConfig, logger *slog.Logger) *OpenRouterClient {
	client := NewHTTPClient(cfg)
	client.Transport = &openrouterTransport{base: client.Transport}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://openrouter.ai/api/v1"
	}

	return &OpenRouterClient{
		inner: &OpenAIClient{
			name:    cfg.Name,
			model:   cfg.Model,
			apiKey:  cfg.APIKey,
			baseURL: baseURL,
			client:  client,
			logger:  logger,
		},
	}
}

// Complete implements domain.CompletionClient.
func (c *OpenRouterClient) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	return c.inner.Complete(ctx, req)
}

// Name implements domain.CompletionClient.
func (c *OpenRouterClient) Name() string { return c.inner.Name() }
