package llm

import (
	"context"

	"golang.org/x/time/rate"

	"equitylens/internal/domain"
)

// PacedClient throttles outbound completion calls with a token-bucket
// limiter. It also backs the inter-phase pacing of the orchestrator, which
// shares the limiter so workflow phases and raw completions draw from the
// same budget.
type PacedClient struct {
	inner   domain.CompletionClient
	limiter *rate.Limiter
}

// NewPacedClient wraps inner with a rate limit of perSecond requests.
// perSecond <= 0 returns inner unchanged.
func NewPacedClient(inner domain.CompletionClient, perSecond float64) domain.CompletionClient {
	if perSecond <= 0 {
		return inner
	}
	return &PacedClient{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(perSecond), 1),
	}
}

// Complete implements domain.CompletionClient.
func (c *PacedClient) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return c.inner.Complete(ctx, req)
}

// Name implements domain.CompletionClient.
func (c *PacedClient) Name() string { return c.inner.Name() }

// Compile-time interface check.
var _ domain.CompletionClient = (*PacedClient)(nil)
