package llm

import (
	"fmt"
	"log/slog"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

// Build assembles the full client chain for one provider:
// wire client -> retry -> circuit breaker -> pacer.
// The breaker sits outside the retry loop so repeated exhausted retries
// against a dead provider eventually fail fast.
func Build(cfg config.ProviderConfig, llmCfg config.LLMConfig, logger *slog.Logger) (domain.CompletionClient, error) {
	var client domain.CompletionClient

	switch cfg.Type {
	case "openai":
		client = NewOpenAIClient(cfg, logger)
	case "openrouter":
		client = NewOpenRouterClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}

	client = NewRetryClient(client, llmCfg.Retry, logger)

	if llmCfg.CircuitBreaker.Enabled {
		client = NewCircuitBreakerClient(client, llmCfg.CircuitBreaker, logger)
	}

	return NewPacedClient(client, cfg.RatePerSecond), nil
}
