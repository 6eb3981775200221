package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

// RetryClient wraps a CompletionClient with bounded retries. The delay
// policy depends on the failure class:
//
//   - rate limits honor the server's Retry-After when present, otherwise
//     exponential backoff capped at BackoffCap
//   - provider-unavailable (model still loading on local servers) waits a
//     fixed WarmupDelay
//   - everything else backs off exponentially, uncapped by BackoffCap
//
// After MaxRetries attempts the last error is wrapped in ErrProviderFatal.
type RetryClient struct {
	inner  domain.CompletionClient
	cfg    config.RetryConfig
	logger *slog.Logger

	// sleep is swappable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryClient wraps inner with the retry policy from cfg.
func NewRetryClient(inner domain.CompletionClient, cfg config.RetryConfig, logger *slog.Logger) *RetryClient {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 120 * time.Second
	}
	if cfg.WarmupDelay <= 0 {
		cfg.WarmupDelay = 10 * time.Second
	}
	return &RetryClient{
		inner:  inner,
		cfg:    cfg,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Complete implements domain.CompletionClient.
func (c *RetryClient) Complete(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		resp, err := c.inner.Complete(ctx, req)
		if err == nil {
			resp.Usage.Normalize()
			return resp, nil
		}
		lastErr = err

		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.delayFor(err, attempt)
		c.logger.Warn("completion failed, retrying",
			"provider", c.inner.Name(),
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}

	return nil, fmt.Errorf("%w: %w", domain.ErrProviderFatal, lastErr)
}

// delayFor selects the wait before the next attempt based on the error class.
func (c *RetryClient) delayFor(err error, attempt int) time.Duration {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		if rle.RetryAfter > 0 {
			return rle.RetryAfter
		}
		return capDuration(expBackoff(attempt), c.cfg.BackoffCap)
	}
	if errors.Is(err, domain.ErrProviderUnavailable) {
		return c.cfg.WarmupDelay
	}
	return expBackoff(attempt)
}

// Name implements domain.CompletionClient.
func (c *RetryClient) Name() string { return c.inner.Name() }

// expBackoff returns 2^attempt seconds.
func expBackoff(attempt int) time.Duration {
	if attempt > 20 {
		attempt = 20
	}
	return time.Duration(1<<uint(attempt)) * time.Second
}

func capDuration(d, limit time.Duration) time.Duration {
	if d > limit {
		return limit
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Compile-time interface check.
var _ domain.CompletionClient = (*RetryClient)(nil)
