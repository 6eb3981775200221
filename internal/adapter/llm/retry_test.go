package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

// scriptedClient returns queued results in order, then repeats the last.
type scriptedClient struct {
	calls   int
	results []scriptedResult
}

type scriptedResult struct {
	resp *domain.ChatResponse
	err  error
}

func (s *scriptedClient) Complete(_ context.Context, _ domain.ChatRequest) (*domain.ChatResponse, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	r := s.results[idx]
	return r.resp, r.err
}

func (s *scriptedClient) Name() string { return "scripted" }

func newTestRetryClient(inner domain.CompletionClient, cfg config.RetryConfig) (*RetryClient, *[]time.Duration) {
	rc := NewRetryClient(inner, cfg, slog.Default())
	var delays []time.Duration
	rc.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return rc, &delays
}

func okResponse() *domain.ChatResponse {
	return &domain.ChatResponse{
		Message: domain.Message{Role: domain.RoleAssistant, Content: "done"},
		Usage:   domain.Usage{PromptTokens: 5, CompletionTokens: 5},
	}
}

func TestRetrySucceedsAfterTransientError(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: &RateLimitError{Detail: "slow down"}},
		{resp: okResponse()},
	}}
	rc, delays := newTestRetryClient(inner, config.RetryConfig{MaxRetries: 3})

	resp, err := rc.Complete(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Message.Content != "done" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("usage not normalized: %+v", resp.Usage)
	}
	if len(*delays) != 1 {
		t.Fatalf("expected 1 sleep, got %d", len(*delays))
	}
}

func TestRetryHonorsRetryAfter(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: &RateLimitError{RetryAfter: 7 * time.Second, Detail: "429"}},
		{resp: okResponse()},
	}}
	rc, delays := newTestRetryClient(inner, config.RetryConfig{MaxRetries: 3})

	if _, err := rc.Complete(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if (*delays)[0] != 7*time.Second {
		t.Errorf("delay = %v, want 7s", (*delays)[0])
	}
}

func TestRetryRateLimitBackoffCapped(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: &RateLimitError{Detail: "429"}},
	}}
	rc, delays := newTestRetryClient(inner, config.RetryConfig{
		MaxRetries: 8,
		BackoffCap: 4 * time.Second,
	})

	_, err := rc.Complete(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrProviderFatal) {
		t.Fatalf("expected fatal error, got %v", err)
	}

	// Delays are monotonically non-decreasing and never exceed the cap.
	prev := time.Duration(0)
	for i, d := range *delays {
		if d < prev {
			t.Errorf("delay[%d] = %v decreased from %v", i, d, prev)
		}
		if d > 4*time.Second {
			t.Errorf("delay[%d] = %v exceeds cap", i, d)
		}
		prev = d
	}
	if len(*delays) != 7 {
		t.Errorf("expected 7 sleeps for 8 attempts, got %d", len(*delays))
	}
}

func TestRetryUnavailableUsesFixedWarmup(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: fmt.Errorf("%w: model loading", domain.ErrProviderUnavailable)},
		{err: fmt.Errorf("%w: model loading", domain.ErrProviderUnavailable)},
		{resp: okResponse()},
	}}
	rc, delays := newTestRetryClient(inner, config.RetryConfig{
		MaxRetries:  3,
		WarmupDelay: 2 * time.Second,
	})

	if _, err := rc.Complete(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	for i, d := range *delays {
		if d != 2*time.Second {
			t.Errorf("delay[%d] = %v, want fixed 2s", i, d)
		}
	}
}

func TestRetryExhaustionWrapsFatal(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: errors.New("boom")},
	}}
	rc, _ := newTestRetryClient(inner, config.RetryConfig{MaxRetries: 3})

	_, err := rc.Complete(context.Background(), domain.ChatRequest{})
	if !errors.Is(err, domain.ErrProviderFatal) {
		t.Fatalf("expected ErrProviderFatal, got %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryOtherErrorsBackOffExponentially(t *testing.T) {
	inner := &scriptedClient{results: []scriptedResult{
		{err: errors.New("flaky")},
		{err: errors.New("flaky")},
		{resp: okResponse()},
	}}
	rc, delays := newTestRetryClient(inner, config.RetryConfig{MaxRetries: 4})

	if _, err := rc.Complete(context.Background(), domain.ChatRequest{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	for i, w := range want {
		if (*delays)[i] != w {
			t.Errorf("delay[%d] = %v, want %v", i, (*delays)[i], w)
		}
	}
}
