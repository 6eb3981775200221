package tool

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"equitylens/internal/infra/config"
)

// mockSearchBackend counts calls and optionally blocks until released.
type mockSearchBackend struct {
	calls   atomic.Int32
	block   chan struct{}
	failErr error
}

func (m *mockSearchBackend) Name() string { return "mock" }

func (m *mockSearchBackend) Search(ctx context.Context, query string, count int) ([]SearchResult, error) {
	m.calls.Add(1)
	if m.block != nil {
		<-m.block
	}
	if m.failErr != nil {
		return nil, m.failErr
	}
	return []SearchResult{
		{Title: "Result for " + query, URL: "https://example.test/1", Content: "snippet"},
	}, nil
}

func newTestSearchProvider(backend SearchBackend) *WebSearchProvider {
	return NewWebSearchProvider(backend, config.WebSearchConfig{
		CacheTTL:   time.Minute,
		MaxResults: 3,
	}, slog.Default())
}

func TestWebSearchInvoke(t *testing.T) {
	backend := &mockSearchBackend{}
	p := newTestSearchProvider(backend)

	out := p.Invoke(context.Background(), "web_search", map[string]any{"query": "NVDA earnings"})
	if !strings.Contains(out, "Result for NVDA earnings") {
		t.Errorf("unexpected output: %q", out)
	}
	if backend.calls.Load() != 1 {
		t.Errorf("backend calls = %d, want 1", backend.calls.Load())
	}
}

func TestWebSearchSingleFlight(t *testing.T) {
	backend := &mockSearchBackend{block: make(chan struct{})}
	p := newTestSearchProvider(backend)

	const n = 8
	var wg sync.WaitGroup
	outs := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outs[idx] = p.Invoke(context.Background(), "web_search", map[string]any{"query": "tsla"})
		}(i)
	}

	// Give the goroutines time to pile onto the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(backend.block)
	wg.Wait()

	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (deduplicated)", got)
	}
	for i, out := range outs {
		if out != outs[0] {
			t.Errorf("out[%d] differs: %q vs %q", i, out, outs[0])
		}
	}
}

func TestWebSearchCacheHit(t *testing.T) {
	backend := &mockSearchBackend{}
	p := newTestSearchProvider(backend)

	ctx := context.Background()
	p.Invoke(ctx, "web_search", map[string]any{"query": "AAPL"})
	// Same query, different case and surrounding space: same cache key.
	p.Invoke(ctx, "web_search", map[string]any{"query": "  aapl "})

	if got := backend.calls.Load(); got != 1 {
		t.Errorf("backend calls = %d, want 1 (cached)", got)
	}
}

func TestWebSearchErrorBecomesText(t *testing.T) {
	backend := &mockSearchBackend{failErr: errors.New("backend down")}
	p := newTestSearchProvider(backend)

	out := p.Invoke(context.Background(), "web_search", map[string]any{"query": "x"})
	if !strings.HasPrefix(out, "Error:") {
		t.Errorf("expected error text, got %q", out)
	}
}

func TestWebSearchEmptyQuery(t *testing.T) {
	p := newTestSearchProvider(&mockSearchBackend{})
	out := p.Invoke(context.Background(), "web_search", map[string]any{"query": "   "})
	if !strings.HasPrefix(out, "Error:") {
		t.Errorf("expected error text, got %q", out)
	}
}

func TestWebSearchOwns(t *testing.T) {
	p := newTestSearchProvider(&mockSearchBackend{})
	if !p.Owns("web_search") {
		t.Error("should own web_search")
	}
	if p.Owns("get_finviz_data") {
		t.Error("should not own finviz tool")
	}
}
