package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

const (
	defaultMaxResults = 3
	searchResultCap   = 10
	defaultCacheTTL   = 15 * time.Minute
)

// cacheEntry holds a cached search result with its expiration time.
type cacheEntry struct {
	result    string
	expiresAt time.Time
}

// WebSearchProvider exposes an in-process web_search tool backed by a
// pluggable SearchBackend. Concurrent lookups for the same normalized query
// collapse into one backend call; completed results are cached with a TTL.
type WebSearchProvider struct {
	backend    SearchBackend
	cacheTTL   time.Duration
	maxResults int
	logger     *slog.Logger

	group singleflight.Group

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewWebSearchProvider creates the provider from configuration.
func NewWebSearchProvider(backend SearchBackend, cfg config.WebSearchConfig, logger *slog.Logger) *WebSearchProvider {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	return &WebSearchProvider{
		backend:    backend,
		cacheTTL:   ttl,
		maxResults: maxResults,
		logger:     logger,
		cache:      make(map[string]cacheEntry),
	}
}

// Name implements domain.ToolProvider.
func (p *WebSearchProvider) Name() string { return "web_search" }

// Connect implements domain.ToolProvider. The backend is in-process, so
// there is nothing to establish.
func (p *WebSearchProvider) Connect(ctx context.Context) error { return nil }

// Schemas implements domain.ToolProvider.
func (p *WebSearchProvider) Schemas() []domain.ToolSchema {
	return []domain.ToolSchema{{
		Name:        "web_search",
		Description: "Search the web for current information. Returns titles, URLs and snippets.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "The search query"},
				"max_results": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of results (default: 3)"}
			},
			"required": ["query"]
		}`),
	}}
}

// Owns implements domain.ToolProvider.
func (p *WebSearchProvider) Owns(name string) bool { return name == "web_search" }

// Invoke implements domain.ToolProvider.
func (p *WebSearchProvider) Invoke(ctx context.Context, name string, args map[string]any) string {
	if name != "web_search" {
		return fmt.Sprintf("Error: Tool %s not provided by web_search", name)
	}

	query, _ := args["query"].(string)
	query = strings.TrimSpace(query)
	if query == "" {
		return "Error: query must not be empty"
	}

	count := p.maxResults
	if raw, ok := args["max_results"]; ok {
		if f, ok := raw.(float64); ok && int(f) > 0 {
			count = int(f)
		}
	}
	if count > searchResultCap {
		count = searchResultCap
	}

	key := fmt.Sprintf("%s|%d", strings.ToLower(query), count)

	if cached, ok := p.getCached(key); ok {
		p.logger.Debug("web search cache hit", "query", query)
		return cached
	}

	// Identical in-flight lookups share one backend call.
	result, err, shared := p.group.Do(key, func() (any, error) {
		results, err := p.backend.Search(ctx, query, count)
		if err != nil {
			return nil, err
		}
		if len(results) > count {
			results = results[:count]
		}
		content := formatSearchResults(query, results)
		p.putCache(key, content)
		return content, nil
	})
	if err != nil {
		p.logger.Warn("web search failed", "query", query, "error", err)
		return fmt.Sprintf("Error: web search failed: %v", err)
	}
	if shared {
		p.logger.Debug("web search deduplicated", "query", query)
	}

	return result.(string)
}

// Cleanup implements domain.ToolProvider.
func (p *WebSearchProvider) Cleanup() {
	p.mu.Lock()
	p.cache = make(map[string]cacheEntry)
	p.mu.Unlock()
}

// formatSearchResults converts search results to a compact text format for
// model consumption.
func formatSearchResults(query string, results []SearchResult) string {
	if len(results) == 0 {
		return fmt.Sprintf("No search results found for %q.", query)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n\n", query)
	for i, r := range results {
		fmt.Fprintf(&sb, "%d. %s\n   URL: %s\n   %s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return sb.String()
}

// getCached returns a cached result if it exists and has not expired.
func (p *WebSearchProvider) getCached(key string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[key]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(p.cache, key)
		return "", false
	}
	return entry.result, true
}

// putCache stores a result in the cache with the configured TTL.
func (p *WebSearchProvider) putCache(key, result string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cache[key] = cacheEntry{
		result:    result,
		expiresAt: time.Now().Add(p.cacheTTL),
	}

	// Lazy eviction: remove expired entries if cache grows large.
	if len(p.cache) > 100 {
		now := time.Now()
		for k, v := range p.cache {
			if now.After(v.expiresAt) {
				delete(p.cache, k)
			}
		}
	}
}

// Compile-time interface check.
var _ domain.ToolProvider = (*WebSearchProvider)(nil)
