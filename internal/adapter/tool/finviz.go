package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"equitylens/internal/domain"
	"equitylens/internal/infra/config"
)

const maxCrawlBodySize = 2 * 1024 * 1024 // 2MB

var tickerPattern = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z])?$`)

// FinvizProvider exposes get_finviz_data, which fetches a finviz quote page
// through a Crawl4AI rendering service. The service runs crawls
// asynchronously: submit a job, then poll the task endpoint until it
// completes or the attempt budget runs out.
type FinvizProvider struct {
	serviceURL   string
	pollInterval time.Duration
	pollAttempts int
	client       *http.Client
	logger       *slog.Logger
}

// NewFinvizProvider creates the provider from configuration.
func NewFinvizProvider(cfg config.FinvizConfig, logger *slog.Logger) *FinvizProvider {
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = 3 * time.Second
	}
	attempts := cfg.PollAttempts
	if attempts <= 0 {
		attempts = 30
	}
	return &FinvizProvider{
		serviceURL:   strings.TrimRight(cfg.CrawlServiceURL, "/"),
		pollInterval: interval,
		pollAttempts: attempts,
		client:       &http.Client{Timeout: 30 * time.Second},
		logger:       logger,
	}
}

// Name implements domain.ToolProvider.
func (p *FinvizProvider) Name() string { return "finviz" }

// Connect implements domain.ToolProvider. Crawl jobs are submitted per
// call; there is no persistent connection.
func (p *FinvizProvider) Connect(ctx context.Context) error { return nil }

// Schemas implements domain.ToolProvider.
func (p *FinvizProvider) Schemas() []domain.ToolSchema {
	return []domain.ToolSchema{{
		Name:        "get_finviz_data",
		Description: "Fetch the finviz.com quote snapshot for a ticker: price, valuation ratios, analyst targets and recent headlines.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"ticker": {"type": "string", "description": "Stock ticker symbol, e.g. NVDA"}
			},
			"required": ["ticker"]
		}`),
	}}
}

// Owns implements domain.ToolProvider.
func (p *FinvizProvider) Owns(name string) bool { return name == "get_finviz_data" }

// Invoke implements domain.ToolProvider.
func (p *FinvizProvider) Invoke(ctx context.Context, name string, args map[string]any) string {
	if name != "get_finviz_data" {
		return fmt.Sprintf("Error: Tool %s not provided by finviz", name)
	}

	ticker, _ := args["ticker"].(string)
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if !tickerPattern.MatchString(ticker) {
		return fmt.Sprintf("Error: invalid ticker %q", ticker)
	}

	markdown, err := p.crawl(ctx, "https://finviz.com/quote.ashx?t="+ticker)
	if err != nil {
		p.logger.Warn("finviz crawl failed", "ticker", ticker, "error", err)
		return fmt.Sprintf("Error: finviz data for %s unavailable: %v", ticker, err)
	}
	return markdown
}

// Cleanup implements domain.ToolProvider.
func (p *FinvizProvider) Cleanup() {}

type crawlSubmitResponse struct {
	TaskID string `json:"task_id"`
}

type crawlTaskResponse struct {
	Status string `json:"status"` // "pending", "processing", "completed", "failed"
	Result struct {
		Markdown struct {
			FitMarkdown string `json:"fit_markdown"`
			RawMarkdown string `json:"raw_markdown"`
		} `json:"markdown"`
	} `json:"result"`
	Error string `json:"error,omitempty"`
}

// crawl submits a render job and polls it to completion.
func (p *FinvizProvider) crawl(ctx context.Context, url string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"urls":     []string{url},
		"priority": 10,
	})
	if err != nil {
		return "", fmt.Errorf("marshal crawl request: %w", err)
	}

	body, err := p.doRequest(ctx, http.MethodPost, p.serviceURL+"/crawl", payload)
	if err != nil {
		return "", err
	}

	var submit crawlSubmitResponse
	if err := json.Unmarshal(body, &submit); err != nil {
		return "", fmt.Errorf("parse submit response: %w", err)
	}
	if submit.TaskID == "" {
		return "", fmt.Errorf("crawl service returned no task id")
	}

	for attempt := 0; attempt < p.pollAttempts; attempt++ {
		select {
		case <-time.After(p.pollInterval):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		body, err := p.doRequest(ctx, http.MethodGet, p.serviceURL+"/task/"+submit.TaskID, nil)
		if err != nil {
			return "", err
		}

		var task crawlTaskResponse
		if err := json.Unmarshal(body, &task); err != nil {
			return "", fmt.Errorf("parse task response: %w", err)
		}

		switch task.Status {
		case "completed":
			if md := task.Result.Markdown.FitMarkdown; md != "" {
				return md, nil
			}
			if md := task.Result.Markdown.RawMarkdown; md != "" {
				return md, nil
			}
			return "", fmt.Errorf("crawl completed with empty content")
		case "failed":
			return "", fmt.Errorf("crawl failed: %s", task.Error)
		}
	}

	return "", fmt.Errorf("crawl timed out after %d polls", p.pollAttempts)
}

func (p *FinvizProvider) doRequest(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("crawl service request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCrawlBodySize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("crawl service HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Compile-time interface check.
var _ domain.ToolProvider = (*FinvizProvider)(nil)
