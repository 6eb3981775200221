package tool

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"equitylens/internal/infra/config"
)

func newTestFinvizProvider(t *testing.T, handler http.HandlerFunc) *FinvizProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewFinvizProvider(config.FinvizConfig{
		CrawlServiceURL: srv.URL,
		PollInterval:    5 * time.Millisecond,
		PollAttempts:    5,
	}, slog.Default())
}

func TestFinvizSubmitAndPoll(t *testing.T) {
	polls := 0
	p := newTestFinvizProvider(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/crawl":
			var req map[string]any
			json.NewDecoder(r.Body).Decode(&req)
			urls, _ := req["urls"].([]any)
			if len(urls) != 1 || !strings.Contains(urls[0].(string), "t=NVDA") {
				t.Errorf("unexpected crawl urls: %v", urls)
			}
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/task/task-1":
			polls++
			if polls < 3 {
				json.NewEncoder(w).Encode(map[string]string{"status": "processing"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"status": "completed",
				"result": map[string]any{
					"markdown": map[string]string{"fit_markdown": "| P/E | 42 |"},
				},
			})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	out := p.Invoke(context.Background(), "get_finviz_data", map[string]any{"ticker": "nvda"})
	if out != "| P/E | 42 |" {
		t.Errorf("output = %q", out)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestFinvizFailedTaskBecomesErrorText(t *testing.T) {
	p := newTestFinvizProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/crawl" {
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "failed", "error": "render crashed"})
	})

	out := p.Invoke(context.Background(), "get_finviz_data", map[string]any{"ticker": "AMD"})
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "render crashed") {
		t.Errorf("output = %q", out)
	}
}

func TestFinvizPollBudgetExhausted(t *testing.T) {
	p := newTestFinvizProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/crawl" {
			json.NewEncoder(w).Encode(map[string]string{"task_id": "task-3"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
	})

	out := p.Invoke(context.Background(), "get_finviz_data", map[string]any{"ticker": "MSFT"})
	if !strings.HasPrefix(out, "Error:") || !strings.Contains(out, "timed out") {
		t.Errorf("output = %q", out)
	}
}

func TestFinvizRejectsBadTicker(t *testing.T) {
	p := newTestFinvizProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for invalid ticker")
	})

	for _, bad := range []string{"", "lowercase with spaces", "TOOLONGTICKER", "NV;DROP"} {
		out := p.Invoke(context.Background(), "get_finviz_data", map[string]any{"ticker": bad})
		if !strings.HasPrefix(out, "Error:") {
			t.Errorf("ticker %q: expected error text, got %q", bad, out)
		}
	}
}
