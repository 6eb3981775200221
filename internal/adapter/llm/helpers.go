package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/trace"

	"equitylens/internal/domain"
	"equitylens/internal/infra/tracer"
)

// maxResponseBody is the maximum response body size we read from LLM APIs.
const maxResponseBody = 10 * 1024 * 1024 // 10 MB

// RateLimitError wraps domain.ErrRateLimit and carries the server-advised
// wait when the 429 response included a Retry-After header.
type RateLimitError struct {
	RetryAfter time.Duration // 0 = server gave no usable hint
	Detail     string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrRateLimit, e.Detail)
}

func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimit }

// doJSONRequest performs a JSON POST request and returns the response body.
// It handles: create request, set headers, execute, read body (with limit),
// and check HTTP status code. Returns a domain error for non-200 responses.
func doJSONRequest(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(httpResp.StatusCode, httpResp.Header, respBody)
	}

	return respBody, nil
}

// mapHTTPError maps an HTTP status code + response to a domain error.
// The retry layer keys its delay policy off these sentinels.
func mapHTTPError(statusCode int, header http.Header, body []byte) error {
	detail := fmt.Sprintf("API error %d: %s", statusCode, string(body))

	switch {
	case statusCode == http.StatusTooManyRequests: // 429
		return &RateLimitError{
			RetryAfter: parseRetryAfter(header.Get("Retry-After")),
			Detail:     detail,
		}
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden: // 401, 403
		return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, detail)
	case statusCode == http.StatusRequestEntityTooLarge: // 413
		return fmt.Errorf("%w: %s", domain.ErrContextOverflow, detail)
	case statusCode >= 500: // 500, 502, 503, etc.
		return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, detail)
	default:
		return fmt.Errorf("%s", detail)
	}
}

// parseRetryAfter interprets a Retry-After header value in seconds.
// An unparseable value falls back to 60s, matching the conservative wait
// most providers intend when they bother sending the header at all.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 60 * time.Second
	}
	return time.Duration(secs) * time.Second
}

// logChatCompleted logs the standard debug message after a successful completion.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm completion finished",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs adds token usage attributes to a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}
