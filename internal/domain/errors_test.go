package domain

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Agent.PerformTask", ErrMaxToolCycles, "cycle 8")

	if !errors.Is(err, ErrMaxToolCycles) {
		t.Error("expected errors.Is to match ErrMaxToolCycles")
	}
	want := "Agent.PerformTask: cycle 8: agent reached max tool cycles"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestErrorCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, CodeUnknown},
		{"sentinel", ErrRateLimit, CodeRateLimit},
		{"domain error", NewDomainError("op", ErrToolNotFound, ""), CodeToolNotFound},
		{"wrapped", fmt.Errorf("outer: %w", ErrProviderUnavailable), CodeProviderUnavailable},
		{"unknown", errors.New("mystery"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ErrorCodeOf(tt.err); got != tt.want {
				t.Errorf("ErrorCodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryableError(t *testing.T) {
	if !IsRetryableError(ErrRateLimit) {
		t.Error("rate limit should be retryable")
	}
	if !IsRetryableError(fmt.Errorf("wrap: %w", ErrProviderUnavailable)) {
		t.Error("provider unavailable should be retryable")
	}
	if IsRetryableError(ErrProviderFatal) {
		t.Error("fatal provider error should not be retryable")
	}
}

func TestWrapOpNil(t *testing.T) {
	if WrapOp("op", nil) != nil {
		t.Error("WrapOp(nil) should return nil")
	}
}

func TestSessionError(t *testing.T) {
	err := &SessionError{
		Phase:    "parallel_specialist_analysis",
		Failures: map[string]error{"Quantitative": errors.New("timeout")},
	}
	msg := err.Error()
	if msg == "" {
		t.Fatal("empty error message")
	}
	for _, want := range []string{"parallel_specialist_analysis", "Quantitative", "timeout"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}
