package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer.
var (
	ErrRateLimit           = fmt.Errorf("rate limit exceeded")
	ErrProviderUnavailable = fmt.Errorf("provider unavailable")
	ErrProviderFatal       = fmt.Errorf("provider failed after retries")
	ErrAuthInvalid         = fmt.Errorf("authentication failed")
	ErrContextOverflow     = fmt.Errorf("context window exceeded")
	ErrMaxToolCycles       = fmt.Errorf("agent reached max tool cycles")
	ErrToolNotFound        = fmt.Errorf("tool not found")
	ErrToolHostConnection  = fmt.Errorf("tool host connection failed")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrAuditWrite          = fmt.Errorf("audit store write failed")
	ErrSessionActive       = fmt.Errorf("research session already running")
	ErrProfileInvalid      = fmt.Errorf("agent profile invalid")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Agent.PerformTask")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is transient and may succeed on retry.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrProviderUnavailable)
}

// ErrorCode is a machine-parseable error category for monitoring.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeRateLimit           ErrorCode = "RATE_LIMIT"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeProviderFatal       ErrorCode = "PROVIDER_FATAL"
	CodeAuthInvalid         ErrorCode = "AUTH_INVALID"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeMaxToolCycles       ErrorCode = "MAX_TOOL_CYCLES"
	CodeToolNotFound        ErrorCode = "TOOL_NOT_FOUND"
	CodeToolHostConnection  ErrorCode = "TOOL_HOST_CONNECTION"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeAuditWrite          ErrorCode = "AUDIT_WRITE"
	CodeSessionActive       ErrorCode = "SESSION_ACTIVE"
	CodeProfileInvalid      ErrorCode = "PROFILE_INVALID"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrRateLimit:           CodeRateLimit,
	ErrProviderUnavailable: CodeProviderUnavailable,
	ErrProviderFatal:       CodeProviderFatal,
	ErrAuthInvalid:         CodeAuthInvalid,
	ErrContextOverflow:     CodeContextOverflow,
	ErrMaxToolCycles:       CodeMaxToolCycles,
	ErrToolNotFound:        CodeToolNotFound,
	ErrToolHostConnection:  CodeToolHostConnection,
	ErrConfigLoad:          CodeConfigLoad,
	ErrAuditWrite:          CodeAuditWrite,
	ErrSessionActive:       CodeSessionActive,
	ErrProfileInvalid:      CodeProfileInvalid,
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

// SessionError is returned when a research session fails as a whole.
// It names each specialist that failed and why.
type SessionError struct {
	Phase    string
	Failures map[string]error
}

func (e *SessionError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("research session failed in phase %s", e.Phase)
	}
	msg := fmt.Sprintf("research session failed in phase %s:", e.Phase)
	for name, err := range e.Failures {
		msg += fmt.Sprintf(" %s: %v;", name, err)
	}
	return msg
}
