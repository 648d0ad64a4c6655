package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"
)

var (
	// ErrMaxSteps indicates the turn exceeded its step limit.
	ErrMaxSteps = errors.New("max steps exceeded")

	// ErrNoProvider indicates no model provider is configured.
	ErrNoProvider = errors.New("no provider configured")

	// ErrStreamIncomplete indicates the stream closed without a finish event.
	ErrStreamIncomplete = errors.New("stream ended without finish")

	errSessionRequired = errors.New("session state is required")
)

// ErrorCategory classifies attempt-level failures for the retry controller.
type ErrorCategory string

const (
	CategoryRateLimit       ErrorCategory = "rate_limit"
	CategoryNetwork         ErrorCategory = "network"
	CategoryTimeout         ErrorCategory = "timeout"
	CategoryServer          ErrorCategory = "server"
	CategoryAuth            ErrorCategory = "auth"
	CategoryContextOverflow ErrorCategory = "context_overflow"
	CategoryCapability      ErrorCategory = "capability"
	CategoryInvalidRequest  ErrorCategory = "invalid_request"
	CategoryContentFilter   ErrorCategory = "content_filter"
	CategoryCancelled       ErrorCategory = "cancelled"
	CategoryFatal           ErrorCategory = "fatal"
)

// Transient reports whether the category is retried with backoff alone.
func (c ErrorCategory) Transient() bool {
	switch c {
	case CategoryRateLimit, CategoryNetwork, CategoryTimeout, CategoryServer:
		return true
	default:
		return false
	}
}

// ProviderError is a failure reported by a model provider. Providers set
// Category when they know it; otherwise Classify infers it from the status
// code and message.
type ProviderError struct {
	Provider   string
	StatusCode int
	Category   ErrorCategory
	Message    string
	RetryAfter time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	var parts []string
	if e.Provider != "" {
		parts = append(parts, e.Provider+":")
	}
	if e.StatusCode != 0 {
		parts = append(parts, fmt.Sprintf("status %d", e.StatusCode))
	}
	switch {
	case e.Message != "":
		parts = append(parts, e.Message)
	case e.Cause != nil:
		parts = append(parts, e.Cause.Error())
	}
	if len(parts) == 0 {
		return "provider error"
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// TurnError is the terminal failure of a turn.
type TurnError struct {
	Category ErrorCategory
	Cause    error
	Attempts int
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	msg := fmt.Sprintf("turn failed [%s]", e.Category)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" (attempts=%d)", e.Attempts)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}

// Classify determines the category of an attempt-level error.
func Classify(err error) ErrorCategory {
	if err == nil {
		return CategoryFatal
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCancelled
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		if pe.Category != "" {
			return pe.Category
		}
		msg := pe.Error()
		if c, ok := classifySpecific(msg); ok {
			return c
		}
		if c, ok := classifyStatus(pe.StatusCode); ok {
			return c
		}
		if c, ok := classifyGeneral(msg); ok {
			return c
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if errors.Is(err, ErrStreamIncomplete) {
		return CategoryNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	if c, ok := classifySpecific(err.Error()); ok {
		return c
	}
	if c, ok := classifyGeneral(err.Error()); ok {
		return c
	}
	return CategoryFatal
}

func classifyStatus(code int) (ErrorCategory, bool) {
	switch {
	case code == 429:
		return CategoryRateLimit, true
	case code == 401 || code == 403:
		return CategoryAuth, true
	case code == 408:
		return CategoryTimeout, true
	case code == 413:
		return CategoryContextOverflow, true
	case code == 400 || code == 404 || code == 422:
		return CategoryInvalidRequest, true
	case code >= 500 && code <= 599:
		return CategoryServer, true
	}
	return "", false
}

// classifySpecific matches conditions that providers report as generic
// 400s, so they take precedence over the status code.
func classifySpecific(msg string) (ErrorCategory, bool) {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, "context length", "context window", "context_length_exceeded", "maximum context", "prompt is too long", "too many tokens", "request too large"):
		return CategoryContextOverflow, true
	case containsAny(s, "thinking is not supported", "reasoning is not supported", "does not support thinking", "does not support reasoning", "unsupported reasoning", "reasoning_effort", "budget_tokens"):
		return CategoryCapability, true
	case containsAny(s, "content filter", "content_filter", "content policy", "safety system"):
		return CategoryContentFilter, true
	}
	return "", false
}

var (
	rateLimitCode = regexp.MustCompile(`\b429\b`)
	authCode      = regexp.MustCompile(`\b40[13]\b`)
	serverCode    = regexp.MustCompile(`\b5(?:00|02|03|04|29)\b`)
	badCode       = regexp.MustCompile(`\b400\b`)
)

// classifyGeneral matches error text when no status code decided. Status
// numbers only count as whole words.
func classifyGeneral(msg string) (ErrorCategory, bool) {
	s := strings.ToLower(msg)
	switch {
	case containsAny(s, "rate limit", "rate_limit", "too many requests") || rateLimitCode.MatchString(s):
		return CategoryRateLimit, true
	case containsAny(s, "unauthorized", "invalid api key", "invalid x-api-key", "authentication", "token expired") || authCode.MatchString(s):
		return CategoryAuth, true
	case containsAny(s, "timeout", "timed out", "deadline exceeded"):
		return CategoryTimeout, true
	case containsAny(s, "connection reset", "connection refused", "broken pipe", "eof", "no such host", "network"):
		return CategoryNetwork, true
	case containsAny(s, "internal server", "server error", "bad gateway", "service unavailable", "overloaded") || serverCode.MatchString(s):
		return CategoryServer, true
	case containsAny(s, "invalid request", "bad request", "invalid_request") || badCode.MatchString(s):
		return CategoryInvalidRequest, true
	}
	return "", false
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
