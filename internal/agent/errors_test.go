package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

type timeoutErr struct{ timeout bool }

func (e timeoutErr) Error() string   { return "dial failed" }
func (e timeoutErr) Timeout() bool   { return e.timeout }
func (e timeoutErr) Temporary() bool { return false }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{name: "nil", err: nil, want: CategoryFatal},
		{name: "cancelled", err: fmt.Errorf("stream: %w", context.Canceled), want: CategoryCancelled},
		{name: "deadline", err: context.DeadlineExceeded, want: CategoryTimeout},
		{name: "explicit category", err: &ProviderError{Category: CategoryAuth, StatusCode: 500}, want: CategoryAuth},
		{name: "429", err: &ProviderError{StatusCode: 429}, want: CategoryRateLimit},
		{name: "401", err: &ProviderError{StatusCode: 401}, want: CategoryAuth},
		{name: "403", err: &ProviderError{StatusCode: 403}, want: CategoryAuth},
		{name: "408", err: &ProviderError{StatusCode: 408}, want: CategoryTimeout},
		{name: "413", err: &ProviderError{StatusCode: 413}, want: CategoryContextOverflow},
		{name: "503", err: &ProviderError{StatusCode: 503}, want: CategoryServer},
		{name: "422", err: &ProviderError{StatusCode: 422}, want: CategoryInvalidRequest},
		{name: "400 overflow text", err: &ProviderError{StatusCode: 400, Message: "prompt is too long: 210000 tokens"}, want: CategoryContextOverflow},
		{name: "400 reasoning text", err: &ProviderError{StatusCode: 400, Message: "This model does not support thinking"}, want: CategoryCapability},
		{name: "wrapped provider error", err: fmt.Errorf("step 2: %w", &ProviderError{StatusCode: 529, Message: "overloaded"}), want: CategoryServer},
		{name: "503 overloaded", err: &ProviderError{StatusCode: 503, Message: "overloaded"}, want: CategoryServer},
		{name: "400 number in text", err: &ProviderError{StatusCode: 400, Message: "max_tokens must be at most 8192, got 25000"}, want: CategoryInvalidRequest},
		{name: "status beats rate text", err: &ProviderError{StatusCode: 401, Message: "too many requests with this key"}, want: CategoryAuth},
		{name: "whole word code in text", err: errors.New("upstream replied 503"), want: CategoryServer},
		{name: "code inside number", err: errors.New("request id 45003 failed"), want: CategoryFatal},
		{name: "stream incomplete", err: ErrStreamIncomplete, want: CategoryNetwork},
		{name: "net timeout", err: timeoutErr{timeout: true}, want: CategoryTimeout},
		{name: "net error", err: timeoutErr{}, want: CategoryNetwork},
		{name: "connection reset text", err: errors.New("read tcp: connection reset by peer"), want: CategoryNetwork},
		{name: "content filter text", err: errors.New("output blocked by content_filter"), want: CategoryContentFilter},
		{name: "unknown", err: errors.New("something odd"), want: CategoryFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	for _, c := range []ErrorCategory{CategoryRateLimit, CategoryNetwork, CategoryTimeout, CategoryServer} {
		if !c.Transient() {
			t.Errorf("%s should be transient", c)
		}
	}
	for _, c := range []ErrorCategory{CategoryAuth, CategoryInvalidRequest, CategoryFatal, CategoryCancelled} {
		if c.Transient() {
			t.Errorf("%s should not be transient", c)
		}
	}
}

func TestTurnErrorUnwraps(t *testing.T) {
	cause := &ProviderError{StatusCode: 500, Message: "boom"}
	err := error(&TurnError{Category: CategoryServer, Cause: cause, Attempts: 5})

	var pe *ProviderError
	if !errors.As(err, &pe) || pe != cause {
		t.Fatal("TurnError should unwrap to its cause")
	}
	if got := err.Error(); got == "" {
		t.Fatal("empty error text")
	}
}
