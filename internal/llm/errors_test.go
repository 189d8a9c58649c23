package llm

import (
	"errors"
	"fmt"
	"testing"
)

func TestReasonIsRetryable(t *testing.T) {
	tests := []struct {
		reason   Reason
		expected bool
	}{
		{ReasonRateLimit, true},
		{ReasonTimeout, true},
		{ReasonServerError, true},
		{ReasonBilling, false},
		{ReasonAuth, false},
		{ReasonInvalidRequest, false},
		{ReasonModelUnavailable, false},
		{ReasonContentFilter, false},
		{ReasonUnknown, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			if got := tt.reason.IsRetryable(); got != tt.expected {
				t.Errorf("Reason(%q).IsRetryable() = %v, want %v", tt.reason, got, tt.expected)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Reason
	}{
		{"nil", nil, ReasonUnknown},
		{"timeout", errors.New("request timeout"), ReasonTimeout},
		{"deadline", errors.New("context deadline exceeded"), ReasonTimeout},
		{"rate limit text", errors.New("rate limit exceeded"), ReasonRateLimit},
		{"rate limit status", errors.New("status 429"), ReasonRateLimit},
		{"auth", errors.New("invalid api key"), ReasonAuth},
		{"billing", errors.New("insufficient quota"), ReasonBilling},
		{"model", errors.New("model not found"), ReasonModelUnavailable},
		{"server", errors.New("internal server error"), ReasonServerError},
		{"unknown", errors.New("something odd"), ReasonUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyError(tt.err); got != tt.want {
				t.Errorf("ClassifyError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestProviderErrorStatusOverridesTextClassification(t *testing.T) {
	pe := newProviderError("openai", "gpt-4o", errors.New("boom")).withStatus(429)
	if pe.Reason != ReasonRateLimit {
		t.Fatalf("Reason = %q, want %q", pe.Reason, ReasonRateLimit)
	}
	if !IsRetryable(pe) {
		t.Fatal("IsRetryable() = false, want true")
	}
}

func TestProviderErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	pe := newProviderError("anthropic", "claude", cause)

	got, ok := GetProviderError(fmt.Errorf("call failed: %w", pe))
	if !ok {
		t.Fatal("GetProviderError() = false, want true")
	}
	if got.Provider != "anthropic" {
		t.Errorf("Provider = %q, want %q", got.Provider, "anthropic")
	}
	if !errors.Is(pe, cause) {
		t.Error("errors.Is(pe, cause) = false, want true")
	}
}

func TestIncompleteStreamMarker(t *testing.T) {
	err := fmt.Errorf("%w: connection reset", ErrIncompleteStream)
	if !errors.Is(err, ErrIncompleteStream) {
		t.Fatal("errors.Is(err, ErrIncompleteStream) = false, want true")
	}
	if errors.Is(errors.New("connection reset"), ErrIncompleteStream) {
		t.Fatal("unmarked error matched ErrIncompleteStream")
	}
}
