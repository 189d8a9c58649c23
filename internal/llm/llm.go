// Package llm is the chat-completion seam between the orchestration core
// and model backends. Clients are constructed per call from a resolved
// model config, so the core treats providers as stateless: the engine, the
// history compactor and the memory worker all go through the same Client
// interface and never see wire formats.
package llm

import (
	"context"
	"fmt"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// FakeAnswer is the canned reply scripted fakes return by default. Tests
// assert on it literally.
const FakeAnswer = "测试回复"

// Request is one completion invocation. Model, token limits, temperature,
// stop sequences and the wire timeout all come from the ModelConfig the
// client was built with.
type Request struct {
	Messages []models.ChatMessage
}

// Result is the outcome of a unary completion.
type Result struct {
	Content   string
	Reasoning string
	Usage     models.Usage
}

// Chunk is one streamed completion fragment. Usage, when present, arrives
// once near stream end. Err terminates the stream; when it wraps
// ErrIncompleteStream the failure happened mid-stream and the caller may
// retry from scratch.
type Chunk struct {
	ContentDelta   string
	ReasoningDelta string
	Usage          *models.Usage
	Err            error
}

// Client is the provider-neutral completion capability.
type Client interface {
	// Name identifies the provider for logging and metrics.
	Name() string

	// Complete performs one non-streaming completion.
	Complete(ctx context.Context, req Request) (*Result, error)

	// StreamComplete starts a streaming completion. The returned channel is
	// closed after the final chunk; a chunk carrying Err ends the stream.
	StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error)
}

// Factory builds a client from a resolved model config. The engine and the
// memory worker accept a Factory so tests can substitute Fake providers.
type Factory func(mc config.ModelConfig) (Client, error)

// New is the default factory.
func New(mc config.ModelConfig) (Client, error) {
	switch mc.Provider {
	case "openai", "":
		return newOpenAIClient(mc), nil
	case "anthropic":
		return newAnthropicClient(mc), nil
	case "fake":
		return NewFake(FakeAnswer), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", mc.Provider)
	}
}
