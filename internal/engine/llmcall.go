package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/llm"
	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

const (
	// streamRetryBase is the first retry delay; each attempt doubles it.
	streamRetryBase = 200 * time.Millisecond
	// streamRetryJitter spreads delays ±10% so synchronized retries fan out.
	streamRetryJitter = 0.1
)

// callLLM performs one model invocation in the mode the config selects and
// emits llm_request and llm_response around it. The client is rebuilt per
// call, so config changes between rounds take effect immediately.
func (e *Engine) callLLM(ctx context.Context, s *session) (*llm.Result, error) {
	client, err := e.factory(s.mc)
	if err != nil {
		return nil, NewError(CodeLLMUnavailable, err.Error())
	}

	s.em.Emit(ctx, models.EventLLMRequest, map[string]any{
		"round":         s.round,
		"model":         s.mc.Model,
		"message_count": len(s.messages),
	})

	start := time.Now()
	var res *llm.Result
	if s.mc.StreamEnabled() {
		res, err = e.streamLLM(ctx, s, client)
	} else {
		res, err = e.unaryLLM(ctx, s, client)
	}
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.RecordLLMRequest(client.Name(), s.mc.Model, "error", elapsed.Seconds(), 0, 0)
		return nil, err
	}
	e.metrics.RecordLLMRequest(client.Name(), s.mc.Model, "ok", elapsed.Seconds(),
		res.Usage.InputTokens, res.Usage.OutputTokens)
	s.em.Emit(ctx, models.EventLLMResponse, map[string]any{
		"round":     s.round,
		"model":     s.mc.Model,
		"elapsed_s": elapsed.Seconds(),
	})
	return res, nil
}

func (e *Engine) unaryLLM(ctx context.Context, s *session, client llm.Client) (*llm.Result, error) {
	res, err := client.Complete(ctx, llm.Request{Messages: s.messages})
	if err != nil {
		if cpErr := e.checkpoint(ctx, s.id); cpErr != nil {
			return nil, cpErr
		}
		return nil, NewError(CodeLLMUnavailable, err.Error())
	}
	if err := e.checkpoint(ctx, s.id); err != nil {
		return nil, err
	}
	return res, nil
}

// streamLLM consumes a streaming completion, retrying from scratch when the
// stream breaks mid-flight. Accumulated output is discarded on retry; the
// llm_stream_retry event tells clients to reset their buffers.
func (e *Engine) streamLLM(ctx context.Context, s *session, client llm.Client) (*llm.Result, error) {
	maxAttempts := s.mc.Retry
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		res, err := e.consumeStream(ctx, s, client)
		if err == nil {
			return res, nil
		}
		var coded *Error
		if errors.As(err, &coded) {
			return nil, coded
		}
		if !errors.Is(err, llm.ErrIncompleteStream) {
			return nil, NewError(CodeLLMUnavailable, err.Error())
		}
		if attempt >= maxAttempts {
			s.em.Emit(ctx, models.EventLLMStreamRetry, map[string]any{
				"attempt":      attempt,
				"max_attempts": maxAttempts,
				"delay_s":      0.0,
				"reset_output": false,
				"will_retry":   false,
				"final":        true,
			})
			return nil, NewError(CodeLLMUnavailable, err.Error())
		}

		delay := retryDelay(attempt)
		s.em.Emit(ctx, models.EventLLMStreamRetry, map[string]any{
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"delay_s":      delay.Seconds(),
			"reset_output": true,
			"will_retry":   true,
			"final":        false,
		})
		e.logger.Warn(ctx, "llm stream interrupted, retrying",
			"session_id", s.id, "attempt", attempt, "max_attempts", maxAttempts,
			"delay_s", delay.Seconds(), "error", err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, NewError(CodeCancelled, "request context cancelled")
		}
		if err := e.checkpoint(ctx, s.id); err != nil {
			return nil, err
		}
	}
}

// consumeStream drains one streaming attempt, emitting llm_output_delta per
// fragment and checking the cancel flag between chunks. The derived context
// stops the producer when consumption ends early.
func (e *Engine) consumeStream(ctx context.Context, s *session, client llm.Client) (*llm.Result, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := client.StreamComplete(streamCtx, llm.Request{Messages: s.messages})
	if err != nil {
		return nil, err
	}

	var content, reasoning strings.Builder
	var usage *models.Usage
	for chunk := range chunks {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if err := e.checkpoint(ctx, s.id); err != nil {
			return nil, err
		}
		if chunk.ContentDelta != "" || chunk.ReasoningDelta != "" {
			content.WriteString(chunk.ContentDelta)
			reasoning.WriteString(chunk.ReasoningDelta)
			s.em.Emit(ctx, models.EventLLMOutputDelta, map[string]any{
				"delta":           chunk.ContentDelta,
				"reasoning_delta": chunk.ReasoningDelta,
				"round":           s.round,
			})
		}
		if chunk.Usage != nil {
			u := *chunk.Usage
			usage = &u
		}
	}

	res := &llm.Result{Content: content.String(), Reasoning: reasoning.String()}
	if usage != nil {
		res.Usage = *usage
	} else {
		// Some providers omit usage on streamed responses; estimate so the
		// compaction trigger still sees this call.
		in := tokens.EstimateMessages(s.messages)
		out := tokens.Approx(res.Content) + tokens.Approx(res.Reasoning)
		res.Usage = models.Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out}
	}
	return res, nil
}

// retryDelay doubles the base per attempt with ±10% jitter.
func retryDelay(attempt int) time.Duration {
	base := float64(streamRetryBase) * math.Pow(2, float64(attempt-1))
	jitter := 1 + streamRetryJitter*(2*rand.Float64()-1) // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(base * jitter)
}
