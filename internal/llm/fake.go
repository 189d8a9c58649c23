package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/tokens"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// Fake is a scripted in-memory provider for tests. Responses are consumed
// in order and the last one repeats. All knobs are optional; the zero
// configuration answers FakeAnswer forever.
type Fake struct {
	mu        sync.Mutex
	responses []Result
	requests  []Request
	calls     int
	failures  int

	// Err fails every call when set.
	Err error

	// StreamFailures injects an incomplete-stream error, after a partial
	// delta, into the first N StreamComplete calls.
	StreamFailures int

	// Delay is applied before each call answers, for cancellation and
	// overflow tests.
	Delay time.Duration

	// OnRequest observes every call with its 1-based sequence number.
	OnRequest func(n int, req Request)
}

// NewFake scripts plain-text responses. With no arguments it answers
// FakeAnswer.
func NewFake(responses ...string) *Fake {
	if len(responses) == 0 {
		responses = []string{FakeAnswer}
	}
	results := make([]Result, 0, len(responses))
	for _, r := range responses {
		results = append(results, Result{Content: r})
	}
	return &Fake{responses: results}
}

// NewFakeResults scripts full results including reasoning and usage.
func NewFakeResults(results ...Result) *Fake {
	return &Fake{responses: results}
}

func (f *Fake) Name() string {
	return "fake"
}

// Calls reports how many completions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// Request returns the i-th recorded request.
func (f *Fake) Request(i int) Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i < 0 || i >= len(f.requests) {
		return Request{}
	}
	return f.requests[i]
}

// LastRequest returns the most recent recorded request.
func (f *Fake) LastRequest() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return Request{}
	}
	return f.requests[len(f.requests)-1]
}

func (f *Fake) next(req Request) (Result, int, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.requests = append(f.requests, req)
	var res Result
	if len(f.responses) > 0 {
		idx := n - 1
		if idx >= len(f.responses) {
			idx = len(f.responses) - 1
		}
		res = f.responses[idx]
	}
	err := f.Err
	hook := f.OnRequest
	f.mu.Unlock()

	if hook != nil {
		hook(n, req)
	}
	if err != nil {
		return Result{}, n, err
	}
	if res.Usage.Zero() {
		out := tokens.Approx(res.Content)
		res.Usage = models.Usage{
			InputTokens:  tokens.EstimateMessages(req.Messages),
			OutputTokens: out,
		}
		res.Usage.TotalTokens = res.Usage.InputTokens + res.Usage.OutputTokens
	}
	return res, n, nil
}

func (f *Fake) Complete(ctx context.Context, req Request) (*Result, error) {
	res, _, err := f.next(req)
	if err != nil {
		return nil, err
	}
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &res, nil
}

func (f *Fake) StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error) {
	res, _, err := f.next(req)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	fail := f.failures < f.StreamFailures
	if fail {
		f.failures++
	}
	f.mu.Unlock()

	out := make(chan Chunk)
	go func() {
		defer close(out)

		send := func(ch Chunk) bool {
			select {
			case out <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-ctx.Done():
				return
			}
		}

		if fail {
			// A partial delta followed by the incomplete marker exercises
			// the retry-and-reset path.
			if !send(Chunk{ContentDelta: "部分"}) {
				return
			}
			send(Chunk{Err: fmt.Errorf("%w: connection reset", ErrIncompleteStream)})
			return
		}

		if res.Reasoning != "" && !send(Chunk{ReasoningDelta: res.Reasoning}) {
			return
		}
		for _, r := range res.Content {
			if !send(Chunk{ContentDelta: string(r)}) {
				return
			}
		}
		usage := res.Usage
		send(Chunk{Usage: &usage})
	}()
	return out, nil
}
