package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// openaiClient talks to any backend speaking the OpenAI chat-completion
// wire format; base_url selects the endpoint. The per-call timeout rides on
// the HTTP client so it covers the whole stream.
type openaiClient struct {
	client *openai.Client
	cfg    config.ModelConfig
}

func newOpenAIClient(mc config.ModelConfig) *openaiClient {
	cc := openai.DefaultConfig(mc.APIKey)
	if mc.BaseURL != "" {
		cc.BaseURL = mc.BaseURL
	}
	cc.HTTPClient = &http.Client{Timeout: mc.Timeout()}
	return &openaiClient{client: openai.NewClientWithConfig(cc), cfg: mc}
}

func (c *openaiClient) Name() string {
	return "openai"
}

func (c *openaiClient) Complete(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.client.CreateChatCompletion(ctx, c.buildRequest(req, false))
	if err != nil {
		return nil, c.wrap(err)
	}
	if len(resp.Choices) == 0 {
		return nil, newProviderError(c.Name(), c.cfg.Model, errors.New("empty completion response"))
	}
	msg := resp.Choices[0].Message
	return &Result{
		Content:   msg.Content,
		Reasoning: msg.ReasoningContent,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}, nil
}

func (c *openaiClient) StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream, err := c.client.CreateChatCompletionStream(ctx, c.buildRequest(req, true))
	if err != nil {
		return nil, c.wrap(err)
	}

	out := make(chan Chunk)
	go func() {
		defer close(out)
		defer stream.Close()

		send := func(ch Chunk) bool {
			select {
			case out <- ch:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				// The stream was established, so the failure is mid-flight
				// and the caller may restart it.
				send(Chunk{Err: fmt.Errorf("%w: %v", ErrIncompleteStream, err)})
				return
			}
			if resp.Usage != nil {
				if !send(Chunk{Usage: &models.Usage{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}}) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content == "" && delta.ReasoningContent == "" {
				continue
			}
			if !send(Chunk{ContentDelta: delta.Content, ReasoningDelta: delta.ReasoningContent}) {
				return
			}
		}
	}()
	return out, nil
}

func (c *openaiClient) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if len(m.Parts) > 0 {
			om.Content = ""
			om.MultiContent = convertParts(m.Parts)
		}
		messages = append(messages, om)
	}

	out := openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   stream,
	}
	if c.cfg.MaxOutput > 0 {
		out.MaxTokens = c.cfg.MaxOutput
	}
	if c.cfg.Temperature > 0 {
		out.Temperature = c.cfg.Temperature
	}
	if len(c.cfg.Stop) > 0 {
		out.Stop = c.cfg.Stop
	}
	if stream {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return out
}

func convertParts(parts []models.ContentPart) []openai.ChatMessagePart {
	out := make([]openai.ChatMessagePart, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case "image_url":
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.ImageURL,
					Detail: openai.ImageURLDetailAuto,
				},
			})
		default:
			out = append(out, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		}
	}
	return out
}

func (c *openaiClient) wrap(err error) error {
	pe := newProviderError(c.Name(), c.cfg.Model, err)
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe = pe.withStatus(apiErr.HTTPStatusCode)
		if apiErr.Message != "" {
			pe.Message = apiErr.Message
		}
	}
	return pe
}
