package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ylsdamxssjxxdd/wunder-sub000/internal/config"
	"github.com/ylsdamxssjxxdd/wunder-sub000/pkg/models"
)

// anthropicClient adapts the Messages API. System rows are lifted out of
// the message list into the dedicated system parameter; thinking blocks map
// onto the reasoning channel.
type anthropicClient struct {
	client anthropic.Client
	cfg    config.ModelConfig
}

func newAnthropicClient(mc config.ModelConfig) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(mc.APIKey),
		option.WithRequestTimeout(mc.Timeout()),
	}
	if mc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(mc.BaseURL))
	}
	return &anthropicClient{client: anthropic.NewClient(opts...), cfg: mc}
}

func (c *anthropicClient) Name() string {
	return "anthropic"
}

func (c *anthropicClient) Complete(ctx context.Context, req Request) (*Result, error) {
	msg, err := c.client.Messages.New(ctx, c.params(req))
	if err != nil {
		return nil, c.wrap(err)
	}

	var content, reasoning strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			content.WriteString(block.Text)
		case "thinking":
			reasoning.WriteString(block.Thinking)
		}
	}
	return &Result{
		Content:   content.String(),
		Reasoning: reasoning.String(),
		Usage: models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
			TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *anthropicClient) StreamComplete(ctx context.Context, req Request) (<-chan Chunk, error) {
	stream := c.client.Messages.NewStreaming(ctx, c.params(req))

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

		var usage models.Usage
		started := false
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				started = true
				usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_delta":
				started = true
				delta := event.AsContentBlockDelta().Delta
				switch delta.Type {
				case "text_delta":
					if delta.Text != "" && !send(Chunk{ContentDelta: delta.Text}) {
						return
					}
				case "thinking_delta":
					if delta.Thinking != "" && !send(Chunk{ReasoningDelta: delta.Thinking}) {
						return
					}
				}
			case "message_delta":
				if n := int(event.AsMessageDelta().Usage.OutputTokens); n > 0 {
					usage.OutputTokens = n
				}
			case "message_stop":
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				send(Chunk{Usage: &usage})
				return
			}
		}
		if err := stream.Err(); err != nil {
			werr := c.wrap(err)
			if started {
				werr = fmt.Errorf("%w: %v", ErrIncompleteStream, werr)
			}
			send(Chunk{Err: werr})
		}
	}()
	return out, nil
}

func (c *anthropicClient) params(req Request) anthropic.MessageNewParams {
	var system strings.Builder
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case models.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case models.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(contentBlocks(m)...))
		}
	}

	maxTokens := c.cfg.MaxOutput
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.cfg.Model),
		Messages:  msgs,
		MaxTokens: int64(maxTokens),
	}
	if system.Len() > 0 {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system.String()}}
	}
	if c.cfg.Temperature > 0 {
		params.Temperature = anthropic.Float(float64(c.cfg.Temperature))
	}
	if len(c.cfg.Stop) > 0 {
		params.StopSequences = c.cfg.Stop
	}
	return params
}

func contentBlocks(m models.ChatMessage) []anthropic.ContentBlockParamUnion {
	if len(m.Parts) == 0 {
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Content)}
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Type {
		case "image_url":
			if media, data, ok := splitDataURL(p.ImageURL); ok {
				blocks = append(blocks, anthropic.NewImageBlockBase64(media, data))
			} else {
				blocks = append(blocks, anthropic.NewTextBlock(p.ImageURL))
			}
		default:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		}
	}
	return blocks
}

// splitDataURL decomposes "data:<media>;base64,<data>" image URLs.
func splitDataURL(url string) (media, data string, ok bool) {
	if !strings.HasPrefix(url, "data:") {
		return "", "", false
	}
	rest := strings.TrimPrefix(url, "data:")
	sep := strings.Index(rest, ";base64,")
	if sep < 0 {
		return "", "", false
	}
	return rest[:sep], rest[sep+len(";base64,"):], true
}

func (c *anthropicClient) wrap(err error) error {
	pe := newProviderError(c.Name(), c.cfg.Model, err)
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		pe = pe.withStatus(apiErr.StatusCode)
	}
	return pe
}
