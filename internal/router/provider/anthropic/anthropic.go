// Package anthropic adapts the Anthropic Claude Messages API, via
// github.com/anthropics/anthropic-sdk-go, to
// [github.com/inknowing/dialogue-runtime/internal/router.Provider].
package anthropic

import (
	"context"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// Provider implements router.Provider using the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	model  string
}

var _ router.Provider = (*Provider)(nil)

// New constructs a new Anthropic-backed Provider.
func New(apiKey, model string) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anthropic: model must not be empty")
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &Provider{client: client, model: model}, nil
}

// Stream implements router.Provider.
func (p *Provider) Stream(ctx context.Context, req router.CompletionRequest, sink router.Sink) error {
	params := p.buildParams(req)

	stream := p.client.Messages.NewStreaming(ctx, params)
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic: start stream: %w", err)
	}

	go func() {
		defer stream.Close()

		var usage dialogue.Usage
		for stream.Next() {
			event := stream.Current()
			switch ev := event.AsAny().(type) {
			case sdk.ContentBlockDeltaEvent:
				if text := ev.Delta.Text; text != "" {
					sink.Emit(router.TokenDelta{Text: text})
				}
			case sdk.MessageDeltaEvent:
				if ev.Usage.OutputTokens > 0 {
					usage.OutputTokens = int(ev.Usage.OutputTokens)
				}
			case sdk.MessageStartEvent:
				usage.InputTokens = int(ev.Message.Usage.InputTokens)
			}
		}

		if err := stream.Err(); err != nil {
			sink.Done(dialogue.Usage{}, fmt.Errorf("anthropic: stream: %w", err))
			return
		}
		sink.Done(usage, nil)
	}()

	return nil
}

// CountTokens implements router.Provider with a rough character-based
// approximation; Anthropic's exact tokenizer is not exposed over the
// Messages API streaming path.
func (p *Provider) CountTokens(messages []router.ChatMessage) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

func (p *Provider) buildParams(req router.CompletionRequest) sdk.MessageNewParams {
	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case dialogue.RoleAssistant:
			messages = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			messages = append(messages, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		}
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if req.Temperature != 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params
}
