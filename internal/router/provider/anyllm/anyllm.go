// Package anyllm adapts github.com/mozilla-ai/any-llm-go, a unified
// multi-provider interface (OpenAI, Anthropic, Gemini, Ollama, DeepSeek,
// Mistral, Groq, and more), to
// [github.com/inknowing/dialogue-runtime/internal/router.Provider].
package anyllm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// Provider implements router.Provider by wrapping any-llm-go, letting one
// descriptor target any backend any-llm-go supports without a dedicated
// adapter.
type Provider struct {
	backend anyllmlib.Provider
	model   string
}

var _ router.Provider = (*Provider)(nil)

// New creates a Provider backed by the named any-llm-go provider ("openai",
// "anthropic", "gemini", "ollama", "deepseek", "mistral", "groq"). Without
// an API key option, it falls back to the provider's usual environment
// variable.
func New(providerName, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}
	return &Provider{backend: backend, model: model}, nil
}

func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch strings.ToLower(providerName) {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q; supported: openai, anthropic, gemini, ollama, deepseek, mistral, groq", providerName)
	}
}

// Stream implements router.Provider.
func (p *Provider) Stream(ctx context.Context, req router.CompletionRequest, sink router.Sink) error {
	params := p.buildParams(req)

	chunks, errs := p.backend.CompletionStream(ctx, params)

	go func() {
		var usage dialogue.Usage
		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				sink.Emit(router.TokenDelta{Text: delta.Content})
			}
		}

		if err := <-errs; err != nil {
			sink.Done(dialogue.Usage{}, fmt.Errorf("anyllm: stream: %w", err))
			return
		}
		sink.Done(usage, nil)
	}()

	return nil
}

// CountTokens implements router.Provider with a rough character-based
// approximation, matching the teacher's adapters until a real tokenizer is
// wired in.
func (p *Provider) CountTokens(messages []router.ChatMessage) (int, error) {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total, nil
}

func (p *Provider) buildParams(req router.CompletionRequest) anyllmlib.CompletionParams {
	var messages []anyllmlib.Message

	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		messages = append(messages, anyllmlib.Message{Role: string(m.Role), Content: m.Content})
	}

	params := anyllmlib.CompletionParams{Model: p.model, Messages: messages}
	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	return params
}
