// Package router implements the Model Router: descriptor selection, health
// tracking, adapter invocation, cost metering, and the narrow pre-emission
// failover policy.
package router

import (
	"context"

	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// ChatMessage is one turn of conversation handed to a Provider. Kept
// minimal relative to the teacher's types.Message — the Dialogue Runtime
// carries no tool calls, only role and content.
type ChatMessage struct {
	Role    dialogue.MessageRole
	Content string
}

// CompletionRequest carries everything a Provider needs to produce a reply.
type CompletionRequest struct {
	SystemPrompt string
	Messages     []ChatMessage
	Temperature  float64
	MaxTokens    int
}

// TokenDelta is a single incremental fragment of a streamed completion.
type TokenDelta struct {
	Text string
}

// Sink receives streamed output from a Provider. Router.Invoke calls Emit
// for every delta and Done exactly once when the stream ends, successfully
// or not.
type Sink interface {
	Emit(delta TokenDelta)
	Done(usage dialogue.Usage, err error)
}

// Provider is the uniform per-backend adapter contract (spec §4.5:
// "stream(prompt, params, credential) -> (deltaChan, usage, err)").
// Implementations must be safe for concurrent use.
type Provider interface {
	// Stream sends req to the model and forwards every token delta to sink,
	// calling sink.Done exactly once when generation completes or fails.
	// The returned error is non-nil only for failures that prevent the
	// stream from starting at all (auth, malformed request); failures after
	// streaming begins are reported via sink.Done.
	Stream(ctx context.Context, req CompletionRequest, sink Sink) error

	// CountTokens estimates the token cost of messages in this provider's
	// tokenization scheme, used to budget the prompt against the
	// descriptor's context window.
	CountTokens(messages []ChatMessage) (int, error)
}

// EmbeddingProvider computes vector embeddings, satisfying
// [github.com/inknowing/dialogue-runtime/pkg/retrieval.Embedder] when a
// descriptor with an embedding model is routed to directly.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
