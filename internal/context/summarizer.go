package context

import (
	"context"
	"fmt"
	"strings"

	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// summarizationPrompt is the system prompt sent to the Model Router when
// condensing a dropped segment of conversation, generalized from the
// teacher's NPC/tabletop-RPG summarisationPrompt to book dialogue.
const summarizationPrompt = `Summarise the following conversation between a reader and a book dialogue assistant.
Preserve: questions asked, facts established about the book's plot or characters, and any
commitments made about what to discuss next. Be concise but keep all contextually
important details.`

// Summarizer produces a concise summary of a conversation segment.
type Summarizer interface {
	Summarize(ctx context.Context, messages []dialogue.Message) (string, error)
}

// RouterSummarizer summarizes via the Model Router at a fixed tier — the
// minimum tier per spec §4.4 "Summaries": "the Assembler asynchronously
// requests a summary via the Model Router at minimum tier."
type RouterSummarizer struct {
	router *router.Router
	tier   string
}

// NewRouterSummarizer constructs a RouterSummarizer. tier defaults to
// "minimum" when empty — the tier key the Model Router's tier-bound
// override is registered under for summarization calls.
func NewRouterSummarizer(r *router.Router, tier string) *RouterSummarizer {
	if tier == "" {
		tier = "minimum"
	}
	return &RouterSummarizer{router: r, tier: tier}
}

// Summarize formats messages into a flat transcript and asks the Router's
// minimum-tier descriptor to condense it.
func (s *RouterSummarizer) Summarize(ctx context.Context, messages []dialogue.Message) (string, error) {
	if len(messages) == 0 {
		return "", nil
	}

	descriptor, err := s.router.SelectFor("", s.tier)
	if err != nil {
		return "", fmt.Errorf("summarize: select descriptor: %w", err)
	}

	var sb strings.Builder
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s]: %s\n", m.Role, m.Content)
	}

	buf := &bufferSink{}
	_, err = s.router.Invoke(ctx, "", s.tier, descriptor, router.CompletionRequest{
		SystemPrompt: summarizationPrompt,
		Messages:     []router.ChatMessage{{Role: dialogue.RoleUser, Content: sb.String()}},
		Temperature:  0.3,
	}, buf)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return buf.String(), nil
}

// bufferSink collects a non-streaming caller's full response text from a
// streaming Sink.
type bufferSink struct {
	sb strings.Builder
}

func (b *bufferSink) Emit(delta router.TokenDelta) { b.sb.WriteString(delta.Text) }
func (b *bufferSink) Done(dialogue.Usage, error)   {}
func (b *bufferSink) String() string               { return b.sb.String() }
