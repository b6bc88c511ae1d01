package context

import (
	"context"
	"testing"

	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// stubSummaryProvider streams a fixed canned summary back, regardless of
// the request, for exercising RouterSummarizer without a live provider.
type stubSummaryProvider struct {
	summary string
}

func (p *stubSummaryProvider) Stream(ctx context.Context, req router.CompletionRequest, sink router.Sink) error {
	go func() {
		sink.Emit(router.TokenDelta{Text: p.summary})
		sink.Done(dialogue.Usage{InputTokens: 5, OutputTokens: 5}, nil)
	}()
	return nil
}

func (p *stubSummaryProvider) CountTokens(messages []router.ChatMessage) (int, error) {
	return len(messages), nil
}

func TestRouterSummarizerReturnsCannedSummary(t *testing.T) {
	r := router.New(router.Config{})
	r.Register(dialogue.ModelDescriptor{
		ID:   "tiny-model",
		Role: dialogue.RoleTierBound,
		Tier: "minimum",
	}, &stubSummaryProvider{summary: "condensed recap"})

	s := NewRouterSummarizer(r, "")
	messages := []dialogue.Message{{Role: dialogue.RoleUser, Content: "hello"}, {Role: dialogue.RoleAssistant, Content: "hi there"}}

	got, err := s.Summarize(context.Background(), messages)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "condensed recap" {
		t.Fatalf("Summarize = %q, want %q", got, "condensed recap")
	}
}

func TestRouterSummarizerEmptyMessagesIsNoop(t *testing.T) {
	r := router.New(router.Config{})
	s := NewRouterSummarizer(r, "")

	got, err := s.Summarize(context.Background(), nil)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "" {
		t.Fatalf("Summarize with no messages = %q, want empty", got)
	}
}
