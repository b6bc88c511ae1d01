// Package context implements the Context Assembler: it turns a session's
// history plus retrieval into a bounded prompt (spec §4.4).
//
// It is grounded on two teacher components generalized to the book/
// character dialogue domain: the concurrent hot-layer fetch of
// internal/hotctx.Assembler (here, retrieval replaces the knowledge-graph
// scene fetch) and the token-budget trimming and auto-summarize trigger of
// internal/session.ContextManager.
package context

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
)

// charsPerToken is the same heuristic the teacher's ContextManager used:
// no tokenizer dependency, just an approximate 4-characters-per-token ratio.
const charsPerToken = 4

// Config tunes the Assembler's budgets. Zero values resolve to spec §4.4's
// stated defaults via withDefaults.
type Config struct {
	// HistoryBudgetTokens bounds the trimmed history window. Default 2000.
	HistoryBudgetTokens int
	// TopK bounds the number of retrieval neighbors requested. Default 6.
	TopK int
	// SimilarityFloor drops retrieval neighbors below this score. Default 0.35.
	SimilarityFloor float64
	// ReserveTokens is held back from the model's context window for the
	// reply. Default 512.
	ReserveTokens int
	// SummarizeAfter is the number of trimmed-away messages that triggers
	// an async summary request. Default 20.
	SummarizeAfter int
}

func (c Config) withDefaults() Config {
	if c.HistoryBudgetTokens <= 0 {
		c.HistoryBudgetTokens = 2000
	}
	if c.TopK <= 0 {
		c.TopK = 6
	}
	if c.SimilarityFloor <= 0 {
		c.SimilarityFloor = 0.35
	}
	if c.ReserveTokens <= 0 {
		c.ReserveTokens = 512
	}
	if c.SummarizeAfter <= 0 {
		c.SummarizeAfter = 20
	}
	return c
}

// Assembled is the bounded prompt returned by Assemble, together with the
// retrieval chunks chosen for it so the Session Manager can attach them as
// Reference rows on the upcoming assistant message (spec §4.4 step 7).
type Assembled struct {
	SystemPrompt string
	// Messages is the trimmed history in chronological order, ending with
	// the new utterance as the final (always-kept) entry.
	Messages []router.ChatMessage
	Chunks   []retrieval.Chunk
}

// Assembler implements the Context Assembler's assemble(session,
// newUtterance) -> assembledPrompt contract.
type Assembler struct {
	journal    journal.Journal
	index      retrieval.Index
	summarizer Summarizer
	cfg        Config
}

// NewAssembler constructs an Assembler. summarizer may be nil, in which
// case the auto-summarize trigger (spec §4.4 "Summaries") is a
// no-op — useful for callers that don't want the async background call.
func NewAssembler(j journal.Journal, index retrieval.Index, summarizer Summarizer, cfg Config) *Assembler {
	return &Assembler{journal: j, index: index, summarizer: summarizer, cfg: cfg.withDefaults()}
}

// Assemble builds a bounded prompt for session's next turn.
//
// history is the session's in-memory message window in chronological
// order, owned and maintained by the caller (the session worker) across
// turns — the Assembler itself holds no history state between calls.
// persona is non-nil only for character-mode sessions. contextWindow is the
// selected model descriptor's context limit in tokens; 0 disables the
// context-limit trimming pass (step 6).
func (a *Assembler) Assemble(ctx context.Context, session dialogue.Session, persona *dialogue.CharacterPersona, history []dialogue.Message, newUtterance string, contextWindow int) (*Assembled, error) {
	trimmed, droppedCount := trimToTokenBudget(history, a.cfg.HistoryBudgetTokens)

	// The cached-summary lookup and the retrieval query are independent
	// reads; fetch them concurrently (grounded on internal/hotctx.Assembler's
	// errgroup-based concurrent hot-layer fetch).
	var summary string
	var summarizedThroughSeq int64
	var chunks []retrieval.Chunk

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s, seq, err := a.journal.GetSummary(egCtx, session.ID)
		if err != nil {
			return fmt.Errorf("get summary for %q: %w", session.ID, err)
		}
		summary, summarizedThroughSeq = s, seq
		return nil
	})
	eg.Go(func() error {
		queryText := buildRetrievalQuery(history, newUtterance)
		cs, err := a.index.TopK(egCtx, session.BookID, queryText, a.cfg.TopK, nil)
		if err != nil {
			// Index.TopK is contractually soft-failing (empty, nil error); a
			// non-nil error here is unexpected. Continue without retrieval
			// rather than failing the turn over a degraded retrieval path.
			slog.Warn("context assembler: retrieval query failed, continuing without excerpts", "session", session.ID, "err", err)
			return nil
		}
		chunks = cs
		return nil
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("context assembler: %w", err)
	}

	if droppedCount == 0 {
		// Nothing was trimmed away this turn; a stale cached summary would
		// only duplicate what's already in the history window (spec §4.4
		// step 2: prepend the summary only "if older messages were dropped").
		summary = ""
	}
	chunks = filterAndDedupe(chunks, a.cfg.SimilarityFloor)

	preamble := BuildPreamble(session, persona)
	messages := toChatMessages(trimmed)
	messages = append(messages, router.ChatMessage{Role: dialogue.RoleUser, Content: newUtterance})

	if contextWindow > 0 {
		chunks, messages = a.fitToWindow(chunks, messages, preamble, summary, contextWindow)
	}

	if droppedCount > a.cfg.SummarizeAfter {
		dropped := make([]dialogue.Message, droppedCount)
		copy(dropped, history[:droppedCount])
		go a.summarizeAsync(session.ID, dropped, summarizedThroughSeq)
	}

	return &Assembled{
		SystemPrompt: FormatSystemPrompt(preamble, summary, chunks),
		Messages:     messages,
		Chunks:       chunks,
	}, nil
}

// trimToTokenBudget keeps the longest suffix of history whose estimated
// token count fits within budgetTokens (oldest-first trimming, spec §4.4
// step 1), always keeping at least the newest message. It returns the
// kept suffix and the count of messages dropped from the front.
func trimToTokenBudget(history []dialogue.Message, budgetTokens int) ([]dialogue.Message, int) {
	total := 0
	keepFrom := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		t := estimateTokens(history[i].Content)
		if total+t > budgetTokens && keepFrom != len(history) {
			break
		}
		total += t
		keepFrom = i
	}
	return history[keepFrom:], keepFrom
}

// buildRetrievalQuery combines the new utterance with the last two user
// turns from the full (untrimmed) history, per spec §4.4 step 3.
func buildRetrievalQuery(history []dialogue.Message, newUtterance string) string {
	parts := []string{newUtterance}
	for i := len(history) - 1; i >= 0 && len(parts) < 3; i-- {
		if history[i].Role == dialogue.RoleUser {
			parts = append(parts, history[i].Content)
		}
	}
	return strings.Join(parts, "\n")
}

// filterAndDedupe drops neighbors below the similarity floor and collapses
// duplicates sharing a (chapter, paragraph) locator (spec §4.4 step 4).
func filterAndDedupe(chunks []retrieval.Chunk, floor float64) []retrieval.Chunk {
	type locator struct{ chapter, paragraph int }
	seen := make(map[locator]bool, len(chunks))
	out := make([]retrieval.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if c.Similarity < floor {
			continue
		}
		loc := locator{c.ChapterIndex, c.ParagraphIndex}
		if seen[loc] {
			continue
		}
		seen[loc] = true
		out = append(out, c)
	}
	return out
}

// fitToWindow implements spec §4.4 step 6: if the assembled total exceeds
// contextWindow minus the reply reserve, drop retrieval chunks
// lowest-similarity-first, then drop the oldest history messages, never
// touching the preamble, summary, or the newest utterance (the last
// element of messages).
func (a *Assembler) fitToWindow(chunks []retrieval.Chunk, messages []router.ChatMessage, preamble, summary string, contextWindow int) ([]retrieval.Chunk, []router.ChatMessage) {
	limit := contextWindow - a.cfg.ReserveTokens
	if limit <= 0 {
		limit = contextWindow
	}

	byAscendingSimilarity := append([]retrieval.Chunk(nil), chunks...)
	sort.Slice(byAscendingSimilarity, func(i, j int) bool {
		return byAscendingSimilarity[i].Similarity < byAscendingSimilarity[j].Similarity
	})

	fixed := estimateTokens(preamble) + estimateTokens(summary)
	fits := func(cs []retrieval.Chunk, msgs []router.ChatMessage) bool {
		total := fixed
		for _, c := range cs {
			total += estimateTokens(c.ChunkText)
		}
		for _, m := range msgs {
			total += estimateTokens(m.Content)
		}
		return total <= limit
	}

	for len(byAscendingSimilarity) > 0 && !fits(byAscendingSimilarity, messages) {
		byAscendingSimilarity = byAscendingSimilarity[1:]
	}
	for len(messages) > 1 && !fits(byAscendingSimilarity, messages) {
		messages = messages[1:]
	}

	sort.Slice(byAscendingSimilarity, func(i, j int) bool {
		return byAscendingSimilarity[i].Similarity > byAscendingSimilarity[j].Similarity
	})
	return byAscendingSimilarity, messages
}

// summarizeAsync requests a summary of the messages just trimmed away and
// advances the session's summarized-up-to watermark (spec §4.4
// "Summaries"). Run in its own goroutine; errors are logged, never
// propagated to the turn in progress.
func (a *Assembler) summarizeAsync(sessionID string, dropped []dialogue.Message, summarizedThroughSeq int64) {
	if a.summarizer == nil || len(dropped) == 0 {
		return
	}
	ctx := context.Background()
	summary, err := a.summarizer.Summarize(ctx, dropped)
	if err != nil {
		slog.Warn("context assembler: async summarize failed", "session", sessionID, "err", err)
		return
	}
	watermark := dropped[len(dropped)-1].Seq
	if watermark < summarizedThroughSeq {
		watermark = summarizedThroughSeq
	}
	if err := a.journal.PutSummary(ctx, sessionID, summary, watermark); err != nil {
		slog.Warn("context assembler: put summary failed", "session", sessionID, "err", err)
	}
}

func toChatMessages(msgs []dialogue.Message) []router.ChatMessage {
	out := make([]router.ChatMessage, len(msgs))
	for i, m := range msgs {
		out[i] = router.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	tokens := len(s) / charsPerToken
	if tokens == 0 {
		tokens = 1
	}
	return tokens
}
