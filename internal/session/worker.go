package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/quota"
	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
)

// providerCallTimeout bounds a single Generating step (spec §5 timeouts:
// "Provider call: 60 seconds wall clock").
const providerCallTimeout = 60 * time.Second

// reservationTimeout bounds the Reserving step's own call to the Ledger.
// Distinct from the 2-minute reservation-sweep reclaim window the Ledger
// enforces independently (spec §5 timeouts: "Quota reservation: 2 minutes
// outstanding").
const reservationTimeout = 10 * time.Second

// turnRequest is one inbox entry: a queued user turn plus its output
// stream. Workers process these strictly one at a time (spec §4.1
// "Ordering").
type turnRequest struct {
	utterance string
	cancel    <-chan struct{}
	stream    *TurnStream
}

// worker owns a single session's state: its in-memory history window, the
// turn state machine, and the idle-timeout sweep. Exactly one worker exists
// per active session (spec §4.1 "Worker lifecycle"), generalizing the
// teacher's single active-session guard in internal/app.SessionManager to a
// registry entry.
type worker struct {
	cfg     Config
	onIdle  func(sessionID string)

	mu      sync.Mutex
	session dialogue.Session
	persona *dialogue.CharacterPersona
	history []dialogue.Message
	nextSeq int64

	inbox    chan *turnRequest
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

func newWorker(sess dialogue.Session, persona *dialogue.CharacterPersona, cfg Config, onIdle func(string)) *worker {
	return &worker{
		cfg:     cfg,
		onIdle:  onIdle,
		session: sess,
		persona: persona,
		inbox:   make(chan *turnRequest, 8),
		stopped: make(chan struct{}),
	}
}

// rehydrate loads the session's full message history from the Journal, for
// the resume path (spec §4.1 public contract: resume).
func (w *worker) rehydrate(ctx context.Context) error {
	var history []dialogue.Message
	pg := journal.Pagination{Limit: 500}
	for {
		page, err := w.cfg.Journal.GetMessages(ctx, w.session.ID, pg)
		if err != nil {
			return err
		}
		history = append(history, page.Items...)
		if page.NextCursor == "" {
			break
		}
		pg.Cursor = page.NextCursor
	}
	w.mu.Lock()
	w.history = history
	if n := len(history); n > 0 {
		w.nextSeq = history[n-1].Seq + 1
	}
	w.mu.Unlock()
	return nil
}

// start launches the worker's run loop in its own goroutine.
func (w *worker) start() {
	w.wg.Add(1)
	go w.run()
}

func (w *worker) run() {
	defer w.wg.Done()

	idle := time.NewTimer(w.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-w.inbox:
			w.processTurn(req)
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(w.cfg.IdleTimeout)

		case <-idle.C:
			w.expireOnIdle()
			return

		case <-w.stopped:
			return
		}
	}
}

// submitTurn enqueues a turn and returns its output stream immediately; the
// stream is fed as the worker's run loop processes the turn (spec §4.1
// public contract: submitTurn).
func (w *worker) submitTurn(ctx context.Context, utterance string, cancel <-chan struct{}) (*TurnStream, error) {
	stream := newTurnStream(16)
	req := &turnRequest{utterance: utterance, cancel: cancel, stream: stream}

	select {
	case w.inbox <- req:
		return stream, nil
	case <-w.stopped:
		return nil, errs.SessionExpired()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shutdown stops the run loop and marks the worker's in-memory session with
// status. Nothing is written to the Journal, which has no session-status
// update, so the stored session row keeps its previous status. Idempotent.
func (w *worker) shutdown(ctx context.Context, status dialogue.SessionStatus, reason string) error {
	w.stopOnce.Do(func() { close(w.stopped) })
	w.wg.Wait()

	w.mu.Lock()
	w.session.Status = status
	w.session.EndedAt = time.Now()
	w.mu.Unlock()

	slog.Info("session worker: closed", "session", w.session.ID, "reason", reason)
	return nil
}

// expireOnIdle implements spec §4.1's idle-timeout branch: persist a
// summary row and exit, marking the session expired.
func (w *worker) expireOnIdle() {
	w.stopOnce.Do(func() { close(w.stopped) })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if w.cfg.Summarizer != nil {
		w.mu.Lock()
		history := append([]dialogue.Message(nil), w.history...)
		w.mu.Unlock()
		if len(history) > 0 {
			if err := w.summarizeOnExpire(ctx, history); err != nil {
				slog.Warn("session worker: summary on idle-expire failed", "session", w.session.ID, "err", err)
			}
		}
	}

	w.mu.Lock()
	w.session.Status = dialogue.StatusExpired
	w.session.EndedAt = time.Now()
	w.mu.Unlock()

	slog.Info("session worker: idle timeout, session expired", "session", w.session.ID)
	if w.onIdle != nil {
		w.onIdle(w.session.ID)
	}
}

func (w *worker) summarizeOnExpire(ctx context.Context, history []dialogue.Message) error {
	if w.cfg.Summarizer == nil {
		return nil
	}
	summary, err := w.cfg.Summarizer.Summarize(ctx, history)
	if err != nil || summary == "" {
		return err
	}
	return w.cfg.Journal.PutSummary(ctx, w.session.ID, summary, history[len(history)-1].Seq)
}

// processTurn drives the turn state machine for one queued turn:
// Reserving -> Assembling -> Generating -> Persisting -> Idle (spec §4.1).
func (w *worker) processTurn(req *turnRequest) {
	stream := req.stream
	defer stream.close()

	w.mu.Lock()
	sess := w.session
	persona := w.persona
	history := append([]dialogue.Message(nil), w.history...)
	w.mu.Unlock()

	if sess.Status != dialogue.StatusActive {
		stream.emit(TurnEvent{Done: true, Err: errs.SessionExpired()})
		return
	}

	// Reserving.
	membership, err := w.cfg.UserTier(context.Background(), sess.UserID)
	if err != nil {
		stream.emit(TurnEvent{Done: true, Err: errs.Internal(err)})
		return
	}
	reserveCtx, reserveCancel := context.WithTimeout(context.Background(), reservationTimeout)
	handle, err := w.cfg.Ledger.Reserve(reserveCtx, sess.UserID, membership)
	reserveCancel()
	if err != nil {
		// Rejected: no message recorded, nothing to release.
		stream.emit(TurnEvent{Done: true, Err: err})
		return
	}

	// Assembling.
	scenario := sess.CharacterID
	descriptor, selErr := w.cfg.Router.SelectFor(scenario, string(membership))
	if selErr != nil {
		w.releaseQuietly(handle)
		stream.emit(TurnEvent{Done: true, Err: selErr})
		return
	}

	assembled, err := w.cfg.Assembler.Assemble(context.Background(), sess, persona, history, req.utterance, descriptor.ContextWindow)
	if err != nil {
		w.releaseQuietly(handle)
		stream.emit(TurnEvent{Done: true, Err: errs.Internal(err)})
		return
	}

	// The assistant message ID is minted here, ahead of generation, so
	// references can stream to the caller as soon as retrieval resolves them
	// (spec §4.4 step 7) instead of waiting for the turn to finish.
	assistantMsgID := uuid.NewString()
	refs := referencesFromChunks(assistantMsgID, assembled.Chunks)
	for i := range refs {
		stream.emit(TurnEvent{Reference: &refs[i]})
	}

	// Generating.
	genCtx, genCancel := context.WithTimeout(context.Background(), providerCallTimeout)
	defer genCancel()

	if req.cancel != nil {
		stopWatch := make(chan struct{})
		defer close(stopWatch)
		go func() {
			select {
			case <-req.cancel:
				genCancel()
			case <-stopWatch:
			case <-genCtx.Done():
			}
		}()
	}

	sink := &forwardingSink{stream: stream}
	completionReq := router.CompletionRequest{
		SystemPrompt: assembled.SystemPrompt,
		Messages:     assembled.Messages,
		Temperature:  descriptor.Temperature,
		MaxTokens:    descriptor.MaxTokens,
	}

	genStart := time.Now()
	usage, genErr := w.cfg.Router.Invoke(genCtx, scenario, string(membership), descriptor, completionReq, sink)
	latencyMS := time.Since(genStart).Milliseconds()

	w.cfg.Router.AccumulateCost(sess.UserID, usage.CostMicros)

	partialText := sink.text()

	// Checking req.cancel for a closed state after Invoke returns (rather
	// than a flag set by the watcher goroutine above) keeps this read
	// properly synchronized: a closed channel's closed-ness is always
	// visible to a subsequent non-blocking receive, with no data race.
	wasCancelled := false
	if req.cancel != nil {
		select {
		case <-req.cancel:
			wasCancelled = true
		default:
		}
	}

	switch {
	case genErr == nil:
		w.persistTurn(stream, handle, sess, req.utterance, partialText, usage, descriptor.ID, latencyMS, false, "", assistantMsgID, refs)

	case wasCancelled:
		// Cancellation always commits: (spec §5 Cancellation) "commits the
		// quota reservation (the turn counted)", regardless of how many
		// tokens were emitted.
		w.persistTurn(stream, handle, sess, req.utterance, partialText, usage, descriptor.ID, latencyMS, true, string(errs.Classify(genErr)), assistantMsgID, refs)

	case partialText != "":
		// Provider failed mid-stream after emitting at least one token:
		// terminal for the turn (errs.ProviderPartial), but what was
		// generated is still worth keeping — same handling as a
		// cancellation's partial persist.
		w.persistTurn(stream, handle, sess, req.utterance, partialText, usage, descriptor.ID, latencyMS, true, string(errs.Classify(genErr)), assistantMsgID, refs)

	default:
		// Nothing was ever generated: release the reservation, no message
		// recorded, surface the failure to the caller.
		w.releaseQuietly(handle)
		stream.emit(TurnEvent{Done: true, Err: genErr})
	}
}

// persistTurn implements the Persisting state: write the user+assistant
// messages and references atomically, then commit the reservation. A
// Journal failure here is Fatal per spec §4.1: the reservation is released
// (the turn does not count), a dead-letter row is written, and the worker
// exits so a fresh worker resumes the session cleanly.
func (w *worker) persistTurn(stream *TurnStream, handle quota.ReservationHandle, sess dialogue.Session, utterance, assistantText string, usage dialogue.Usage, modelID string, latencyMS int64, partial bool, errorKind string, assistantMsgID string, refs []dialogue.Reference) {
	now := time.Now()

	w.mu.Lock()
	userSeq := w.nextSeq
	assistantSeq := userSeq + 1
	w.nextSeq = assistantSeq + 1
	w.mu.Unlock()

	userMsg := dialogue.Message{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		Seq:        userSeq,
		Role:       dialogue.RoleUser,
		Content:    utterance,
		TokenCount: usage.InputTokens,
		CreatedAt:  now,
	}
	assistantMsg := dialogue.Message{
		ID:         assistantMsgID,
		SessionID:  sess.ID,
		Seq:        assistantSeq,
		Role:       dialogue.RoleAssistant,
		Content:    assistantText,
		TokenCount: usage.OutputTokens,
		ModelID:    modelID,
		LatencyMS:  latencyMS,
		Partial:    partial,
		ErrorKind:  errorKind,
		CreatedAt:  now,
	}

	persistCtx := context.Background()
	if err := w.cfg.Journal.AppendTurn(persistCtx, sess.ID, userMsg, assistantMsg, refs, usage); err != nil {
		// Fatal: persistence failure after successful generation.
		w.releaseQuietly(handle)
		cause := fmt.Errorf("persist turn for session %s: %w", sess.ID, err)
		if dlErr := w.cfg.Journal.WriteDeadLetter(persistCtx, sess.ID, assistantMsg, refs, cause.Error()); dlErr != nil {
			slog.Error("session worker: dead-letter write also failed", "session", sess.ID, "err", dlErr)
		}
		stream.emit(TurnEvent{Done: true, Err: errs.Persistence(err)})
		w.stopOnce.Do(func() { close(w.stopped) })
		return
	}

	if err := w.cfg.Ledger.Commit(persistCtx, handle); err != nil {
		slog.Warn("session worker: commit reservation failed after successful persist", "session", sess.ID, "err", err)
	}

	w.mu.Lock()
	w.history = append(w.history, userMsg, assistantMsg)
	w.session.TokensUsed += int64(usage.InputTokens + usage.OutputTokens)
	w.session.CostMicros += usage.CostMicros
	w.session.ModelUsed = modelID
	w.session.LastActivityAt = now
	w.mu.Unlock()

	stream.emit(TurnEvent{Done: true, Usage: usage})
}

// referencesFromChunks turns the Context Assembler's retrieval neighbors into
// the Reference rows attached to the assistant message they grounded (spec
// §3 "Reference", §4.4 step 7). Chunks carry paragraph-level locators (pkg
// /retrieval/postgres's chunk schema), so SourceKind is always SourceParagraph.
func referencesFromChunks(assistantMsgID string, chunks []retrieval.Chunk) []dialogue.Reference {
	if len(chunks) == 0 {
		return nil
	}
	refs := make([]dialogue.Reference, len(chunks))
	for i, c := range chunks {
		refs[i] = dialogue.Reference{
			ID:             uuid.NewString(),
			MessageID:      assistantMsgID,
			SourceKind:     dialogue.SourceParagraph,
			ChapterIndex:   c.ChapterIndex,
			Page:           c.Page,
			ParagraphIndex: c.ParagraphIndex,
			Excerpt:        c.ChunkText,
			Similarity:     c.Similarity,
		}
	}
	return refs
}

func (w *worker) releaseQuietly(handle quota.ReservationHandle) {
	if err := w.cfg.Ledger.Release(context.Background(), handle); err != nil {
		slog.Warn("session worker: release reservation failed", "session", w.session.ID, "err", err)
	}
}

// forwardingSink adapts a [router.Sink] onto a [TurnStream], also
// accumulating the full generated text so the worker can persist it on
// completion regardless of how the stream ended.
type forwardingSink struct {
	stream *TurnStream

	mu sync.Mutex
	sb strings.Builder
}

func (s *forwardingSink) Emit(delta router.TokenDelta) {
	s.mu.Lock()
	s.sb.WriteString(delta.Text)
	s.mu.Unlock()
	s.stream.emit(TurnEvent{Delta: delta.Text})
}

func (s *forwardingSink) Done(usage dialogue.Usage, err error) {}

func (s *forwardingSink) text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sb.String()
}
