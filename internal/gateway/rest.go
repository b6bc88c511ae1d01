package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/session"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
)

type startRequest struct {
	BookID           string `json:"bookId"`
	CharacterID      string `json:"characterId,omitempty"`
	InitialUtterance string `json:"message,omitempty"`
}

type startResponse struct {
	SessionID string       `json:"sessionId"`
	Message   *messageJSON `json:"message,omitempty"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type messageJSON struct {
	ID         string                `json:"id"`
	Role       string                `json:"role"`
	Content    string                `json:"content"`
	Partial    bool                  `json:"partial,omitempty"`
	References []dialogue.Reference  `json:"references,omitempty"`
}

// handleStartBook starts a book-mode session (spec §4.2 "POST
// /dialogues/book/start").
func (h *Handler) handleStartBook(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, dialogue.KindBook)
}

// handleStartCharacter starts a character-mode session (spec §4.2 "POST
// /dialogues/character/start").
func (h *Handler) handleStartCharacter(w http.ResponseWriter, r *http.Request) {
	h.start(w, r, dialogue.KindCharacter)
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request, kind dialogue.SessionKind) {
	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, errs.New(errs.KindInternal, "malformed request body", false))
		return
	}

	sessionID, stream, err := h.cfg.Sessions.Start(r.Context(), principal.UserID, req.BookID, kind, req.CharacterID, req.InitialUtterance)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	resp := startResponse{SessionID: sessionID}
	if stream != nil {
		msg, err := collectTurn(stream)
		if err != nil {
			writeErrorJSON(w, err)
			return
		}
		resp.Message = msg
	}
	writeJSONBody(w, http.StatusCreated, resp)
}

// handlePostMessage submits a non-streaming turn and returns the full
// assistant message synchronously (spec §4.2 "POST
// /dialogues/{sessionId}/messages").
func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	sessionID := r.PathValue("sessionId")

	if err := h.verifyOwnership(r, sessionID, principal); err != nil {
		writeErrorJSON(w, err)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorJSON(w, errs.New(errs.KindInternal, "malformed request body", false))
		return
	}

	stream, err := h.cfg.Sessions.SubmitTurn(r.Context(), sessionID, req.Content, nil)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	msg, err := collectTurn(stream)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	writeJSONBody(w, http.StatusOK, msg)
}

// handleGetMessages returns a page of a session's message history (spec
// §4.2 "GET /dialogues/{sessionId}/messages").
func (h *Handler) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	sessionID := r.PathValue("sessionId")
	if err := h.verifyOwnership(r, sessionID, principal); err != nil {
		writeErrorJSON(w, err)
		return
	}

	page, err := h.cfg.Journal.GetMessages(r.Context(), sessionID, paginationFromQuery(r))
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]any{
		"messages":   page.Items,
		"nextCursor": page.NextCursor,
	})
}

// currentCharacterJSON is the /context endpoint's currentCharacter field
// (spec §6 scenario 5: "character preamble appears in /context output as
// currentCharacter").
type currentCharacterJSON struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Preamble string `json:"preamble"`
}

// handleGetContext returns the session's current assembled-context summary
// (spec §4.2 "GET /dialogues/{sessionId}/context": `{summary,
// discussedTopics[], currentChapter?}`, plus currentCharacter for
// character-mode sessions).
func (h *Handler) handleGetContext(w http.ResponseWriter, r *http.Request) {
	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	sessionID := r.PathValue("sessionId")
	if err := h.verifyOwnership(r, sessionID, principal); err != nil {
		writeErrorJSON(w, err)
		return
	}

	summary, summarizedThroughSeq, err := h.cfg.Journal.GetSummary(r.Context(), sessionID)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	discussedTopics, currentChapter, err := h.discussedTopics(r.Context(), sessionID)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	resp := map[string]any{
		"summary":              summary,
		"summarizedThroughSeq": summarizedThroughSeq,
		"discussedTopics":      discussedTopics,
	}
	if currentChapter != nil {
		resp["currentChapter"] = *currentChapter
	}

	sess, err := h.cfg.Journal.GetSession(r.Context(), sessionID)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	if sess.Kind == dialogue.KindCharacter && h.cfg.Characters != nil {
		if persona, err := h.cfg.Characters.Get(r.Context(), sess.CharacterID); err == nil && persona != nil {
			resp["currentCharacter"] = currentCharacterJSON{
				ID:       persona.ID,
				Name:     persona.Name,
				Preamble: persona.SystemPreamble,
			}
		}
	}

	writeJSONBody(w, http.StatusOK, resp)
}

// discussedTopics derives the session's discussed-topics list and current
// chapter from the references attached to its most recent assistant message
// (spec §4.2 GET /context; references are ordered similarity-descending per
// journal.Journal.GetReferences, so the first chapter/page reference is also
// the highest-similarity one).
func (h *Handler) discussedTopics(ctx context.Context, sessionID string) ([]string, *int, error) {
	lastAssistantID, err := h.lastAssistantMessageID(ctx, sessionID)
	if err != nil || lastAssistantID == "" {
		return []string{}, nil, err
	}

	refs, err := h.cfg.Journal.GetReferences(ctx, lastAssistantID)
	if err != nil {
		return nil, nil, err
	}

	var currentChapter *int
	seen := make(map[string]bool, len(refs))
	topics := make([]string, 0, len(refs))
	for _, ref := range refs {
		var topic string
		switch ref.SourceKind {
		case dialogue.SourceMemory:
			topic = ref.MemoryKey
		default:
			topic = fmt.Sprintf("chapter %d", ref.ChapterIndex)
			if currentChapter == nil {
				ch := ref.ChapterIndex
				currentChapter = &ch
			}
		}
		if topic == "" || seen[topic] {
			continue
		}
		seen[topic] = true
		topics = append(topics, topic)
	}
	return topics, currentChapter, nil
}

// lastAssistantMessageID walks the session's full message history (the same
// full-pagination idiom as session.worker's rehydrate) and returns the ID of
// the most recent assistant message, or "" if none exists yet.
func (h *Handler) lastAssistantMessageID(ctx context.Context, sessionID string) (string, error) {
	var lastID string
	pg := journal.Pagination{Limit: 500}
	for {
		page, err := h.cfg.Journal.GetMessages(ctx, sessionID, pg)
		if err != nil {
			return "", err
		}
		for _, m := range page.Items {
			if m.Role == dialogue.RoleAssistant {
				lastID = m.ID
			}
		}
		if page.NextCursor == "" {
			break
		}
		pg.Cursor = page.NextCursor
	}
	return lastID, nil
}

// handleGetHistory returns a page of the caller's sessions, most recent
// first (spec §4.2 "GET /dialogues/history").
func (h *Handler) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	page, err := h.cfg.Journal.ListByUser(r.Context(), principal.UserID, paginationFromQuery(r))
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	writeJSONBody(w, http.StatusOK, map[string]any{
		"sessions":   page.Items,
		"nextCursor": page.NextCursor,
	})
}

func (h *Handler) verifyOwnership(r *http.Request, sessionID string, principal Principal) error {
	sess, err := h.cfg.Journal.GetSession(r.Context(), sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != principal.UserID {
		return errs.Auth("session does not belong to this credential")
	}
	return nil
}

// collectTurn drains a TurnStream fully and assembles the single resulting
// assistant message, for the non-streaming REST surface (spec §4.2: the
// one-shot message endpoints do not stream, they return the completed
// turn).
func collectTurn(stream *session.TurnStream) (*messageJSON, error) {
	msg := &messageJSON{ID: uuid.NewString(), Role: string(dialogue.RoleAssistant)}
	var sb strings.Builder

	for ev := range stream.Events() {
		switch {
		case ev.Err != nil && ev.Done:
			return nil, ev.Err
		case ev.Reference != nil:
			msg.References = append(msg.References, *ev.Reference)
		default:
			sb.WriteString(ev.Delta)
		}
	}
	msg.Content = sb.String()
	return msg, nil
}

func paginationFromQuery(r *http.Request) journal.Pagination {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	return journal.Pagination{Cursor: r.URL.Query().Get("cursor"), Limit: limit}
}

func writeJSONBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
