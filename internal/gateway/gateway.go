// Package gateway implements the Transport Gateway (spec §4.2): the HTTP and
// WebSocket surface clients use to start, drive, and inspect dialogue
// sessions. It is the only layer that speaks the wire frame format and the
// only layer that needs the closed error taxonomy in internal/errs.
//
// It is grounded on internal/health.Handler's Register(mux)-onto-a-shared-
// ServeMux convention, and on the teacher's
// pkg/provider/s2s/openai/openai.go for the websocket read/write/dispatch
// loop shape (adapted from client-side Dial to server-side Accept).
package gateway

import (
	"context"
	"net/http"

	"github.com/inknowing/dialogue-runtime/internal/session"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
)

// Sessions is the subset of *session.Manager the Gateway depends on,
// narrowed for testability.
type Sessions interface {
	Start(ctx context.Context, userID, bookID string, kind dialogue.SessionKind, characterID, initialUtterance string) (string, *session.TurnStream, error)
	SubmitTurn(ctx context.Context, sessionID, utterance string, cancel <-chan struct{}) (*session.TurnStream, error)
	Close(ctx context.Context, sessionID, reason string) error
	Resume(ctx context.Context, sessionID string) error
}

var _ Sessions = (*session.Manager)(nil)

// Config wires the Gateway's collaborators.
type Config struct {
	Sessions Sessions
	Journal  journal.Journal
	Auth     Authenticator

	// Characters resolves a character-mode session's persona for the
	// /context endpoint's currentCharacter field (spec §6, scenario 5). May
	// be left nil, in which case currentCharacter is always omitted.
	Characters session.CharacterCatalog
}

// Handler serves the Transport Gateway's REST and WebSocket routes.
type Handler struct {
	cfg Config
}

// New constructs a Handler. Sessions, Journal, and Auth are required;
// Characters may be nil.
func New(cfg Config) *Handler {
	return &Handler{cfg: cfg}
}

// Register mounts the Gateway's routes onto mux (spec §4.2 endpoint list).
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /dialogue/{sessionId}", h.serveDialogue)

	mux.HandleFunc("POST /dialogues/book/start", h.handleStartBook)
	mux.HandleFunc("POST /dialogues/character/start", h.handleStartCharacter)
	mux.HandleFunc("POST /dialogues/{sessionId}/messages", h.handlePostMessage)
	mux.HandleFunc("GET /dialogues/{sessionId}/messages", h.handleGetMessages)
	mux.HandleFunc("GET /dialogues/{sessionId}/context", h.handleGetContext)
	mux.HandleFunc("GET /dialogues/history", h.handleGetHistory)
}
