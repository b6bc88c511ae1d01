// Package session implements the Session Manager (spec §4.1): a mapping
// from session id to a live worker that serializes all state changes for
// that session. Workers come and go; session identity and history outlive
// them in the Persistence Journal.
//
// It is grounded on the teacher's internal/app.SessionManager, generalized
// from a single active-session guard (active bool) to a registry of many
// concurrently active sessions (sync.Map[sessionID]*worker), and on
// internal/session/consolidator.go's ticking-goroutine idle-sweep shape.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	dctx "github.com/inknowing/dialogue-runtime/internal/context"
	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/quota"
	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
)

// IdleTimeout is how long a worker waits without a turn before persisting a
// summary and exiting (spec §4.1 "Worker lifecycle"; spec §5 timeouts).
const IdleTimeout = 30 * time.Minute

// CharacterCatalog resolves a persona for character-mode sessions. The
// catalog is an external subsystem the Dialogue Runtime reads but never
// writes (pkg/dialogue.CharacterPersona's doc comment).
type CharacterCatalog interface {
	Get(ctx context.Context, characterID string) (*dialogue.CharacterPersona, error)
}

// BookCatalog validates that a book exists and is published (spec §4.1
// start's NotFound/Forbidden failure modes).
type BookCatalog interface {
	// IsPublished reports whether bookID exists and is published. It
	// returns errs.NotFound if the book is unknown.
	IsPublished(ctx context.Context, bookID string) (bool, error)
}

// Config wires the Session Manager's collaborators and tunables.
type Config struct {
	Journal    journal.Journal
	Ledger     quota.Ledger
	Router     *router.Router
	Assembler  *dctx.Assembler
	Characters CharacterCatalog
	Books      BookCatalog
	Summarizer dctx.Summarizer

	// UserTier resolves a userID's membership for quota reservation and
	// router tier selection. Required.
	UserTier func(ctx context.Context, userID string) (quota.Membership, error)

	IdleTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = IdleTimeout
	}
	return c
}

// Manager is the Session Manager: it owns the worker registry and exposes
// the start/submitTurn/close/resume contract (spec §4.1).
type Manager struct {
	cfg Config

	workers sync.Map // sessionID -> *worker
}

// NewManager constructs a Manager. cfg.Journal, cfg.Ledger, cfg.Router,
// cfg.Assembler, and cfg.UserTier must be non-nil.
func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg.withDefaults()}
}

// Start creates a fresh session, optionally enqueuing an initial turn, and
// returns its id (spec §4.1 public contract: start).
func (m *Manager) Start(ctx context.Context, userID, bookID string, kind dialogue.SessionKind, characterID, initialUtterance string) (string, *TurnStream, error) {
	if m.cfg.Books != nil {
		published, err := m.cfg.Books.IsPublished(ctx, bookID)
		if err != nil {
			return "", nil, err
		}
		if !published {
			return "", nil, errs.New(errs.KindAuth, "book is not published", false)
		}
	}

	var persona *dialogue.CharacterPersona
	if kind == dialogue.KindCharacter {
		if characterID == "" {
			return "", nil, errs.NotFound("character id required for character-mode session")
		}
		if m.cfg.Characters != nil {
			p, err := m.cfg.Characters.Get(ctx, characterID)
			if err != nil {
				return "", nil, err
			}
			persona = p
		}
	}

	now := time.Now()
	sess := dialogue.Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		BookID:         bookID,
		CharacterID:    characterID,
		Kind:           kind,
		Status:         dialogue.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := m.cfg.Journal.CreateSession(ctx, sess); err != nil {
		return "", nil, errs.Persistence(err)
	}

	w := newWorker(sess, persona, m.cfg, m.onIdle)
	m.workers.Store(sess.ID, w)
	w.start()

	var stream *TurnStream
	if initialUtterance != "" {
		var err error
		stream, err = w.submitTurn(ctx, initialUtterance, nil)
		if err != nil {
			return sess.ID, nil, err
		}
	}
	return sess.ID, stream, nil
}

// SubmitTurn enqueues a user turn on sessionID's worker, lazily resuming one
// if the session is idle-but-not-ended (spec §4.1 public contract:
// submitTurn, resume). cancel, if non-nil, is closed to request cooperative
// abort (spec §5).
func (m *Manager) SubmitTurn(ctx context.Context, sessionID, utterance string, cancel <-chan struct{}) (*TurnStream, error) {
	w, err := m.resolveWorker(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return w.submitTurn(ctx, utterance, cancel)
}

// Close stops sessionID's worker, marks its in-memory session ended, and
// drops it from the registry. The ended status is not written to the
// Journal. Idempotent (spec §4.1 public contract: close).
func (m *Manager) Close(ctx context.Context, sessionID, reason string) error {
	v, ok := m.workers.Load(sessionID)
	if !ok {
		return nil
	}
	w := v.(*worker)
	m.workers.Delete(sessionID)
	return w.shutdown(ctx, dialogue.StatusEnded, reason)
}

// Resume lazily rehydrates a worker for a previously idle-but-not-ended
// session (spec §4.1 public contract: resume).
func (m *Manager) Resume(ctx context.Context, sessionID string) error {
	_, err := m.resolveWorker(ctx, sessionID)
	return err
}

func (m *Manager) resolveWorker(ctx context.Context, sessionID string) (*worker, error) {
	if v, ok := m.workers.Load(sessionID); ok {
		return v.(*worker), nil
	}

	sess, err := m.cfg.Journal.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == dialogue.StatusEnded {
		return nil, errs.NotFound(fmt.Sprintf("session %q has ended", sessionID))
	}
	if sess.Status == dialogue.StatusExpired {
		return nil, errs.SessionExpired()
	}

	var persona *dialogue.CharacterPersona
	if sess.Kind == dialogue.KindCharacter && sess.CharacterID != "" && m.cfg.Characters != nil {
		p, err := m.cfg.Characters.Get(ctx, sess.CharacterID)
		if err != nil {
			return nil, err
		}
		persona = p
	}

	w := newWorker(sess, persona, m.cfg, m.onIdle)

	actual, loaded := m.workers.LoadOrStore(sessionID, w)
	if loaded {
		return actual.(*worker), nil
	}
	if err := w.rehydrate(ctx); err != nil {
		m.workers.Delete(sessionID)
		return nil, err
	}
	w.start()
	return w, nil
}

// onIdle is the worker's callback on idle-timeout exit: drop it from the
// registry so a subsequent turn lazily resumes a fresh one (spec §4.1:
// "the session is marked expired").
func (m *Manager) onIdle(sessionID string) {
	m.workers.Delete(sessionID)
	slog.Info("session manager: worker exited on idle timeout", "session", sessionID)
}

// Shutdown closes every active worker, for process shutdown.
func (m *Manager) Shutdown(ctx context.Context) {
	m.workers.Range(func(key, value any) bool {
		w := value.(*worker)
		m.workers.Delete(key)
		if err := w.shutdown(ctx, dialogue.StatusEnded, "server shutdown"); err != nil {
			slog.Warn("session manager: error shutting down worker", "session", key, "err", err)
		}
		return true
	})
}
