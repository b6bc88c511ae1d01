package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/quota"
	"github.com/inknowing/dialogue-runtime/internal/session"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
)

// fakeAuth resolves every bearer token to a fixed Principal, unless
// failToken is presented.
type fakeAuth struct {
	principal Principal
	failToken string
}

func (a fakeAuth) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == a.failToken {
		return Principal{}, errs.Auth("unknown credential")
	}
	return a.principal, nil
}

// fakeSessions is a scriptable Sessions stub.
type fakeSessions struct {
	startErr      error
	submitErr     error
	startEvents   []session.TurnEvent
	submitEvents  []session.TurnEvent
	closeErr      error
	resumeErr     error
	lastSessionID string
}

func streamFrom(events []session.TurnEvent) *session.TurnStream {
	stream, emit, done := session.NewTestStream()
	go func() {
		for _, e := range events {
			emit(e)
		}
		done()
	}()
	return stream
}

func (f *fakeSessions) Start(ctx context.Context, userID, bookID string, kind dialogue.SessionKind, characterID, initialUtterance string) (string, *session.TurnStream, error) {
	if f.startErr != nil {
		return "", nil, f.startErr
	}
	f.lastSessionID = "sess-1"
	if initialUtterance == "" {
		return f.lastSessionID, nil, nil
	}
	return f.lastSessionID, streamFrom(f.startEvents), nil
}

func (f *fakeSessions) SubmitTurn(ctx context.Context, sessionID, utterance string, cancel <-chan struct{}) (*session.TurnStream, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return streamFrom(f.submitEvents), nil
}

func (f *fakeSessions) Close(ctx context.Context, sessionID, reason string) error { return f.closeErr }

func (f *fakeSessions) Resume(ctx context.Context, sessionID string) error { return f.resumeErr }

var _ Sessions = (*fakeSessions)(nil)

// fakeJournal is a minimal journal.Journal stub covering only what the
// Gateway reads.
type fakeJournal struct {
	sessions map[string]dialogue.Session
	summary  string
}

func (f *fakeJournal) CreateSession(ctx context.Context, s dialogue.Session) error { return nil }
func (f *fakeJournal) AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg dialogue.Message, refs []dialogue.Reference, usage dialogue.Usage) error {
	return nil
}
func (f *fakeJournal) UpdateSessionMetrics(ctx context.Context, sessionID string, tokensDelta int64, costDeltaMicros int64, lastActivity time.Time) error {
	return nil
}
func (f *fakeJournal) RecordCost(ctx context.Context, entry journal.CostEntry) error { return nil }

func (f *fakeJournal) GetSession(ctx context.Context, sessionID string) (dialogue.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return dialogue.Session{}, errs.NotFound(fmt.Sprintf("session %q not found", sessionID))
	}
	return s, nil
}
func (f *fakeJournal) ListByUser(ctx context.Context, userID string, pg journal.Pagination) (journal.Page[dialogue.Session], error) {
	return journal.Page[dialogue.Session]{}, nil
}
func (f *fakeJournal) GetMessages(ctx context.Context, sessionID string, pg journal.Pagination) (journal.Page[dialogue.Message], error) {
	return journal.Page[dialogue.Message]{Items: []dialogue.Message{{ID: "m1", Content: "hi"}}}, nil
}
func (f *fakeJournal) GetReferences(ctx context.Context, messageID string) ([]dialogue.Reference, error) {
	return nil, nil
}
func (f *fakeJournal) GetQuota(ctx context.Context, userID string, period dialogue.PeriodKind) (dialogue.QuotaRecord, error) {
	return dialogue.QuotaRecord{}, nil
}
func (f *fakeJournal) UpsertQuota(ctx context.Context, rec dialogue.QuotaRecord) error { return nil }
func (f *fakeJournal) GetSummary(ctx context.Context, sessionID string) (string, int64, error) {
	return f.summary, 0, nil
}
func (f *fakeJournal) PutSummary(ctx context.Context, sessionID string, summary string, summarizedThroughSeq int64) error {
	return nil
}
func (f *fakeJournal) WriteDeadLetter(ctx context.Context, sessionID string, assistantMsg dialogue.Message, refs []dialogue.Reference, cause string) error {
	return nil
}
func (f *fakeJournal) Close() {}

var _ journal.Journal = (*fakeJournal)(nil)

func newTestHandler(sessions *fakeSessions, j *fakeJournal, auth fakeAuth) *Handler {
	return New(Config{Sessions: sessions, Journal: j, Auth: auth})
}

func TestHandleStartBookHappyPath(t *testing.T) {
	sessions := &fakeSessions{startEvents: []session.TurnEvent{
		{Delta: "once"}, {Delta: " upon a time"}, {Done: true, Usage: dialogue.Usage{InputTokens: 5, OutputTokens: 2}},
	}}
	j := &fakeJournal{sessions: map[string]dialogue.Session{}}
	auth := fakeAuth{principal: Principal{UserID: "user-1", Membership: quota.MembershipFree}}
	h := newTestHandler(sessions, j, auth)

	body := strings.NewReader(`{"bookId":"book-1","message":"hello"}`)
	req := httptest.NewRequest(http.MethodPost, "/dialogues/book/start", body)
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.handleStartBook(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
	}
	var resp startResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "sess-1" {
		t.Errorf("sessionId = %q, want sess-1", resp.SessionID)
	}
	if resp.Message == nil || resp.Message.Content != "once upon a time" {
		t.Errorf("message = %+v, want content %q", resp.Message, "once upon a time")
	}
}

func TestHandleStartBookRejectsMissingCredential(t *testing.T) {
	sessions := &fakeSessions{}
	j := &fakeJournal{sessions: map[string]dialogue.Session{}}
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	h := newTestHandler(sessions, j, auth)

	req := httptest.NewRequest(http.MethodPost, "/dialogues/book/start", strings.NewReader(`{"bookId":"book-1"}`))
	w := httptest.NewRecorder()

	h.handleStartBook(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestHandlePostMessageRejectsSessionOwnershipMismatch(t *testing.T) {
	sessions := &fakeSessions{submitEvents: []session.TurnEvent{{Done: true}}}
	j := &fakeJournal{sessions: map[string]dialogue.Session{
		"sess-1": {ID: "sess-1", UserID: "someone-else"},
	}}
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	h := newTestHandler(sessions, j, auth)

	req := httptest.NewRequest(http.MethodPost, "/dialogues/sess-1/messages", strings.NewReader(`{"content":"hi"}`))
	req.SetPathValue("sessionId", "sess-1")
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.handlePostMessage(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusForbidden, w.Body.String())
	}
}

func TestHandlePostMessagePropagatesQuotaExhausted(t *testing.T) {
	sessions := &fakeSessions{submitErr: errs.QuotaExhausted("2026-08-01T00:00:00Z")}
	j := &fakeJournal{sessions: map[string]dialogue.Session{
		"sess-1": {ID: "sess-1", UserID: "user-1"},
	}}
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	h := newTestHandler(sessions, j, auth)

	req := httptest.NewRequest(http.MethodPost, "/dialogues/sess-1/messages", strings.NewReader(`{"content":"hi"}`))
	req.SetPathValue("sessionId", "sess-1")
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.handlePostMessage(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
}

func TestHandleGetMessagesReturnsPage(t *testing.T) {
	sessions := &fakeSessions{}
	j := &fakeJournal{sessions: map[string]dialogue.Session{
		"sess-1": {ID: "sess-1", UserID: "user-1"},
	}}
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	h := newTestHandler(sessions, j, auth)

	req := httptest.NewRequest(http.MethodGet, "/dialogues/sess-1/messages?limit=10", nil)
	req.SetPathValue("sessionId", "sess-1")
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.handleGetMessages(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"id":"m1"`) {
		t.Errorf("body = %s, want it to contain the fake message", w.Body.String())
	}
}

func TestHandleGetContextReturnsSummary(t *testing.T) {
	sessions := &fakeSessions{}
	j := &fakeJournal{sessions: map[string]dialogue.Session{
		"sess-1": {ID: "sess-1", UserID: "user-1"},
	}, summary: "the protagonist just arrived at the tower"}
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	h := newTestHandler(sessions, j, auth)

	req := httptest.NewRequest(http.MethodGet, "/dialogues/sess-1/context", nil)
	req.SetPathValue("sessionId", "sess-1")
	req.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()

	h.handleGetContext(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "the protagonist just arrived at the tower") {
		t.Errorf("body = %s, want it to contain the summary", w.Body.String())
	}
}

func TestAuthenticateRejectsMalformedHeader(t *testing.T) {
	auth := fakeAuth{principal: Principal{UserID: "user-1"}}
	req := httptest.NewRequest(http.MethodGet, "/dialogues/history", nil)
	req.Header.Set("Authorization", "Basic whatever")

	_, err := authenticate(context.Background(), auth, req)
	if errs.Classify(err) != errs.KindAuth {
		t.Fatalf("err = %v, want KindAuth", err)
	}
}

func TestWriteErrorJSONMapsKindToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{errs.NotFound("nope"), http.StatusNotFound},
		{errs.SessionExpired(), http.StatusGone},
		{errs.ProviderPoolExhausted(), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		w := httptest.NewRecorder()
		writeErrorJSON(w, tt.err)
		if w.Code != tt.want {
			t.Errorf("err=%v status=%d, want %d", tt.err, w.Code, tt.want)
		}
	}
}
