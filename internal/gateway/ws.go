package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/session"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

const (
	pingInterval        = 20 * time.Second
	pongTimeout         = 60 * time.Second
	backpressureTimeout = 30 * time.Second
)

// serveDialogue upgrades the request to a duplex frame channel at
// /dialogue/{sessionId} after verifying the bearer credential and the
// principal's ownership of the session (spec §4.2 public contract).
func (h *Handler) serveDialogue(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	principal, err := authenticate(r.Context(), h.cfg.Auth, r)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}

	sess, err := h.cfg.Journal.GetSession(r.Context(), sessionID)
	if err != nil {
		writeErrorJSON(w, err)
		return
	}
	if sess.UserID != principal.UserID {
		writeErrorJSON(w, errs.Auth("session does not belong to this credential"))
		return
	}
	if err := h.cfg.Sessions.Resume(r.Context(), sessionID); err != nil {
		writeErrorJSON(w, err)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()

	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn.SetReadLimit(64 * 1024)

	outbox := make(chan serverFrame, 32)
	go h.writePump(connCtx, cancel, conn, outbox)
	h.readPump(connCtx, cancel, conn, sessionID, outbox)
}

// readPump owns the connection's receive side: it parses client frames and
// drives submitTurn for "message" frames, forwarding cancel requests to the
// in-flight turn. Ordering guarantee (spec §4.2): the Gateway never
// interleaves two turns on one connection — the loop blocks on each turn's
// outbox draining before reading the next frame.
func (h *Handler) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sessionID string, outbox chan<- serverFrame) {
	defer close(outbox)

	var turnCancel chan struct{}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case clientFramePing:
			select {
			case outbox <- serverFrame{Type: serverFramePong}:
			case <-ctx.Done():
				return
			}

		case clientFrameCancel:
			if turnCancel != nil {
				close(turnCancel)
				turnCancel = nil
			}

		case clientFrameMessage:
			turnCancel = make(chan struct{})
			stream, err := h.cfg.Sessions.SubmitTurn(ctx, sessionID, frame.Content, turnCancel)
			if err != nil {
				select {
				case outbox <- errorFrame(err):
				case <-ctx.Done():
					return
				}
				turnCancel = nil
				continue
			}
			if !h.pumpTurn(ctx, stream, outbox) {
				return
			}
			turnCancel = nil
		}
	}
}

// pumpTurn drains a single turn's stream onto outbox, applying the
// backpressure ceiling (spec §5 timeouts: 30 seconds without drain ⇒
// disconnect). Returns false if the connection should close.
func (h *Handler) pumpTurn(ctx context.Context, stream *session.TurnStream, outbox chan<- serverFrame) bool {
	for ev := range stream.Events() {
		var frame serverFrame
		switch {
		case ev.Err != nil && ev.Done:
			frame = errorFrame(ev.Err)
		case ev.Reference != nil:
			frame = referenceFrame(*ev.Reference)
		case ev.Done:
			frame = doneFrame(ev.Usage)
		default:
			frame = serverFrame{Type: serverFrameToken, Delta: ev.Delta}
		}

		select {
		case outbox <- frame:
		case <-time.After(backpressureTimeout):
			select {
			case outbox <- errorFrame(errs.BackpressureTimeout()):
			default:
			}
			return false
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// writePump owns the connection's send side: it serializes outbox frames,
// drives the keepalive ping ticker, and enforces the pong timeout (spec §4.2
// "Keepalive").
func (h *Handler) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbox <-chan serverFrame) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer cancel()

	for {
		select {
		case frame, ok := <-outbox:
			if !ok {
				return
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func errorFrame(err error) serverFrame {
	kind := errs.Classify(err)
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	return serverFrame{Type: serverFrameError, Kind: string(kind), Message: msg}
}

func referenceFrame(ref dialogue.Reference) serverFrame {
	return serverFrame{
		Type:           serverFrameReference,
		SourceKind:     string(ref.SourceKind),
		ChapterIndex:   ref.ChapterIndex,
		Page:           ref.Page,
		ParagraphIndex: ref.ParagraphIndex,
		MemoryKey:      ref.MemoryKey,
		Excerpt:        ref.Excerpt,
		Similarity:     ref.Similarity,
	}
}

func doneFrame(usage dialogue.Usage) serverFrame {
	return serverFrame{
		Type:  serverFrameDone,
		Usage: &usageJSON{Input: usage.InputTokens, Output: usage.OutputTokens},
	}
}

func writeErrorJSON(w http.ResponseWriter, err error) {
	kind := errs.Classify(err)
	status := http.StatusInternalServerError
	switch kind {
	case errs.KindAuth:
		status = http.StatusForbidden
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindQuotaExhausted:
		status = http.StatusTooManyRequests
	case errs.KindSessionExpired:
		status = http.StatusGone
	case errs.KindProviderPoolExhausted:
		status = http.StatusServiceUnavailable
	}
	msg := err.Error()
	var e *errs.Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"kind": kind, "message": msg, "retryable": e != nil && e.Retryable},
	})
}
