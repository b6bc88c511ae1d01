package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal"
)

// Compile-time check that Store satisfies journal.Journal.
var _ journal.Journal = (*Store)(nil)

// Store is the PostgreSQL-backed Persistence Journal. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to dsn and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies connectivity to the underlying database, for use as a
// readiness/liveness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) CreateSession(ctx context.Context, sess dialogue.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, book_id, character_id, kind, status, model_used,
			tokens_used, cost_micros, created_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		sess.ID, sess.UserID, sess.BookID, sess.CharacterID, sess.Kind, sess.Status,
		sess.ModelUsed, sess.TokensUsed, sess.CostMicros, sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// AppendTurn writes the user message, assistant message, and references in
// a single transaction so either both messages land with their references
// or none do (spec §4.6).
func (s *Store) AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg dialogue.Message, refs []dialogue.Reference, usage dialogue.Usage) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("append turn %s: begin: %w", sessionID, err)
	}
	defer tx.Rollback(ctx)

	if err := ensureMonthPartition(ctx, s.pool, userMsg.CreatedAt); err != nil {
		slog.Warn("journal store: month partition unavailable, writing to messages_default",
			"session", sessionID, "err", err)
	}

	for _, m := range []dialogue.Message{userMsg, assistantMsg} {
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (id, session_id, seq, role, content, token_count, model_id,
				latency_ms, partial, error_kind, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			m.ID, sessionID, m.Seq, m.Role, m.Content, m.TokenCount, m.ModelID,
			m.LatencyMS, m.Partial, m.ErrorKind, m.CreatedAt); err != nil {
			return fmt.Errorf("append turn %s: insert message %s: %w", sessionID, m.ID, err)
		}
	}

	for _, r := range refs {
		if _, err := tx.Exec(ctx, `
			INSERT INTO references_tbl (id, message_id, source_kind, chapter_index, page,
				paragraph_index, memory_key, excerpt, similarity)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			r.ID, r.MessageID, r.SourceKind, r.ChapterIndex, r.Page,
			r.ParagraphIndex, r.MemoryKey, r.Excerpt, r.Similarity); err != nil {
			return fmt.Errorf("append turn %s: insert reference %s: %w", sessionID, r.ID, err)
		}
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sessions SET tokens_used = tokens_used + $2, cost_micros = cost_micros + $3,
			last_activity_at = $4, model_used = $5
		WHERE id = $1`,
		sessionID, usage.InputTokens+usage.OutputTokens, usage.CostMicros,
		assistantMsg.CreatedAt, assistantMsg.ModelID); err != nil {
		return fmt.Errorf("append turn %s: update session: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("append turn %s: commit: %w", sessionID, err)
	}
	return nil
}

func (s *Store) UpdateSessionMetrics(ctx context.Context, sessionID string, tokensDelta int64, costDeltaMicros int64, lastActivity time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET tokens_used = tokens_used + $2, cost_micros = cost_micros + $3,
			last_activity_at = $4
		WHERE id = $1`,
		sessionID, tokensDelta, costDeltaMicros, lastActivity)
	if err != nil {
		return fmt.Errorf("update session metrics %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) RecordCost(ctx context.Context, entry journal.CostEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cost_entries (session_id, user_id, model_id, input_tokens, output_tokens,
			cost_micros, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.SessionID, entry.UserID, entry.ModelID, entry.Usage.InputTokens,
		entry.Usage.OutputTokens, entry.Usage.CostMicros, entry.OccurredAt)
	if err != nil {
		return fmt.Errorf("record cost %s: %w", entry.SessionID, err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, sessionID string) (dialogue.Session, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, user_id, book_id, character_id, kind, status, model_used, tokens_used,
			cost_micros, created_at, last_activity_at, ended_at
		FROM sessions WHERE id = $1`, sessionID)

	var sess dialogue.Session
	var endedAt *time.Time
	err := row.Scan(&sess.ID, &sess.UserID, &sess.BookID, &sess.CharacterID, &sess.Kind,
		&sess.Status, &sess.ModelUsed, &sess.TokensUsed, &sess.CostMicros, &sess.CreatedAt,
		&sess.LastActivityAt, &endedAt)
	if err == pgx.ErrNoRows {
		return dialogue.Session{}, errs.NotFound(fmt.Sprintf("session %q not found", sessionID))
	}
	if err != nil {
		return dialogue.Session{}, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	if endedAt != nil {
		sess.EndedAt = *endedAt
	}
	return sess, nil
}

func (s *Store) ListByUser(ctx context.Context, userID string, pg journal.Pagination) (journal.Page[dialogue.Session], error) {
	limit := pg.Limit
	if limit <= 0 {
		limit = 20
	}

	var cursorTime time.Time
	if pg.Cursor != "" {
		var err error
		cursorTime, err = time.Parse(time.RFC3339Nano, pg.Cursor)
		if err != nil {
			return journal.Page[dialogue.Session]{}, fmt.Errorf("list by user %s: bad cursor: %w", userID, err)
		}
	} else {
		cursorTime = time.Now().Add(time.Hour) // after "now" so the first page includes everything
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, book_id, character_id, kind, status, model_used, tokens_used,
			cost_micros, created_at, last_activity_at, ended_at
		FROM sessions
		WHERE user_id = $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3`, userID, cursorTime, limit+1)
	if err != nil {
		return journal.Page[dialogue.Session]{}, fmt.Errorf("list by user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []dialogue.Session
	for rows.Next() {
		var sess dialogue.Session
		var endedAt *time.Time
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.BookID, &sess.CharacterID, &sess.Kind,
			&sess.Status, &sess.ModelUsed, &sess.TokensUsed, &sess.CostMicros, &sess.CreatedAt,
			&sess.LastActivityAt, &endedAt); err != nil {
			return journal.Page[dialogue.Session]{}, fmt.Errorf("list by user %s: scan: %w", userID, err)
		}
		if endedAt != nil {
			sess.EndedAt = *endedAt
		}
		out = append(out, sess)
	}

	page := journal.Page[dialogue.Session]{}
	if len(out) > limit {
		page.NextCursor = out[limit-1].CreatedAt.Format(time.RFC3339Nano)
		out = out[:limit]
	}
	page.Items = out
	return page, nil
}

func (s *Store) GetMessages(ctx context.Context, sessionID string, pg journal.Pagination) (journal.Page[dialogue.Message], error) {
	limit := pg.Limit
	if limit <= 0 {
		limit = 50
	}

	afterSeq := int64(-1) // the first page starts at seq 0
	if pg.Cursor != "" {
		if _, err := fmt.Sscanf(pg.Cursor, "%d", &afterSeq); err != nil {
			return journal.Page[dialogue.Message]{}, fmt.Errorf("get messages %s: bad cursor: %w", sessionID, err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, seq, role, content, token_count, model_id, latency_ms, partial, error_kind, created_at
		FROM messages
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3`, sessionID, afterSeq, limit+1)
	if err != nil {
		return journal.Page[dialogue.Message]{}, fmt.Errorf("get messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []dialogue.Message
	for rows.Next() {
		var m dialogue.Message
		if err := rows.Scan(&m.ID, &m.Seq, &m.Role, &m.Content, &m.TokenCount, &m.ModelID,
			&m.LatencyMS, &m.Partial, &m.ErrorKind, &m.CreatedAt); err != nil {
			return journal.Page[dialogue.Message]{}, fmt.Errorf("get messages %s: scan: %w", sessionID, err)
		}
		m.SessionID = sessionID
		out = append(out, m)
	}

	page := journal.Page[dialogue.Message]{}
	if len(out) > limit {
		page.NextCursor = fmt.Sprintf("%d", out[limit-1].Seq)
		out = out[:limit]
	}
	page.Items = out
	return page, nil
}

func (s *Store) GetReferences(ctx context.Context, messageID string) ([]dialogue.Reference, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, message_id, source_kind, chapter_index, page, paragraph_index, memory_key,
			excerpt, similarity
		FROM references_tbl
		WHERE message_id = $1
		ORDER BY similarity DESC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("get references %s: %w", messageID, err)
	}
	defer rows.Close()

	refs, err := pgx.CollectRows(rows, pgx.RowToStructByPos[dialogue.Reference])
	if err != nil {
		return nil, fmt.Errorf("get references %s: collect: %w", messageID, err)
	}
	if refs == nil {
		refs = []dialogue.Reference{}
	}
	return refs, nil
}

func (s *Store) GetQuota(ctx context.Context, userID string, period dialogue.PeriodKind) (dialogue.QuotaRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT user_id, period, period_start, granted, consumed, reset_at
		FROM quota_records
		WHERE user_id = $1 AND period = $2
		ORDER BY period_start DESC
		LIMIT 1`, userID, period)

	var rec dialogue.QuotaRecord
	err := row.Scan(&rec.UserID, &rec.Period, &rec.PeriodStt, &rec.Granted, &rec.Consumed, &rec.ResetAt)
	if err == pgx.ErrNoRows {
		return dialogue.QuotaRecord{UserID: userID, Period: period}, nil
	}
	if err != nil {
		return dialogue.QuotaRecord{}, fmt.Errorf("get quota %s/%s: %w", userID, period, err)
	}
	return rec, nil
}

func (s *Store) UpsertQuota(ctx context.Context, rec dialogue.QuotaRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO quota_records (user_id, period, period_start, granted, consumed, reset_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, period, period_start) DO UPDATE SET
			granted = EXCLUDED.granted, consumed = EXCLUDED.consumed, reset_at = EXCLUDED.reset_at`,
		rec.UserID, rec.Period, rec.PeriodStt, rec.Granted, rec.Consumed, rec.ResetAt)
	if err != nil {
		return fmt.Errorf("upsert quota %s/%s: %w", rec.UserID, rec.Period, err)
	}
	return nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (string, int64, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT summary, summarized_through_seq FROM session_summaries WHERE session_id = $1`, sessionID)

	var summary string
	var through int64
	err := row.Scan(&summary, &through)
	if err == pgx.ErrNoRows {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("get summary %s: %w", sessionID, err)
	}
	return summary, through, nil
}

func (s *Store) PutSummary(ctx context.Context, sessionID string, summary string, summarizedThroughSeq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_summaries (session_id, summary, summarized_through_seq)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET summary = EXCLUDED.summary,
			summarized_through_seq = EXCLUDED.summarized_through_seq`,
		sessionID, summary, summarizedThroughSeq)
	if err != nil {
		return fmt.Errorf("put summary %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) WriteDeadLetter(ctx context.Context, sessionID string, assistantMsg dialogue.Message, refs []dialogue.Reference, cause string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (session_id, message_id, content, cause)
		VALUES ($1, $2, $3, $4)`,
		sessionID, assistantMsg.ID, assistantMsg.Content, cause)
	if err != nil {
		return fmt.Errorf("write dead letter %s: %w", sessionID, err)
	}
	return nil
}
