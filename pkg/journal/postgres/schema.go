// Package postgres provides a PostgreSQL-backed implementation of
// [github.com/inknowing/dialogue-runtime/pkg/journal.Journal].
//
// A single [pgxpool.Pool] is shared across all tables. [Migrate] is
// idempotent (CREATE TABLE IF NOT EXISTS) and safe to run on every process
// start.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT         PRIMARY KEY,
    user_id          TEXT         NOT NULL,
    book_id          TEXT         NOT NULL,
    character_id     TEXT         NOT NULL DEFAULT '',
    kind             TEXT         NOT NULL,
    status           TEXT         NOT NULL,
    model_used       TEXT         NOT NULL DEFAULT '',
    tokens_used      BIGINT       NOT NULL DEFAULT 0,
    cost_micros      BIGINT       NOT NULL DEFAULT 0,
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_activity_at TIMESTAMPTZ  NOT NULL DEFAULT now(),
    ended_at         TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id, created_at DESC);
`

// ddlMessages declares messages range-partitioned by month (spec §4.6
// "partitioning hint"). Individual month partitions are created lazily by
// [ensureMonthPartition] the first time a message lands in that month; the
// Journal never exposes partition management beyond that.
const ddlMessages = `
CREATE TABLE IF NOT EXISTS messages (
    id          TEXT         NOT NULL,
    session_id  TEXT         NOT NULL,
    seq         BIGINT       NOT NULL,
    role        TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    token_count INT          NOT NULL DEFAULT 0,
    model_id    TEXT         NOT NULL DEFAULT '',
    latency_ms  BIGINT       NOT NULL DEFAULT 0,
    partial     BOOLEAN      NOT NULL DEFAULT false,
    error_kind  TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    PRIMARY KEY (id, created_at)
) PARTITION BY RANGE (created_at);

CREATE TABLE IF NOT EXISTS messages_default PARTITION OF messages DEFAULT;

CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages (session_id, seq);
`

const ddlReferences = `
CREATE TABLE IF NOT EXISTS references_tbl (
    id              TEXT         PRIMARY KEY,
    message_id      TEXT         NOT NULL,
    source_kind     TEXT         NOT NULL,
    chapter_index   INT          NOT NULL DEFAULT 0,
    page            INT          NOT NULL DEFAULT 0,
    paragraph_index INT          NOT NULL DEFAULT 0,
    memory_key      TEXT         NOT NULL DEFAULT '',
    excerpt         TEXT         NOT NULL DEFAULT '',
    similarity      DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_references_message_id ON references_tbl (message_id, similarity DESC);
`

const ddlQuota = `
CREATE TABLE IF NOT EXISTS quota_records (
    user_id      TEXT         NOT NULL,
    period       TEXT         NOT NULL,
    period_start TIMESTAMPTZ  NOT NULL,
    granted      INT          NOT NULL,
    consumed     INT          NOT NULL,
    reset_at     TIMESTAMPTZ  NOT NULL,
    PRIMARY KEY (user_id, period, period_start)
);
`

const ddlCostEntries = `
CREATE TABLE IF NOT EXISTS cost_entries (
    id            BIGSERIAL    PRIMARY KEY,
    session_id    TEXT         NOT NULL,
    user_id       TEXT         NOT NULL,
    model_id      TEXT         NOT NULL,
    input_tokens  INT          NOT NULL,
    output_tokens INT          NOT NULL,
    cost_micros   BIGINT       NOT NULL,
    occurred_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cost_entries_user_day
    ON cost_entries (user_id, (occurred_at::date));
`

const ddlSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id             TEXT PRIMARY KEY,
    summary                TEXT NOT NULL DEFAULT '',
    summarized_through_seq BIGINT NOT NULL DEFAULT 0
);
`

const ddlDeadLetters = `
CREATE TABLE IF NOT EXISTS dead_letters (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    message_id  TEXT         NOT NULL,
    content     TEXT         NOT NULL,
    cause       TEXT         NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables exist. Idempotent; safe to
// call on every process start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlMessages,
		ddlReferences,
		ddlQuota,
		ddlCostEntries,
		ddlSummaries,
		ddlDeadLetters,
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("journal migrate: %w", err)
		}
	}
	return nil
}

// ensureMonthPartition creates the monthly partition for t if it does not
// already exist. Messages outside any explicit partition fall through to
// messages_default, so a missing partition degrades hot-index locality
// rather than failing the write (spec §4.6 treats partitioning as a storage
// detail, not a runtime concern).
func ensureMonthPartition(ctx context.Context, pool *pgxpool.Pool, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	name := fmt.Sprintf("messages_%04d_%02d", start.Year(), start.Month())

	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF messages FOR VALUES FROM ('%s') TO ('%s')`,
		name, start.Format(time.RFC3339), end.Format(time.RFC3339),
	)
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("ensure month partition %s: %w", name, err)
	}
	return nil
}
