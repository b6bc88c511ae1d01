// Package journal defines the Persistence Journal: the durable home of
// sessions, messages, references, quota records, cost entries, and
// per-session summaries.
//
// Writes for a single session are serialized by that session's worker; the
// Journal itself is free to batch across sessions. See
// [github.com/inknowing/dialogue-runtime/pkg/journal/postgres] for the
// PostgreSQL-backed implementation.
package journal

import (
	"context"
	"time"

	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// Pagination bounds a listing query by an opaque cursor and a page size.
type Pagination struct {
	Cursor string
	Limit  int
}

// Page is a single page of results plus the cursor for the next page. An
// empty NextCursor means there is no further page.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// CostEntry records one billable provider call against a session.
type CostEntry struct {
	SessionID  string
	UserID     string
	ModelID    string
	Usage      dialogue.Usage
	OccurredAt time.Time
}

// Journal is the durable store of record for the Dialogue Runtime. All
// methods must be safe for concurrent use; callers from different sessions
// run concurrently.
type Journal interface {
	// CreateSession persists a freshly created session row.
	CreateSession(ctx context.Context, s dialogue.Session) error

	// AppendTurn durably writes a user message, the paired assistant
	// message, and its references as one atomic unit: either all of it
	// lands or none does.
	AppendTurn(ctx context.Context, sessionID string, userMsg, assistantMsg dialogue.Message, refs []dialogue.Reference, usage dialogue.Usage) error

	// UpdateSessionMetrics batches a denormalized counter update onto the
	// session row. Eventual consistency is tolerated.
	UpdateSessionMetrics(ctx context.Context, sessionID string, tokensDelta int64, costDeltaMicros int64, lastActivity time.Time) error

	// RecordCost appends one cost-accounting entry.
	RecordCost(ctx context.Context, entry CostEntry) error

	// GetSession reads a session by id. Returns errs.NotFound if absent.
	GetSession(ctx context.Context, sessionID string) (dialogue.Session, error)

	// ListByUser lists a user's sessions, most-recent first.
	ListByUser(ctx context.Context, userID string, pg Pagination) (Page[dialogue.Session], error)

	// GetMessages lists a session's messages in sequence order.
	GetMessages(ctx context.Context, sessionID string, pg Pagination) (Page[dialogue.Message], error)

	// GetReferences lists the references attached to a message, ordered by
	// similarity descending.
	GetReferences(ctx context.Context, messageID string) ([]dialogue.Reference, error)

	// GetQuota reads the active quota record for (userID, period). Returns
	// a zero-value record with Granted == 0 when none exists yet.
	GetQuota(ctx context.Context, userID string, period dialogue.PeriodKind) (dialogue.QuotaRecord, error)

	// UpsertQuota writes the current state of a quota record, creating it on
	// first use and replacing an expired period with a fresh one. Neither
	// Quota Ledger implementation calls it; their counters are not written
	// to the Journal.
	UpsertQuota(ctx context.Context, rec dialogue.QuotaRecord) error

	// GetSummary reads the cached conversational summary and
	// summarized-up-to watermark for a session.
	GetSummary(ctx context.Context, sessionID string) (summary string, summarizedThroughSeq int64, err error)

	// PutSummary updates the cached conversational summary watermark.
	PutSummary(ctx context.Context, sessionID string, summary string, summarizedThroughSeq int64) error

	// WriteDeadLetter records a turn that completed generation but failed
	// to persist, for later operator reconciliation (spec §4.1 "Fatal"
	// failure semantics, GLOSSARY "Dead-letter log").
	WriteDeadLetter(ctx context.Context, sessionID string, assistantMsg dialogue.Message, refs []dialogue.Reference, cause string) error

	// Close releases the Journal's underlying resources.
	Close()
}
