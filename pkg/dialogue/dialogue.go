// Package dialogue defines the shared data model used across the Dialogue
// Runtime.
//
// These types form the lingua franca between the Gateway, Session Manager,
// Quota Ledger, Context Assembler, Model Router, Persistence Journal, and
// Retrieval Index Adapter. They are intentionally minimal — each package
// defines its own internal working types, but cross-cutting records live
// here to avoid circular imports.
package dialogue

import "time"

// SessionKind distinguishes a book-only dialogue from a character dialogue.
type SessionKind string

const (
	KindBook      SessionKind = "book"
	KindCharacter SessionKind = "character"
)

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusEnded   SessionStatus = "ended"
	StatusExpired SessionStatus = "expired"
)

// Session is a live or historical conversation between a user and a book,
// optionally scoped to a character within that book.
//
// A Session is immutable once Status is StatusEnded or StatusExpired;
// CharacterID is non-empty iff Kind is KindCharacter; LastActivityAt is
// always >= CreatedAt.
type Session struct {
	ID             string
	UserID         string
	BookID         string
	CharacterID    string
	Kind           SessionKind
	Status         SessionStatus
	ModelUsed      string
	TokensUsed     int64
	CostMicros     int64 // cumulative cost in a fixed-precision monetary unit (1e-6 currency units)
	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        time.Time
}

// MessageRole identifies the speaker of a Message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// Message is one turn of speech, append-only once written.
type Message struct {
	ID          string
	SessionID   string
	Seq         int64
	Role        MessageRole
	Content     string
	TokenCount  int
	ModelID     string // set for assistant messages only
	LatencyMS   int64
	Partial     bool // true when the turn was cancelled (§5 cancellation) or its provider failed mid-stream
	ErrorKind   string
	CreatedAt   time.Time
}

// ReferenceSourceKind identifies what a Reference locator addresses.
type ReferenceSourceKind string

const (
	SourceChapter   ReferenceSourceKind = "chapter"
	SourcePage      ReferenceSourceKind = "page"
	SourceParagraph ReferenceSourceKind = "paragraph"
	SourceMemory    ReferenceSourceKind = "memory"
)

// Reference is a citation attached to an assistant Message, written
// atomically with its parent and never mutated afterward.
type Reference struct {
	ID              string
	MessageID       string
	SourceKind      ReferenceSourceKind
	ChapterIndex    int
	Page            int
	ParagraphIndex  int
	MemoryKey       string
	Excerpt         string
	Similarity      float64
}

// PeriodKind is the billing-cycle granularity of a QuotaRecord.
type PeriodKind string

const (
	PeriodDaily   PeriodKind = "daily"
	PeriodMonthly PeriodKind = "monthly"
)

// QuotaRecord is one row per (user, period). Exactly one active record
// exists per (user, period kind) at a time; 0 <= Consumed <= Granted except
// transiently during an in-flight reservation.
type QuotaRecord struct {
	UserID    string
	Period    PeriodKind
	PeriodStt time.Time // period start
	Granted   int
	Consumed  int
	ResetAt   time.Time
}

// DescriptorRole is the pool role of a ModelDescriptor.
type DescriptorRole string

const (
	RolePrimary      DescriptorRole = "primary"
	RoleBackup       DescriptorRole = "backup"
	RoleScenarioBound DescriptorRole = "scenario-bound"
	RoleTierBound    DescriptorRole = "tier-bound"
)

// HealthStatus is the health sidecar status of a ModelDescriptor.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// PricingRow holds per-1k-token pricing for a ModelDescriptor, expressed in
// the same fixed-precision monetary unit as Session.CostMicros.
type PricingRow struct {
	InputPricePer1k  int64
	OutputPricePer1k int64
}

// ModelDescriptor is a logical backend: a named provider/model pairing with
// decoding parameters, pricing, a pool role, and a health sidecar.
type ModelDescriptor struct {
	ID         string
	Provider   string // "openai", "anthropic", "qwen", "baidu", "zhipu", … (closed set, spec §9)
	Model      string
	Endpoint   string
	Role       DescriptorRole
	Scenario   string // non-empty when Role == RoleScenarioBound
	Tier       string // non-empty when Role == RoleTierBound
	Pricing    PricingRow
	Temperature float64
	MaxTokens   int
	ContextWindow int

	// Health sidecar — mutated only by the Model Router.
	Status             HealthStatus
	LastCheck          time.Time
	ConsecutiveFailure int
	LatencyEWMAMillis  float64
}

// CharacterPersona is a book-scoped dialogue partner. Read-only to the
// runtime; its editor is the external catalog subsystem.
type CharacterPersona struct {
	ID             string
	BookID         string
	Name           string
	Aliases        []string
	SystemPreamble string
	CanonMemories  []string
	Register       string // dialogue-style parameter: formality register
	Tone           string // dialogue-style parameter: emotional tone
}

// Usage is a per-call token/cost tally, shared by the Router and the Journal.
type Usage struct {
	InputTokens  int
	OutputTokens int
	CostMicros   int64
}
