// Package config provides the configuration schema, loader, and provider
// registry for the Dialogue Runtime.
package config

// LogLevel controls slog verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is one of the known levels.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Period selects a quota policy's reset cadence, mirroring
// [github.com/inknowing/dialogue-runtime/pkg/dialogue.PeriodKind] without
// importing it, so the config package stays leaf-level.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// IsValid reports whether p is a known period.
func (p Period) IsValid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Config is the root configuration structure for the Dialogue Runtime.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Transport   TransportConfig   `yaml:"transport"`
	Quota       QuotaConfig       `yaml:"quota"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Retrieval   RetrievalConfig   `yaml:"retrieval"`
	Persistence PersistenceConfig `yaml:"persistence"`
}

// ServerConfig holds network and logging settings for the runtime.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// TransportConfig tunes the Transport Gateway's duplex connections and the
// Session Manager's and Quota Ledger's wall-clock budgets (spec §5 timeouts,
// §6 environment overrides).
type TransportConfig struct {
	// BackpressureTimeoutSeconds bounds how long the Gateway's write pump
	// waits for a slow consumer to drain before tearing down the connection.
	// Env override: BACKPRESSURE_TIMEOUT_SECONDS. Default 30. The value is
	// loaded and validated only: the Gateway uses its own fixed 30-second
	// ceiling and does not read this field.
	BackpressureTimeoutSeconds int `yaml:"backpressure_timeout_seconds"`

	// PingIntervalSeconds is the WebSocket keepalive ping cadence. Default 20.
	// The Gateway uses its own fixed 20-second interval and does not read
	// this field.
	PingIntervalSeconds int `yaml:"ping_interval_seconds"`

	// PongTimeoutSeconds bounds how long a ping waits for its pong before the
	// connection is considered dead. Default 60. The Gateway uses its own
	// fixed 60-second timeout and does not read this field.
	PongTimeoutSeconds int `yaml:"pong_timeout_seconds"`

	// IdleSessionSeconds is how long a session worker waits without a turn
	// before persisting its state and retiring.
	// Env override: IDLE_SESSION_SECONDS. Default 1800.
	IdleSessionSeconds int `yaml:"idle_session_seconds"`

	// ProviderTimeoutSeconds bounds a single Model Router provider call.
	// Env override: PROVIDER_TIMEOUT_SECONDS. Default 60. The value is loaded
	// and validated only: the session worker bounds each provider call with
	// its own fixed 60-second timeout and does not read this field.
	ProviderTimeoutSeconds int `yaml:"provider_timeout_seconds"`

	// QuotaReservationSeconds bounds an outstanding, uncommitted quota
	// reservation before the sweep reclaims it.
	// Env override: QUOTA_RESERVATION_SECONDS. Default 120. The value is
	// loaded and validated only: both Quota Ledger implementations use their
	// own fixed 2-minute reservation lifetime and do not read this field.
	QuotaReservationSeconds int `yaml:"quota_reservation_seconds"`
}

// QuotaPolicyEntry overrides one membership tier's grant in
// [github.com/inknowing/dialogue-runtime/internal/quota.DefaultPolicyTable].
type QuotaPolicyEntry struct {
	// Membership names the tier ("free", "basic", "premium", "super").
	Membership string `yaml:"membership"`

	// Period is the reset cadence for this tier.
	Period Period `yaml:"period"`

	// Granted is the number of turns allotted per period.
	Granted int `yaml:"granted"`
}

// QuotaConfig overrides the Quota Ledger's policy table and sets the daily
// cost alert ceiling consulted by the Model Router.
type QuotaConfig struct {
	// Policies overrides individual membership tiers. A tier absent here
	// keeps its built-in default.
	Policies []QuotaPolicyEntry `yaml:"policies"`

	// DailyCostCeilingMicros, when non-zero, fires the cost alert hook the
	// first time a user's accumulated cost crosses it. Nothing in the runtime
	// calls router.Router.ResetDailyCost, so the accumulator is not cleared at
	// day rollover and each user is alerted at most once per process.
	// Env override: DAILY_COST_CEILING.
	DailyCostCeilingMicros int64 `yaml:"daily_cost_ceiling_micros"`
}

// ProvidersConfig declares the Dialogue Runtime's provider pool: exactly
// two kinds, narrowed from the voice-assistant domain's seven-kind pool
// (llm/stt/tts/s2s/embeddings/vad/audio) since the runtime is a text
// dialogue system with no voice or tool-call surface.
type ProvidersConfig struct {
	LLM        []ProviderEntry `yaml:"llm"`
	Embeddings []ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anthropic", "anyllm", "ollama", "mock").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	// Leave empty to use the provider's built-in default.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider (e.g., "gpt-4o",
	// "claude-sonnet-4", "text-embedding-3-small").
	Model string `yaml:"model"`

	// Tier is this descriptor's cost/quality tier, used by the Model
	// Router's failover ordering ("fast", "standard", "deep"). Only
	// meaningful for LLM entries.
	Tier string `yaml:"tier"`

	// Options holds provider-specific configuration values not covered by
	// the standard fields above.
	Options map[string]any `yaml:"options"`
}

// RetrievalConfig sets the Context Assembler's and Retrieval Index
// Adapter's defaults (spec §6 environment overrides).
type RetrievalConfig struct {
	// HistoryBudgetTokens bounds the trimmed conversation-history window.
	// Env override: HISTORY_BUDGET_TOKENS. Default 2000.
	HistoryBudgetTokens int `yaml:"history_budget_tokens"`

	// TopK bounds the number of retrieval neighbors requested per query.
	// Env override: RETRIEVAL_TOP_K. Default 6.
	TopK int `yaml:"top_k"`

	// SimilarityFloor drops retrieval neighbors below this cosine score.
	// Env override: RETRIEVAL_FLOOR. Default 0.35.
	SimilarityFloor float64 `yaml:"similarity_floor"`

	// ReserveTokens is held back from the model's context window for the
	// reply. Env override: CONTEXT_RESERVE_TOKENS. Default 512.
	ReserveTokens int `yaml:"reserve_tokens"`

	// EmbeddingDimensions is the vector dimension used for the retrieval
	// index's embedding column. Must match the model configured in
	// Providers.Embeddings.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`
}

// PersistenceConfig names the Postgres-backed stores the Persistence
// Journal and Retrieval Index Adapter connect to.
type PersistenceConfig struct {
	// JournalDSN is the PostgreSQL connection string for session, message,
	// and quota-record storage (spec §4.6).
	JournalDSN string `yaml:"journal_dsn"`

	// RetrievalIndexDSN is the PostgreSQL + pgvector connection string for
	// book and memory passage embeddings (spec §4.7). When empty, or when no
	// embeddings provider is configured, no index is opened: the runtime uses
	// retrieval.NoIndex and context assembly proceeds without book excerpts.
	RetrievalIndexDSN string `yaml:"retrieval_index_dsn"`
}
