package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "anyllm"},
	"embeddings": {"openai", "ollama", "mock"},
}

// Load reads the YAML configuration file at path, applies environment
// overrides, and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and the
// spec §6 environment overrides, and validates the result. Useful in tests
// where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.applyDefaults()

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields with the runtime's defaults (spec
// §6 "Environment" default values).
func (cfg *Config) applyDefaults() {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8080"
	}

	t := &cfg.Transport
	if t.BackpressureTimeoutSeconds <= 0 {
		t.BackpressureTimeoutSeconds = 30
	}
	if t.PingIntervalSeconds <= 0 {
		t.PingIntervalSeconds = 20
	}
	if t.PongTimeoutSeconds <= 0 {
		t.PongTimeoutSeconds = 60
	}
	if t.IdleSessionSeconds <= 0 {
		t.IdleSessionSeconds = 1800
	}
	if t.ProviderTimeoutSeconds <= 0 {
		t.ProviderTimeoutSeconds = 60
	}
	if t.QuotaReservationSeconds <= 0 {
		t.QuotaReservationSeconds = 120
	}

	r := &cfg.Retrieval
	if r.HistoryBudgetTokens <= 0 {
		r.HistoryBudgetTokens = 2000
	}
	if r.TopK <= 0 {
		r.TopK = 6
	}
	if r.SimilarityFloor <= 0 {
		r.SimilarityFloor = 0.35
	}
	if r.ReserveTokens <= 0 {
		r.ReserveTokens = 512
	}
	if r.EmbeddingDimensions <= 0 {
		r.EmbeddingDimensions = 1536
	}
}

// applyEnvOverrides applies the named environment variables from spec §6,
// each taking precedence over whatever the YAML file set.
func applyEnvOverrides(cfg *Config) {
	envInt("HISTORY_BUDGET_TOKENS", &cfg.Retrieval.HistoryBudgetTokens)
	envInt("RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
	envFloat("RETRIEVAL_FLOOR", &cfg.Retrieval.SimilarityFloor)
	envInt("CONTEXT_RESERVE_TOKENS", &cfg.Retrieval.ReserveTokens)
	envInt("IDLE_SESSION_SECONDS", &cfg.Transport.IdleSessionSeconds)
	envInt("PROVIDER_TIMEOUT_SECONDS", &cfg.Transport.ProviderTimeoutSeconds)
	envInt("BACKPRESSURE_TIMEOUT_SECONDS", &cfg.Transport.BackpressureTimeoutSeconds)
	envInt("QUOTA_RESERVATION_SECONDS", &cfg.Transport.QuotaReservationSeconds)
	envInt64("DAILY_COST_CEILING", &cfg.Quota.DailyCostCeilingMicros)
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "var", name, "value", v)
		return
	}
	*dst = n
}

func envInt64(name string, dst *int64) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "var", name, "value", v)
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("ignoring malformed environment override", "var", name, "value", v)
		return
	}
	*dst = f
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	for i, p := range cfg.Providers.LLM {
		prefix := fmt.Sprintf("providers.llm[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("llm", p.Name)
	}
	for i, p := range cfg.Providers.Embeddings {
		prefix := fmt.Sprintf("providers.embeddings[%d]", i)
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		validateProviderName("embeddings", p.Name)
	}
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM provider configured; the Model Router will have nothing to route to")
	}
	if len(cfg.Providers.Embeddings) == 0 {
		slog.Warn("no embeddings provider configured; the Retrieval Index Adapter will not be able to embed queries")
	}

	for i, pol := range cfg.Quota.Policies {
		prefix := fmt.Sprintf("quota.policies[%d]", i)
		if pol.Membership == "" {
			errs = append(errs, fmt.Errorf("%s.membership is required", prefix))
		}
		if pol.Period != "" && !pol.Period.IsValid() {
			errs = append(errs, fmt.Errorf("%s.period %q is invalid; valid values: daily, monthly", prefix, pol.Period))
		}
		if pol.Granted <= 0 {
			errs = append(errs, fmt.Errorf("%s.granted must be positive", prefix))
		}
	}

	if cfg.Retrieval.SimilarityFloor < 0 || cfg.Retrieval.SimilarityFloor > 1 {
		errs = append(errs, fmt.Errorf("retrieval.similarity_floor %.2f is out of range [0, 1]", cfg.Retrieval.SimilarityFloor))
	}

	if cfg.Persistence.JournalDSN == "" {
		errs = append(errs, errors.New("persistence.journal_dsn is required"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
