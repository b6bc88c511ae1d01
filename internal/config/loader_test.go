package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/inknowing/dialogue-runtime/internal/config"
)

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	_, err := config.Load("/nonexistent/path.yaml")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_FromDisk(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(`
persistence:
  journal_dsn: postgres://localhost/test
`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Persistence.JournalDSN != "postgres://localhost/test" {
		t.Errorf("journal_dsn: got %q", cfg.Persistence.JournalDSN)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: verbose
quota:
  policies:
    - period: daily
      granted: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
	if !strings.Contains(errStr, "membership") {
		t.Errorf("error should mention membership, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	llmNames := config.ValidProviderNames["llm"]
	found := false
	for _, n := range llmNames {
		if n == "openai" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["llm"] should contain "openai"`)
	}
	embNames := config.ValidProviderNames["embeddings"]
	found = false
	for _, n := range embNames {
		if n == "mock" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["embeddings"] should contain "mock"`)
	}
}

func TestEnvOverride_HistoryBudgetTokens(t *testing.T) {
	t.Setenv("HISTORY_BUDGET_TOKENS", "4096")
	cfg, err := config.LoadFromReader(strings.NewReader(`
persistence:
  journal_dsn: postgres://localhost/test
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.HistoryBudgetTokens != 4096 {
		t.Errorf("history_budget_tokens: got %d, want 4096 (env override)", cfg.Retrieval.HistoryBudgetTokens)
	}
}

func TestEnvOverride_RetrievalFloor(t *testing.T) {
	t.Setenv("RETRIEVAL_FLOOR", "0.5")
	cfg, err := config.LoadFromReader(strings.NewReader(`
persistence:
  journal_dsn: postgres://localhost/test
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.SimilarityFloor != 0.5 {
		t.Errorf("similarity_floor: got %.2f, want 0.5 (env override)", cfg.Retrieval.SimilarityFloor)
	}
}

func TestEnvOverride_MalformedValueIgnored(t *testing.T) {
	t.Setenv("RETRIEVAL_TOP_K", "not-a-number")
	cfg, err := config.LoadFromReader(strings.NewReader(`
persistence:
  journal_dsn: postgres://localhost/test
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieval.TopK != 6 {
		t.Errorf("top_k: got %d, want default 6 when env override is malformed", cfg.Retrieval.TopK)
	}
}

func TestEnvOverride_DailyCostCeiling(t *testing.T) {
	t.Setenv("DAILY_COST_CEILING", "1000000")
	cfg, err := config.LoadFromReader(strings.NewReader(`
persistence:
  journal_dsn: postgres://localhost/test
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Quota.DailyCostCeilingMicros != 1000000 {
		t.Errorf("daily_cost_ceiling_micros: got %d, want 1000000", cfg.Quota.DailyCostCeilingMicros)
	}
}
