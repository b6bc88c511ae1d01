// Command dialogued is the main entry point for the Dialogue Runtime server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/inknowing/dialogue-runtime/internal/config"
	dctx "github.com/inknowing/dialogue-runtime/internal/context"
	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/gateway"
	"github.com/inknowing/dialogue-runtime/internal/health"
	"github.com/inknowing/dialogue-runtime/internal/observe"
	"github.com/inknowing/dialogue-runtime/internal/quota"
	"github.com/inknowing/dialogue-runtime/internal/router"
	anthropicprovider "github.com/inknowing/dialogue-runtime/internal/router/provider/anthropic"
	anyllmprovider "github.com/inknowing/dialogue-runtime/internal/router/provider/anyllm"
	openaillmprovider "github.com/inknowing/dialogue-runtime/internal/router/provider/openai"
	"github.com/inknowing/dialogue-runtime/internal/session"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
	"github.com/inknowing/dialogue-runtime/pkg/journal/postgres"
	"github.com/inknowing/dialogue-runtime/pkg/provider/embeddings"
	ollamaembeddings "github.com/inknowing/dialogue-runtime/pkg/provider/embeddings/ollama"
	openaiembeddings "github.com/inknowing/dialogue-runtime/pkg/provider/embeddings/openai"
	"github.com/inknowing/dialogue-runtime/pkg/retrieval"
	retrievalpostgres "github.com/inknowing/dialogue-runtime/pkg/retrieval/postgres"
)

const serviceVersion = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "dialogued: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "dialogued: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("dialogue runtime starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "dialogue-runtime",
		ServiceVersion: serviceVersion,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	rtr, err := buildRouter(cfg, reg, metrics)
	if err != nil {
		slog.Error("failed to build model router", "err", err)
		return 1
	}

	embedder, err := buildEmbedder(cfg, reg)
	if err != nil {
		slog.Error("failed to build embeddings provider", "err", err)
		return 1
	}

	journalStore, err := postgres.NewStore(ctx, cfg.Persistence.JournalDSN)
	if err != nil {
		slog.Error("failed to connect to journal store", "err", err)
		return 1
	}

	var retrievalIndex *retrievalpostgres.Index
	var index retrieval.Index = retrieval.NoIndex{}
	if embedder != nil && cfg.Persistence.RetrievalIndexDSN != "" {
		retrievalIndex, err = retrievalpostgres.New(ctx, cfg.Persistence.RetrievalIndexDSN, cfg.Retrieval.EmbeddingDimensions, embedder)
		if err != nil {
			slog.Error("failed to connect to retrieval index", "err", err)
			return 1
		}
		index = retrievalIndex
	} else {
		slog.Warn("retrieval index not configured — context assembly will proceed without book excerpts")
	}

	assembler := dctx.NewAssembler(journalStore, index, dctx.NewRouterSummarizer(rtr, "standard"), dctx.Config{
		HistoryBudgetTokens: cfg.Retrieval.HistoryBudgetTokens,
		TopK:                cfg.Retrieval.TopK,
		SimilarityFloor:     cfg.Retrieval.SimilarityFloor,
		ReserveTokens:       cfg.Retrieval.ReserveTokens,
	})

	for _, p := range cfg.Quota.Policies {
		m := quota.Membership(p.Membership)
		pol := quota.DefaultPolicyTable[m]
		if p.Period != "" {
			pol.Period = dialogue.PeriodKind(p.Period)
		}
		pol.Granted = p.Granted
		quota.DefaultPolicyTable[m] = pol
	}

	ledger := quota.NewInProcessLedger()
	defer ledger.Close()

	authn := newStaticAuthenticator()

	mgr := session.NewManager(session.Config{
		Journal:     journalStore,
		Ledger:      ledger,
		Router:      rtr,
		Assembler:   assembler,
		UserTier:    authn.membershipFor,
		IdleTimeout: time.Duration(cfg.Transport.IdleSessionSeconds) * time.Second,
	})
	defer mgr.Shutdown(context.Background())

	gw := gateway.New(gateway.Config{
		Sessions: mgr,
		Journal:  journalStore,
		Auth:     authn,
	})

	checkers := []health.Checker{
		{Name: "journal", Check: journalStore.Ping},
		{Name: "router", Check: rtr.HealthCheck},
	}
	if retrievalIndex != nil {
		checkers = append(checkers, health.Checker{Name: "retrieval", Check: retrievalIndex.Ping})
	}
	healthHandler := health.New(checkers...)

	mux := http.NewServeMux()
	gw.Register(mux)
	healthHandler.Register(mux)

	handler := observe.Middleware(metrics)(mux)

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: handler,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server ready", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping…")
	case err := <-serveErr:
		if err != nil {
			slog.Error("server error", "err", err)
			return 1
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders registers the Dialogue Runtime's shipped LLM and
// embeddings factories under their config-file names.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLLM("openai", func(e config.ProviderEntry) (router.Provider, error) {
		return openaillmprovider.New(e.APIKey, e.Model)
	})
	reg.RegisterLLM("anthropic", func(e config.ProviderEntry) (router.Provider, error) {
		return anthropicprovider.New(e.APIKey, e.Model)
	})
	reg.RegisterLLM("anyllm", func(e config.ProviderEntry) (router.Provider, error) {
		backend, _ := e.Options["backend"].(string)
		if backend == "" {
			backend = "openai"
		}
		return anyllmprovider.New(backend, e.Model)
	})

	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return openaiembeddings.New(e.APIKey, e.Model)
	})
	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return ollamaembeddings.New(e.BaseURL, e.Model)
	})
}

// buildRouter registers each configured LLM provider entry as a
// [dialogue.ModelDescriptor] in a fresh [router.Router]: the first entry is
// the pool's primary, entries carrying a non-empty Tier become tier-bound
// overrides, and the rest fill out the backup order (spec §4.5 "selectFor"
// candidate order: scenario, tier, primary, backups).
func buildRouter(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*router.Router, error) {
	rtr := router.New(router.Config{
		DailyCostCeilingMicros: cfg.Quota.DailyCostCeilingMicros,
		OnCostAlert: func(userID string, dailyCostMicros, ceilingMicros int64) {
			slog.Warn("daily cost ceiling exceeded", "user", userID, "cost_micros", dailyCostMicros, "ceiling_micros", ceilingMicros)
		},
	})

	for i, entry := range cfg.Providers.LLM {
		p, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("llm provider %q: %w", entry.Name, err)
		}

		d := dialogue.ModelDescriptor{
			ID:       entry.Name + ":" + entry.Model,
			Provider: entry.Name,
			Model:    entry.Model,
		}
		switch {
		case i == 0:
			d.Role = dialogue.RolePrimary
		case entry.Tier != "":
			d.Role = dialogue.RoleTierBound
			d.Tier = entry.Tier
		default:
			d.Role = dialogue.RoleBackup
		}
		rtr.Register(d, p)
		metrics.RecordProviderRequest(context.Background(), entry.Name, entry.Tier, "registered")
	}

	return rtr, nil
}

// buildEmbedder instantiates the first configured embeddings provider, used
// for both the Retrieval Index Adapter's stored-chunk embeddings and its
// query embeddings.
func buildEmbedder(cfg *config.Config, reg *config.Registry) (embeddings.Provider, error) {
	if len(cfg.Providers.Embeddings) == 0 {
		return nil, nil
	}
	entry := cfg.Providers.Embeddings[0]
	p, err := reg.CreateEmbeddings(entry)
	if err != nil {
		return nil, fmt.Errorf("embeddings provider %q: %w", entry.Name, err)
	}
	return p, nil
}

// ── Authentication placeholder ───────────────────────────────────────────────

// staticAuthenticator is a minimal [gateway.Authenticator] for deployments
// that have not wired a real identity provider: the bearer token is an
// opaque "userID:membership" pair minted by a trusted upstream proxy. Real
// deployments should replace this with an adapter onto their own auth
// system; the runtime itself holds no credential-issuing logic (spec §1
// Non-goals).
type staticAuthenticator struct {
	mu         sync.Mutex
	membership map[string]quota.Membership
}

func newStaticAuthenticator() *staticAuthenticator {
	return &staticAuthenticator{membership: make(map[string]quota.Membership)}
}

var _ gateway.Authenticator = (*staticAuthenticator)(nil)

func (a *staticAuthenticator) Authenticate(_ context.Context, bearerToken string) (gateway.Principal, error) {
	userID, membership, ok := strings.Cut(bearerToken, ":")
	if !ok || userID == "" {
		return gateway.Principal{}, errs.Auth("malformed bearer credential")
	}
	m := quota.Membership(membership)
	if membership == "" {
		m = quota.MembershipFree
	}

	a.mu.Lock()
	a.membership[userID] = m
	a.mu.Unlock()

	return gateway.Principal{UserID: userID, Membership: m}, nil
}

// membershipFor implements session.Config.UserTier by consulting the
// membership claim last seen for userID at authentication time, defaulting
// to the free tier for a userID this process has not yet authenticated.
func (a *staticAuthenticator) membershipFor(_ context.Context, userID string) (quota.Membership, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if m, ok := a.membership[userID]; ok {
		return m, nil
	}
	return quota.MembershipFree, nil
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
