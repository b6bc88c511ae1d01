package config_test

import (
	"context"
	"errors"
	"testing"

	"github.com/inknowing/dialogue-runtime/internal/config"
	"github.com/inknowing/dialogue-runtime/internal/router"
	"github.com/inknowing/dialogue-runtime/pkg/provider/embeddings"
)

// stubLLM implements router.Provider with no-op methods.
type stubLLM struct{}

func (s *stubLLM) Stream(_ context.Context, _ router.CompletionRequest, sink router.Sink) error {
	sink.Done(0, nil)
	return nil
}

func (s *stubLLM) CountTokens(_ []router.ChatMessage) (int, error) { return 0, nil }

// stubEmbeddings implements embeddings.Provider with no-op methods.
type stubEmbeddings struct{}

func (s *stubEmbeddings) Embed(_ context.Context, _ string) ([]float32, error) { return nil, nil }
func (s *stubEmbeddings) EmbedBatch(_ context.Context, _ []string) ([][]float32, error) {
	return nil, nil
}
func (s *stubEmbeddings) Dimensions() int { return 0 }
func (s *stubEmbeddings) ModelID() string { return "stub" }

var (
	_ router.Provider     = (*stubLLM)(nil)
	_ embeddings.Provider = (*stubEmbeddings)(nil)
)

func TestRegistry_UnknownLLM(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_UnknownEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	_, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "nonexistent"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubLLM{}
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (router.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_RegisteredEmbeddings(t *testing.T) {
	reg := config.NewRegistry()
	want := &stubEmbeddings{}
	reg.RegisterEmbeddings("stub", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(e config.ProviderEntry) (router.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_OverwriteRegistration(t *testing.T) {
	reg := config.NewRegistry()
	reg.RegisterLLM("dup", func(e config.ProviderEntry) (router.Provider, error) {
		return nil, errors.New("first")
	})
	want := &stubLLM{}
	reg.RegisterLLM("dup", func(e config.ProviderEntry) (router.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "dup"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("second registration should win")
	}
}
