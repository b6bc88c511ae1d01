package config_test

import (
	"testing"

	"github.com/inknowing/dialogue-runtime/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
			{Membership: "free", Period: config.PeriodDaily, Granted: 20},
		}},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.QuotaPoliciesChanged {
		t.Error("expected QuotaPoliciesChanged=false for identical configs")
	}
	if d.ProvidersChanged {
		t.Error("expected ProvidersChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogInfo}}
	new := &config.Config{Server: config.ServerConfig{LogLevel: config.LogDebug}}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_QuotaGrantedChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
		{Membership: "free", Period: config.PeriodDaily, Granted: 20},
	}}}
	new := &config.Config{Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
		{Membership: "free", Period: config.PeriodDaily, Granted: 30},
	}}}

	d := config.Diff(old, new)
	if !d.QuotaPoliciesChanged {
		t.Error("expected QuotaPoliciesChanged=true")
	}
	if len(d.QuotaPolicyChanges) != 1 || !d.QuotaPolicyChanges[0].GrantedChanged {
		t.Errorf("expected a single GrantedChanged diff, got %+v", d.QuotaPolicyChanges)
	}
}

func TestDiff_QuotaPolicyAddedAndRemoved(t *testing.T) {
	t.Parallel()
	old := &config.Config{Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
		{Membership: "free", Period: config.PeriodDaily, Granted: 20},
	}}}
	new := &config.Config{Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
		{Membership: "basic", Period: config.PeriodMonthly, Granted: 200},
	}}}

	d := config.Diff(old, new)
	if !d.QuotaPoliciesChanged {
		t.Error("expected QuotaPoliciesChanged=true")
	}
	changes := make(map[string]config.QuotaPolicyDiff)
	for _, c := range d.QuotaPolicyChanges {
		changes[c.Membership] = c
	}
	if !changes["free"].Removed {
		t.Error("expected free Removed=true")
	}
	if !changes["basic"].Added {
		t.Error("expected basic Added=true")
	}
}

func TestDiff_ProvidersChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Providers: config.ProvidersConfig{LLM: []config.ProviderEntry{
		{Name: "openai", Model: "gpt-4o"},
	}}}
	new := &config.Config{Providers: config.ProvidersConfig{LLM: []config.ProviderEntry{
		{Name: "openai", Model: "gpt-4o-mini"},
	}}}

	d := config.Diff(old, new)
	if !d.ProvidersChanged {
		t.Error("expected ProvidersChanged=true when a provider's model changes")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo},
		Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
			{Membership: "free", Period: config.PeriodDaily, Granted: 20},
		}},
	}
	new := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogWarn},
		Quota: config.QuotaConfig{Policies: []config.QuotaPolicyEntry{
			{Membership: "free", Period: config.PeriodDaily, Granted: 40},
		}},
	}

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.QuotaPoliciesChanged {
		t.Error("expected QuotaPoliciesChanged=true")
	}
}
