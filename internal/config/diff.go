package config

// ConfigDiff describes what changed between two configs. Only fields that
// are safe to hot-reload (log level, quota policy) are tracked in detail;
// provider pool changes are flagged but require a process restart to take
// effect, since Providers are constructed once at startup by [Registry].
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	QuotaPoliciesChanged bool
	QuotaPolicyChanges   []QuotaPolicyDiff

	ProvidersChanged bool // requires restart; Diff only flags it
}

// QuotaPolicyDiff describes what changed for a single membership tier's
// policy override between two configs.
type QuotaPolicyDiff struct {
	Membership     string
	PeriodChanged  bool
	GrantedChanged bool
	Added          bool
	Removed        bool
}

// Diff compares old and new configs and returns what changed. Only tracks
// changes that are safe to apply without restart; see [Watcher].
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	oldPolicies := make(map[string]QuotaPolicyEntry, len(old.Quota.Policies))
	for _, p := range old.Quota.Policies {
		oldPolicies[p.Membership] = p
	}
	newPolicies := make(map[string]QuotaPolicyEntry, len(new.Quota.Policies))
	for _, p := range new.Quota.Policies {
		newPolicies[p.Membership] = p
	}

	for membership, oldPolicy := range oldPolicies {
		newPolicy, exists := newPolicies[membership]
		if !exists {
			d.QuotaPolicyChanges = append(d.QuotaPolicyChanges, QuotaPolicyDiff{Membership: membership, Removed: true})
			d.QuotaPoliciesChanged = true
			continue
		}
		qd := diffQuotaPolicy(membership, oldPolicy, newPolicy)
		if qd.PeriodChanged || qd.GrantedChanged {
			d.QuotaPolicyChanges = append(d.QuotaPolicyChanges, qd)
			d.QuotaPoliciesChanged = true
		}
	}
	for membership := range newPolicies {
		if _, exists := oldPolicies[membership]; !exists {
			d.QuotaPolicyChanges = append(d.QuotaPolicyChanges, QuotaPolicyDiff{Membership: membership, Added: true})
			d.QuotaPoliciesChanged = true
		}
	}

	d.ProvidersChanged = !providersEqual(old.Providers, new.Providers)

	return d
}

func diffQuotaPolicy(membership string, old, new QuotaPolicyEntry) QuotaPolicyDiff {
	qd := QuotaPolicyDiff{Membership: membership}
	if old.Period != new.Period {
		qd.PeriodChanged = true
	}
	if old.Granted != new.Granted {
		qd.GrantedChanged = true
	}
	return qd
}

func providersEqual(old, new ProvidersConfig) bool {
	return entriesEqual(old.LLM, new.LLM) && entriesEqual(old.Embeddings, new.Embeddings)
}

func entriesEqual(old, new []ProviderEntry) bool {
	if len(old) != len(new) {
		return false
	}
	for i := range old {
		if old[i].Name != new[i].Name || old[i].Model != new[i].Model || old[i].BaseURL != new[i].BaseURL {
			return false
		}
	}
	return true
}
