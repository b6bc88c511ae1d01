package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// CostAlert is invoked when a user's daily cost accumulator exceeds a
// configured ceiling.
type CostAlert func(userID string, dailyCostMicros int64, ceilingMicros int64)

// Config configures a [Router].
type Config struct {
	// DailyCostCeilingMicros, when non-zero, fires OnCostAlert the first time
	// a user's accumulator crosses it; the accumulator and the alert flag are
	// cleared only by ResetDailyCost.
	DailyCostCeilingMicros int64
	OnCostAlert            CostAlert

	// RatePerSecond and Burst bound outbound concurrency per descriptor.
	// Defaults: 5 rps, burst 10.
	RatePerSecond float64
	Burst         int
}

type descriptorEntry struct {
	descriptor dialogue.ModelDescriptor
	provider   Provider
	health     *healthTracker
	limiter    *rate.Limiter
}

// Router selects a [dialogue.ModelDescriptor] for a turn, invokes its
// Provider, meters cost, and fails over once to another descriptor when a
// stream fails before any token reached the client.
type Router struct {
	cfg Config

	mu          sync.RWMutex
	entries     map[string]*descriptorEntry // keyed by ModelDescriptor.ID
	scenario    map[string]string            // scenario -> descriptor id
	tier        map[string]string            // tier -> descriptor id
	primary     string
	backupOrder []string

	costMu    sync.Mutex
	dailyCost map[string]int64 // userID -> cost micros, reset externally on rollover
	alerted   map[string]bool
}

// New constructs an empty Router; descriptors are added with Register.
func New(cfg Config) *Router {
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	return &Router{
		cfg:       cfg,
		entries:   make(map[string]*descriptorEntry),
		scenario:  make(map[string]string),
		tier:      make(map[string]string),
		dailyCost: make(map[string]int64),
		alerted:   make(map[string]bool),
	}
}

// Register adds a descriptor and its backing Provider to the pool,
// classifying it by role for selectFor's routing-rule order (spec §4.5:
// "scenario-bound override, tier-bound override, primary, backup pool").
func (r *Router) Register(d dialogue.ModelDescriptor, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[d.ID] = &descriptorEntry{
		descriptor: d,
		provider:   p,
		health:     newHealthTracker(),
		limiter:    rate.NewLimiter(rate.Limit(r.cfg.RatePerSecond), r.cfg.Burst),
	}

	switch d.Role {
	case dialogue.RoleScenarioBound:
		r.scenario[d.Scenario] = d.ID
	case dialogue.RoleTierBound:
		r.tier[d.Tier] = d.ID
	case dialogue.RolePrimary:
		r.primary = d.ID
	case dialogue.RoleBackup:
		r.backupOrder = append(r.backupOrder, d.ID)
	}
}

// SelectFor implements the selectFor contract: scenario override, then tier
// override, then primary, then the backup pool in registration order,
// skipping any descriptor whose health is down.
func (r *Router) SelectFor(scenario, userTier string) (dialogue.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]string, 0, 2+len(r.backupOrder))
	if id, ok := r.scenario[scenario]; ok {
		candidates = append(candidates, id)
	}
	if id, ok := r.tier[userTier]; ok {
		candidates = append(candidates, id)
	}
	if r.primary != "" {
		candidates = append(candidates, r.primary)
	}
	candidates = append(candidates, r.backupOrder...)

	for _, id := range candidates {
		e, ok := r.entries[id]
		if !ok || e.health.IsDown() {
			continue
		}
		return r.descriptorWithHealth(e), nil
	}
	return dialogue.ModelDescriptor{}, errs.ProviderPoolExhausted()
}

// HealthCheck reports whether at least one registered descriptor is not
// marked down, for use as a readiness check. It returns
// [errs.ProviderPoolExhausted] when every descriptor is down or none are
// registered.
func (r *Router) HealthCheck(_ context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, e := range r.entries {
		if !e.health.IsDown() {
			return nil
		}
	}
	return errs.ProviderPoolExhausted()
}

func (r *Router) descriptorWithHealth(e *descriptorEntry) dialogue.ModelDescriptor {
	d := e.descriptor
	d.Status, d.LatencyEWMAMillis, d.ConsecutiveFailure = e.health.Snapshot()
	return d
}

// nextOfEqualOrHigherTier returns the first candidate other than excludeID
// that is not down, in the candidate order used by SelectFor (scenario >
// tier-bound > primary > backups), for the single pre-emission retry (spec
// §4.5 Failover policy). Candidates are not compared by tier or rank: when
// the primary is excluded, a backup is returned even though it ranks lower.
func (r *Router) nextOfEqualOrHigherTier(scenario, userTier, excludeID string) (dialogue.ModelDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make([]string, 0, 2+len(r.backupOrder))
	if id, ok := r.scenario[scenario]; ok {
		candidates = append(candidates, id)
	}
	if id, ok := r.tier[userTier]; ok {
		candidates = append(candidates, id)
	}
	if r.primary != "" {
		candidates = append(candidates, r.primary)
	}
	candidates = append(candidates, r.backupOrder...)

	for _, id := range candidates {
		if id == excludeID {
			continue
		}
		e, ok := r.entries[id]
		if !ok || e.health.IsDown() {
			continue
		}
		return r.descriptorWithHealth(e), nil
	}
	return dialogue.ModelDescriptor{}, errs.ProviderPoolExhausted()
}

// turnSink wraps a caller's Sink to detect whether any token reached it yet,
// which governs the failover policy.
type turnSink struct {
	inner   Sink
	emitted bool
}

func (s *turnSink) Emit(delta TokenDelta) {
	if delta.Text != "" {
		s.emitted = true
	}
	s.inner.Emit(delta)
}

func (s *turnSink) Done(usage dialogue.Usage, err error) {
	s.inner.Done(usage, err)
}

// Invoke streams a completion from descriptor through its Provider into
// sink, meters cost on success, and applies the narrow failover policy: if
// the stream fails before any token reached sink, it retries once against
// the descriptor nextOfEqualOrHigherTier picks; once any token has been
// emitted, failure is terminal (spec §4.5). sink.Done is called once, with
// the final outcome, before Invoke returns.
func (r *Router) Invoke(ctx context.Context, scenario, userTier string, descriptor dialogue.ModelDescriptor, req CompletionRequest, sink Sink) (dialogue.Usage, error) {
	usage, err := r.invokeOnce(ctx, descriptor, req, sink)
	if err == nil {
		sink.Done(usage, nil)
		return usage, nil
	}

	if !isRetryable(err) {
		sink.Done(usage, err)
		return usage, err
	}

	next, selErr := r.nextOfEqualOrHigherTier(scenario, userTier, descriptor.ID)
	if selErr != nil {
		sink.Done(usage, err)
		return usage, err
	}

	slog.Warn("router: failing over before any token emitted",
		"from", descriptor.ID, "to", next.ID, "err", err)
	usage, err = r.invokeOnce(ctx, next, req, sink)
	sink.Done(usage, err)
	return usage, err
}

func isRetryable(err error) bool {
	e, ok := err.(*errs.Error)
	if !ok {
		return false
	}
	return e.Kind == errs.KindProviderTimeout || e.Kind == errs.KindProviderError
}

func (r *Router) invokeOnce(ctx context.Context, descriptor dialogue.ModelDescriptor, req CompletionRequest, sink Sink) (dialogue.Usage, error) {
	r.mu.RLock()
	e, ok := r.entries[descriptor.ID]
	r.mu.RUnlock()
	if !ok {
		return dialogue.Usage{}, errs.Internal(fmt.Errorf("router: unknown descriptor %q", descriptor.ID))
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return dialogue.Usage{}, errs.ProviderTimeout(err)
	}

	ts := &turnSink{inner: sink}
	start := time.Now()

	var captured dialogue.Usage
	var captureErr error
	done := make(chan struct{})
	capturingSink := &capturingSink{turnSink: ts, onDone: func(u dialogue.Usage, err error) {
		captured, captureErr = u, err
		close(done)
	}}

	if err := e.provider.Stream(ctx, req, capturingSink); err != nil {
		e.health.RecordResult(false, time.Since(start))
		return dialogue.Usage{}, classifyStreamStartError(err, ts.emitted)
	}

	<-done
	latency := time.Since(start)

	if captureErr != nil {
		e.health.RecordResult(false, latency)
		return dialogue.Usage{}, classifyStreamStartError(captureErr, ts.emitted)
	}

	e.health.RecordResult(true, latency)
	captured.CostMicros = ComputeCost(descriptor.Pricing, captured)
	return captured, nil
}

func classifyStreamStartError(err error, emitted bool) error {
	if emitted {
		return errs.ProviderPartial(err)
	}
	return errs.ProviderTimeout(err)
}

// capturingSink forwards deltas to the wrapped turnSink and captures the
// provider's final usage/error for invokeOnce's own bookkeeping; Invoke
// reports the turn's outcome to the caller's Sink.
type capturingSink struct {
	*turnSink
	onDone func(dialogue.Usage, error)
}

func (s *capturingSink) Done(usage dialogue.Usage, err error) {
	s.onDone(usage, err)
}

// AccumulateCost adds a completed call's cost to userID's daily accumulator
// and fires OnCostAlert the first time it crosses DailyCostCeilingMicros.
// The Router holds no calendar knowledge: the accumulator grows until
// ResetDailyCost clears it.
func (r *Router) AccumulateCost(userID string, costMicros int64) {
	if r.cfg.OnCostAlert == nil || r.cfg.DailyCostCeilingMicros <= 0 {
		return
	}
	r.costMu.Lock()
	defer r.costMu.Unlock()

	r.dailyCost[userID] += costMicros
	if r.dailyCost[userID] > r.cfg.DailyCostCeilingMicros && !r.alerted[userID] {
		r.alerted[userID] = true
		r.cfg.OnCostAlert(userID, r.dailyCost[userID], r.cfg.DailyCostCeilingMicros)
	}
}

// ResetDailyCost clears a user's daily accumulator and alert flag, so the
// next crossing of the ceiling alerts again.
func (r *Router) ResetDailyCost(userID string) {
	r.costMu.Lock()
	defer r.costMu.Unlock()
	delete(r.dailyCost, userID)
	delete(r.alerted, userID)
}

// ComputeCost applies the descriptor's pricing row to a usage tally:
// cost = in_tokens/1000 * in_price + out_tokens/1000 * out_price (spec
// §4.5 Cost meter). Pricing is expressed in the same fixed-precision unit
// as the returned cost, so the arithmetic stays in int64.
func ComputeCost(pricing dialogue.PricingRow, u dialogue.Usage) int64 {
	inCost := int64(u.InputTokens) * pricing.InputPricePer1k / 1000
	outCost := int64(u.OutputTokens) * pricing.OutputPricePer1k / 1000
	return inCost + outCost
}
