package router

import (
	"sync"
	"time"

	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// ewmaAlpha weights the most recent latency sample against the running
// average.
const ewmaAlpha = 0.2

// successWindow is the rolling window over which success rate is computed
// to decide whether a degraded descriptor is restored to healthy.
const successWindow = 60 * time.Second

// healthTracker maintains the rolling health of one [dialogue.ModelDescriptor],
// guarded by its own mutex — no cross-descriptor lock is ever held, the
// same per-key-guard discipline as [resilience.CircuitBreaker].
type healthTracker struct {
	mu sync.Mutex

	status             dialogue.HealthStatus
	consecutiveFailure int
	latencyEWMAMillis  float64

	// outcomes is a ring of recent call outcomes within successWindow, used
	// to compute the rolling success rate for degraded->healthy recovery.
	outcomes []outcome
}

type outcome struct {
	at      time.Time
	success bool
}

func newHealthTracker() *healthTracker {
	return &healthTracker{status: dialogue.HealthHealthy}
}

// Snapshot returns the current status, EWMA latency, and consecutive
// failure count for sidecar fields on a ModelDescriptor.
func (h *healthTracker) Snapshot() (dialogue.HealthStatus, float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status, h.latencyEWMAMillis, h.consecutiveFailure
}

// RecordResult updates rolling health given the outcome of one call (spec
// §4.5 markResult): 3 consecutive failures transition to degraded, 5 to
// down; a success resets the consecutive counter and restores healthy once
// the rolling success rate over the last 60 seconds is at least 95%.
func (h *healthTracker) RecordResult(success bool, latency time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.outcomes = append(h.outcomes, outcome{at: now, success: success})
	h.pruneLocked(now)

	if h.latencyEWMAMillis == 0 {
		h.latencyEWMAMillis = float64(latency.Milliseconds())
	} else {
		ms := float64(latency.Milliseconds())
		h.latencyEWMAMillis = ewmaAlpha*ms + (1-ewmaAlpha)*h.latencyEWMAMillis
	}

	if success {
		h.consecutiveFailure = 0
		if h.status != dialogue.HealthHealthy && h.successRateLocked() >= 0.95 {
			h.status = dialogue.HealthHealthy
		}
		return
	}

	h.consecutiveFailure++
	switch {
	case h.consecutiveFailure >= 5:
		h.status = dialogue.HealthDown
	case h.consecutiveFailure >= 3:
		h.status = dialogue.HealthDegraded
	}
}

func (h *healthTracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-successWindow)
	i := 0
	for ; i < len(h.outcomes); i++ {
		if h.outcomes[i].at.After(cutoff) {
			break
		}
	}
	h.outcomes = h.outcomes[i:]
}

func (h *healthTracker) successRateLocked() float64 {
	if len(h.outcomes) == 0 {
		return 1
	}
	successes := 0
	for _, o := range h.outcomes {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(h.outcomes))
}

// IsDown reports whether the descriptor should be skipped by selectFor.
func (h *healthTracker) IsDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status == dialogue.HealthDown
}
