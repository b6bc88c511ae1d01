package quota

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// reservationTTL is how long a reservation may sit uncommitted and
// unreleased before the sweep reclaims it (spec §4.3).
const reservationTTL = 2 * time.Minute

// defaultSweepInterval is how often the reclaim sweep runs.
const defaultSweepInterval = 30 * time.Second

// userRecord is one user's current-period counters plus its outstanding
// reservations, all protected by mu. No lock is ever held across users
// (spec §4.3 Concurrency).
type userRecord struct {
	mu           sync.Mutex
	membership   Membership
	period       dialogue.PeriodKind
	periodStart  time.Time
	granted      int
	consumed     int
	reservations map[string]time.Time // token -> expiry
}

// InProcessLedger is the default [Ledger]: a map[userID]*userRecord behind a
// sync.Map, each record guarded by its own mutex — the same per-key-guard,
// no-cross-key-lock discipline the runtime's health tracking and config
// registry use elsewhere.
type InProcessLedger struct {
	users sync.Map // string -> *userRecord

	done     chan struct{}
	stopOnce sync.Once
}

// NewInProcessLedger starts the reservation-sweep goroutine and returns a
// ready Ledger.
func NewInProcessLedger() *InProcessLedger {
	l := &InProcessLedger{done: make(chan struct{})}
	go l.sweepLoop()
	return l
}

func (l *InProcessLedger) recordFor(userID string, membership Membership) *userRecord {
	if v, ok := l.users.Load(userID); ok {
		return v.(*userRecord)
	}
	rec := newUserRecord(membership)
	actual, _ := l.users.LoadOrStore(userID, rec)
	return actual.(*userRecord)
}

func newUserRecord(membership Membership) *userRecord {
	policy := DefaultPolicyTable[membership]
	return &userRecord{
		membership:   membership,
		period:       policy.Period,
		periodStart:  periodStart(policy.Period, time.Now()),
		granted:      policy.Granted,
		reservations: make(map[string]time.Time),
	}
}

// rolloverLocked resets the record to a fresh period if the current period
// has elapsed. Must be called with rec.mu held. The prior period's record
// is not retained, and its consumed count is not written to the
// Persistence Journal.
func rolloverLocked(rec *userRecord) {
	policy := DefaultPolicyTable[rec.membership]
	start := periodStart(policy.Period, time.Now())
	if start.Equal(rec.periodStart) {
		return
	}
	rec.period = policy.Period
	rec.periodStart = start
	rec.granted = policy.Granted
	rec.consumed = 0
	rec.reservations = make(map[string]time.Time)
}

func periodStart(period dialogue.PeriodKind, now time.Time) time.Time {
	y, m, d := now.UTC().Date()
	if period == dialogue.PeriodMonthly {
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func resetAt(period dialogue.PeriodKind, start time.Time) time.Time {
	if period == dialogue.PeriodMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}

// Reserve implements [Ledger].
func (l *InProcessLedger) Reserve(ctx context.Context, userID string, membership Membership) (ReservationHandle, error) {
	rec := l.recordFor(userID, membership)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rolloverLocked(rec)

	if rec.consumed >= rec.granted {
		return ReservationHandle{}, errs.QuotaExhausted(resetAt(rec.period, rec.periodStart).Format(time.RFC3339))
	}

	token, err := randomToken()
	if err != nil {
		return ReservationHandle{}, errs.Internal(fmt.Errorf("generate reservation token: %w", err))
	}

	rec.consumed++
	rec.reservations[token] = time.Now().Add(reservationTTL)

	return ReservationHandle{UserID: userID, Token: token}, nil
}

// Commit implements [Ledger].
func (l *InProcessLedger) Commit(ctx context.Context, h ReservationHandle) error {
	v, ok := l.users.Load(h.UserID)
	if !ok {
		return errs.NotFound("no quota record for user")
	}
	rec := v.(*userRecord)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.reservations[h.Token]; !ok {
		return errs.NotFound("reservation not found or already resolved")
	}
	delete(rec.reservations, h.Token)
	return nil
}

// Release implements [Ledger].
func (l *InProcessLedger) Release(ctx context.Context, h ReservationHandle) error {
	v, ok := l.users.Load(h.UserID)
	if !ok {
		return errs.NotFound("no quota record for user")
	}
	rec := v.(*userRecord)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if _, ok := rec.reservations[h.Token]; !ok {
		return errs.NotFound("reservation not found or already resolved")
	}
	delete(rec.reservations, h.Token)
	if rec.consumed > 0 {
		rec.consumed--
	}
	return nil
}

// Status implements [Ledger].
func (l *InProcessLedger) Status(ctx context.Context, userID string, membership Membership) (Status, error) {
	rec := l.recordFor(userID, membership)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rolloverLocked(rec)

	return Status{
		Granted:  rec.granted,
		Consumed: rec.consumed,
		ResetAt:  resetAt(rec.period, rec.periodStart),
	}, nil
}

// Close implements [Ledger].
func (l *InProcessLedger) Close() {
	l.stopOnce.Do(func() { close(l.done) })
}

// sweepLoop reclaims reservations that outlived reservationTTL without
// being committed or released, the same ticking-goroutine pattern
// session.Consolidator uses for its periodic flush.
func (l *InProcessLedger) sweepLoop() {
	ticker := time.NewTicker(defaultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.sweepOnce()
		}
	}
}

func (l *InProcessLedger) sweepOnce() {
	now := time.Now()
	l.users.Range(func(_, v any) bool {
		rec := v.(*userRecord)
		rec.mu.Lock()
		for token, expiry := range rec.reservations {
			if now.After(expiry) {
				delete(rec.reservations, token)
				if rec.consumed > 0 {
					rec.consumed--
				}
			}
		}
		rec.mu.Unlock()
		return true
	})
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
