// Package quota implements the Quota Ledger: atomic, per-user turn-budget
// enforcement with a reserve/commit/release handshake.
package quota

import (
	"context"
	"time"

	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

// Membership selects a row in the policy table.
type Membership string

const (
	MembershipFree    Membership = "free"
	MembershipBasic   Membership = "basic"
	MembershipPremium Membership = "premium"
	MembershipSuper   Membership = "super"
)

// Policy is one row of the policy table: how many turns a membership tier
// is granted per period.
type Policy struct {
	Period  dialogue.PeriodKind
	Granted int
}

// DefaultPolicyTable is the policy table from the component specification,
// consulted at session start and on period reset.
var DefaultPolicyTable = map[Membership]Policy{
	MembershipFree:    {Period: dialogue.PeriodDaily, Granted: 20},
	MembershipBasic:   {Period: dialogue.PeriodMonthly, Granted: 200},
	MembershipPremium: {Period: dialogue.PeriodMonthly, Granted: 500},
	MembershipSuper:   {Period: dialogue.PeriodMonthly, Granted: 1000},
}

// Status is the externally visible state of a user's current quota period.
type Status struct {
	Granted  int
	Consumed int
	ResetAt  time.Time
}

// ReservationHandle identifies a provisional decrement held during a turn.
// It expires unclaimed after 2 minutes (spec §4.3): neither [Ledger.Commit]
// nor [Ledger.Release] is required to run promptly, but one of them must
// eventually run or the sweep reclaims it.
type ReservationHandle struct {
	UserID string
	Token  string
}

// Ledger is the Quota Ledger contract. Reserve and Commit/Release are
// linearizable per user; there is no cross-user lock (spec §4.3
// Concurrency). Two implementations exist: the in-process default in this
// package, and a Redis-backed alternative in
// [github.com/inknowing/dialogue-runtime/internal/quota/redisledger] for
// multi-instance deployments.
type Ledger interface {
	// Reserve atomically increments consumed by one if room remains and
	// returns a handle. Returns an *errs.Error with Kind ==
	// errs.KindQuotaExhausted if the period's budget is used up.
	Reserve(ctx context.Context, userID string, membership Membership) (ReservationHandle, error)

	// Commit finalizes a reservation. No-op on the counter; clears the
	// reservation so the sweep will not reclaim it.
	Commit(ctx context.Context, h ReservationHandle) error

	// Release decrements consumed back by one. Valid only if h has not
	// already been committed or released.
	Release(ctx context.Context, h ReservationHandle) error

	// Status reports the current period's granted/consumed/resetAt for
	// userID, creating a fresh period record if none exists yet.
	Status(ctx context.Context, userID string, membership Membership) (Status, error)

	// Close stops the reservation-sweep goroutine.
	Close()
}
