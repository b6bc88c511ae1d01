// Package redisledger implements [quota.Ledger] backed by Redis, for
// Dialogue Runtime deployments that run more than one process and need a
// shared quota counter.
package redisledger

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/inknowing/dialogue-runtime/internal/errs"
	"github.com/inknowing/dialogue-runtime/internal/quota"
	"github.com/inknowing/dialogue-runtime/pkg/dialogue"
)

const reservationTTL = 2 * time.Minute

// Ledger is a Redis-backed [quota.Ledger]. Reserve is implemented as an
// optimistic compare-and-swap via WATCH/MULTI on the period's counter key,
// so the increment remains linearizable per user without a server-side
// Lua script.
type Ledger struct {
	rdb *redis.Client
}

var _ quota.Ledger = (*Ledger)(nil)

// New wraps an already-configured *redis.Client.
func New(rdb *redis.Client) *Ledger {
	return &Ledger{rdb: rdb}
}

// Close implements [quota.Ledger]. The underlying client's lifecycle is the
// caller's responsibility; Close here only satisfies the interface — there
// is no sweep goroutine, since reservation keys expire via Redis TTL.
func (l *Ledger) Close() {}

func counterKey(userID string, period dialogue.PeriodKind, start time.Time) string {
	return fmt.Sprintf("quota:counter:%s:%s:%d", userID, period, start.Unix())
}

func reservationKey(userID, token string) string {
	return fmt.Sprintf("quota:reservation:%s:%s", userID, token)
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

// Reserve implements [quota.Ledger]. The counter key is incremented inside
// a WATCH transaction so a concurrent reserve from another process cannot
// push consumed past granted; a reservation marker with a TTL equal to
// reservationTTL stands in for the in-process sweep (spec §4.3: unreclaimed
// reservations expire after 2 minutes).
func (l *Ledger) Reserve(ctx context.Context, userID string, membership quota.Membership) (quota.ReservationHandle, error) {
	policy := quota.DefaultPolicyTable[membership]
	start := periodStart(policy.Period, time.Now())
	cKey := counterKey(userID, policy.Period, start)

	token, err := randomToken()
	if err != nil {
		return quota.ReservationHandle{}, errs.Internal(fmt.Errorf("generate reservation token: %w", err))
	}

	txErr := l.rdb.Watch(ctx, func(tx *redis.Tx) error {
		consumed, err := tx.Get(ctx, cKey).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if consumed >= policy.Granted {
			return errs.QuotaExhausted(resetAt(policy.Period, start).Format(time.RFC3339))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Incr(ctx, cKey)
			pipe.ExpireNX(ctx, cKey, resetAt(policy.Period, start).Sub(time.Now())+time.Hour)
			pipe.Set(ctx, reservationKey(userID, token), cKey, reservationTTL)
			return nil
		})
		return err
	}, cKey)

	if txErr != nil {
		var qe *errs.Error
		if errors.As(txErr, &qe) {
			return quota.ReservationHandle{}, txErr
		}
		return quota.ReservationHandle{}, errs.Internal(fmt.Errorf("reserve quota: %w", txErr))
	}

	return quota.ReservationHandle{UserID: userID, Token: token}, nil
}

// Commit implements [quota.Ledger]. The counter was already incremented at
// Reserve time, so committing only clears the reservation marker.
func (l *Ledger) Commit(ctx context.Context, h quota.ReservationHandle) error {
	n, err := l.rdb.Del(ctx, reservationKey(h.UserID, h.Token)).Result()
	if err != nil {
		return errs.Internal(fmt.Errorf("commit reservation: %w", err))
	}
	if n == 0 {
		return errs.NotFound("reservation not found or already resolved")
	}
	return nil
}

// Release implements [quota.Ledger]: decrements the counter back and clears
// the reservation marker, atomically via a pipeline.
func (l *Ledger) Release(ctx context.Context, h quota.ReservationHandle) error {
	rKey := reservationKey(h.UserID, h.Token)
	cKey, err := l.rdb.Get(ctx, rKey).Result()
	if errors.Is(err, redis.Nil) {
		return errs.NotFound("reservation not found or already resolved")
	}
	if err != nil {
		return errs.Internal(fmt.Errorf("release reservation: %w", err))
	}

	_, err = l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Decr(ctx, cKey)
		pipe.Del(ctx, rKey)
		return nil
	})
	if err != nil {
		return errs.Internal(fmt.Errorf("release reservation: %w", err))
	}
	return nil
}

// Status implements [quota.Ledger].
func (l *Ledger) Status(ctx context.Context, userID string, membership quota.Membership) (quota.Status, error) {
	policy := quota.DefaultPolicyTable[membership]
	start := periodStart(policy.Period, time.Now())

	consumed, err := l.rdb.Get(ctx, counterKey(userID, policy.Period, start)).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return quota.Status{}, errs.Internal(fmt.Errorf("read quota status: %w", err))
	}

	return quota.Status{
		Granted:  policy.Granted,
		Consumed: consumed,
		ResetAt:  resetAt(policy.Period, start),
	}, nil
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
