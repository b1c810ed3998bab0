// Package services – Ledger.
//
// This file implements the credit ledger: an append-only stream of immutable
// entries per (user, credit type), with derived balance projections. The
// single write path is Ledger.append, which computes the running balance
// itself and refuses any entry that would drive it negative; that one guard
// is what makes the non-negative invariant enforceable at all.
//
// Grants, the daily allotment, the monthly subscription carryover rule and
// the daily-expiry sweep all live here. Debits are built by the consumption
// planner (planner.go) and funneled through the same append path.
//
// Observability: public methods are OpenTelemetry-instrumented; invariant
// violations are logged at error level before being returned.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brioworks/go-credits-backend/internal/domain"
	"github.com/brioworks/go-credits-backend/internal/repo"
)

// Ledger owns the append-only credit ledger and its balance projections.
type Ledger struct {
	DB    *gorm.DB
	Locks *UserLocks

	// CarryoverCap is the maximum unspent subscription balance carried into
	// a new monthly grant; the excess above it is burned.
	CarryoverCap int64

	// DailyTTL is how long a daily allotment stays spendable after grant.
	DailyTTL time.Duration
}

// NewLedger constructs a Ledger with the standard carryover cap and a
// 24-hour daily credit lifetime.
func NewLedger(db *gorm.DB, locks *UserLocks) *Ledger {
	return &Ledger{
		DB:           db,
		Locks:        locks,
		CarryoverCap: 50,
		DailyTTL:     24 * time.Hour,
	}
}

// append writes one ledger entry inside tx. BalanceAfter is computed here
// from the replayed prior balance and never trusted from the caller; if the
// result would be negative nothing is written and ErrNegativeBalance is
// returned. This is the only function that inserts ledger rows.
func (l *Ledger) append(ctx context.Context, tx *gorm.DB, userID string, t domain.CreditType, amount int64, op domain.Operation, ref string, expiresAt *time.Time) (*domain.CreditEntry, error) {
	prior, err := repo.ReplayBalance(ctx, tx, userID, t)
	if err != nil {
		return nil, err
	}
	after := prior + amount
	if after < 0 {
		log.Error().
			Str("user_id", userID).
			Str("credit_type", string(t)).
			Str("operation", string(op)).
			Str("operation_ref", ref).
			Int64("prior", prior).
			Int64("amount", amount).
			Msg("ledger append would go negative; invariant violation")
		return nil, fmt.Errorf("%w: %s balance %d with delta %d", ErrNegativeBalance, t, prior, amount)
	}

	e := &domain.CreditEntry{
		ID:           uuid.NewString(),
		UserID:       userID,
		CreditType:   t,
		Amount:       amount,
		BalanceAfter: after,
		Operation:    op,
		OperationRef: ref,
		ExpiresAt:    expiresAt,
		CreatedAt:    time.Now().UTC(),
	}
	if err := repo.InsertEntry(ctx, tx, e); err != nil {
		return nil, err
	}

	switch op {
	case domain.OpConsume:
		creditsConsumed.WithLabelValues(string(t)).Add(float64(-amount))
	case domain.OpGrant, domain.OpCarryover:
		creditsGranted.WithLabelValues(string(t)).Add(float64(amount))
	case domain.OpExpire:
		creditsExpired.WithLabelValues(string(t)).Add(float64(-amount))
	}
	return e, nil
}

// Balances returns the spendable per-type balance projection for userID as
// of now. Daily credits go through the grant-lot replay, so a lapsed
// allotment drops out of the projection together with the debits drawn
// from it.
func (l *Ledger) Balances(ctx context.Context, userID string) (domain.CreditBalance, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "Balances",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	return l.balances(ctx, l.DB, userID, time.Now().UTC())
}

// balances computes the projection against an arbitrary handle (plain or
// transactional) at an explicit instant. Daily goes through the grant-lot
// replay (daily_lots.go); the other types never expire, so their replayed
// sum is already the spendable balance.
func (l *Ledger) balances(ctx context.Context, db *gorm.DB, userID string, now time.Time) (domain.CreditBalance, error) {
	var out domain.CreditBalance
	for _, t := range domain.ConsumptionOrder {
		var v int64
		if t == domain.CreditDaily {
			entries, err := repo.ListEntriesByType(ctx, db, userID, t)
			if err != nil {
				return domain.CreditBalance{}, err
			}
			v = liveDailyBalance(entries, now)
		} else {
			var err error
			v, err = repo.ReplayBalance(ctx, db, userID, t)
			if err != nil {
				return domain.CreditBalance{}, err
			}
		}
		out.Set(t, v)
	}
	return out, nil
}

// Grant appends a positive entry of the given credit type, deduplicating on
// the operation ref: replaying a ref that already produced a grant returns
// the current balances without writing. Daily grants get an expiry stamp.
func (l *Ledger) Grant(ctx context.Context, userID string, t domain.CreditType, amount int64, ref string) (domain.CreditBalance, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "Grant",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("credit.type", string(t)),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if !domain.ValidCreditType(t) {
		return domain.CreditBalance{}, ErrInvalidCreditType
	}
	if amount <= 0 {
		return domain.CreditBalance{}, ErrInvalidAmount
	}
	if ref == "" {
		return domain.CreditBalance{}, ErrMissingOperationRef
	}

	release := l.Locks.Acquire(userID)
	defer release()

	now := time.Now().UTC()

	prev, err := repo.FindEntriesByRef(ctx, l.DB, userID, ref, domain.OpGrant)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	if len(prev) > 0 {
		return l.balances(ctx, l.DB, userID, now)
	}

	var expiresAt *time.Time
	if t == domain.CreditDaily {
		exp := now.Add(l.DailyTTL)
		expiresAt = &exp
	}

	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, aerr := l.append(ctx, tx, userID, t, amount, domain.OpGrant, ref, expiresAt)
		if errors.Is(aerr, repo.ErrDuplicate) {
			// A concurrent replay of the same ref won; the grant is applied.
			return nil
		}
		return aerr
	})
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return l.balances(ctx, l.DB, userID, now)
}

// GrantDailyCredits applies the day's allotment for userID: tier base plus
// any daily_credits perks, expiring DailyTTL later. The operation ref is
// derived from the calendar date, so the daily reset job can re-run safely.
func (l *Ledger) GrantDailyCredits(ctx context.Context, userID string, tier domain.Tier, now time.Time) (domain.CreditBalance, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "GrantDailyCredits",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("tier", string(tier)),
		),
	)
	defer span.End()

	unlocked, err := repo.UnlockedSet(ctx, l.DB, userID)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	allotment := EffectiveLimits(tier, unlocked).DailyAICredits
	ref := "daily:" + utcDate(now).Format("2006-01-02")
	return l.Grant(ctx, userID, domain.CreditDaily, allotment, ref)
}

// GrantSubscriptionCredits applies a monthly subscription grant with the
// carryover rule: unspent prior balance above CarryoverCap is burned with an
// expire entry before the new grant lands; a remainder at or below the cap
// simply adds to it. Deduplicated on ref like every grant.
func (l *Ledger) GrantSubscriptionCredits(ctx context.Context, userID string, amount int64, ref string) (domain.CreditBalance, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "GrantSubscriptionCredits",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return domain.CreditBalance{}, ErrInvalidAmount
	}
	if ref == "" {
		return domain.CreditBalance{}, ErrMissingOperationRef
	}

	release := l.Locks.Acquire(userID)
	defer release()

	now := time.Now().UTC()

	prev, err := repo.FindEntriesByRef(ctx, l.DB, userID, ref, domain.OpGrant)
	if err != nil {
		return domain.CreditBalance{}, err
	}
	if len(prev) > 0 {
		return l.balances(ctx, l.DB, userID, now)
	}

	err = l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prior, err := repo.ReplayBalance(ctx, tx, userID, domain.CreditSubscription)
		if err != nil {
			return err
		}
		if excess := prior - l.CarryoverCap; excess > 0 {
			if _, err := l.append(ctx, tx, userID, domain.CreditSubscription, -excess, domain.OpExpire, ref, nil); err != nil {
				return err
			}
		}
		_, err = l.append(ctx, tx, userID, domain.CreditSubscription, amount, domain.OpGrant, ref, nil)
		if errors.Is(err, repo.ErrDuplicate) {
			return nil
		}
		return err
	})
	if err != nil {
		return domain.CreditBalance{}, err
	}
	return l.balances(ctx, l.DB, userID, now)
}

// ExpireDailyCredits sweeps every user holding a lapsed daily grant and
// appends an expire entry bringing the replayed daily balance down to the
// live (un-expired) projection. Running the sweep twice for the same instant
// is a no-op: the second pass finds nothing left to burn. Returns the number
// of users swept.
func (l *Ledger) ExpireDailyCredits(ctx context.Context, now time.Time) (int, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "ExpireDailyCredits")
	defer span.End()

	users, err := repo.UsersWithLapsedDaily(ctx, l.DB, now)
	if err != nil {
		return 0, err
	}

	ref := "daily-expiry:" + now.UTC().Format(time.RFC3339Nano)
	swept := 0
	for _, userID := range users {
		if err := l.expireDailyFor(ctx, userID, ref, now); err != nil {
			return swept, err
		}
		swept++
	}
	span.SetAttributes(attribute.Int("users.swept", swept))
	return swept, nil
}

// expireDailyFor burns one user's lapsed daily remainder under their lock.
// The remainder is the gap between the replayed sum and the lot-based live
// projection, which is exactly the unspent part of the lapsed lots; credits
// already consumed out of a lapsed grant are never burned twice.
func (l *Ledger) expireDailyFor(ctx context.Context, userID, ref string, now time.Time) error {
	release := l.Locks.Acquire(userID)
	defer release()

	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		entries, err := repo.ListEntriesByType(ctx, tx, userID, domain.CreditDaily)
		if err != nil {
			return err
		}
		var replayed int64
		for _, e := range entries {
			replayed += e.Amount
		}
		lapsed := replayed - liveDailyBalance(entries, now)
		if lapsed <= 0 {
			return nil
		}
		_, err = l.append(ctx, tx, userID, domain.CreditDaily, -lapsed, domain.OpExpire, ref, nil)
		if errors.Is(err, repo.ErrDuplicate) {
			// Same sweep instant already processed this user.
			return nil
		}
		return err
	})
}

// History returns a page of the user's ledger stream, newest first, with the
// total row count for pagination metadata.
func (l *Ledger) History(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditEntry, int64, error) {
	tr := otel.Tracer("services/Ledger")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountEntries(ctx, l.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CreditEntry{}, 0, nil
	}

	items, err := repo.ListEntriesPage(ctx, l.DB, userID, offset, pageSize)
	return items, total, err
}
