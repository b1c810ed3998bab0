package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/brioworks/go-credits-backend/internal/domain"
	"github.com/brioworks/go-credits-backend/internal/repo"
)

// newServiceDB opens a per-test in-memory SQLite database with the ledger and
// achievement tables migrated.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if err := db.AutoMigrate(&domain.CreditEntry{}, &domain.AchievementState{}, &domain.AchievementUnlock{}, &domain.CompletionReceipt{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return NewLedger(newServiceDB(t), NewUserLocks())
}

func TestGrant_IncreasesBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	bal, err := l.Grant(ctx, "u1", domain.CreditPurchased, 30, "purchase:1")
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if bal.Purchased != 30 || bal.Total != 30 {
		t.Fatalf("unexpected balance after grant: %+v", bal)
	}
}

func TestGrant_Validation(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Grant(ctx, "u1", domain.CreditType("bogus"), 10, "r1"); !errors.Is(err, ErrInvalidCreditType) {
		t.Fatalf("expected ErrInvalidCreditType, got %v", err)
	}
	if _, err := l.Grant(ctx, "u1", domain.CreditPurchased, 0, "r1"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := l.Grant(ctx, "u1", domain.CreditPurchased, 10, ""); !errors.Is(err, ErrMissingOperationRef) {
		t.Fatalf("expected ErrMissingOperationRef, got %v", err)
	}
}

func TestGrant_DeduplicatesOnRef(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Grant(ctx, "u1", domain.CreditPurchased, 30, "purchase:1"); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	bal, err := l.Grant(ctx, "u1", domain.CreditPurchased, 30, "purchase:1")
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if bal.Purchased != 30 {
		t.Fatalf("replayed grant double-applied: %+v", bal)
	}
}

func TestGrantDailyCredits_UsesTierBaseAndPerks(t *testing.T) {
	db := newServiceDB(t)
	locks := NewUserLocks()
	l := NewLedger(db, locks)
	g := NewEngine(db, locks)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	// No unlocks yet: free tier base allotment.
	bal, err := l.GrantDailyCredits(ctx, "u1", domain.TierFree, now)
	if err != nil {
		t.Fatalf("daily grant: %v", err)
	}
	if bal.Daily != 10 {
		t.Fatalf("expected free base daily 10, got %d", bal.Daily)
	}

	// Re-running the same calendar day is a no-op.
	bal, err = l.GrantDailyCredits(ctx, "u1", domain.TierFree, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("replayed daily grant: %v", err)
	}
	if bal.Daily != 10 {
		t.Fatalf("daily grant double-applied: %d", bal.Daily)
	}

	// Unlock tasks_100 (+5 daily credits), then the next day's allotment grows.
	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 100, "task:bulk", now); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	bal, err = l.GrantDailyCredits(ctx, "u1", domain.TierFree, now.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("next-day grant: %v", err)
	}
	if bal.Daily != 10+15 {
		t.Fatalf("expected 10 carried + 15 new daily, got %d", bal.Daily)
	}
}

func TestGrantSubscriptionCredits_CarryoverCap(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Prior unspent balance of 80 exceeds the cap of 50: the excess 30 is
	// burned before the new grant lands, so 80 + 100 settles at 150.
	if _, err := l.Grant(ctx, "u1", domain.CreditSubscription, 80, "sub:2026-01"); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	bal, err := l.GrantSubscriptionCredits(ctx, "u1", 100, "sub:2026-02")
	if err != nil {
		t.Fatalf("subscription grant: %v", err)
	}
	if bal.Subscription != 150 {
		t.Fatalf("expected 150 after carryover burn, got %d", bal.Subscription)
	}
}

func TestGrantSubscriptionCredits_UnderCapCarriesInFull(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Grant(ctx, "u1", domain.CreditSubscription, 40, "sub:2026-01"); err != nil {
		t.Fatalf("seed grant: %v", err)
	}
	bal, err := l.GrantSubscriptionCredits(ctx, "u1", 100, "sub:2026-02")
	if err != nil {
		t.Fatalf("subscription grant: %v", err)
	}
	if bal.Subscription != 140 {
		t.Fatalf("expected 140 with remainder under cap, got %d", bal.Subscription)
	}
}

func TestGrantSubscriptionCredits_Idempotent(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.GrantSubscriptionCredits(ctx, "u1", 100, "sub:2026-02"); err != nil {
		t.Fatalf("first grant: %v", err)
	}
	bal, err := l.GrantSubscriptionCredits(ctx, "u1", 100, "sub:2026-02")
	if err != nil {
		t.Fatalf("replayed grant: %v", err)
	}
	if bal.Subscription != 100 {
		t.Fatalf("monthly grant double-applied: %d", bal.Subscription)
	}
}

func TestExpireDailyCredits_BurnsLapsedRemainder(t *testing.T) {
	l := newTestLedger(t)
	l.DailyTTL = time.Hour
	ctx := context.Background()

	if _, err := l.Grant(ctx, "u1", domain.CreditDaily, 10, "daily:2026-03-10"); err != nil {
		t.Fatalf("daily grant: %v", err)
	}
	if _, err := l.Grant(ctx, "u1", domain.CreditPurchased, 5, "purchase:1"); err != nil {
		t.Fatalf("purchased grant: %v", err)
	}

	future := time.Now().UTC().Add(2 * time.Hour)

	// The live projection already excludes the lapsed allotment.
	bal, err := l.balances(ctx, l.DB, "u1", future)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if bal.Daily != 0 || bal.Purchased != 5 {
		t.Fatalf("expected daily 0 and purchased 5, got %+v", bal)
	}

	swept, err := l.ExpireDailyCredits(ctx, future)
	if err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 user swept, got %d", swept)
	}

	// Second sweep at the same instant finds nothing left to burn.
	swept, err = l.ExpireDailyCredits(ctx, future)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 1 {
		// The user still matches the lapsed filter; the per-user pass is the
		// no-op, not the selection.
		t.Fatalf("expected sweep to revisit 1 user, got %d", swept)
	}
	bal, err = l.balances(ctx, l.DB, "u1", future)
	if err != nil {
		t.Fatalf("balances after sweeps: %v", err)
	}
	if bal.Daily != 0 {
		t.Fatalf("expected daily 0 after sweep, got %d", bal.Daily)
	}
}

// Spending part of an allotment must not echo into later ones: when the
// granted lot lapses, the debits drawn from it lapse with it, and the sweep
// burns only the lot's unspent remainder.
func TestDailyDebits_LapseWithTheirGrant(t *testing.T) {
	l := newTestLedger(t)
	p := NewPlanner(l)
	ctx := context.Background()

	l.DailyTTL = time.Hour
	if _, err := l.Grant(ctx, "u1", domain.CreditDaily, 10, "daily:2026-03-10"); err != nil {
		t.Fatalf("first allotment: %v", err)
	}
	if _, err := p.Consume(ctx, "u1", 4, "task:1"); err != nil {
		t.Fatalf("consume: %v", err)
	}

	// The next day's allotment carries a later expiry.
	l.DailyTTL = 24 * time.Hour
	if _, err := l.Grant(ctx, "u1", domain.CreditDaily, 10, "daily:2026-03-11"); err != nil {
		t.Fatalf("second allotment: %v", err)
	}

	// Two hours on, the first lot (and its 4-credit debit) has lapsed.
	future := time.Now().UTC().Add(2 * time.Hour)
	bal, err := l.balances(ctx, l.DB, "u1", future)
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if bal.Daily != 10 {
		t.Fatalf("fresh allotment depressed by lapsed spend: daily = %d, want 10", bal.Daily)
	}

	if _, err := l.ExpireDailyCredits(ctx, future); err != nil {
		t.Fatalf("expire sweep: %v", err)
	}
	bal, err = l.balances(ctx, l.DB, "u1", future)
	if err != nil {
		t.Fatalf("balances after sweep: %v", err)
	}
	if bal.Daily != 10 {
		t.Fatalf("sweep burned the fresh allotment: daily = %d, want 10", bal.Daily)
	}

	// Totals reconcile: 20 granted, 4 consumed, 6 burned.
	replayed, err := repo.ReplayBalance(ctx, l.DB, "u1", domain.CreditDaily)
	if err != nil {
		t.Fatalf("replay balance: %v", err)
	}
	if replayed != 10 {
		t.Fatalf("replayed daily = %d, want 10 after burning the lapsed remainder", replayed)
	}
}

func TestHistory_PaginatesNewestFirst(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ref := fmt.Sprintf("purchase:%d", i)
		if _, err := l.Grant(ctx, "u1", domain.CreditPurchased, 10, ref); err != nil {
			t.Fatalf("grant %d: %v", i, err)
		}
	}

	items, total, err := l.History(ctx, "u1", 1, 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("expected total 5 page of 2, got total=%d len=%d", total, len(items))
	}

	_, total, err = l.History(ctx, "nobody", 1, 2)
	if err != nil {
		t.Fatalf("history for unknown user: %v", err)
	}
	if total != 0 {
		t.Fatalf("expected empty history, got total=%d", total)
	}
}

// Randomized interleaving of grants (all four credit types, daily lots both
// live and already lapsed), debits and expiry sweeps must keep every per-type
// running balance non-negative and the projection consistent with the sum of
// spendable grants minus successful debits.
func TestLedger_RandomizedGrantDebitInvariant(t *testing.T) {
	l := newTestLedger(t)
	p := NewPlanner(l)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(42))

	perpetual := []domain.CreditType{
		domain.CreditKickstart, domain.CreditSubscription, domain.CreditPurchased,
	}
	var spendable, consumed int64
	for i := 0; i < 80; i++ {
		switch rng.Intn(5) {
		case 0, 1: // perpetual grant
			amt := int64(rng.Intn(20) + 1)
			ref := fmt.Sprintf("grant:%d", i)
			if _, err := l.Grant(ctx, "u1", perpetual[rng.Intn(len(perpetual))], amt, ref); err != nil {
				t.Fatalf("grant %d: %v", i, err)
			}
			spendable += amt
		case 2: // daily allotment; half the lots are born lapsed
			amt := int64(rng.Intn(15) + 1)
			ref := fmt.Sprintf("daily:%d", i)
			if rng.Intn(2) == 0 {
				l.DailyTTL = time.Hour
				spendable += amt
			} else {
				l.DailyTTL = -time.Hour
			}
			if _, err := l.Grant(ctx, "u1", domain.CreditDaily, amt, ref); err != nil {
				t.Fatalf("daily grant %d: %v", i, err)
			}
		case 3: // expiry sweep burns whatever has lapsed by now
			if _, err := l.ExpireDailyCredits(ctx, time.Now().UTC()); err != nil {
				t.Fatalf("sweep %d: %v", i, err)
			}
		default:
			amt := int64(rng.Intn(25) + 1)
			ref := fmt.Sprintf("consume:%d", i)
			_, err := p.Consume(ctx, "u1", amt, ref)
			switch {
			case err == nil:
				consumed += amt
			case errors.Is(err, ErrInsufficientCredits):
				// Acceptable outcome; balance must be untouched.
			default:
				t.Fatalf("consume %d: %v", i, err)
			}
		}
	}

	bal, err := l.Balances(ctx, "u1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	if bal.Total != spendable-consumed {
		t.Fatalf("projection %d != spendable %d - consumed %d", bal.Total, spendable, consumed)
	}
	for _, typ := range domain.ConsumptionOrder {
		if bal.Of(typ) < 0 {
			t.Fatalf("negative %s balance: %d", typ, bal.Of(typ))
		}
	}

	// A final sweep reconciles the replayed daily stream with the live lots.
	if _, err := l.ExpireDailyCredits(ctx, time.Now().UTC()); err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	replayed, err := repo.ReplayBalance(ctx, l.DB, "u1", domain.CreditDaily)
	if err != nil {
		t.Fatalf("replay balance: %v", err)
	}
	if replayed != bal.Daily {
		t.Fatalf("replayed daily %d != live daily %d after final sweep", replayed, bal.Daily)
	}
}
