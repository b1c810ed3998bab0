// Package services – ConsumptionPlanner.
//
// A consume request is split across credit categories in fixed priority
// order: daily first (use-it-or-lose-it), then subscription, then purchased
// (never expires, so spent late), with kickstart as the final fallback. The
// plan is computed and applied inside one transaction under the per-user
// lock, so two concurrent requests can never both spend the same balance.
//
// Retried requests are deduplicated on the operation ref: a ref that already
// produced consume entries returns the originally recorded result instead of
// debiting again.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/brioworks/go-credits-backend/internal/domain"
	"github.com/brioworks/go-credits-backend/internal/repo"
)

// DebitInstruction is one step of a consumption plan: take Amount credits
// out of CreditType. Amount is always positive here; the ledger entry it
// produces is the negated value.
type DebitInstruction struct {
	CreditType domain.CreditType `json:"credit_type"`
	Amount     int64             `json:"amount"`
}

// ConsumeResult reports the outcome of a consume call: the instructions that
// were applied (or originally applied, when replayed), the balances after,
// and whether this call was a replay of an earlier operation ref.
type ConsumeResult struct {
	Instructions []DebitInstruction   `json:"instructions"`
	Balances     domain.CreditBalance `json:"balances"`
	Replayed     bool                 `json:"replayed"`
}

// Planner decides how debits split across credit types and applies them
// atomically through the ledger's append path.
type Planner struct {
	Ledger *Ledger
}

// NewPlanner constructs a Planner over the given ledger.
func NewPlanner(l *Ledger) *Planner {
	return &Planner{Ledger: l}
}

// PlanDebit walks the fixed consumption order, taking min(remaining,
// available) from each bucket until the request is covered. Pure: it only
// reads the balance snapshot. Fails with ErrInsufficientCredits when the
// request exceeds the snapshot total.
func PlanDebit(bal domain.CreditBalance, amount int64) ([]DebitInstruction, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > bal.Total {
		return nil, ErrInsufficientCredits
	}

	var plan []DebitInstruction
	remaining := amount
	for _, t := range domain.ConsumptionOrder {
		if remaining == 0 {
			break
		}
		avail := bal.Of(t)
		if avail <= 0 {
			continue
		}
		take := remaining
		if avail < take {
			take = avail
		}
		plan = append(plan, DebitInstruction{CreditType: t, Amount: take})
		remaining -= take
	}
	return plan, nil
}

// Consume debits amount credits from userID under their exclusive section.
// Either every entry of the plan is appended or none is; a balance snapshot
// is taken inside the same transaction, so the plan can never be applied
// against stale numbers. Replaying a known operation ref returns the
// original instructions without new writes.
func (p *Planner) Consume(ctx context.Context, userID string, amount int64, ref string) (ConsumeResult, error) {
	tr := otel.Tracer("services/Planner")
	ctx, span := tr.Start(ctx, "Consume",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.Int64("amount", amount),
		),
	)
	defer span.End()

	if amount <= 0 {
		return ConsumeResult{}, ErrInvalidAmount
	}
	if ref == "" {
		return ConsumeResult{}, ErrMissingOperationRef
	}

	release := p.Ledger.Locks.Acquire(userID)
	defer release()

	now := time.Now().UTC()

	if res, ok, err := p.replay(ctx, userID, ref, now); err != nil || ok {
		return res, err
	}

	var applied []DebitInstruction
	err := p.Ledger.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		bal, err := p.Ledger.balances(ctx, tx, userID, now)
		if err != nil {
			return err
		}
		plan, err := PlanDebit(bal, amount)
		if err != nil {
			return err
		}
		for _, ins := range plan {
			if _, err := p.Ledger.append(ctx, tx, userID, ins.CreditType, -ins.Amount, domain.OpConsume, ref, nil); err != nil {
				return err
			}
		}
		applied = plan
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			insufficientCredits.Inc()
			return ConsumeResult{}, err
		}
		if errors.Is(err, repo.ErrDuplicate) {
			// Another process recorded this ref between our replay check and
			// the insert; hand back the recorded result.
			if res, ok, rerr := p.replay(ctx, userID, ref, now); rerr == nil && ok {
				return res, nil
			}
		}
		return ConsumeResult{}, err
	}

	bal, err := p.Ledger.balances(ctx, p.Ledger.DB, userID, now)
	if err != nil {
		return ConsumeResult{}, err
	}
	return ConsumeResult{Instructions: applied, Balances: bal}, nil
}

// replay looks for consume entries already recorded under ref and, when
// found, reconstructs the original instructions from them.
func (p *Planner) replay(ctx context.Context, userID, ref string, now time.Time) (ConsumeResult, bool, error) {
	entries, err := repo.FindEntriesByRef(ctx, p.Ledger.DB, userID, ref, domain.OpConsume)
	if err != nil {
		return ConsumeResult{}, false, err
	}
	if len(entries) == 0 {
		return ConsumeResult{}, false, nil
	}

	ins := make([]DebitInstruction, 0, len(entries))
	for _, e := range entries {
		ins = append(ins, DebitInstruction{CreditType: e.CreditType, Amount: -e.Amount})
	}
	bal, err := p.Ledger.balances(ctx, p.Ledger.DB, userID, now)
	if err != nil {
		return ConsumeResult{}, false, err
	}
	return ConsumeResult{Instructions: ins, Balances: bal, Replayed: true}, true, nil
}
