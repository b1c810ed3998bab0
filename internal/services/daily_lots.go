// Package services – daily grant lots.
//
// Daily credits are the one credit type with an expiry, which makes their
// balance projection lot-based rather than a plain sum: every grant opens a
// lot that stays spendable until its expiry, consumes draw the lots down and
// the sweep burns whatever a lapsed lot still held. Replaying the entry
// stream through the lots keeps a lapsed grant and the debits drawn from it
// out of the live balance together, so spending from one allotment can never
// depress the next one.
package services

import (
	"sort"
	"time"

	"github.com/brioworks/go-credits-backend/internal/domain"
)

// dailyLot is the unspent remainder of one daily grant.
type dailyLot struct {
	remain int64
	exp    time.Time
}

// replayDailyLots folds a user's daily entry stream (oldest first) into grant
// lots. Grants open a lot; debits draw lots down via applyDailyDebit.
func replayDailyLots(entries []domain.CreditEntry) []*dailyLot {
	var lots []*dailyLot
	for i := range entries {
		e := &entries[i]
		if e.Amount > 0 {
			exp := e.CreatedAt
			if e.ExpiresAt != nil {
				exp = *e.ExpiresAt
			}
			lots = append(lots, &dailyLot{remain: e.Amount, exp: exp})
			continue
		}
		applyDailyDebit(lots, e)
	}
	return lots
}

// applyDailyDebit draws one debit entry from the lot set, earliest expiry
// first. The first pass targets the lots the entry could have drawn from when
// it was written: consumes draw lots that were still live, expiry burns draw
// lots that had already lapsed. A second pass absorbs any remainder from
// whatever lots still hold credit, keeping the lot totals consistent with the
// signed sum of the stream.
func applyDailyDebit(lots []*dailyLot, e *domain.CreditEntry) {
	remaining := -e.Amount
	wantLapsed := e.Operation == domain.OpExpire
	ordered := lotsByExpiry(lots)
	for pass := 0; pass < 2 && remaining > 0; pass++ {
		for _, l := range ordered {
			if l.remain == 0 {
				continue
			}
			if pass == 0 {
				lapsed := !l.exp.After(e.CreatedAt)
				if lapsed != wantLapsed {
					continue
				}
			}
			take := remaining
			if l.remain < take {
				take = l.remain
			}
			l.remain -= take
			remaining -= take
			if remaining == 0 {
				break
			}
		}
	}
}

func lotsByExpiry(lots []*dailyLot) []*dailyLot {
	out := make([]*dailyLot, len(lots))
	copy(out, lots)
	sort.SliceStable(out, func(i, j int) bool { return out[i].exp.Before(out[j].exp) })
	return out
}

// liveDailyBalance returns the spendable daily balance as of now: the summed
// remainder of every lot whose expiry is still in the future.
func liveDailyBalance(entries []domain.CreditEntry, now time.Time) int64 {
	var live int64
	for _, l := range replayDailyLots(entries) {
		if l.exp.After(now) {
			live += l.remain
		}
	}
	return live
}
