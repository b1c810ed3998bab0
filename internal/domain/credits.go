// Package domain defines the persistence models for the credit ledger and
// the achievement engine. These types are mapped with GORM and form the core
// data layer of the credits backend.
package domain

import "time"

// CreditType identifies one of the four consumable credit categories. Values
// are serialized by their explicit string constant, never by reflection, so
// the stored representation is stable across refactors.
type CreditType string

const (
	CreditKickstart    CreditType = "kickstart"
	CreditDaily        CreditType = "daily"
	CreditSubscription CreditType = "subscription"
	CreditPurchased    CreditType = "purchased"
)

// ConsumptionOrder is the fixed priority in which a debit drains credit
// types: expiring credits first, perpetual credits last, kickstart as the
// final fallback. Not configurable.
var ConsumptionOrder = []CreditType{
	CreditDaily,
	CreditSubscription,
	CreditPurchased,
	CreditKickstart,
}

// ValidCreditType reports whether t is one of the four known credit types.
func ValidCreditType(t CreditType) bool {
	switch t {
	case CreditKickstart, CreditDaily, CreditSubscription, CreditPurchased:
		return true
	}
	return false
}

// Operation is the business reason recorded on a ledger entry.
type Operation string

const (
	OpGrant     Operation = "grant"
	OpConsume   Operation = "consume"
	OpExpire    Operation = "expire"
	OpCarryover Operation = "carryover"
)

// CreditEntry is a single immutable row in the append-only credit ledger.
// Entries are never updated or deleted; every balance change, including
// expiry sweeps and carryover burns, is a new row.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - UserID: owner of the balance; part of the replay ordering index.
//   - CreditType: one of the four credit categories (enforced by DB check).
//   - Amount: signed delta; positive for grants, negative for debits.
//   - BalanceAfter: running per-(user, credit type) balance after this entry.
//     Computed inside the append path, never trusted from callers.
//   - Operation: grant | consume | expire | carryover.
//   - OperationRef: opaque correlation id used for idempotent retries. The
//     unique index spans operation and credit type because one consume plan
//     may debit several types under a single ref, and a carryover burn shares
//     its ref with the grant that triggered it.
//   - ExpiresAt: set only on daily grants; nil everywhere else.
type CreditEntry struct {
	ID           string     `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string     `json:"user_id"       gorm:"type:varchar(64);not null;index:idx_ledger_replay,priority:1;uniqueIndex:ux_ledger_opref,priority:1"`
	CreditType   CreditType `json:"credit_type"   gorm:"type:varchar(16);not null;index:idx_ledger_replay,priority:2;uniqueIndex:ux_ledger_opref,priority:3;check:credit_type IN ('kickstart','daily','subscription','purchased')"`
	Amount       int64      `json:"amount"        gorm:"not null"`
	BalanceAfter int64      `json:"balance_after" gorm:"not null;check:balance_after >= 0"`
	Operation    Operation  `json:"operation"     gorm:"type:varchar(16);not null;uniqueIndex:ux_ledger_opref,priority:4;check:operation IN ('grant','consume','expire','carryover')"`
	OperationRef string     `json:"operation_ref" gorm:"type:varchar(128);not null;uniqueIndex:ux_ledger_opref,priority:2"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"    gorm:"index:idx_ledger_replay,priority:3"`
}

// TableName returns the database table name for CreditEntry.
func (CreditEntry) TableName() string { return "credit_ledger" }

// Expired reports whether the entry's credit has lapsed as of now. Entries
// without an expiry never lapse.
func (e *CreditEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// CreditBalance is the derived per-type balance projection. It is computed by
// summing un-expired ledger entries and is never stored.
type CreditBalance struct {
	Kickstart    int64 `json:"kickstart"`
	Daily        int64 `json:"daily"`
	Subscription int64 `json:"subscription"`
	Purchased    int64 `json:"purchased"`
	Total        int64 `json:"total"`
}

// Of returns the balance bucket for the given credit type.
func (b CreditBalance) Of(t CreditType) int64 {
	switch t {
	case CreditKickstart:
		return b.Kickstart
	case CreditDaily:
		return b.Daily
	case CreditSubscription:
		return b.Subscription
	case CreditPurchased:
		return b.Purchased
	}
	return 0
}

// Set assigns the balance bucket for the given credit type and refreshes Total.
func (b *CreditBalance) Set(t CreditType, v int64) {
	switch t {
	case CreditKickstart:
		b.Kickstart = v
	case CreditDaily:
		b.Daily = v
	case CreditSubscription:
		b.Subscription = v
	case CreditPurchased:
		b.Purchased = v
	}
	b.Total = b.Kickstart + b.Daily + b.Subscription + b.Purchased
}
