// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the append-only
// credit ledger.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations. They
// follow the "thin repository" approach: no business logic, only persistence
// and query composition. In particular the non-negative balance invariant is
// enforced one level up, in services.Ledger, which owns the single append
// path.
//
// Error semantics:
//   - When a record is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - Unique-index violations surface as ErrDuplicate.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/brioworks/go-credits-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for consistency across the service layer.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates a unique-index violation, e.g. replaying an
// operation_ref that already produced a ledger entry.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation sniffs driver errors for unique-constraint failures.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// InsertEntry appends one immutable ledger row. Returns ErrDuplicate when the
// (user, ref, credit type, operation) tuple was already recorded.
func InsertEntry(ctx context.Context, db *gorm.DB, e *domain.CreditEntry) error {
	if err := db.WithContext(ctx).Create(e).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// ReplayBalance returns the running balance of one (user, credit type) stream:
// the signed sum over every entry, expired or not. This is the value
// BalanceAfter is derived from.
func ReplayBalance(ctx context.Context, db *gorm.DB, userID string, t domain.CreditType) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CreditEntry{}).
		Where("user_id = ? AND credit_type = ?", userID, t).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// ListEntriesByType returns one (user, credit type) stream oldest first, the
// order the grant-lot projection in services replays it in.
func ListEntriesByType(ctx context.Context, db *gorm.DB, userID string, t domain.CreditType) ([]domain.CreditEntry, error) {
	var out []domain.CreditEntry
	err := db.WithContext(ctx).
		Where("user_id = ? AND credit_type = ?", userID, t).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

// FindEntriesByRef returns the ledger entries recorded for one operation ref,
// optionally filtered to a single operation kind. Used to replay the original
// result of a retried request instead of re-applying it.
func FindEntriesByRef(ctx context.Context, db *gorm.DB, userID, ref string, op domain.Operation) ([]domain.CreditEntry, error) {
	var out []domain.CreditEntry
	q := db.WithContext(ctx).
		Where("user_id = ? AND operation_ref = ?", userID, ref)
	if op != "" {
		q = q.Where("operation = ?", op)
	}
	err := q.Order("created_at asc").Find(&out).Error
	return out, err
}

// CountEntries returns the total ledger rows for a user (pagination support).
func CountEntries(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CreditEntry{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// ListEntriesPage returns a page of a user's ledger, newest first. The full
// stream replayed oldest-first reproduces every balance, which is the audit
// contract of the append-only design.
func ListEntriesPage(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.CreditEntry, error) {
	var out []domain.CreditEntry
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UsersWithLapsedDaily returns the distinct user ids holding at least one
// daily grant whose expiry is at or before now. The expiry sweep visits each
// one under its per-user lock.
func UsersWithLapsedDaily(ctx context.Context, db *gorm.DB, now time.Time) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.CreditEntry{}).
		Where("credit_type = ? AND expires_at IS NOT NULL AND expires_at <= ?", domain.CreditDaily, now).
		Distinct("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// LedgerStats returns aggregate metadata for a user's ledger: total rows and
// the newest CreatedAt. Used for conditional responses on the history
// endpoint. When the user has no entries, count is 0 and latest is nil.
func LedgerStats(ctx context.Context, db *gorm.DB, userID string) (count int64, latest *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.CreditEntry{}).Where("user_id = ?", userID)

	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest created_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		CreatedAt time.Time
	}
	if err = q.Select("created_at").Order("created_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.CreatedAt, nil
}
