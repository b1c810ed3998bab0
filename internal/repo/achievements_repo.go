// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the per-user
// achievement state and the unlock records.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/brioworks/go-credits-backend/internal/domain"
)

// ErrVersionConflict indicates an optimistic-lock failure: the state row was
// modified by another writer between read and save.
var ErrVersionConflict = errors.New("version conflict")

// GetState fetches a user's achievement state, or ErrNotFound.
func GetState(ctx context.Context, db *gorm.DB, userID string) (*domain.AchievementState, error) {
	var st domain.AchievementState
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&st).Error
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// EnsureState fetches a user's state, creating the zero row on first contact.
// Creation races are absorbed by re-reading on duplicate.
func EnsureState(ctx context.Context, db *gorm.DB, userID string) (*domain.AchievementState, error) {
	st, err := GetState(ctx, db, userID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	fresh := &domain.AchievementState{
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(fresh).Error; err != nil {
		if isUniqueViolation(err) {
			return GetState(ctx, db, userID)
		}
		return nil, err
	}
	return fresh, nil
}

// SaveState persists st with a compare-and-swap on Version. The update only
// lands if the stored version still equals st.Version; on success st.Version
// is advanced to match the row. Zero rows affected means a concurrent writer
// won, reported as ErrVersionConflict so the caller can re-read and retry.
func SaveState(ctx context.Context, db *gorm.DB, st *domain.AchievementState) error {
	prev := st.Version
	res := db.WithContext(ctx).
		Model(&domain.AchievementState{}).
		Where("user_id = ? AND version = ?", st.UserID, prev).
		Updates(map[string]interface{}{
			"lifetime_tasks_completed": st.LifetimeTasksCompleted,
			"current_streak":           st.CurrentStreak,
			"longest_streak":           st.LongestStreak,
			"last_completion_date":     st.LastCompletionDate,
			"grace_used":               st.GraceUsed,
			"focus_completions":        st.FocusCompletions,
			"notes_converted":          st.NotesConverted,
			"version":                  prev + 1,
			"updated_at":               time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	st.Version = prev + 1
	return nil
}

// ListUnlocks returns every unlock recorded for the user, oldest first.
func ListUnlocks(ctx context.Context, db *gorm.DB, userID string) ([]domain.AchievementUnlock, error) {
	var out []domain.AchievementUnlock
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("unlocked_at asc").
		Find(&out).Error
	return out, err
}

// UnlockedSet returns the user's unlocked achievement ids as a membership set.
func UnlockedSet(ctx context.Context, db *gorm.DB, userID string) (map[string]struct{}, error) {
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.AchievementUnlock{}).
		Where("user_id = ?", userID).
		Pluck("achievement_id", &ids).Error
	if err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// InsertUnlock records one unlock. The unique index on
// (user_id, achievement_id) makes the unlock exactly-once: a second insert
// returns ErrDuplicate and the caller treats the achievement as already held.
func InsertUnlock(ctx context.Context, db *gorm.DB, userID, achievementID string, at time.Time) (*domain.AchievementUnlock, error) {
	rec := &domain.AchievementUnlock{
		ID:            uuid.NewString(),
		UserID:        userID,
		AchievementID: achievementID,
		UnlockedAt:    at,
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return rec, nil
}

// GetCompletionReceipt fetches the receipt for one (user, operation ref)
// pair, or ErrNotFound when the ref has not been processed.
func GetCompletionReceipt(ctx context.Context, db *gorm.DB, userID, ref string) (*domain.CompletionReceipt, error) {
	var rec domain.CompletionReceipt
	err := db.WithContext(ctx).
		Where("user_id = ? AND operation_ref = ?", userID, ref).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// InsertCompletionReceipt records one processed completion event. The unique
// index on (user_id, operation_ref) makes event processing exactly-once: a
// second insert returns ErrDuplicate and the caller replays the stored
// outcome instead.
func InsertCompletionReceipt(ctx context.Context, db *gorm.DB, rec *domain.CompletionReceipt) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}
