package domain

import "time"

// Category is the counter family an achievement threshold applies to.
type Category string

const (
	CategoryTasks   Category = "tasks"
	CategoryStreaks Category = "streaks"
	CategoryFocus   Category = "focus"
	CategoryNotes   Category = "notes"
)

// ValidCategory reports whether c names a known counter family.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryTasks, CategoryStreaks, CategoryFocus, CategoryNotes:
		return true
	}
	return false
}

// PerkType names the limit an unlocked achievement permanently raises.
// PerkNone marks achievements that carry no perk.
type PerkType string

const (
	PerkNone         PerkType = ""
	PerkMaxTasks     PerkType = "max_tasks"
	PerkMaxNotes     PerkType = "max_notes"
	PerkDailyCredits PerkType = "daily_credits"
)

// AchievementDefinition is a static rule mapping a counter threshold in a
// category to an optional perk. Definitions are seeded in code and immutable
// at runtime; the engine only ever reads them.
type AchievementDefinition struct {
	ID        string
	Category  Category
	Threshold int64
	PerkType  PerkType
	PerkValue int64
}

// Achievements is the authoritative seed catalog. Threshold and perk numbers
// are deliberately kept in one place so tuning them is a single edit.
var Achievements = []AchievementDefinition{
	{ID: "tasks_5", Category: CategoryTasks, Threshold: 5, PerkType: PerkMaxTasks, PerkValue: 15},
	{ID: "tasks_25", Category: CategoryTasks, Threshold: 25, PerkType: PerkMaxTasks, PerkValue: 25},
	{ID: "tasks_100", Category: CategoryTasks, Threshold: 100, PerkType: PerkDailyCredits, PerkValue: 5},
	{ID: "tasks_500", Category: CategoryTasks, Threshold: 500, PerkType: PerkMaxTasks, PerkValue: 100},

	{ID: "streak_3", Category: CategoryStreaks, Threshold: 3},
	{ID: "streak_7", Category: CategoryStreaks, Threshold: 7, PerkType: PerkDailyCredits, PerkValue: 5},
	{ID: "streak_30", Category: CategoryStreaks, Threshold: 30, PerkType: PerkMaxNotes, PerkValue: 25},
	{ID: "streak_100", Category: CategoryStreaks, Threshold: 100, PerkType: PerkDailyCredits, PerkValue: 10},

	{ID: "focus_10", Category: CategoryFocus, Threshold: 10},
	{ID: "focus_50", Category: CategoryFocus, Threshold: 50, PerkType: PerkMaxTasks, PerkValue: 25},

	{ID: "notes_10", Category: CategoryNotes, Threshold: 10, PerkType: PerkMaxNotes, PerkValue: 15},
	{ID: "notes_100", Category: CategoryNotes, Threshold: 100, PerkType: PerkDailyCredits, PerkValue: 5},
}

// DefinitionsByCategory returns the seeded definitions for one category,
// preserving catalog order (ascending thresholds).
func DefinitionsByCategory(c Category) []AchievementDefinition {
	var out []AchievementDefinition
	for _, d := range Achievements {
		if d.Category == c {
			out = append(out, d)
		}
	}
	return out
}

// DefinitionByID looks up a seeded definition. The second result is false for
// unknown ids (e.g., an unlock row left behind by a retired definition).
func DefinitionByID(id string) (AchievementDefinition, bool) {
	for _, d := range Achievements {
		if d.ID == id {
			return d, true
		}
	}
	return AchievementDefinition{}, false
}

// AchievementState is the mutable per-user counter record. It is created
// lazily on a user's first qualifying event and mutated only by the
// achievement engine and the streak tracker, always under the per-user
// critical section.
//
// Version supports optimistic locking: every save compares-and-swaps on it,
// so a concurrent writer that raced past the in-process lock (e.g., a second
// replica) surfaces as a version conflict instead of a lost update.
type AchievementState struct {
	UserID                 string     `json:"user_id"                  gorm:"type:varchar(64);primaryKey"`
	LifetimeTasksCompleted int64      `json:"lifetime_tasks_completed" gorm:"not null;default:0"`
	CurrentStreak          int64      `json:"current_streak"           gorm:"not null;default:0"`
	LongestStreak          int64      `json:"longest_streak"           gorm:"not null;default:0"`
	LastCompletionDate     *time.Time `json:"last_completion_date,omitempty"`
	GraceUsed              bool       `json:"grace_used"               gorm:"not null;default:false"`
	FocusCompletions       int64      `json:"focus_completions"        gorm:"not null;default:0"`
	NotesConverted         int64      `json:"notes_converted"          gorm:"not null;default:0"`
	Version                int64      `json:"-"                        gorm:"not null;default:0"`
	CreatedAt              time.Time  `json:"created_at"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// TableName returns the database table name for AchievementState.
func (AchievementState) TableName() string { return "achievement_state" }

// Counter returns the counter value the given category evaluates against.
// Streak achievements are "ever reached N" milestones, so they read the
// longest streak; the current streak is display-only.
func (s *AchievementState) Counter(c Category) int64 {
	switch c {
	case CategoryTasks:
		return s.LifetimeTasksCompleted
	case CategoryStreaks:
		return s.LongestStreak
	case CategoryFocus:
		return s.FocusCompletions
	case CategoryNotes:
		return s.NotesConverted
	}
	return 0
}

// AchievementUnlock records a single unlocked achievement. The unique index
// on (user_id, achievement_id) is the database-enforced unlock-once guard;
// rows are never removed, even if the underlying counter later regresses.
type AchievementUnlock struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	UserID        string    `json:"user_id"        gorm:"type:varchar(64);not null;index;uniqueIndex:ux_unlock_user_achievement,priority:1"`
	AchievementID string    `json:"achievement_id" gorm:"type:varchar(64);not null;uniqueIndex:ux_unlock_user_achievement,priority:2"`
	UnlockedAt    time.Time `json:"unlocked_at"`
}

// TableName returns the database table name for AchievementUnlock.
func (AchievementUnlock) TableName() string { return "achievement_unlocks" }

// CompletionReceipt pins one processed completion event to its operation ref.
// The unique index on (user_id, operation_ref) mirrors the ledger's ref
// guard: a client retry finds the receipt and gets the original outcome back
// instead of advancing the counters twice. Result holds that outcome as JSON,
// exactly as it was first returned.
type CompletionReceipt struct {
	ID           string    `json:"id"            gorm:"type:char(36);primaryKey"`
	UserID       string    `json:"user_id"       gorm:"type:varchar(64);not null;index;uniqueIndex:ux_receipt_user_ref,priority:1"`
	OperationRef string    `json:"operation_ref" gorm:"type:varchar(128);not null;uniqueIndex:ux_receipt_user_ref,priority:2"`
	Category     Category  `json:"category"      gorm:"type:varchar(16);not null"`
	Delta        int64     `json:"delta"         gorm:"not null"`
	Result       string    `json:"-"             gorm:"type:text;not null"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName returns the database table name for CompletionReceipt.
func (CompletionReceipt) TableName() string { return "completion_receipts" }
