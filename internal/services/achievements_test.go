package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/brioworks/go-credits-backend/internal/domain"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(newServiceDB(t), NewUserLocks())
}

func hasUnlock(list []UnlockedAchievement, id string) bool {
	for _, u := range list {
		if u.ID == id {
			return true
		}
	}
	return false
}

func TestRecordCompletion_RejectsBadInput(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()
	now := day(1)

	if _, err := g.RecordCompletion(ctx, "u1", domain.Category("sleep"), 1, "evt:1", now); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("expected ErrInvalidCategory, got %v", err)
	}
	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryStreaks, 1, "evt:2", now); !errors.Is(err, ErrInvalidCategory) {
		t.Fatalf("streaks must not be an inbound category, got %v", err)
	}
	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 0, "evt:3", now); !errors.Is(err, ErrInvalidDelta) {
		t.Fatalf("expected ErrInvalidDelta, got %v", err)
	}
	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "", now); !errors.Is(err, ErrMissingOperationRef) {
		t.Fatalf("expected ErrMissingOperationRef, got %v", err)
	}
}

// A redelivered event must not advance the counters a second time; the
// receipt written for its ref pins the original outcome.
func TestRecordCompletion_ReplaysKnownRef(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	first, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "task:42", day(1))
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if first.Counter != 1 || first.Replayed {
		t.Fatalf("first delivery: counter=%d replayed=%v, want 1/false", first.Counter, first.Replayed)
	}

	retry, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "task:42", day(1).Add(time.Minute))
	if err != nil {
		t.Fatalf("retried delivery: %v", err)
	}
	if !retry.Replayed {
		t.Fatal("retried delivery not served from the receipt")
	}
	if retry.Counter != 1 || retry.CurrentStreak != first.CurrentStreak {
		t.Fatalf("retried delivery double-counted: %+v", retry)
	}

	st, _, err := g.Overview(ctx, "u1")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if st.LifetimeTasksCompleted != 1 {
		t.Fatalf("lifetime tasks = %d after retry, want 1", st.LifetimeTasksCompleted)
	}

	// A different ref is a genuinely new event.
	next, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "task:43", day(1).Add(2*time.Minute))
	if err != nil {
		t.Fatalf("new event: %v", err)
	}
	if next.Counter != 2 || next.Replayed {
		t.Fatalf("new ref mistaken for a replay: %+v", next)
	}
}

func TestRecordCompletion_SingleEventUnlocksEveryCrossedThreshold(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	// A bulk delta of 30 crosses both the 5 and 25 task thresholds at once.
	res, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 30, "task:bulk", day(1))
	if err != nil {
		t.Fatalf("record completion: %v", err)
	}
	if res.Counter != 30 {
		t.Fatalf("counter = %d, want 30", res.Counter)
	}
	if !hasUnlock(res.Unlocked, "tasks_5") || !hasUnlock(res.Unlocked, "tasks_25") {
		t.Fatalf("expected tasks_5 and tasks_25, got %+v", res.Unlocked)
	}
	if hasUnlock(res.Unlocked, "tasks_100") {
		t.Fatalf("tasks_100 unlocked below threshold: %+v", res.Unlocked)
	}
}

func TestRecordCompletion_UnlocksOnlyOnce(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	first, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 5, "task:1", day(1))
	if err != nil {
		t.Fatalf("first event: %v", err)
	}
	if !hasUnlock(first.Unlocked, "tasks_5") {
		t.Fatalf("tasks_5 not unlocked: %+v", first.Unlocked)
	}

	second, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "task:2", day(1))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if len(second.Unlocked) != 0 {
		t.Fatalf("held achievement unlocked again: %+v", second.Unlocked)
	}
}

func TestRecordCompletion_StreakMilestoneViaDailyEvents(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	var last CompletionResult
	var err error
	for d := 1; d <= 3; d++ {
		last, err = g.RecordCompletion(ctx, "u1", domain.CategoryFocus, 1, fmt.Sprintf("focus:%d", d), day(d))
		if err != nil {
			t.Fatalf("day %d: %v", d, err)
		}
	}
	if last.CurrentStreak != 3 || last.LongestStreak != 3 {
		t.Fatalf("streak = %d/%d, want 3/3", last.CurrentStreak, last.LongestStreak)
	}
	if !hasUnlock(last.Unlocked, "streak_3") {
		t.Fatalf("streak_3 not unlocked on third day: %+v", last.Unlocked)
	}
}

func TestRecordCompletion_StreakSurvivesLaterReset(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	for d := 1; d <= 3; d++ {
		if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, fmt.Sprintf("task:%d", d), day(d)); err != nil {
			t.Fatalf("day %d: %v", d, err)
		}
	}
	// Days 4 and 5 missed: the streak resets, the streak_3 unlock does not.
	res, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 1, "task:6", day(6))
	if err != nil {
		t.Fatalf("day 6: %v", err)
	}
	if res.CurrentStreak != 1 || res.LongestStreak != 3 {
		t.Fatalf("streak = %d/%d, want 1/3", res.CurrentStreak, res.LongestStreak)
	}

	_, rows, err := g.Overview(ctx, "u1")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.AchievementID == "streak_3" {
			found = true
		}
	}
	if !found {
		t.Fatal("streak_3 unlock revoked by a later reset")
	}
}

func TestReevaluate_BackfillsMissingUnlocks(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryNotes, 12, "note:1", day(1)); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	// Replaying evaluation over unchanged counters finds nothing new.
	again, err := g.Reevaluate(ctx, "u1", day(1))
	if err != nil {
		t.Fatalf("reevaluate: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("reevaluate over unchanged counters unlocked: %+v", again)
	}

	// An unknown user is a quiet no-op.
	none, err := g.Reevaluate(ctx, "nobody", day(1))
	if err != nil || len(none) != 0 {
		t.Fatalf("reevaluate for unknown user: %v %+v", err, none)
	}
}

func TestOverview_ZeroStateForUnknownUser(t *testing.T) {
	g := newTestEngine(t)
	st, unlocks, err := g.Overview(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if st.UserID != "ghost" || st.LifetimeTasksCompleted != 0 {
		t.Fatalf("expected zero state, got %+v", st)
	}
	if len(unlocks) != 0 {
		t.Fatalf("expected no unlocks, got %+v", unlocks)
	}
}

func TestLimits_ReflectUnlockedPerks(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryTasks, 25, "task:bulk", day(1)); err != nil {
		t.Fatalf("record completion: %v", err)
	}
	lim, err := g.Limits(ctx, "u1", domain.TierFree)
	if err != nil {
		t.Fatalf("limits: %v", err)
	}
	if lim.MaxTasks != 50+15+25 {
		t.Fatalf("expected max tasks 90 after tasks_5 and tasks_25, got %d", lim.MaxTasks)
	}
}

func TestValidDefinition(t *testing.T) {
	cases := []struct {
		def  domain.AchievementDefinition
		want bool
	}{
		{domain.AchievementDefinition{ID: "ok", Threshold: 5}, true},
		{domain.AchievementDefinition{ID: "ok_perk", Threshold: 5, PerkType: domain.PerkMaxTasks, PerkValue: 10}, true},
		{domain.AchievementDefinition{ID: "bad_threshold", Threshold: 0}, false},
		{domain.AchievementDefinition{ID: "bad_value", Threshold: 5, PerkType: domain.PerkMaxNotes, PerkValue: 0}, false},
		{domain.AchievementDefinition{ID: "bad_type", Threshold: 5, PerkType: domain.PerkType("teleport"), PerkValue: 1}, false},
	}
	for _, tc := range cases {
		if got := validDefinition(tc.def); got != tc.want {
			t.Errorf("validDefinition(%s) = %v, want %v", tc.def.ID, got, tc.want)
		}
	}
}

func TestSeedCatalog_AllDefinitionsValid(t *testing.T) {
	seen := map[string]struct{}{}
	for _, def := range domain.Achievements {
		if !validDefinition(def) {
			t.Errorf("seed definition %s is malformed", def.ID)
		}
		if _, dup := seen[def.ID]; dup {
			t.Errorf("duplicate seed id %s", def.ID)
		}
		seen[def.ID] = struct{}{}
	}
}

func TestRecordCompletion_DeltaAccumulatesAcrossEvents(t *testing.T) {
	g := newTestEngine(t)
	ctx := context.Background()

	now := day(1)
	for i := 0; i < 3; i++ {
		if _, err := g.RecordCompletion(ctx, "u1", domain.CategoryFocus, 3, fmt.Sprintf("focus:%d", i), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
	}
	res, err := g.RecordCompletion(ctx, "u1", domain.CategoryFocus, 3, "focus:final", now.Add(time.Hour))
	if err != nil {
		t.Fatalf("final event: %v", err)
	}
	if res.Counter != 12 {
		t.Fatalf("focus counter = %d, want 12", res.Counter)
	}
	if !hasUnlock(res.Unlocked, "focus_10") {
		t.Fatalf("focus_10 should have unlocked on crossing 10: counter=%d", res.Counter)
	}
}
