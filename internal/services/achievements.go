// Package services – AchievementEngine.
//
// Completion events (task done, focus session finished, note converted)
// advance the per-user counters and the daily streak, then re-evaluate the
// seed catalog for newly crossed thresholds. Evaluation is membership-based,
// not diff-based: it considers every definition at or below the counter that
// the user does not already hold, so a single event can unlock several
// achievements, replaying an event unlocks nothing twice, and a counter
// regressing later revokes nothing. Every processed event leaves a receipt
// keyed on its operation ref; redeliveries replay the receipt instead of
// advancing the counters.
//
// Malformed seed definitions are skipped with a warning rather than failing
// the event; a typo in seed data must never block a task completion.
package services

import (
	"context"
	"encoding/json"
	"errors"
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

// Engine evaluates achievement thresholds and maintains per-user state.
type Engine struct {
	DB    *gorm.DB
	Locks *UserLocks

	// Grace is the streak grace-day policy.
	Grace GracePolicy

	// MaxRetries bounds the optimistic-retry loop on version conflicts.
	MaxRetries int
}

// NewEngine constructs an Engine with the per-streak grace policy and three
// save attempts.
func NewEngine(db *gorm.DB, locks *UserLocks) *Engine {
	return &Engine{
		DB:         db,
		Locks:      locks,
		Grace:      GracePerStreak,
		MaxRetries: 3,
	}
}

// UnlockedAchievement describes one unlock returned to the caller, with the
// perk it carries (if any).
type UnlockedAchievement struct {
	ID         string          `json:"id"`
	Category   domain.Category `json:"category"`
	Threshold  int64           `json:"threshold"`
	PerkType   domain.PerkType `json:"perk_type,omitempty"`
	PerkValue  int64           `json:"perk_value,omitempty"`
	UnlockedAt time.Time       `json:"unlocked_at"`
}

// CompletionResult is the outcome of one completion event. Replayed marks a
// result served from the receipt of an earlier delivery of the same ref.
type CompletionResult struct {
	Unlocked      []UnlockedAchievement `json:"unlocked"`
	CurrentStreak int64                 `json:"current_streak"`
	LongestStreak int64                 `json:"longest_streak"`
	Counter       int64                 `json:"counter"`
	Replayed      bool                  `json:"replayed,omitempty"`
}

// RecordCompletion processes one qualifying completion event: it advances the
// streak, bumps the category counter by delta, persists the state under the
// per-user lock with a version compare-and-swap, and returns every
// achievement the event unlocked (event category plus streak milestones).
//
// Events are deduplicated on ref: once processed, a receipt pins the ref to
// its outcome, and redelivering it returns that outcome with Replayed set
// instead of advancing the counters again.
//
// The streaks category is fed internally by the streak tracker and is not a
// valid inbound event category.
func (g *Engine) RecordCompletion(ctx context.Context, userID string, category domain.Category, delta int64, ref string, now time.Time) (CompletionResult, error) {
	tr := otel.Tracer("services/Engine")
	ctx, span := tr.Start(ctx, "RecordCompletion",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("category", string(category)),
			attribute.Int64("delta", delta),
		),
	)
	defer span.End()

	if !domain.ValidCategory(category) || category == domain.CategoryStreaks {
		return CompletionResult{}, ErrInvalidCategory
	}
	if delta <= 0 {
		return CompletionResult{}, ErrInvalidDelta
	}
	if ref == "" {
		return CompletionResult{}, ErrMissingOperationRef
	}

	release := g.Locks.Acquire(userID)
	defer release()

	if res, found, err := g.replayReceipt(ctx, userID, ref); err != nil || found {
		return res, err
	}

	var st *domain.AchievementState
	var err error
	for attempt := 0; ; attempt++ {
		st, err = repo.EnsureState(ctx, g.DB, userID)
		if err != nil {
			return CompletionResult{}, err
		}

		advanceStreak(st, now, g.Grace)
		switch category {
		case domain.CategoryTasks:
			st.LifetimeTasksCompleted += delta
		case domain.CategoryFocus:
			st.FocusCompletions += delta
		case domain.CategoryNotes:
			st.NotesConverted += delta
		}

		err = repo.SaveState(ctx, g.DB, st)
		if err == nil {
			break
		}
		if !errors.Is(err, repo.ErrVersionConflict) {
			return CompletionResult{}, err
		}
		versionConflicts.WithLabelValues("record_completion").Inc()
		if attempt+1 >= g.MaxRetries {
			return CompletionResult{}, ErrVersionConflict
		}
	}

	unlocked, err := g.unlockEligible(ctx, userID, st, now, category, domain.CategoryStreaks)
	if err != nil {
		return CompletionResult{}, err
	}

	res := CompletionResult{
		Unlocked:      unlocked,
		CurrentStreak: st.CurrentStreak,
		LongestStreak: st.LongestStreak,
		Counter:       st.Counter(category),
	}
	if err := g.saveReceipt(ctx, userID, category, delta, ref, res); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// A concurrent delivery of the same ref raced past the lock and
			// won; its receipt is authoritative.
			if replayed, found, rerr := g.replayReceipt(ctx, userID, ref); rerr == nil && found {
				return replayed, nil
			}
		}
		return CompletionResult{}, err
	}
	return res, nil
}

// replayReceipt looks up the receipt for one (user, ref) pair and, when it
// exists, decodes the stored outcome with Replayed set.
func (g *Engine) replayReceipt(ctx context.Context, userID, ref string) (CompletionResult, bool, error) {
	rec, err := repo.GetCompletionReceipt(ctx, g.DB, userID, ref)
	if errors.Is(err, repo.ErrNotFound) {
		return CompletionResult{}, false, nil
	}
	if err != nil {
		return CompletionResult{}, false, err
	}
	var res CompletionResult
	if err := json.Unmarshal([]byte(rec.Result), &res); err != nil {
		return CompletionResult{}, false, err
	}
	res.Replayed = true
	return res, true, nil
}

// saveReceipt persists the outcome of a freshly processed event under its ref.
func (g *Engine) saveReceipt(ctx context.Context, userID string, category domain.Category, delta int64, ref string, res CompletionResult) error {
	payload, err := json.Marshal(res)
	if err != nil {
		return err
	}
	return repo.InsertCompletionReceipt(ctx, g.DB, &domain.CompletionReceipt{
		ID:           uuid.NewString(),
		UserID:       userID,
		OperationRef: ref,
		Category:     category,
		Delta:        delta,
		Result:       string(payload),
		CreatedAt:    time.Now().UTC(),
	})
}

// unlockEligible inserts an unlock row for every definition in the given
// categories whose threshold the state now meets and which the user does not
// already hold. Each insert is individually exactly-once thanks to the
// unique index, so a race with another evaluator degrades to a skip.
func (g *Engine) unlockEligible(ctx context.Context, userID string, st *domain.AchievementState, now time.Time, categories ...domain.Category) ([]UnlockedAchievement, error) {
	held, err := repo.UnlockedSet(ctx, g.DB, userID)
	if err != nil {
		return nil, err
	}

	var out []UnlockedAchievement
	for _, c := range categories {
		counter := st.Counter(c)
		for _, def := range domain.DefinitionsByCategory(c) {
			if def.Threshold > counter {
				continue
			}
			if _, ok := held[def.ID]; ok {
				continue
			}
			if !validDefinition(def) {
				log.Warn().
					Str("achievement_id", def.ID).
					Str("category", string(def.Category)).
					Msg("skipping malformed achievement definition")
				continue
			}
			rec, err := repo.InsertUnlock(ctx, g.DB, userID, def.ID, now)
			if errors.Is(err, repo.ErrDuplicate) {
				continue
			}
			if err != nil {
				return nil, err
			}
			achievementsUnlocked.WithLabelValues(string(def.Category)).Inc()
			out = append(out, UnlockedAchievement{
				ID:         def.ID,
				Category:   def.Category,
				Threshold:  def.Threshold,
				PerkType:   def.PerkType,
				PerkValue:  def.PerkValue,
				UnlockedAt: rec.UnlockedAt,
			})
		}
	}
	return out, nil
}

// validDefinition rejects seed rows the engine cannot honor. Definitions
// without a perk are fine; a perk type the limits calculator does not know,
// or a non-positive threshold or perk value, is a seed-data bug.
func validDefinition(def domain.AchievementDefinition) bool {
	if def.Threshold <= 0 {
		return false
	}
	switch def.PerkType {
	case domain.PerkNone:
		return true
	case domain.PerkMaxTasks, domain.PerkMaxNotes, domain.PerkDailyCredits:
		return def.PerkValue > 0
	}
	return false
}

// Reevaluate re-runs threshold evaluation for every category against the
// user's current counters and inserts any unlock rows that are missing. The
// result depends only on the counters, never on event processing order,
// which makes the engine replayable for auditing and backfills.
func (g *Engine) Reevaluate(ctx context.Context, userID string, now time.Time) ([]UnlockedAchievement, error) {
	tr := otel.Tracer("services/Engine")
	ctx, span := tr.Start(ctx, "Reevaluate",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	release := g.Locks.Acquire(userID)
	defer release()

	st, err := repo.GetState(ctx, g.DB, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return g.unlockEligible(ctx, userID, st, now,
		domain.CategoryTasks, domain.CategoryStreaks, domain.CategoryFocus, domain.CategoryNotes)
}

// Overview returns the user's state and unlocks for read endpoints. A user
// with no recorded events yet gets the zero state and an empty unlock list.
func (g *Engine) Overview(ctx context.Context, userID string) (*domain.AchievementState, []domain.AchievementUnlock, error) {
	tr := otel.Tracer("services/Engine")
	ctx, span := tr.Start(ctx, "Overview",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	st, err := repo.GetState(ctx, g.DB, userID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, nil, err
		}
		st = &domain.AchievementState{UserID: userID}
	}
	unlocks, err := repo.ListUnlocks(ctx, g.DB, userID)
	if err != nil {
		return nil, nil, err
	}
	return st, unlocks, nil
}

// Limits computes the user's effective limits for the given tier from their
// unlocked achievements.
func (g *Engine) Limits(ctx context.Context, userID string, tier domain.Tier) (domain.EffectiveLimits, error) {
	tr := otel.Tracer("services/Engine")
	ctx, span := tr.Start(ctx, "Limits",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("tier", string(tier)),
		),
	)
	defer span.End()

	unlocked, err := repo.UnlockedSet(ctx, g.DB, userID)
	if err != nil {
		return domain.EffectiveLimits{}, err
	}
	return EffectiveLimits(tier, unlocked), nil
}
