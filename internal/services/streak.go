// Package services – StreakTracker.
//
// The daily consistency streak is a state machine over a single field, the
// last completion date (a UTC calendar date), plus the current/longest streak
// counters and a grace flag. One missed day can be absorbed by a grace day;
// whether grace exists at all is policy, since the product documents disagree
// on its scope.
package services

import (
	"time"

	"github.com/brioworks/go-credits-backend/internal/domain"
)

// GracePolicy controls how grace days are replenished.
type GracePolicy string

const (
	// GracePerStreak allows one grace day per streak instance; the flag
	// resets to available whenever the streak resets.
	GracePerStreak GracePolicy = "per_streak"

	// GraceDisabled never tolerates a missed day.
	GraceDisabled GracePolicy = "disabled"
)

// ValidGracePolicy reports whether p is a known policy value.
func ValidGracePolicy(p GracePolicy) bool {
	return p == GracePerStreak || p == GraceDisabled
}

// utcDate truncates t to its UTC calendar date.
func utcDate(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween returns the whole calendar days from a to b (both truncated to
// UTC dates). Negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(utcDate(b).Sub(utcDate(a)) / (24 * time.Hour))
}

// advanceStreak applies one qualifying completion dated now to st and reports
// whether the streak counters changed. Transitions:
//
//   - at or before the last completion date: no-op. Repeated completions
//     within a day never double-count, and a backdated completion delivered
//     out of order neither rewinds LastCompletionDate nor resets the streak;
//   - next day: streak extends;
//   - one missed day with grace available (policy permitting): streak
//     extends and the grace day is consumed;
//   - anything wider, or a first-ever completion: streak restarts at 1 and
//     grace becomes available again.
//
// LongestStreak ratchets up and never decreases; it is the counter streak
// achievements evaluate against, so a later reset cannot revoke an unlock.
func advanceStreak(st *domain.AchievementState, now time.Time, policy GracePolicy) bool {
	today := utcDate(now)

	if st.LastCompletionDate != nil && daysBetween(*st.LastCompletionDate, today) <= 0 {
		return false
	}

	switch {
	case st.LastCompletionDate == nil:
		st.CurrentStreak = 1
		st.GraceUsed = false
	default:
		gap := daysBetween(*st.LastCompletionDate, today)
		switch {
		case gap == 1:
			st.CurrentStreak++
		case gap == 2 && policy == GracePerStreak && !st.GraceUsed:
			st.CurrentStreak++
			st.GraceUsed = true
		default:
			st.CurrentStreak = 1
			st.GraceUsed = false
		}
	}

	if st.CurrentStreak > st.LongestStreak {
		st.LongestStreak = st.CurrentStreak
	}
	st.LastCompletionDate = &today
	return true
}
