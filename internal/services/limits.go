// Package services – LimitsCalculator.
//
// Effective limits are a pure projection: tier base plus the summed perk
// values of every unlocked achievement whose perk targets that limit. There
// is deliberately no upper cap on summed perks, so long-time users can exceed
// the advertised tier numbers.
package services

import "github.com/brioworks/go-credits-backend/internal/domain"

// EffectiveLimits computes the derived resource caps for a user on the given
// tier holding the given unlocked achievement ids. Unknown unlock ids (e.g.,
// rows for retired definitions) contribute nothing.
func EffectiveLimits(tier domain.Tier, unlocked map[string]struct{}) domain.EffectiveLimits {
	base := domain.BasesFor(tier)
	out := domain.EffectiveLimits{
		MaxTasks:       base.MaxTasks,
		MaxNotes:       base.MaxNotes,
		DailyAICredits: base.DailyAICredits,
	}
	for id := range unlocked {
		def, ok := domain.DefinitionByID(id)
		if !ok {
			continue
		}
		switch def.PerkType {
		case domain.PerkMaxTasks:
			out.MaxTasks += def.PerkValue
		case domain.PerkMaxNotes:
			out.MaxNotes += def.PerkValue
		case domain.PerkDailyCredits:
			out.DailyAICredits += def.PerkValue
		}
	}
	return out
}
