package domain

// Tier is the subscription tier whose base values effective limits start from.
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// TierBases holds the advertised base limits of a tier before perks.
type TierBases struct {
	MaxTasks       int64
	MaxNotes       int64
	DailyAICredits int64
}

// tierBases is the seed table of per-tier base limits. Unknown tiers fall
// back to free.
var tierBases = map[Tier]TierBases{
	TierFree: {MaxTasks: 50, MaxNotes: 100, DailyAICredits: 10},
	TierPro:  {MaxTasks: 200, MaxNotes: 1000, DailyAICredits: 50},
}

// BasesFor returns the base limits for a tier, defaulting to free for
// anything unrecognized.
func BasesFor(t Tier) TierBases {
	if b, ok := tierBases[t]; ok {
		return b
	}
	return tierBases[TierFree]
}

// EffectiveLimits is the derived resource-cap triple: tier base plus the sum
// of matching perks from unlocked achievements. Recomputed on demand, never
// stored, and intentionally uncapped so achievement-heavy users can exceed
// the advertised tier values.
type EffectiveLimits struct {
	MaxTasks       int64 `json:"max_tasks"`
	MaxNotes       int64 `json:"max_notes"`
	DailyAICredits int64 `json:"daily_ai_credits"`
}
