// Package services – domain metrics.
//
// Prometheus collectors for the credit ledger and achievement engine. Labels
// are kept to closed enums (credit type, operation, category) so cardinality
// stays bounded. All collectors are safe for concurrent use.
package services

import "github.com/prometheus/client_golang/prometheus"

var (
	// creditsConsumed counts credits debited, by credit type.
	creditsConsumed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_consumed_total",
			Help: "Total credits debited from user balances.",
		},
		[]string{"credit_type"},
	)

	// creditsGranted counts credits granted, by credit type.
	creditsGranted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_granted_total",
			Help: "Total credits granted to user balances.",
		},
		[]string{"credit_type"},
	)

	// creditsExpired counts credits burned by expiry sweeps and carryover caps.
	creditsExpired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "credits_expired_total",
			Help: "Total credits removed by expiry or carryover burn.",
		},
		[]string{"credit_type"},
	)

	// achievementsUnlocked counts unlocks, by category.
	achievementsUnlocked = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "achievements_unlocked_total",
			Help: "Total achievements unlocked.",
		},
		[]string{"category"},
	)

	// versionConflicts counts optimistic-lock retries, by operation name.
	versionConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_version_conflicts_total",
			Help: "Optimistic lock conflicts observed on achievement state writes.",
		},
		[]string{"operation"},
	)

	// insufficientCredits counts rejected debits.
	insufficientCredits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "credit_consume_insufficient_total",
			Help: "Consume requests rejected because the total balance was too low.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		creditsConsumed,
		creditsGranted,
		creditsExpired,
		achievementsUnlocked,
		versionConflicts,
		insufficientCredits,
	)
}
