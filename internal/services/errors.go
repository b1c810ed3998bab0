// Package services implements the credit ledger and achievement engine
// business logic. This file centralizes common service-level error values so
// that they can be consistently returned by service methods and checked by
// callers with errors.Is.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer, not here.
package services

import "errors"

// Ledger and consumption errors.
var (
	// ErrInsufficientCredits is returned when a requested debit exceeds the
	// user's total spendable balance. Recoverable: the caller surfaces an
	// "upgrade or wait" condition and must not retry automatically.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNegativeBalance signals that an append would drive a per-type
	// running balance below zero. This is an internal invariant violation,
	// never a user condition: it means the planner's arithmetic or the
	// concurrency guard failed. It is logged loudly and never clamped.
	ErrNegativeBalance = errors.New("negative balance")

	// ErrVersionConflict is returned when the bounded optimistic-retry loop
	// exhausted its attempts against concurrent writers. Transient; the
	// caller may retry the whole operation.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidAmount is returned for zero or negative consume/grant amounts.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrInvalidCreditType is returned for grants naming an unknown credit type.
	ErrInvalidCreditType = errors.New("unknown credit type")

	// ErrMissingOperationRef is returned when a write that needs retry
	// deduplication arrives without a correlation id.
	ErrMissingOperationRef = errors.New("operation ref is required")
)

// Achievement and event errors.
var (
	// ErrInvalidCategory is returned when a completion event names a counter
	// family the engine does not know.
	ErrInvalidCategory = errors.New("unknown event category")

	// ErrInvalidDelta is returned for non-positive counter increments.
	ErrInvalidDelta = errors.New("counter delta must be positive")
)
