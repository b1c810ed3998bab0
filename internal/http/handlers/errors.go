// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// These symbolic codes are mapped to HTTP responses via the fail() helper and
// give clients a stable, machine-readable taxonomy beside the human-readable
// message. Generic codes mirror common HTTP semantics; domain-specific codes
// cover outcomes a status alone cannot convey (e.g. insufficient_credits on a
// 402 is actionable, the bare status is not).
package handlers

const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeConflict    = "conflict"
	ErrCodeRateLimited = "rate_limited"
	ErrCodeInternal    = "internal_error"

	// Domain-specific:
	ErrCodeInsufficientCredits = "insufficient_credits"
	ErrCodeMethodNotAllowed    = "method_not_allowed"
)
