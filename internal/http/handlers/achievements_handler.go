// Achievement HTTP handlers.
//
// This file exposes REST endpoints for completion events, achievement
// overviews, and effective limits:
//   - POST /users/{id}/events         (task/focus/note completion)
//   - GET  /users/{id}/achievements   (state + unlocks)
//   - GET  /users/{id}/limits         (tier base + summed perks)
//
// The caller's tier arrives in the X-User-Tier header (set by upstream
// subscription middleware); anything unrecognized falls back to free.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brioworks/go-credits-backend/internal/domain"
	"github.com/brioworks/go-credits-backend/internal/services"
)

// AchievementService drives counters, streaks, unlock evaluation, and limit
// derivation. Implementations must be safe for concurrent use.
type AchievementService interface {
	// RecordCompletion processes one qualifying completion event,
	// deduplicated on the operation ref.
	RecordCompletion(ctx context.Context, userID string, category domain.Category, delta int64, ref string, now time.Time) (services.CompletionResult, error)
	// Overview returns the user's counters and unlock list.
	Overview(ctx context.Context, userID string) (*domain.AchievementState, []domain.AchievementUnlock, error)
	// Limits computes effective limits for the given tier.
	Limits(ctx context.Context, userID string, tier domain.Tier) (domain.EffectiveLimits, error)
}

// Handlers groups the HTTP endpoints of the credits backend. It depends on
// abstract service interfaces to keep transport concerns separate from
// business logic.
type Handlers struct {
	consumer CreditConsumer
	ledger   CreditLedgerService
	achieve  AchievementService
}

// New constructs a Handlers instance bound to the given services.
func New(consumer CreditConsumer, ledger CreditLedgerService, achieve AchievementService) *Handlers {
	return &Handlers{consumer: consumer, ledger: ledger, achieve: achieve}
}

// userTier reads the subscription tier from the X-User-Tier header, falling
// back to free for anything missing or unrecognized.
func userTier(c *gin.Context) domain.Tier {
	switch t := domain.Tier(c.GetHeader("X-User-Tier")); t {
	case domain.TierFree, domain.TierPro:
		return t
	}
	return domain.TierFree
}

// EventRequest is the JSON payload of a completion event.
type EventRequest struct {
	// Category is the counter family: tasks, focus, or notes.
	Category string `json:"category" binding:"required"`
	// Delta is the counter increment; defaults to 1.
	Delta int64 `json:"delta"`
	// OperationRef identifies the event for retry deduplication.
	OperationRef string `json:"operation_ref" binding:"required,min=1,max=128"`
	// CompletedAt optionally backdates the event (UTC); defaults to now.
	CompletedAt *time.Time `json:"completed_at"`
}

// AchievementsResponse wraps the overview endpoint's body.
type AchievementsResponse struct {
	State    *domain.AchievementState   `json:"state"`
	Unlocked []domain.AchievementUnlock `json:"unlocked"`
}

// RecordEvent handles POST /users/:id/events.
func (h *Handlers) RecordEvent(c *gin.Context) {
	var req EventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Delta == 0 {
		req.Delta = 1
	}
	now := time.Now().UTC()
	if req.CompletedAt != nil {
		now = req.CompletedAt.UTC()
	}

	res, err := h.achieve.RecordCompletion(c.Request.Context(), c.Param("id"), domain.Category(req.Category), req.Delta, req.OperationRef, now)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetAchievements handles GET /users/:id/achievements.
func (h *Handlers) GetAchievements(c *gin.Context) {
	st, unlocks, err := h.achieve.Overview(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromService(c, err)
		return
	}
	if unlocks == nil {
		unlocks = []domain.AchievementUnlock{}
	}
	ok(c, http.StatusOK, AchievementsResponse{State: st, Unlocked: unlocks})
}

// GetLimits handles GET /users/:id/limits.
func (h *Handlers) GetLimits(c *gin.Context) {
	lim, err := h.achieve.Limits(c.Request.Context(), c.Param("id"), userTier(c))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, lim)
}
