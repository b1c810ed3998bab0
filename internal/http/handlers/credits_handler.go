// Credit HTTP handlers.
//
// This file exposes REST endpoints for the credit ledger:
//   - POST /users/{id}/credits/consume   (debit with idempotent retry)
//   - GET  /users/{id}/credits           (balance projection)
//   - GET  /users/{id}/credits/history   (paginated ledger replay)
//   - POST /users/{id}/credits/grants    (external grant process)
//   - POST /jobs/grant-daily             (cron trigger: daily allotment)
//   - POST /jobs/expire-daily            (cron trigger: expiry sweep)
//   - POST /jobs/grant-subscription      (cron/webhook trigger: monthly grant)
//
// Handlers are transport-thin: they validate input, call application
// services, and translate results (and sentinel errors) into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brioworks/go-credits-backend/internal/domain"
	"github.com/brioworks/go-credits-backend/internal/services"
	"github.com/brioworks/go-credits-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// CreditConsumer plans and applies debits. Implementations must be safe for
// concurrent use and honor the provided context.
type CreditConsumer interface {
	// Consume debits amount credits under the user's critical section,
	// deduplicating on the operation ref.
	Consume(ctx context.Context, userID string, amount int64, ref string) (services.ConsumeResult, error)
}

// CreditLedgerService exposes balance projections, history, and the grant
// paths of the append-only ledger.
type CreditLedgerService interface {
	// Balances returns the spendable per-type projection as of now.
	Balances(ctx context.Context, userID string) (domain.CreditBalance, error)
	// History returns a page of the ledger stream plus the total count.
	History(ctx context.Context, userID string, page, pageSize int) ([]domain.CreditEntry, int64, error)
	// Grant appends a positive entry of the given type (idempotent per ref).
	Grant(ctx context.Context, userID string, t domain.CreditType, amount int64, ref string) (domain.CreditBalance, error)
	// GrantSubscriptionCredits applies a monthly grant with the carryover rule.
	GrantSubscriptionCredits(ctx context.Context, userID string, amount int64, ref string) (domain.CreditBalance, error)
	// GrantDailyCredits applies the day's allotment for the user's tier.
	GrantDailyCredits(ctx context.Context, userID string, tier domain.Tier, now time.Time) (domain.CreditBalance, error)
	// ExpireDailyCredits sweeps lapsed daily grants as of now.
	ExpireDailyCredits(ctx context.Context, now time.Time) (int, error)
}

//
// DTOs
//

// ConsumeRequest is the JSON payload for a credit debit.
type ConsumeRequest struct {
	// Amount of credits to consume (positive).
	Amount int64 `json:"amount" binding:"required"`
	// OperationRef correlates retries of the same logical request.
	OperationRef string `json:"operation_ref" binding:"required,min=1,max=128"`
}

// GrantRequest is the JSON payload for the external grant process.
type GrantRequest struct {
	CreditType   string `json:"credit_type" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
	OperationRef string `json:"operation_ref" binding:"required,min=1,max=128"`
}

// SubscriptionGrantRequest is the JSON payload of the monthly grant trigger.
type SubscriptionGrantRequest struct {
	UserID       string `json:"user_id" binding:"required"`
	Amount       int64  `json:"amount" binding:"required"`
	OperationRef string `json:"operation_ref" binding:"required,min=1,max=128"`
}

// ExpireRequest optionally pins the sweep instant; defaults to now.
type ExpireRequest struct {
	Now *time.Time `json:"now"`
}

// DailyGrantRequest is the JSON payload of the daily reset trigger.
type DailyGrantRequest struct {
	UserID string `json:"user_id" binding:"required"`
	// Tier the allotment is computed from; defaults to free.
	Tier string `json:"tier"`
	// Date optionally pins the grant day; defaults to today (UTC).
	Date *time.Time `json:"date"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// HistoryResponse wraps a page of ledger entries.
type HistoryResponse struct {
	Entries    []domain.CreditEntry `json:"entries"`
	Pagination Pagination           `json:"pagination"`
}

//
// Handlers
//

// ConsumeCredits handles POST /users/:id/credits/consume.
func (h *Handlers) ConsumeCredits(c *gin.Context) {
	var req ConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	res, err := h.consumer.Consume(c.Request.Context(), c.Param("id"), req.Amount, req.OperationRef)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// GetBalances handles GET /users/:id/credits.
func (h *Handlers) GetBalances(c *gin.Context) {
	bal, err := h.ledger.Balances(c.Request.Context(), c.Param("id"))
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, bal)
}

// ListHistory handles GET /users/:id/credits/history with ?page=&page_size=.
func (h *Handlers) ListHistory(c *gin.Context) {
	page := utils.AtoiDefault(c.Query("page"), 1)
	pageSize := utils.ClampPageSize(utils.AtoiDefault(c.Query("page_size"), 20))

	entries, total, err := h.ledger.History(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		failFromService(c, err)
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, HistoryResponse{
		Entries: entries,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GrantCredits handles POST /users/:id/credits/grants.
func (h *Handlers) GrantCredits(c *gin.Context) {
	var req GrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	bal, err := h.ledger.Grant(c.Request.Context(), c.Param("id"), domain.CreditType(req.CreditType), req.Amount, req.OperationRef)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"balances": bal})
}

// GrantSubscription handles POST /jobs/grant-subscription.
func (h *Handlers) GrantSubscription(c *gin.Context) {
	var req SubscriptionGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	bal, err := h.ledger.GrantSubscriptionCredits(c.Request.Context(), req.UserID, req.Amount, req.OperationRef)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"balances": bal})
}

// GrantDaily handles POST /jobs/grant-daily.
func (h *Handlers) GrantDaily(c *gin.Context) {
	var req DailyGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	tier := domain.Tier(req.Tier)
	if tier != domain.TierPro {
		tier = domain.TierFree
	}
	now := time.Now().UTC()
	if req.Date != nil {
		now = req.Date.UTC()
	}

	bal, err := h.ledger.GrantDailyCredits(c.Request.Context(), req.UserID, tier, now)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"balances": bal})
}

// ExpireDaily handles POST /jobs/expire-daily.
func (h *Handlers) ExpireDaily(c *gin.Context) {
	var req ExpireRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
			return
		}
	}
	now := time.Now().UTC()
	if req.Now != nil {
		now = req.Now.UTC()
	}

	swept, err := h.ledger.ExpireDailyCredits(c.Request.Context(), now)
	if err != nil {
		failFromService(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"users_swept": swept})
}

// failFromService maps service sentinel errors onto HTTP responses.
func failFromService(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrInsufficientCredits):
		fail(c, http.StatusPaymentRequired, ErrCodeInsufficientCredits, "insufficient credits")
	case errors.Is(err, services.ErrVersionConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, "concurrent update, retry")
	case errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidCreditType),
		errors.Is(err, services.ErrMissingOperationRef),
		errors.Is(err, services.ErrInvalidCategory),
		errors.Is(err, services.ErrInvalidDelta):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "internal error")
	}
}
