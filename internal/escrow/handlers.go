package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/payments"
	"github.com/tradesafe/tradesafe/internal/validation"
)

// Handler provides HTTP endpoints for escrow ledger operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up escrow routes. The policy layer upstream has already
// authenticated the caller and set actor id/role on the context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateAccount)
	r.GET("/escrow/:id", h.GetAccount)
	r.POST("/escrow/:id/fund", h.FundAccount)
	r.POST("/escrow/:id/refund", h.RefundAccount)
	r.POST("/escrow/:id/cancel", h.CancelAccount)
	r.PATCH("/escrow/:id/milestones/:milestoneId", h.UpdateMilestone)
	r.GET("/parties/:partyId/escrows", h.ListByParty)
}

// CreateAccount handles POST /v1/escrow
func (h *Handler) CreateAccount(c *gin.Context) {
	var req CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.Required("jobId", req.JobID),
		validation.Required("landlordId", req.LandlordID),
		validation.Required("contractorId", req.ContractorID),
		validation.PositiveAmount("amountCents", req.AmountCents),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	acct, err := h.service.CreateAccount(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"account": acct})
}

// GetAccount handles GET /v1/escrow/:id
func (h *Handler) GetAccount(c *gin.Context) {
	acct, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type fundRequest struct {
	PaymentRef string `json:"paymentRef" binding:"required"`
}

// FundAccount handles POST /v1/escrow/:id/fund
func (h *Handler) FundAccount(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "paymentRef is required",
		})
		return
	}

	acct, err := h.service.Fund(c.Request.Context(), c.Param("id"), req.PaymentRef)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type refundRequest struct {
	AmountCents int64  `json:"amountCents" binding:"required"`
	Reason      string `json:"reason"`
}

// RefundAccount handles POST /v1/escrow/:id/refund
func (h *Handler) RefundAccount(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "amountCents is required",
		})
		return
	}

	acct, err := h.service.Refund(c.Request.Context(), c.Param("id"), req.AmountCents, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelAccount handles POST /v1/escrow/:id/cancel
func (h *Handler) CancelAccount(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req)

	acct, err := h.service.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// UpdateMilestone handles PATCH /v1/escrow/:id/milestones/:milestoneId
func (h *Handler) UpdateMilestone(c *gin.Context) {
	var patch MilestonePatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	actorID := c.GetString("actorID")
	role := Role(c.GetString("actorRole"))

	acct, err := h.service.UpdateMilestone(c.Request.Context(),
		c.Param("id"), c.Param("milestoneId"), actorID, role, patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acct})
}

// ListByParty handles GET /v1/parties/:partyId/escrows
func (h *Handler) ListByParty(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	accounts, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "count": len(accounts)})
}

// respondError maps ledger sentinel errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrAccountLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "account_locked", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrMilestoneTransition),
		errors.Is(err, ErrMilestoneNotCompleted), errors.Is(err, ErrMilestoneReleased):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInsufficientHeld),
		errors.Is(err, ErrSameParty), errors.Is(err, ErrMissingParty), errors.Is(err, ErrBadMilestoneSplit):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, payments.ErrCaptureFailed), errors.Is(err, payments.ErrTransferFailed),
		errors.Is(err, payments.ErrRefundFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "payment_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
