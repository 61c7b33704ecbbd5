package release

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/payments"
	"github.com/tradesafe/tradesafe/internal/validation"
)

// Handler provides HTTP endpoints for the release workflow.
type Handler struct {
	service *Service
}

// NewHandler creates a new release handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up release workflow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/releases", h.CreateRequest)
	r.GET("/releases/:id", h.GetRequest)
	r.POST("/releases/:id/respond", h.Respond)
	r.GET("/escrow/:id/releases", h.ListByAccount)
}

// CreateRequest handles POST /v1/releases
func (h *Handler) CreateRequest(c *gin.Context) {
	var in CreateRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	// Actor identity comes from the policy layer, not the body.
	in.RequestedBy = c.GetString("actorID")
	in.Role = escrow.Role(c.GetString("actorRole"))

	if errs := validation.Validate(
		validation.Required("accountId", in.AccountID),
		validation.OneOf("type", string(in.Type), string(TypeFullRelease), string(TypeMilestone)),
		validation.OneOf("role", string(in.Role), string(escrow.RoleLandlord), string(escrow.RoleContractor)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req, err := h.service.CreateRequest(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"request": req})
}

// GetRequest handles GET /v1/releases/:id
func (h *Handler) GetRequest(c *gin.Context) {
	req, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

type respondBody struct {
	Decision Decision `json:"decision" binding:"required"`
	Note     string   `json:"note"`
}

// Respond handles POST /v1/releases/:id/respond
func (h *Handler) Respond(c *gin.Context) {
	var body respondBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "decision is required",
		})
		return
	}

	actorID := c.GetString("actorID")
	actorRole := escrow.Role(c.GetString("actorRole"))

	req, err := h.service.Respond(c.Request.Context(), c.Param("id"), actorID, actorRole, body.Decision, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"request": req})
}

// ListByAccount handles GET /v1/escrow/:id/releases
func (h *Handler) ListByAccount(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	requests, err := h.service.ListByAccount(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": requests, "count": len(requests)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrRequestNotFound), errors.Is(err, escrow.ErrAccountNotFound),
		errors.Is(err, escrow.ErrMilestoneNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrPendingExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrSelfApproval):
		c.JSON(http.StatusForbidden, gin.H{"error": "self_approval", "message": err.Error()})
	case errors.Is(err, escrow.ErrAccountLocked):
		c.JSON(http.StatusConflict, gin.H{"error": "account_locked", "message": err.Error()})
	case errors.Is(err, escrow.ErrMilestoneNotCompleted), errors.Is(err, escrow.ErrMilestoneReleased),
		errors.Is(err, ErrInvalidStatus), errors.Is(err, escrow.ErrInvalidStatus):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrBadRole), errors.Is(err, ErrBadDecision),
		errors.Is(err, ErrMilestoneNeeded), errors.Is(err, escrow.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, payments.ErrTransferFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "transfer_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
