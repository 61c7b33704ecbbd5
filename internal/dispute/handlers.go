package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/payments"
	"github.com/tradesafe/tradesafe/internal/validation"
)

// Handler provides HTTP endpoints for disputes and settlement offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes/:id", h.Get)
	r.POST("/disputes/:id/evidence", h.AddEvidence)
	r.POST("/disputes/:id/messages", h.AddMessage)
	r.POST("/disputes/:id/mediation", h.RequestMediation)
	r.POST("/disputes/:id/escalate", h.Escalate)
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.POST("/disputes/:id/close", h.Close)
	r.POST("/disputes/:id/offers", h.CreateOffer)
	r.GET("/disputes/:id/offers", h.ListOffers)
	r.POST("/disputes/:id/offers/:offerId/respond", h.RespondToOffer)
	r.GET("/parties/:partyId/disputes", h.ListByParty)
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var in CreateDisputeInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	in.InitiatedBy = c.GetString("actorID")
	in.InitiatorRole = escrow.Role(c.GetString("actorRole"))
	in.Title = validation.SanitizeString(in.Title, 200)
	in.Description = validation.SanitizeString(in.Description, 5000)

	if errs := validation.Validate(
		validation.Required("title", in.Title),
		validation.Required("respondentId", in.RespondentID),
		validation.MaxLength("title", in.Title, 200),
		validation.MaxLength("description", in.Description, 5000),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.CreateDispute(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// AddEvidence handles POST /v1/disputes/:id/evidence
func (h *Handler) AddEvidence(c *gin.Context) {
	var ev escrow.Evidence
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.OneOf("kind", string(ev.Kind),
			string(escrow.EvidencePhoto), string(escrow.EvidenceDocument), string(escrow.EvidenceDescription)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	d, err := h.service.AddEvidence(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), escrow.Role(c.GetString("actorRole")), ev)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type messageBody struct {
	Body string `json:"body" binding:"required"`
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var body messageBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "body is required",
		})
		return
	}

	d, err := h.service.AddMessage(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), escrow.Role(c.GetString("actorRole")),
		validation.SanitizeString(body.Body, 5000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

// RequestMediation handles POST /v1/disputes/:id/mediation
func (h *Handler) RequestMediation(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)

	d, err := h.service.RequestMediation(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Escalate handles POST /v1/disputes/:id/escalate
func (h *Handler) Escalate(c *gin.Context) {
	var body reasonBody
	_ = c.ShouldBindJSON(&body)

	d, err := h.service.Escalate(c.Request.Context(), c.Param("id"),
		c.GetString("actorID"), body.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var res Resolution
	if err := c.ShouldBindJSON(&res); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), res,
		c.GetString("actorID"), escrow.Role(c.GetString("actorRole")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// Close handles POST /v1/disputes/:id/close
func (h *Handler) Close(c *gin.Context) {
	d, err := h.service.Close(c.Request.Context(), c.Param("id"), c.GetString("actorID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// CreateOffer handles POST /v1/disputes/:id/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var in CreateOfferInput
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	in.DisputeID = c.Param("id")
	in.OfferedBy = c.GetString("actorID")
	in.OfferedByRole = escrow.Role(c.GetString("actorRole"))

	o, err := h.service.CreateOffer(c.Request.Context(), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// ListOffers handles GET /v1/disputes/:id/offers
func (h *Handler) ListOffers(c *gin.Context) {
	offers, err := h.service.ListOffers(c.Request.Context(), c.Param("id"), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers, "count": len(offers)})
}

type offerResponseBody struct {
	Accept bool   `json:"accept"`
	Note   string `json:"note"`
}

// RespondToOffer handles POST /v1/disputes/:id/offers/:offerId/respond
func (h *Handler) RespondToOffer(c *gin.Context) {
	var body offerResponseBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	d, err := h.service.RespondToOffer(c.Request.Context(),
		c.Param("offerId"), c.Param("id"),
		c.GetString("actorID"), escrow.Role(c.GetString("actorRole")),
		body.Accept, body.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByParty handles GET /v1/parties/:partyId/disputes
func (h *Handler) ListByParty(c *gin.Context) {
	disputes, err := h.service.ListByParty(c.Request.Context(), c.Param("partyId"), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}

func parseLimit(c *gin.Context) int {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}
	return limit
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrDisputeNotFound), errors.Is(err, ErrOfferNotFound),
		errors.Is(err, escrow.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrSelfResponse):
		c.JSON(http.StatusForbidden, gin.H{"error": "self_response", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict), errors.Is(err, escrow.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrOfferExpired),
		errors.Is(err, escrow.ErrInvalidStatus), errors.Is(err, escrow.ErrAccountLocked):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrEmptyTitle), errors.Is(err, ErrUnknownType),
		errors.Is(err, ErrSameParty), errors.Is(err, ErrBadOffer), errors.Is(err, ErrOfferMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, payments.ErrRefundFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "refund_error", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
