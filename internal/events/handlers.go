package events

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	store Store
}

// NewHandler creates a new webhook subscription handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up webhook subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/parties/:partyId/webhooks", h.Create)
	r.GET("/parties/:partyId/webhooks", h.List)
	r.DELETE("/parties/:partyId/webhooks/:webhookId", h.Delete)
}

type createRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

// Create handles POST /v1/parties/:partyId/webhooks
func (h *Handler) Create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "url and events are required",
		})
		return
	}

	if err := security.ValidateEndpointURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_url",
			"message": err.Error(),
		})
		return
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		PartyID:   c.Param("partyId"),
		URL:       req.URL,
		Secret:    idgen.Hex(32),
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := h.store.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create webhook",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		// The signing secret is shown exactly once.
		"secret": sub.Secret,
		"usage": gin.H{
			"signature": "Verify with HMAC-SHA256(payload, secret)",
			"header":    "X-Tradesafe-Signature",
		},
	})
}

// List handles GET /v1/parties/:partyId/webhooks
func (h *Handler) List(c *gin.Context) {
	subs, err := h.store.GetByParty(c.Request.Context(), c.Param("partyId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "list_failed",
			"message": "Failed to list webhooks",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// Delete handles DELETE /v1/parties/:partyId/webhooks/:webhookId
func (h *Handler) Delete(c *gin.Context) {
	id := c.Param("webhookId")

	sub, err := h.store.Get(c.Request.Context(), id)
	if err != nil || sub.PartyID != c.Param("partyId") {
		if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
			return
		}
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "webhook not found"})
		return
	}

	if err := h.store.Delete(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed", "message": "Failed to delete webhook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}
