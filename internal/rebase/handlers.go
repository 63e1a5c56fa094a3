package rebase

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the rebase audit trail.
type Handler struct {
	service *Service
}

// NewHandler creates a new rebase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public rebase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rebase/events", h.ListEvents)
}

// RegisterAdminRoutes sets up operator-only rebase routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/rebase/run", h.RunCycle)
}

// ListEvents handles GET /v1/rebase/events
func (h *Handler) ListEvents(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	events, err := h.service.Events(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list rebase events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"count":  len(events),
	})
}

// RunCycle handles POST /v1/admin/rebase/run
func (h *Handler) RunCycle(c *gin.Context) {
	event, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "cycle_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"event": event})
}
