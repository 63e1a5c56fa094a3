package oracle

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the peg state.
type Handler struct {
	service *Service
}

// NewHandler creates a new oracle handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public peg routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/peg/status", h.PegStatus)
}

// RegisterAdminRoutes sets up operator-only oracle routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/oracle/run", h.RunCycle)
}

// PegStatus handles GET /v1/peg/status
func (h *Handler) PegStatus(c *gin.Context) {
	state, err := h.service.State()
	if err != nil {
		if errors.Is(err, ErrNoState) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "no_state",
				"message": "No oracle cycle has completed yet",
			})
			return
		}
		if errors.Is(err, ErrStale) {
			// A stale collateral ratio must not be presented as current.
			c.JSON(http.StatusOK, gin.H{"peg": state, "stale": true})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"peg": state, "stale": false})
}

// RunCycle handles POST /v1/admin/oracle/run
func (h *Handler) RunCycle(c *gin.Context) {
	state, err := h.service.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":   "cycle_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"peg": state})
}
