package compliance

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler serves compliance metrics.
type Handler struct {
	metrics *Metrics
	store   Store
}

// NewHandler creates a new compliance handler
func NewHandler(metrics *Metrics, store Store) *Handler {
	return &Handler{metrics: metrics, store: store}
}

// RegisterRoutes sets up the compliance routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/compliance/metrics", h.Current)
	r.GET("/compliance/history", h.History)
}

// Current handles GET /compliance/metrics
func (h *Handler) Current(c *gin.Context) {
	c.JSON(http.StatusOK, h.metrics.Snapshot(time.Now()))
}

// History handles GET /compliance/history
func (h *Handler) History(c *gin.Context) {
	limit := 30
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	snaps, err := h.store.History(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to load compliance history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps, "count": len(snaps)})
}
