package activity

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler serves the activity feed.
type Handler struct {
	hub *Hub
}

// NewHandler creates a new activity handler
func NewHandler(hub *Hub) *Handler {
	return &Handler{hub: hub}
}

// RegisterRoutes sets up the activity routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.Recent)
	r.GET("/activity/stats", h.Stats)
}

// Recent handles GET /activity
func (h *Handler) Recent(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > RecentSize {
		limit = RecentSize
	}
	events := h.hub.Recent(limit)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// Stats handles GET /activity/stats
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

// WebSocket adapts the hub's upgrade handler for gin.
func (h *Handler) WebSocket(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request)
}
