package playbook

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for the playbook library.
type Handler struct {
	library *Library
	learner *Learner
}

// NewHandler creates a new playbook handler
func NewHandler(library *Library, learner *Learner) *Handler {
	return &Handler{library: library, learner: learner}
}

// RegisterRoutes sets up playbook routes. Writes are registered separately
// so the server can put them behind analyst auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/playbooks", h.List)
	r.GET("/playbooks/:id", h.Get)
}

// RegisterProtectedRoutes sets up playbook write routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/playbooks", h.Propose)
	r.DELETE("/playbooks/:id", h.Deactivate)
}

// List handles GET /playbooks
func (h *Handler) List(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	pbs := h.library.List(activeOnly)
	c.JSON(http.StatusOK, gin.H{"playbooks": pbs, "count": len(pbs)})
}

// Get handles GET /playbooks/:id
func (h *Handler) Get(c *gin.Context) {
	pb, err := h.library.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Playbook not found"})
		return
	}
	c.JSON(http.StatusOK, pb)
}

// Propose handles POST /playbooks
func (h *Handler) Propose(c *gin.Context) {
	var req Proposal
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	pb, err := h.learner.Propose(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidPlaybook) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_playbook", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to store playbook"})
		return
	}
	c.JSON(http.StatusCreated, pb)
}

// Deactivate handles DELETE /playbooks/:id
func (h *Handler) Deactivate(c *gin.Context) {
	err := h.library.Deactivate(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Playbook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to deactivate playbook"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id"), "active": false})
}
