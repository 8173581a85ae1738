package cases

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/pagination"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/internal/vault"
)

// Handler provides HTTP endpoints for cases.
type Handler struct {
	service *Service
}

// NewHandler creates a new case handler
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up read-only case routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/cases", h.List)
	r.GET("/cases/stats", h.Stats)
	r.GET("/cases/:id", h.Get)
}

// RegisterAnalystRoutes sets up routes that need an authenticated analyst.
func (h *Handler) RegisterAnalystRoutes(r *gin.RouterGroup) {
	r.POST("/cases/:id/label", h.Label)
	r.POST("/cases/:id/detokenize", h.Detokenize)
}

// List handles GET /cases
func (h *Handler) List(c *gin.Context) {
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_cursor", "message": "Invalid pagination cursor"})
		return
	}
	f := ListFilter{
		Wallet:       strings.TrimSpace(c.Query("wallet")),
		AgentVersion: c.Query("agent_version"),
		Cursor:       cursor,
		Limit:        pagination.ParseLimit(c.Query("limit")),
	}
	if d := c.Query("decision"); d != "" {
		decision, ok := risk.ParseDecision(d)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "unknown decision"})
			return
		}
		f.Decision = decision
	}

	items, err := h.service.Store().List(c.Request.Context(), f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list cases"})
		return
	}
	page, next, hasMore := pagination.ComputePage(items, f.Limit, func(cs *Case) (time.Time, string) {
		return cs.CreatedAt, cs.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"cases":       page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// Get handles GET /cases/:id
func (h *Handler) Get(c *gin.Context) {
	cs, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Case not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to get case"})
		return
	}
	c.JSON(http.StatusOK, cs)
}

// Stats handles GET /cases/stats
func (h *Handler) Stats(c *gin.Context) {
	s, err := h.service.Store().Stats(c.Request.Context(), c.Query("agent_version"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, s)
}

// LabelRequest is the body of POST /cases/:id/label.
type LabelRequest struct {
	GroundTruth string `json:"ground_truth" binding:"required"`
	Notes       string `json:"notes"`
}

// Label handles POST /cases/:id/label
func (h *Handler) Label(c *gin.Context) {
	var req LabelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	label, err := ParseLabel(req.GroundTruth)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}

	cs, err := h.service.Label(c.Request.Context(), c.Param("id"), label,
		validation.SanitizeString(req.Notes, validation.MaxStringLength), auth.AnalystID(c))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Case not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to label case"})
		return
	}
	c.JSON(http.StatusOK, cs)
}

// RevealRequest is the body of POST /cases/:id/detokenize.
type RevealRequest struct {
	Fields []string `json:"fields"`
	Reason string   `json:"reason"`
}

// Detokenize handles POST /cases/:id/detokenize
func (h *Handler) Detokenize(c *gin.Context) {
	var req RevealRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
			return
		}
	}

	values, err := h.service.Reveal(c.Request.Context(), c.Param("id"), req.Fields, auth.AnalystID(c),
		validation.SanitizeString(req.Reason, 500))
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Case not found"})
		return
	}
	if err != nil {
		vault.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"case_id": c.Param("id"),
		"data":    values,
		"warning": "This access was logged for compliance audit",
	})
}
