package screening

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/internal/vault"
)

// Handler provides HTTP endpoints for screening.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler creates a new screening handler
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// RegisterRoutes sets up screening routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/screen", h.Screen)
	r.POST("/screen/batch", h.ScreenBatch)
}

// ScreenRequest is the body of POST /screen.
type ScreenRequest struct {
	Transaction Transaction       `json:"transaction"`
	PII         map[string]string `json:"pii,omitempty"`
}

// BatchRequest is the body of POST /screen/batch.
type BatchRequest struct {
	Addresses []string `json:"addresses" binding:"required,min=1"`
	Chain     string   `json:"chain"`
}

// Screen handles POST /screen
func (h *Handler) Screen(c *gin.Context) {
	var req ScreenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	res, err := h.pipeline.Screen(c.Request.Context(), req.Transaction, req.PII)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": verrs.Error(), "details": verrs})
		case errors.Is(err, vault.ErrInvalidField), errors.Is(err, vault.ErrEmptyRequest):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "screening_failed", "message": "Failed to screen transaction"})
		}
		return
	}
	c.JSON(http.StatusOK, res)
}

// ScreenBatch handles POST /screen/batch
func (h *Handler) ScreenBatch(c *gin.Context) {
	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	if errs := validation.Validate(
		validation.MinItems("addresses", len(req.Addresses), 1),
		validation.MaxItems("addresses", len(req.Addresses), MaxBatchSize),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error()})
		return
	}

	items, err := h.pipeline.ScreenBatch(c.Request.Context(), req.Addresses, req.Chain)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": items, "count": len(items)})
}
