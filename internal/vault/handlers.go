package vault

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/auth"
	"github.com/mbd888/sentinel/internal/validation"
)

// Handler provides HTTP endpoints for the vault gateway.
type Handler struct {
	gateway *Gateway
	audit   AuditStore
}

// NewHandler creates a new vault handler
func NewHandler(gateway *Gateway, audit AuditStore) *Handler {
	return &Handler{gateway: gateway, audit: audit}
}

// RegisterRoutes sets up the tokenize route.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/vault/tokenize", h.Tokenize)
}

// RegisterAnalystRoutes sets up routes that reverse tokens or expose the
// audit trail. The group must authenticate analysts.
func (h *Handler) RegisterAnalystRoutes(r *gin.RouterGroup) {
	r.POST("/vault/detokenize", h.Detokenize)
	r.GET("/vault/audit", h.Audit)
}

// TokenizeRequest is the body of POST /vault/tokenize.
type TokenizeRequest struct {
	Fields map[string]string `json:"fields" binding:"required"`
}

// Tokenize handles POST /vault/tokenize
func (h *Handler) Tokenize(c *gin.Context) {
	var req TokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}
	for field, v := range req.Fields {
		if len(v) > validation.MaxStringLength {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": field + " is too long"})
			return
		}
	}

	set, err := h.gateway.Tokenize(c.Request.Context(), req.Fields)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errorCode(err), "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": set, "placeholders": set.Placeholders()})
}

// DetokenizeRequest is the body of POST /vault/detokenize.
type DetokenizeRequest struct {
	Tokens map[string]string `json:"tokens" binding:"required"`
	Reason string            `json:"reason"`
	CaseID string            `json:"case_id"`
}

// Detokenize handles POST /vault/detokenize
func (h *Handler) Detokenize(c *gin.Context) {
	var req DetokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	accessor := Analyst(auth.AnalystID(c), validation.SanitizeString(req.Reason, 500))
	accessor.CaseID = req.CaseID
	values, err := h.gateway.Detokenize(c.Request.Context(), req.Tokens, accessor)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"data":    values,
		"warning": "This access was logged for compliance audit",
	})
}

// Audit handles GET /vault/audit
func (h *Handler) Audit(c *gin.Context) {
	limit := 100
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	entries, err := h.audit.List(c.Request.Context(), c.Query("analyst"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list audit entries"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// WriteError maps a gateway error to an HTTP response.
func WriteError(c *gin.Context, err error) {
	status := http.StatusBadRequest
	switch {
	case IsUnavailable(err):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrUnknownToken):
		status = http.StatusNotFound
	case errors.Is(err, ErrPlaceholderToken):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": errorCode(err), "message": err.Error()})
}
