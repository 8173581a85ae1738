package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// HeaderAnalystKey carries the analyst's shared secret.
	HeaderAnalystKey = "X-Analyst-Key"
	// HeaderAnalystID names the analyst for audit records.
	HeaderAnalystID = "X-Analyst-ID"

	// ContextKeyAnalystID is the gin context key for the authenticated analyst.
	ContextKeyAnalystID = "analystID"
)

// RequireAnalyst rejects requests without a valid analyst key and id.
func RequireAnalyst(a *Analysts) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.Validate(c.GetHeader(HeaderAnalystKey)); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Analyst key required. Include the 'X-Analyst-Key' header.",
			})
			return
		}
		id := strings.TrimSpace(c.GetHeader(HeaderAnalystID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "analyst_id_required",
				"message": "Include the 'X-Analyst-ID' header.",
			})
			return
		}
		c.Set(ContextKeyAnalystID, id)
		c.Next()
	}
}

// AnalystID returns the authenticated analyst id from context.
func AnalystID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyAnalystID)
	if !exists {
		return ""
	}
	s, _ := id.(string)
	return s
}

// AnalystRateKey keys rate limiting by the authenticated analyst.
func AnalystRateKey(c *gin.Context) string {
	return AnalystID(c)
}
