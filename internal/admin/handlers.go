package admin

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/compliance"
)

// ProviderLister names the configured signal providers.
type ProviderLister interface {
	Providers() []string
}

// CircuitBreaker exposes per-provider circuit state.
type CircuitBreaker interface {
	State(provider string) circuitbreaker.State
	Reset(provider string)
}

// SnapshotTaker persists compliance counters on demand.
type SnapshotTaker interface {
	SnapshotNow(ctx context.Context) (compliance.Snapshot, error)
}

// CaseExporter exports labelled cases for model training.
type CaseExporter interface {
	ExportLabelled(ctx context.Context, since time.Time, limit int) ([]*cases.Case, error)
}

// Handler provides admin HTTP endpoints.
type Handler struct {
	providers ProviderLister
	breaker   CircuitBreaker
	snapshots SnapshotTaker
	exporter  CaseExporter
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithProviders sets the provider list and the breaker guarding them.
func (h *Handler) WithProviders(p ProviderLister, b CircuitBreaker) *Handler {
	h.providers = p
	h.breaker = b
	return h
}

// WithSnapshotter sets the compliance snapshotter.
func (h *Handler) WithSnapshotter(s SnapshotTaker) *Handler {
	h.snapshots = s
	return h
}

// WithCaseExporter sets the labelled-case exporter.
func (h *Handler) WithCaseExporter(e CaseExporter) *Handler {
	h.exporter = e
	return h
}

// RegisterRoutes sets up admin routes. The group must already require an
// analyst.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/admin/providers", h.listProviders)
	r.POST("/admin/providers/:id/reset", h.resetProvider)
	r.POST("/admin/compliance/snapshot", h.snapshotNow)
	r.GET("/admin/cases/export", h.exportCases)
}

func (h *Handler) listProviders(c *gin.Context) {
	if h.providers == nil || h.breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "provider status not configured"})
		return
	}

	ids := h.providers.Providers()
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		out = append(out, ProviderStatus{ID: id, State: h.breaker.State(id).String()})
	}
	c.JSON(http.StatusOK, gin.H{"providers": out, "count": len(out)})
}

// resetProvider force-closes an open circuit after an operator confirms
// the provider has recovered.
func (h *Handler) resetProvider(c *gin.Context) {
	if h.providers == nil || h.breaker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "provider status not configured"})
		return
	}

	id := c.Param("id")
	if !slices.Contains(h.providers.Providers(), id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Provider not found"})
		return
	}
	previous := h.breaker.State(id)
	h.breaker.Reset(id)
	c.JSON(http.StatusOK, gin.H{"provider": id, "previous_state": previous.String(), "state": h.breaker.State(id).String()})
}

func (h *Handler) snapshotNow(c *gin.Context) {
	if h.snapshots == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "compliance snapshots not configured"})
		return
	}

	snap, err := h.snapshots.SnapshotNow(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to save compliance snapshot"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": snap})
}

// exportCases exports labelled cases, newest first.
func (h *Handler) exportCases(c *gin.Context) {
	if h.exporter == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "case export not configured"})
		return
	}

	since := time.Now().AddDate(0, 0, -30) // Default: last 30 days
	if s := c.Query("since"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "since must be RFC3339"})
			return
		}
		since = parsed
	}

	limit := 1000
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 10000 {
			limit = parsed
		}
	}

	items, err := h.exporter.ExportLabelled(c.Request.Context(), since, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to export cases"})
		return
	}
	records := make([]CaseExportRecord, 0, len(items))
	for _, cs := range items {
		records = append(records, exportRecord(cs))
	}
	c.JSON(http.StatusOK, gin.H{"cases": records, "count": len(records), "since": since})
}
