package webhooks

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/sentinel/internal/idgen"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Decision is the PII-free summary of a screening sent to subscribers.
type Decision struct {
	TransactionID string
	CaseID        string
	WalletAddress string
	Chain         string
	Score         int
	Decision      string
	Rule          string
	PlaybookID    string
	Priority      string
}

// Emitter turns domain events into webhook deliveries. All methods are
// fire-and-forget: errors are logged but never returned. A nil Emitter is
// a no-op.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(ctx context.Context, eventType EventType, data map[string]any) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("whe_"),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// EmitDecision emits decision.<allow|step_up|escalate|block>.
func (e *Emitter) EmitDecision(ctx context.Context, d Decision) {
	et := EventType("decision." + strings.ToLower(d.Decision))
	if !et.Valid() {
		return
	}
	data := map[string]any{
		"transaction_id": d.TransactionID,
		"case_id":        d.CaseID,
		"wallet_address": d.WalletAddress,
		"chain":          d.Chain,
		"risk_score":     d.Score,
		"decision":       d.Decision,
		"rule":           d.Rule,
		"priority":       d.Priority,
	}
	if d.PlaybookID != "" {
		data["playbook_id"] = d.PlaybookID
	}
	e.emit(ctx, et, data)
}

// EmitCaseLabelled emits case.labelled.
func (e *Emitter) EmitCaseLabelled(ctx context.Context, caseID, transactionID, label, decision, analystID string) {
	e.emit(ctx, EventCaseLabelled, map[string]any{
		"case_id":        caseID,
		"transaction_id": transactionID,
		"ground_truth":   label,
		"decision":       decision,
		"analyst":        analystID,
	})
}
