// Package compliance tracks how much PII flows through the vault and how
// often humans look at it.
package compliance

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the live set of compliance counters. Safe for concurrent use.
type Metrics struct {
	tokenizationRequests   atomic.Int64
	detokenizationRequests atomic.Int64
	analystAccessCount     atomic.Int64
	tokenizedFields        atomic.Int64
	totalPIIFields         atomic.Int64
	placeholderTokens      atomic.Int64
}

// NewMetrics creates zeroed counters.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordTokenization counts one tokenize call covering fields PII fields,
// of which placeholders got local tokens instead of vault tokens.
func (m *Metrics) RecordTokenization(fields, placeholders int) {
	m.tokenizationRequests.Add(1)
	m.totalPIIFields.Add(int64(fields))
	m.tokenizedFields.Add(int64(fields - placeholders))
	m.placeholderTokens.Add(int64(placeholders))
}

// RecordDetokenization counts one reversal attempt.
func (m *Metrics) RecordDetokenization(analyst bool) {
	m.detokenizationRequests.Add(1)
	if analyst {
		m.analystAccessCount.Add(1)
	}
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	ID                     int64     `json:"id,omitempty"`
	TokenizationRequests   int64     `json:"tokenization_requests"`
	DetokenizationRequests int64     `json:"detokenization_requests"`
	AnalystAccessCount     int64     `json:"analyst_access_count"`
	TokenizedFields        int64     `json:"tokenized_fields"`
	TotalPIIFields         int64     `json:"total_pii_fields"`
	PlaceholderTokens      int64     `json:"placeholder_tokens"`
	TokenizationPercentage float64   `json:"tokenization_percentage"`
	TakenAt                time.Time `json:"taken_at"`
}

// Snapshot reads the counters. TokenizationPercentage is derived here and
// is 100 when no PII has been seen.
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	s := Snapshot{
		TokenizationRequests:   m.tokenizationRequests.Load(),
		DetokenizationRequests: m.detokenizationRequests.Load(),
		AnalystAccessCount:     m.analystAccessCount.Load(),
		TokenizedFields:        m.tokenizedFields.Load(),
		TotalPIIFields:         m.totalPIIFields.Load(),
		PlaceholderTokens:      m.placeholderTokens.Load(),
		TakenAt:                now.UTC(),
	}
	s.TokenizationPercentage = percentage(s.TokenizedFields, s.TotalPIIFields)
	return s
}

// Restore seeds the counters from a persisted snapshot so totals survive
// restarts.
func (m *Metrics) Restore(s Snapshot) {
	m.tokenizationRequests.Store(s.TokenizationRequests)
	m.detokenizationRequests.Store(s.DetokenizationRequests)
	m.analystAccessCount.Store(s.AnalystAccessCount)
	m.tokenizedFields.Store(s.TokenizedFields)
	m.totalPIIFields.Store(s.TotalPIIFields)
	m.placeholderTokens.Store(s.PlaceholderTokens)
}

func percentage(part, total int64) float64 {
	if total == 0 {
		return 100
	}
	return math.Round(float64(part)/float64(total)*10000) / 100
}

// Collectors exposes the counters as Prometheus gauges.
func (m *Metrics) Collectors() []prometheus.Collector {
	gauge := func(name, help string, read func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "sentinel",
			Subsystem: "compliance",
			Name:      name,
			Help:      help,
		}, read)
	}
	return []prometheus.Collector{
		gauge("tokenization_requests", "Tokenize calls since start.", func() float64 { return float64(m.tokenizationRequests.Load()) }),
		gauge("detokenization_requests", "Detokenize attempts since start.", func() float64 { return float64(m.detokenizationRequests.Load()) }),
		gauge("analyst_access", "Detokenize attempts by analysts.", func() float64 { return float64(m.analystAccessCount.Load()) }),
		gauge("placeholder_tokens", "Fields that received placeholder tokens.", func() float64 { return float64(m.placeholderTokens.Load()) }),
		gauge("tokenization_percentage", "Share of PII fields held by the vault.", func() float64 {
			return percentage(m.tokenizedFields.Load(), m.totalPIIFields.Load())
		}),
	}
}

// Register adds the gauges to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
