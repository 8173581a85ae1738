// Package admin provides analyst-only operational endpoints: provider
// circuit state, on-demand compliance snapshots and labelled-case export.
package admin

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/cases"
	"github.com/mbd888/sentinel/internal/risk"
)

// ProviderStatus is the circuit state of one signal provider.
type ProviderStatus struct {
	ID    string `json:"id"`
	State string `json:"state"`
}

// CaseExportRecord is a labelled case stripped of PII tokens and evidence,
// shaped for detection-model training.
type CaseExportRecord struct {
	CaseID        string          `json:"case_id"`
	TransactionID string          `json:"transaction_id"`
	WalletAddress string          `json:"wallet_address"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Channel       string          `json:"channel,omitempty"`
	Score         int             `json:"score"`
	Decision      risk.Decision   `json:"decision"`
	Rule          string          `json:"rule"`
	PlaybookID    string          `json:"playbook_id,omitempty"`
	Tags          []string        `json:"tags"`
	AgentVersion  string          `json:"agent_version"`
	GroundTruth   cases.Label     `json:"ground_truth"`
	LabelledAt    *time.Time      `json:"labelled_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

func exportRecord(c *cases.Case) CaseExportRecord {
	tags := c.Tags
	if tags == nil {
		tags = []string{}
	}
	return CaseExportRecord{
		CaseID:        c.ID,
		TransactionID: c.TransactionID,
		WalletAddress: c.WalletAddress,
		Chain:         c.Chain,
		Amount:        c.Amount,
		Currency:      c.Currency,
		Channel:       c.Channel,
		Score:         c.Score,
		Decision:      c.Decision,
		Rule:          c.Rule,
		PlaybookID:    c.PlaybookID,
		Tags:          tags,
		AgentVersion:  c.AgentVersion,
		GroundTruth:   c.GroundTruth,
		LabelledAt:    c.LabelledAt,
		CreatedAt:     c.CreatedAt,
	}
}
