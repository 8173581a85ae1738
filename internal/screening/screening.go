// Package screening runs the risk decision pipeline for one transaction or
// a batch of wallets.
//
// An investigation passes through the Watcher (triage), the Detective
// (signals, score, playbook match) and the Guardian (decision). Each stage
// appends to the investigation's evidence ledger; the Guardian step is
// always last. PII is exchanged for vault tokens before the case is
// persisted, so only tokens ever reach storage.
package screening

import (
	"errors"
	"net/netip"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/evidence"
	"github.com/mbd888/sentinel/internal/risk"
	"github.com/mbd888/sentinel/internal/signals"
	"github.com/mbd888/sentinel/internal/validation"
	"github.com/mbd888/sentinel/internal/vault"
)

// AgentVersion tags every result and case.
const AgentVersion = "detective_v3"

// MaxBatchSize bounds ScreenBatch.
const MaxBatchSize = 100

var (
	ErrBatchTooLarge = errors.New("screening: batch exceeds 100 addresses")
	ErrEmptyBatch    = errors.New("screening: batch has no addresses")
)

// Transaction is a submitted transaction. It is passed by value and never
// modified once screening starts.
type Transaction struct {
	ID            string            `json:"id,omitempty"`
	WalletAddress string            `json:"wallet_address"`
	Chain         string            `json:"chain,omitempty"`
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	Channel       string            `json:"channel,omitempty"`
	IP            string            `json:"ip,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// origin identifies where the transaction came from for the
// multiple_sources feature.
func (t Transaction) origin() string {
	if t.DeviceID != "" {
		return "device:" + t.DeviceID
	}
	if t.IP != "" {
		return "ip:" + t.IP
	}
	return ""
}

var evmChains = map[string]bool{
	"ethereum": true, "eth": true, "mainnet": true, "polygon": true, "matic": true,
	"base": true, "arbitrum": true, "optimism": true, "bsc": true, "avalanche": true,
}

// Validate checks the transaction, collecting every problem.
func (t Transaction) Validate() error {
	checks := []func() *validation.ValidationError{
		validation.Required("wallet_address", t.WalletAddress),
		validation.MaxLength("wallet_address", t.WalletAddress, 128),
		validation.NonNegativeAmount("amount", t.Amount),
		validation.MaxLength("currency", t.Currency, 16),
		validation.MaxLength("channel", t.Channel, 64),
		validation.MaxLength("device_id", t.DeviceID, 256),
		validation.MaxLength("chain", t.Chain, 32),
	}
	if evmChains[strings.ToLower(t.Chain)] {
		checks = append(checks, validation.ValidAddress("wallet_address", t.WalletAddress))
	}
	if t.IP != "" {
		checks = append(checks, func() *validation.ValidationError {
			if _, err := netip.ParseAddr(t.IP); err != nil {
				return &validation.ValidationError{Field: "ip", Message: "must be an IP address"}
			}
			return nil
		})
	}
	if errs := validation.Validate(checks...); len(errs) > 0 {
		return errs
	}
	return nil
}

// Priority is the Watcher's triage level.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

var (
	highAmount   = decimal.NewFromInt(10000)
	mediumAmount = decimal.NewFromInt(1000)
)

// Triage assigns a priority from the amount and whether the wallet has
// any recent history.
func Triage(amount decimal.Decimal, newWallet bool) (Priority, string) {
	switch {
	case amount.GreaterThanOrEqual(highAmount):
		return PriorityHigh, "Large transaction amount"
	case newWallet && amount.GreaterThanOrEqual(mediumAmount):
		return PriorityHigh, "Large transaction amount + new wallet"
	case amount.GreaterThanOrEqual(mediumAmount):
		return PriorityMedium, "Elevated transaction amount"
	case newWallet:
		return PriorityLow, "New wallet"
	}
	return PriorityLow, "Routine transaction"
}

// InvestigationResult is the outcome of screening one transaction.
type InvestigationResult struct {
	TransactionID  string             `json:"transaction_id"`
	WalletAddress  string             `json:"wallet_address"`
	Chain          string             `json:"chain"`
	Priority       Priority           `json:"priority"`
	Score          int                `json:"risk_score"`
	Decision       risk.Decision      `json:"decision"`
	Rule           string             `json:"rule"`
	Rationale      string             `json:"rationale"`
	PlaybookID     string             `json:"playbook_id,omitempty"`
	RiskAssessment signals.Assessment `json:"risk_assessment"`
	Features       risk.Features      `json:"features"`
	EvidenceTrace  evidence.Trace     `json:"evidence_trace"`
	Tokens         vault.TokenSet     `json:"tokens,omitempty"`
	CaseID         string             `json:"case_id"`
	ReceiptID      string             `json:"receipt_id,omitempty"`
	AgentVersion   string             `json:"agent_version"`
	Timestamp      time.Time          `json:"timestamp"`
}

// BatchItem is one entry of a batch result, in input order. Exactly one of
// Result and Error is set.
type BatchItem struct {
	Address string               `json:"address"`
	Result  *InvestigationResult `json:"result,omitempty"`
	Error   *ItemError           `json:"error,omitempty"`
}

// ItemError describes why one batch entry failed.
type ItemError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func itemError(err error) *ItemError {
	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		return &ItemError{Code: "validation_error", Message: verrs.Error()}
	}
	return &ItemError{Code: "screening_failed", Message: err.Error()}
}
