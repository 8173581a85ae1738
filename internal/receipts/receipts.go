// Package receipts issues signed decision receipts.
//
// Every recorded screening decision gets a receipt that the submitting
// system can later present as proof of what Sentinel decided, and that
// anyone holding the receipt ID can verify against the stored signature.
package receipts

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("receipts: not found")
	ErrSigningDisabled = errors.New("receipts: signing disabled (no signing secret configured)")
)

// Receipt is a signed attestation of one screening decision.
type Receipt struct {
	ID            string    `json:"receipt_id"`
	CaseID        string    `json:"case_id"`
	TransactionID string    `json:"transaction_id"`
	WalletAddress string    `json:"wallet_address"`
	Chain         string    `json:"chain"`
	Score         int       `json:"score"`
	Decision      string    `json:"decision"`
	Rule          string    `json:"rule"`
	PlaybookID    string    `json:"playbook_id,omitempty"`
	AgentVersion  string    `json:"agent_version"`
	PayloadHash   string    `json:"payload_hash"` // SHA-256 of the canonical payload
	Signature     string    `json:"signature"`    // HMAC-SHA256 of the canonical payload
	IssuedAt      time.Time `json:"issued_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// IssueRequest carries the decision to attest.
type IssueRequest struct {
	CaseID        string
	TransactionID string
	WalletAddress string
	Chain         string
	Score         int
	Decision      string
	Rule          string
	PlaybookID    string
	AgentVersion  string
}

// VerifyRequest is the body of POST /receipts/verify.
type VerifyRequest struct {
	ReceiptID string `json:"receipt_id" binding:"required"`
}

// VerifyResponse is the result of receipt verification.
type VerifyResponse struct {
	Valid     bool   `json:"valid"`
	ReceiptID string `json:"receipt_id"`
	Expired   bool   `json:"expired,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Store persists receipts.
type Store interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error)
	ListByWallet(ctx context.Context, wallet string, limit int) ([]*Receipt, error)
}

// payload is what gets signed. Field order is fixed by the struct, which
// keeps the JSON encoding canonical.
type payload struct {
	AgentVersion  string `json:"agent_version"`
	CaseID        string `json:"case_id"`
	Chain         string `json:"chain"`
	Decision      string `json:"decision"`
	IssuedAt      int64  `json:"issued_at"`
	PlaybookID    string `json:"playbook_id"`
	Rule          string `json:"rule"`
	Score         int    `json:"score"`
	TransactionID string `json:"transaction_id"`
	WalletAddress string `json:"wallet_address"`
}

func payloadOf(r *Receipt) payload {
	return payload{
		AgentVersion:  r.AgentVersion,
		CaseID:        r.CaseID,
		Chain:         r.Chain,
		Decision:      r.Decision,
		IssuedAt:      r.IssuedAt.Unix(),
		PlaybookID:    r.PlaybookID,
		Rule:          r.Rule,
		Score:         r.Score,
		TransactionID: r.TransactionID,
		WalletAddress: r.WalletAddress,
	}
}
