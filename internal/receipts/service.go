package receipts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/sentinel/internal/idgen"
)

// DefaultValidity is how long a receipt signature is honoured. Receipts
// back compliance reviews, which can happen long after the decision.
const DefaultValidity = 365 * 24 * time.Hour

// Service implements receipt business logic.
type Service struct {
	store    Store
	signer   *Signer
	validity time.Duration
	now      func() time.Time
}

// NewService creates a new receipt service.
// If signer is nil, Issue is a no-op (signing disabled).
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:    store,
		signer:   signer,
		validity: DefaultValidity,
		now:      time.Now,
	}
}

// Enabled reports whether receipts are being signed.
func (s *Service) Enabled() bool { return s != nil && s.signer != nil }

// Issue signs and persists a receipt for a decision. Nil-safe: returns
// nil, nil when the service or signer is nil.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Receipt, error) {
	if !s.Enabled() {
		return nil, nil
	}

	issued := s.now().UTC().Truncate(time.Second)
	r := &Receipt{
		ID:            idgen.WithPrefix(idgen.PrefixReceipt),
		CaseID:        req.CaseID,
		TransactionID: req.TransactionID,
		WalletAddress: strings.ToLower(req.WalletAddress),
		Chain:         req.Chain,
		Score:         req.Score,
		Decision:      req.Decision,
		Rule:          req.Rule,
		PlaybookID:    req.PlaybookID,
		AgentVersion:  req.AgentVersion,
		IssuedAt:      issued,
		ExpiresAt:     issued.Add(s.validity),
	}
	hash, sig, err := s.signer.Sign(payloadOf(r))
	if err != nil {
		return nil, fmt.Errorf("receipts: sign: %w", err)
	}
	r.PayloadHash = hash
	r.Signature = sig

	if err := s.store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("receipts: store: %w", err)
	}
	return r, nil
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// GetByTransaction returns the receipt issued for a transaction.
func (s *Service) GetByTransaction(ctx context.Context, transactionID string) (*Receipt, error) {
	return s.store.GetByTransaction(ctx, transactionID)
}

// ListByWallet returns receipts for a wallet, newest first.
func (s *Service) ListByWallet(ctx context.Context, wallet string, limit int) ([]*Receipt, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByWallet(ctx, strings.ToLower(wallet), limit)
}

// Verify checks whether a stored receipt's signature still matches its
// contents.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	resp := &VerifyResponse{ReceiptID: receiptID}
	if !s.Enabled() {
		resp.Error = ErrSigningDisabled.Error()
		return resp, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrNotFound) {
		resp.Error = ErrNotFound.Error()
		return resp, nil
	}
	if err != nil {
		return nil, err
	}

	resp.Valid = s.signer.Verify(payloadOf(r), r.Signature)
	if !resp.Valid {
		resp.Error = "signature verification failed"
		return resp, nil
	}
	if s.now().After(r.ExpiresAt) {
		resp.Expired = true
	}
	return resp, nil
}
