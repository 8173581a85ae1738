// Package signals collects external risk intelligence for wallet addresses.
//
// Risk providers (TRM and friends) answer "is this wallet sanctioned, and how
// risky is it"; analytics providers (Moralis, a JSON-RPC node) describe the
// wallet's holdings. The Aggregator fans out to every provider under a
// bounded worker pool and merges their answers into one Assessment per
// address. Provider failures never fail an assessment; they are recorded.
package signals

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotConfigured is returned by provider constructors missing credentials.
var ErrNotConfigured = errors.New("signals: provider not configured")

// ErrorKind classifies a provider failure.
type ErrorKind string

const (
	KindAuth        ErrorKind = "auth"
	KindRateLimit   ErrorKind = "rate_limit"
	KindTimeout     ErrorKind = "timeout"
	KindMalformed   ErrorKind = "malformed"
	KindUnavailable ErrorKind = "unavailable"
)

// ProviderError is a classified provider failure.
type ProviderError struct {
	Provider string
	Kind     ErrorKind
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Classify maps any error returned by a provider call to an ErrorKind.
func Classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindUnavailable
}

// RiskSignal is one provider's verdict on a wallet.
type RiskSignal struct {
	Sanctioned bool     `json:"sanctioned"`
	RiskScore  *float64 `json:"risk_score,omitempty"` // 0..1
	Tags       []string `json:"tags,omitempty"`
}

// RiskProvider screens a wallet. A nil signal with a nil error means the
// provider has no opinion about the address.
type RiskProvider interface {
	ID() string
	Screen(ctx context.Context, address, chain string) (*RiskSignal, error)
}

// WalletStats describes a wallet's holdings. Nil fields were not retrieved.
type WalletStats struct {
	Balance    *decimal.Decimal `json:"balance,omitempty"`
	TokenCount *int             `json:"token_count,omitempty"`
	NftCount   *int             `json:"nft_count,omitempty"`
}

func (w WalletStats) empty() bool {
	return w.Balance == nil && w.TokenCount == nil && w.NftCount == nil
}

// AnalyticsProvider looks up wallet holdings. It may return partially
// populated stats together with an error; populated fields are kept.
type AnalyticsProvider interface {
	ID() string
	WalletStats(ctx context.Context, address, chain string) (WalletStats, error)
}

// Assessment is the merged view of every provider for one address.
// It is produced once per investigation and never mutated afterwards.
type Assessment struct {
	WalletAddress     string               `json:"wallet_address"`
	Chain             string               `json:"chain"`
	IsSanctioned      bool                 `json:"is_sanctioned"`
	Tags              []string             `json:"tags"`
	ProviderRiskScore *float64             `json:"provider_risk_score,omitempty"`
	WalletStats       *WalletStats         `json:"wallet_stats,omitempty"`
	ProviderErrors    map[string]ErrorKind `json:"provider_errors,omitempty"`
	Providers         []string             `json:"providers"`
}

// HasTag reports whether the assessment carries tag.
func (a Assessment) HasTag(tag string) bool {
	_, ok := slices.BinarySearch(a.Tags, tag)
	return ok
}

// Clone returns a deep copy.
func (a Assessment) Clone() Assessment {
	out := a
	out.Tags = slices.Clone(a.Tags)
	out.Providers = slices.Clone(a.Providers)
	out.ProviderErrors = maps.Clone(a.ProviderErrors)
	if a.ProviderRiskScore != nil {
		v := *a.ProviderRiskScore
		out.ProviderRiskScore = &v
	}
	if a.WalletStats != nil {
		ws := *a.WalletStats
		out.WalletStats = &ws
	}
	return out
}

// Outcome records how one provider call went, for evidence and metrics.
type Outcome struct {
	Provider string        `json:"provider"`
	Error    ErrorKind     `json:"error,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Latency  time.Duration `json:"latency"`
}

// OK reports whether the call succeeded.
func (o Outcome) OK() bool { return o.Error == "" }

// Report pairs an assessment with the provider outcomes behind it.
type Report struct {
	Assessment Assessment
	Outcomes   []Outcome
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }
