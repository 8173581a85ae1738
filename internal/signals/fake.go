package signals

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// FakeRiskProvider answers from a fixed table. Used in fake provider mode
// and in tests.
type FakeRiskProvider struct {
	id    string
	mu    sync.RWMutex
	table map[string]*RiskSignal
	fails map[string]error
	delay time.Duration
	calls atomic.Int64
}

// NewFakeRiskProvider returns an empty fake that knows nothing.
func NewFakeRiskProvider(id string) *FakeRiskProvider {
	return &FakeRiskProvider{
		id:    id,
		table: make(map[string]*RiskSignal),
		fails: make(map[string]error),
	}
}

// Set registers the signal returned for address.
func (f *FakeRiskProvider) Set(address string, sig RiskSignal) *FakeRiskProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := sig
	f.table[strings.ToLower(address)] = &s
	return f
}

// Fail makes calls for address fail with a classified error.
func (f *FakeRiskProvider) Fail(address string, kind ErrorKind) *FakeRiskProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[strings.ToLower(address)] = &ProviderError{Provider: f.id, Kind: kind}
	return f
}

// SetDelay makes every call sleep first (honouring ctx).
func (f *FakeRiskProvider) SetDelay(d time.Duration) *FakeRiskProvider {
	f.delay = d
	return f
}

// Calls returns how many times Screen was invoked.
func (f *FakeRiskProvider) Calls() int64 { return f.calls.Load() }

// ID implements RiskProvider.
func (f *FakeRiskProvider) ID() string { return f.id }

// Screen implements RiskProvider.
func (f *FakeRiskProvider) Screen(ctx context.Context, address, _ string) (*RiskSignal, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &ProviderError{Provider: f.id, Kind: KindTimeout, Err: ctx.Err()}
		case <-time.After(f.delay):
		}
	}
	key := strings.ToLower(address)
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err, ok := f.fails[key]; ok {
		return nil, err
	}
	sig, ok := f.table[key]
	if !ok {
		return nil, nil
	}
	out := *sig
	out.Tags = append([]string(nil), sig.Tags...)
	return &out, nil
}

// FakeAnalyticsProvider answers wallet stats from a fixed table.
type FakeAnalyticsProvider struct {
	id    string
	mu    sync.RWMutex
	table map[string]WalletStats
	fails map[string]error
}

// NewFakeAnalyticsProvider returns an empty fake analytics provider.
func NewFakeAnalyticsProvider(id string) *FakeAnalyticsProvider {
	return &FakeAnalyticsProvider{
		id:    id,
		table: make(map[string]WalletStats),
		fails: make(map[string]error),
	}
}

// Set registers stats for address.
func (f *FakeAnalyticsProvider) Set(address string, stats WalletStats) *FakeAnalyticsProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table[strings.ToLower(address)] = stats
	return f
}

// Fail makes lookups for address return err alongside any registered stats.
func (f *FakeAnalyticsProvider) Fail(address string, kind ErrorKind) *FakeAnalyticsProvider {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fails[strings.ToLower(address)] = &ProviderError{Provider: f.id, Kind: kind}
	return f
}

// ID implements AnalyticsProvider.
func (f *FakeAnalyticsProvider) ID() string { return f.id }

// WalletStats implements AnalyticsProvider.
func (f *FakeAnalyticsProvider) WalletStats(_ context.Context, address, _ string) (WalletStats, error) {
	key := strings.ToLower(address)
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.table[key], f.fails[key]
}

// Demo wallets served in fake provider mode.
const (
	DemoSanctionedWallet = "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb4"
	DemoCleanWallet      = "0x9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f1a0b"
	DemoReviewWallet     = "0x1234567890abcdef1234567890abcdef12345678"
)

// DemoProviders returns fake providers seeded with the demo wallets.
func DemoProviders() (*FakeRiskProvider, *FakeAnalyticsProvider) {
	risk := NewFakeRiskProvider("trm").
		Set(DemoSanctionedWallet, RiskSignal{
			Sanctioned: true,
			RiskScore:  Float(0.89),
			Tags:       []string{"darknet_market", "mixer_exposure", "sanctioned_counterparty"},
		}).
		Set(DemoCleanWallet, RiskSignal{RiskScore: Float(0.12)}).
		Set(DemoReviewWallet, RiskSignal{RiskScore: Float(0.64), Tags: []string{"cash_out", "phishing"}})

	analytics := NewFakeAnalyticsProvider("moralis").
		Set(DemoSanctionedWallet, WalletStats{Balance: dec("0.42"), TokenCount: Int(3), NftCount: Int(0)}).
		Set(DemoCleanWallet, WalletStats{Balance: dec("12.5"), TokenCount: Int(14), NftCount: Int(2)}).
		Set(DemoReviewWallet, WalletStats{Balance: dec("1.1"), TokenCount: Int(1), NftCount: Int(0)})
	return risk, analytics
}

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}
