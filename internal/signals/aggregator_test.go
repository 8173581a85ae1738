package signals

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/logging"
)

const (
	walletA = "0x1111111111111111111111111111111111111111"
	walletB = "0x2222222222222222222222222222222222222222"
	walletC = "0x3333333333333333333333333333333333333333"
)

func newTestAggregator(risk []RiskProvider, analytics AnalyticsProvider) *Aggregator {
	return NewAggregator(Config{
		RiskProviders:   risk,
		Analytics:       analytics,
		Concurrency:     4,
		ProviderTimeout: 200 * time.Millisecond,
		Logger:          logging.Nop(),
	})
}

func TestAssess_MergesProviders(t *testing.T) {
	trm := NewFakeRiskProvider("trm").Set(walletA, RiskSignal{RiskScore: Float(0.4), Tags: []string{"mixer"}})
	chain := NewFakeRiskProvider("chainalysis").Set(walletA, RiskSignal{Sanctioned: true, RiskScore: Float(0.7), Tags: []string{"darknet_market", "mixer"}})

	got := newTestAggregator([]RiskProvider{trm, chain}, nil).Assess(context.Background(), []string{walletA}, "ethereum")
	require.Len(t, got, 1)

	a := got[0]
	assert.True(t, a.IsSanctioned, "sanctioned if any provider says so")
	assert.Equal(t, []string{"darknet_market", "mixer"}, a.Tags)
	require.NotNil(t, a.ProviderRiskScore)
	assert.InDelta(t, 0.7, *a.ProviderRiskScore, 1e-9, "max indicator wins")
	assert.Nil(t, a.ProviderErrors)
	assert.Equal(t, []string{"trm", "chainalysis"}, a.Providers)
	assert.True(t, a.HasTag("mixer"))
}

func TestAssess_UnknownProviderAnswer(t *testing.T) {
	trm := NewFakeRiskProvider("trm")
	got := newTestAggregator([]RiskProvider{trm}, nil).Assess(context.Background(), []string{walletA}, "ethereum")

	assert.False(t, got[0].IsSanctioned)
	assert.Nil(t, got[0].ProviderRiskScore)
	assert.Empty(t, got[0].Tags)
	assert.Nil(t, got[0].ProviderErrors)
}

func TestAssess_ProviderErrorIsRecordedNotFatal(t *testing.T) {
	trm := NewFakeRiskProvider("trm").Fail(walletA, KindRateLimit).Set(walletB, RiskSignal{RiskScore: Float(0.2)})

	reports := newTestAggregator([]RiskProvider{trm}, nil).AssessDetailed(context.Background(), []string{walletA, walletB}, "ethereum")
	require.Len(t, reports, 2)

	assert.Equal(t, map[string]ErrorKind{"trm": KindRateLimit}, reports[0].Assessment.ProviderErrors)
	require.Len(t, reports[0].Outcomes, 1)
	assert.False(t, reports[0].Outcomes[0].OK())

	assert.Nil(t, reports[1].Assessment.ProviderErrors, "errors stay with their address")
	assert.InDelta(t, 0.2, *reports[1].Assessment.ProviderRiskScore, 1e-9)
}

func TestAssess_Timeout(t *testing.T) {
	slow := NewFakeRiskProvider("trm").SetDelay(time.Second)
	agg := NewAggregator(Config{RiskProviders: []RiskProvider{slow}, ProviderTimeout: 20 * time.Millisecond, Logger: logging.Nop()})

	start := time.Now()
	got := agg.Assess(context.Background(), []string{walletA}, "ethereum")
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, KindTimeout, got[0].ProviderErrors["trm"])
}

func TestAssess_CallerCancellationDoesNotAbortCalls(t *testing.T) {
	trm := NewFakeRiskProvider("trm").Set(walletA, RiskSignal{RiskScore: Float(0.5)}).SetDelay(30 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got := newTestAggregator([]RiskProvider{trm}, nil).Assess(ctx, []string{walletA}, "ethereum")
	assert.Nil(t, got[0].ProviderErrors)
	require.NotNil(t, got[0].ProviderRiskScore)
}

func TestAssess_PreservesInputOrder(t *testing.T) {
	trm := NewFakeRiskProvider("trm").
		Set(walletA, RiskSignal{RiskScore: Float(0.1)}).
		Set(walletB, RiskSignal{RiskScore: Float(0.2)}).
		Set(walletC, RiskSignal{RiskScore: Float(0.3)})

	addrs := []string{walletC, walletA, walletB, walletA}
	got := newTestAggregator([]RiskProvider{trm}, nil).Assess(context.Background(), addrs, "ethereum")
	require.Len(t, got, 4)
	for i, a := range got {
		assert.Equal(t, addrs[i], a.WalletAddress)
	}
	assert.InDelta(t, 0.3, *got[0].ProviderRiskScore, 1e-9)
	assert.InDelta(t, 0.1, *got[3].ProviderRiskScore, 1e-9)
}

func TestAssess_PartialAnalyticsKeepsSucceededFields(t *testing.T) {
	analytics := NewFakeAnalyticsProvider("moralis").
		Set(walletA, WalletStats{Balance: dec("2.5")}).
		Fail(walletA, KindUnavailable)

	got := newTestAggregator(nil, analytics).Assess(context.Background(), []string{walletA}, "ethereum")
	require.NotNil(t, got[0].WalletStats)
	assert.Equal(t, "2.5", got[0].WalletStats.Balance.String())
	assert.Nil(t, got[0].WalletStats.TokenCount)
	assert.Equal(t, KindUnavailable, got[0].ProviderErrors["moralis"])
}

func TestAssess_BreakerShortCircuits(t *testing.T) {
	trm := NewFakeRiskProvider("trm").Fail(walletA, KindUnavailable)
	agg := NewAggregator(Config{
		RiskProviders: []RiskProvider{trm},
		Concurrency:   1,
		Breaker:       circuitbreaker.New(2, time.Minute),
		Logger:        logging.Nop(),
	})

	for i := 0; i < 2; i++ {
		agg.Assess(context.Background(), []string{walletA}, "ethereum")
	}
	require.Equal(t, int64(2), trm.Calls())

	reports := agg.AssessDetailed(context.Background(), []string{walletA}, "ethereum")
	assert.Equal(t, int64(2), trm.Calls(), "open circuit skips the provider")
	assert.Equal(t, KindUnavailable, reports[0].Assessment.ProviderErrors["trm"])
	assert.Equal(t, "circuit open", reports[0].Outcomes[0].Detail)
}

// peakProvider records the largest number of Screen calls running at once.
type peakProvider struct {
	id      string
	current *atomic.Int64
	peak    *atomic.Int64
}

func (p peakProvider) ID() string { return p.id }

func (p peakProvider) Screen(context.Context, string, string) (*RiskSignal, error) {
	n := p.current.Add(1)
	defer p.current.Add(-1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	return nil, nil
}

func TestAssess_ConcurrencyBoundSharedAcrossCallers(t *testing.T) {
	var current, peak atomic.Int64
	var providers []RiskProvider
	for _, id := range []string{"trm", "chainalysis", "elliptic"} {
		providers = append(providers, peakProvider{id: id, current: &current, peak: &peak})
	}
	agg := NewAggregator(Config{RiskProviders: providers, Concurrency: 4, Logger: logging.Nop()})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			addr := fmt.Sprintf("0x%040x", i+1)
			reports := agg.AssessDetailed(context.Background(), []string{addr}, "ethereum")
			assert.Nil(t, reports[0].Assessment.ProviderErrors)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(4))
	assert.Positive(t, peak.Load())
}

func TestAssessment_CloneIsDeep(t *testing.T) {
	a := Assessment{
		Tags:              []string{"mixer"},
		ProviderRiskScore: Float(0.5),
		ProviderErrors:    map[string]ErrorKind{"trm": KindAuth},
		WalletStats:       &WalletStats{TokenCount: Int(1)},
	}
	b := a.Clone()
	b.Tags[0] = "x"
	*b.ProviderRiskScore = 0.9
	b.ProviderErrors["trm"] = KindTimeout
	b.WalletStats.NftCount = Int(4)

	assert.Equal(t, "mixer", a.Tags[0])
	assert.InDelta(t, 0.5, *a.ProviderRiskScore, 1e-9)
	assert.Equal(t, KindAuth, a.ProviderErrors["trm"])
	assert.Nil(t, a.WalletStats.NftCount)
}

func TestClassify(t *testing.T) {
	assert.Equal(t, KindAuth, Classify(&ProviderError{Provider: "trm", Kind: KindAuth}))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindUnavailable, Classify(assert.AnError))
}
