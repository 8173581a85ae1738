package signals

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mbd888/sentinel/internal/circuitbreaker"
	"github.com/mbd888/sentinel/internal/metrics"
	"github.com/mbd888/sentinel/internal/traces"
)

// Aggregator defaults
const (
	DefaultConcurrency     = 8
	DefaultProviderTimeout = 5 * time.Second
)

// Config configures an Aggregator.
type Config struct {
	RiskProviders   []RiskProvider
	Analytics       AnalyticsProvider // optional
	Concurrency     int               // provider calls in flight across all callers
	ProviderTimeout time.Duration
	Breaker         *circuitbreaker.Breaker // optional
	Logger          *slog.Logger
}

// Aggregator queries every provider for every address and merges the answers.
// At most Concurrency provider calls run at once, however many
// AssessDetailed calls are in progress.
type Aggregator struct {
	risk        []RiskProvider
	analytics   AnalyticsProvider
	concurrency int
	inflight    *semaphore.Weighted
	timeout     time.Duration
	breaker     *circuitbreaker.Breaker
	logger      *slog.Logger
}

// NewAggregator creates an aggregator, filling in defaults.
func NewAggregator(cfg Config) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		risk:        slices.Clone(cfg.RiskProviders),
		analytics:   cfg.Analytics,
		concurrency: cfg.Concurrency,
		inflight:    semaphore.NewWeighted(int64(cfg.Concurrency)),
		timeout:     cfg.ProviderTimeout,
		breaker:     cfg.Breaker,
		logger:      cfg.Logger,
	}
}

// Providers returns the ids of every configured provider.
func (a *Aggregator) Providers() []string {
	ids := make([]string, 0, len(a.risk)+1)
	for _, p := range a.risk {
		ids = append(ids, p.ID())
	}
	if a.analytics != nil {
		ids = append(ids, a.analytics.ID())
	}
	return ids
}

// Assess returns one assessment per address, in input order.
func (a *Aggregator) Assess(ctx context.Context, addresses []string, chain string) []Assessment {
	reports := a.AssessDetailed(ctx, addresses, chain)
	out := make([]Assessment, len(reports))
	for i, r := range reports {
		out[i] = r.Assessment
	}
	return out
}

type riskResult struct {
	signal  *RiskSignal
	outcome Outcome
}

type analyticsResult struct {
	stats   WalletStats
	outcome Outcome
}

// AssessDetailed is Assess plus the per-provider outcomes for each address.
// Provider calls are detached from ctx cancellation so that an investigation,
// once started, always completes; each call still has its own timeout.
func (a *Aggregator) AssessDetailed(ctx context.Context, addresses []string, chain string) []Report {
	ctx, span := traces.StartSpan(ctx, "signals.Assess", traces.Chain(chain), traces.BatchSize(len(addresses)))
	defer span.End()
	detached := context.WithoutCancel(ctx)

	risks := make([][]riskResult, len(addresses))
	stats := make([]*analyticsResult, len(addresses))

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for i, addr := range addresses {
		risks[i] = make([]riskResult, len(a.risk))
		for j, p := range a.risk {
			g.Go(func() error {
				risks[i][j] = a.screen(detached, p, addr, chain)
				return nil
			})
		}
		if a.analytics != nil {
			g.Go(func() error {
				r := a.walletStats(detached, addr, chain)
				stats[i] = &r
				return nil
			})
		}
	}
	_ = g.Wait()

	reports := make([]Report, len(addresses))
	for i, addr := range addresses {
		reports[i] = a.merge(addr, chain, risks[i], stats[i])
	}
	return reports
}

func (a *Aggregator) screen(ctx context.Context, p RiskProvider, address, chain string) riskResult {
	var sig *RiskSignal
	out := a.call(ctx, p.ID(), func(ctx context.Context) error {
		var err error
		sig, err = p.Screen(ctx, address, chain)
		return err
	})
	if !out.OK() {
		sig = nil
	}
	return riskResult{signal: sig, outcome: out}
}

func (a *Aggregator) walletStats(ctx context.Context, address, chain string) analyticsResult {
	var ws WalletStats
	out := a.call(ctx, a.analytics.ID(), func(ctx context.Context) error {
		var err error
		ws, err = a.analytics.WalletStats(ctx, address, chain)
		return err
	})
	return analyticsResult{stats: ws, outcome: out}
}

// call runs one provider call under the shared in-flight limit, the breaker
// and a per-call timeout, and reports its outcome. The timeout starts once a
// slot is acquired.
func (a *Aggregator) call(ctx context.Context, provider string, fn func(ctx context.Context) error) Outcome {
	if err := a.inflight.Acquire(ctx, 1); err != nil {
		return Outcome{Provider: provider, Error: KindTimeout, Detail: err.Error()}
	}
	defer a.inflight.Release(1)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	run := func() error { return fn(callCtx) }
	var err error
	if a.breaker != nil {
		err = a.breaker.Execute(provider, run, tripsBreaker)
	} else {
		err = run()
	}
	latency := time.Since(start)

	out := Outcome{Provider: provider, Latency: latency}
	result := "ok"
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			out.Error = KindUnavailable
			out.Detail = "circuit open"
		} else {
			out.Error = Classify(err)
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				out.Error = KindTimeout
			}
			out.Detail = err.Error()
		}
		result = string(out.Error)
		a.logger.Warn("provider call failed", "provider", provider, "kind", out.Error, "error", err)
	}
	metrics.ProviderCallsTotal.WithLabelValues(provider, result).Inc()
	metrics.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
	return out
}

// tripsBreaker decides which failures count against a provider's circuit.
// Malformed answers are the provider's data problem, not an outage.
func tripsBreaker(err error) bool {
	return Classify(err) != KindMalformed
}

func (a *Aggregator) merge(address, chain string, risks []riskResult, stats *analyticsResult) Report {
	as := Assessment{
		WalletAddress: address,
		Chain:         chain,
		Tags:          []string{},
		Providers:     a.Providers(),
	}
	var outcomes []Outcome
	errs := make(map[string]ErrorKind)

	for _, r := range risks {
		outcomes = append(outcomes, r.outcome)
		if !r.outcome.OK() {
			errs[r.outcome.Provider] = r.outcome.Error
			continue
		}
		if r.signal == nil {
			continue
		}
		if r.signal.Sanctioned {
			as.IsSanctioned = true
		}
		for _, t := range r.signal.Tags {
			if !slices.Contains(as.Tags, t) {
				as.Tags = append(as.Tags, t)
			}
		}
		if r.signal.RiskScore != nil {
			if as.ProviderRiskScore == nil || *r.signal.RiskScore > *as.ProviderRiskScore {
				as.ProviderRiskScore = Float(*r.signal.RiskScore)
			}
		}
	}
	slices.Sort(as.Tags)

	if stats != nil {
		outcomes = append(outcomes, stats.outcome)
		if !stats.outcome.OK() {
			errs[stats.outcome.Provider] = stats.outcome.Error
		}
		if !stats.stats.empty() {
			ws := stats.stats
			as.WalletStats = &ws
		}
	}
	if len(errs) > 0 {
		as.ProviderErrors = errs
	}
	return Report{Assessment: as, Outcomes: outcomes}
}
