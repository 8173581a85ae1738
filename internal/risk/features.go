package risk

import (
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/sentinel/internal/signals"
)

// windowEntry records one screened transaction for sliding-window features.
type windowEntry struct {
	Amount    float64
	Origin    string // device id or IP the transaction came from
	Timestamp time.Time
}

const (
	maxWindowSize  = 1000
	windowDuration = 24 * time.Hour

	// VelocityHigh and VelocitySpike are 5-minute spend ratios against the
	// wallet's 24h average rate.
	VelocityHigh  = 10.0
	VelocitySpike = 100.0
)

// Feature names available to playbook conditions.
const (
	FeatureAmount        = "amount"
	FeatureTxCount24h    = "tx_count_24h"
	FeatureVolume24h     = "volume_24h"
	FeatureVelocityRatio = "velocity_ratio"
	FeatureRiskIndicator = "risk_indicator"
	FeatureBalance       = "balance"
	FeatureTokenCount    = "token_count"
	FeatureNftCount      = "nft_count"
	FlagVelocityHigh     = "velocity_high"
	FlagVelocitySpike    = "velocity_spike"
	FlagNewWallet        = "new_wallet"
	FlagMultipleSources  = "multiple_sources"
	FlagSanctioned       = "sanctioned"
	AttributeChannel     = "channel"
)

// Features is the evaluated view of one transaction that playbook
// conditions are checked against. It is recorded with the decision so a
// match can be replayed without the tracker's history.
type Features struct {
	Numbers    map[string]float64 `json:"numbers"`
	Flags      map[string]bool    `json:"flags"`
	Attributes map[string]string  `json:"attributes"`
}

// Number returns a numeric feature.
func (f Features) Number(name string) (float64, bool) {
	v, ok := f.Numbers[name]
	return v, ok
}

// Flag returns a named predicate; unknown predicates are false.
func (f Features) Flag(name string) bool {
	return f.Flags[name]
}

// Attribute returns a string attribute.
func (f Features) Attribute(key string) (string, bool) {
	v, ok := f.Attributes[key]
	return v, ok
}

// FeatureInput is the transaction data features are derived from.
type FeatureInput struct {
	Wallet     string
	Amount     decimal.Decimal
	Channel    string
	Origin     string
	Attributes map[string]string
	At         time.Time
}

// FeatureTracker keeps a 24h sliding window of screened transactions per
// wallet and derives behavioural features from it.
type FeatureTracker struct {
	windows sync.Map // map[string]*walletWindow
	now     func() time.Time
}

type walletWindow struct {
	mu      sync.Mutex
	entries []windowEntry
}

// NewFeatureTracker creates an empty tracker.
func NewFeatureTracker() *FeatureTracker {
	return &FeatureTracker{now: time.Now}
}

// Features derives the feature set for in given the assessment. The
// transaction itself is not recorded; call Observe once it is decided.
func (t *FeatureTracker) Features(in FeatureInput, a signals.Assessment) Features {
	at := in.At
	if at.IsZero() {
		at = t.now()
	}
	w := t.window(in.Wallet)
	w.mu.Lock()
	entries := snapshotEntries(w.entries, at)
	w.mu.Unlock()

	amount := in.Amount.InexactFloat64()
	f := Features{
		Numbers:    map[string]float64{},
		Flags:      map[string]bool{},
		Attributes: map[string]string{},
	}

	var volume float64
	for _, e := range entries {
		volume += e.Amount
	}
	ratio := velocityRatio(entries, amount, at)

	f.Numbers[FeatureAmount] = amount
	f.Numbers[FeatureTxCount24h] = float64(len(entries))
	f.Numbers[FeatureVolume24h] = volume
	f.Numbers[FeatureVelocityRatio] = ratio
	f.Flags[FlagVelocityHigh] = ratio >= VelocityHigh
	f.Flags[FlagVelocitySpike] = ratio >= VelocitySpike
	f.Flags[FlagNewWallet] = len(entries) == 0
	f.Flags[FlagMultipleSources] = distinctOrigins(entries, in.Origin) >= 2
	f.Flags[FlagSanctioned] = a.IsSanctioned

	if a.ProviderRiskScore != nil {
		f.Numbers[FeatureRiskIndicator] = *a.ProviderRiskScore
	}
	if ws := a.WalletStats; ws != nil {
		if ws.Balance != nil {
			f.Numbers[FeatureBalance] = ws.Balance.InexactFloat64()
		}
		if ws.TokenCount != nil {
			f.Numbers[FeatureTokenCount] = float64(*ws.TokenCount)
		}
		if ws.NftCount != nil {
			f.Numbers[FeatureNftCount] = float64(*ws.NftCount)
		}
	}
	if in.Channel != "" {
		f.Attributes[AttributeChannel] = in.Channel
	}

	// Caller-supplied attributes: numbers (optionally with an h/m duration
	// suffix, in hours), booleans, or plain strings. They never override
	// derived features.
	for k, v := range in.Attributes {
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.TrimSpace(v)
		if k == "" || f.derived(k) {
			continue
		}
		if n, ok := ParseQuantity(v); ok {
			f.Numbers[k] = n
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			f.Flags[k] = b
			continue
		}
		f.Attributes[k] = strings.ToLower(v)
	}
	return f
}

func (f Features) derived(k string) bool {
	_, num := f.Numbers[k]
	_, flag := f.Flags[k]
	_, attr := f.Attributes[k]
	return num || flag || attr
}

// History returns how many transactions were observed for wallet in the
// 24h window ending at at.
func (t *FeatureTracker) History(wallet string, at time.Time) int {
	if at.IsZero() {
		at = t.now()
	}
	w := t.window(wallet)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(snapshotEntries(w.entries, at))
}

// Observe appends a decided transaction to the wallet's window.
func (t *FeatureTracker) Observe(in FeatureInput) {
	at := in.At
	if at.IsZero() {
		at = t.now()
	}
	w := t.window(in.Wallet)
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, windowEntry{
		Amount:    in.Amount.InexactFloat64(),
		Origin:    in.Origin,
		Timestamp: at,
	})
	pruneWindow(w, at)
}

func (t *FeatureTracker) window(wallet string) *walletWindow {
	v, _ := t.windows.LoadOrStore(strings.ToLower(wallet), &walletWindow{})
	return v.(*walletWindow)
}

// snapshotEntries returns a copy of entries inside the 24h window ending at now.
func snapshotEntries(entries []windowEntry, now time.Time) []windowEntry {
	cutoff := now.Add(-windowDuration)
	result := make([]windowEntry, 0, len(entries))
	for _, e := range entries {
		if e.Timestamp.After(cutoff) && !e.Timestamp.After(now) {
			result = append(result, e)
		}
	}
	return result
}

// pruneWindow drops entries older than 24h and caps the window (caller holds lock).
func pruneWindow(w *walletWindow, now time.Time) {
	cutoff := now.Add(-windowDuration)
	start := 0
	for start < len(w.entries) && w.entries[start].Timestamp.Before(cutoff) {
		start++
	}
	if start > 0 {
		w.entries = w.entries[start:]
	}
	if len(w.entries) > maxWindowSize {
		w.entries = w.entries[len(w.entries)-maxWindowSize:]
	}
}

// velocityRatio compares the last 5 minutes of spend (including the current
// amount) with the wallet's average 5-minute rate over 24h.
func velocityRatio(entries []windowEntry, current float64, now time.Time) float64 {
	if len(entries) < 2 {
		return 0
	}
	fiveMinAgo := now.Add(-5 * time.Minute)

	var total24h, spent5min float64
	for _, e := range entries {
		total24h += e.Amount
		if e.Timestamp.After(fiveMinAgo) {
			spent5min += e.Amount
		}
	}
	spent5min += current

	// 24h = 288 five-minute windows
	avg := total24h / 288.0
	if avg <= 0 {
		return 0
	}
	return math.Round(spent5min/avg*1000) / 1000
}

func distinctOrigins(entries []windowEntry, current string) int {
	seen := map[string]struct{}{}
	for _, e := range entries {
		if e.Origin != "" {
			seen[e.Origin] = struct{}{}
		}
	}
	if current != "" {
		seen[current] = struct{}{}
	}
	return len(seen)
}

// ParseQuantity parses "10000", "0.5", "2h" or "90m". Durations are
// returned in hours.
func ParseQuantity(s string) (float64, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, false
	}
	scale := 1.0
	switch {
	case strings.HasSuffix(s, "h"):
		s = strings.TrimSuffix(s, "h")
	case strings.HasSuffix(s, "m"):
		s = strings.TrimSuffix(s, "m")
		scale = 1.0 / 60.0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v * scale, true
}
