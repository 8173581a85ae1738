package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sentinel/internal/signals"
)

const wallet = "0xAbC0000000000000000000000000000000000001"

func TestFeatures_NewWallet(t *testing.T) {
	tr := NewFeatureTracker()
	f := tr.Features(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(50), Channel: "web"}, signals.Assessment{})

	assert.True(t, f.Flag(FlagNewWallet))
	assert.False(t, f.Flag(FlagVelocityHigh))
	amount, ok := f.Number(FeatureAmount)
	assert.True(t, ok)
	assert.Equal(t, 50.0, amount)
	ch, _ := f.Attribute(AttributeChannel)
	assert.Equal(t, "web", ch)
	_, ok = f.Number(FeatureRiskIndicator)
	assert.False(t, ok, "absent indicator is not a feature")
}

func TestFeatures_HistoryAndVelocity(t *testing.T) {
	tr := NewFeatureTracker()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	// 30 small payments spread over the last day
	for i := 1; i <= 30; i++ {
		tr.Observe(FeatureInput{
			Wallet: wallet,
			Amount: decimal.NewFromFloat(1),
			Origin: "device-1",
			At:     now.Add(-time.Duration(i) * 45 * time.Minute),
		})
	}

	f := tr.Features(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(500), Origin: "device-2", At: now}, signals.Assessment{})
	count, _ := f.Number(FeatureTxCount24h)
	assert.Equal(t, 30.0, count)
	volume, _ := f.Number(FeatureVolume24h)
	assert.Equal(t, 30.0, volume)
	assert.False(t, f.Flag(FlagNewWallet))
	assert.True(t, f.Flag(FlagVelocityHigh))
	assert.True(t, f.Flag(FlagVelocitySpike), "500 against ~0.1 per 5 minutes")
	assert.True(t, f.Flag(FlagMultipleSources))
}

func TestFeatures_WindowExpires(t *testing.T) {
	tr := NewFeatureTracker()
	now := time.Now()
	tr.Observe(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(10), At: now.Add(-25 * time.Hour)})

	f := tr.Features(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(1), At: now}, signals.Assessment{})
	assert.True(t, f.Flag(FlagNewWallet))
}

func TestFeatures_WalletKeyIsCaseInsensitive(t *testing.T) {
	tr := NewFeatureTracker()
	tr.Observe(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(10)})
	f := tr.Features(FeatureInput{Wallet: "0xabc0000000000000000000000000000000000001", Amount: decimal.NewFromInt(1)}, signals.Assessment{})
	assert.False(t, f.Flag(FlagNewWallet))
}

func TestFeatures_ProviderAndAttributes(t *testing.T) {
	bal := decimal.RequireFromString("3.5")
	a := signals.Assessment{
		IsSanctioned:      true,
		ProviderRiskScore: signals.Float(0.9),
		WalletStats:       &signals.WalletStats{Balance: &bal, TokenCount: signals.Int(4)},
	}
	in := FeatureInput{
		Wallet: wallet,
		Amount: decimal.NewFromInt(1),
		Attributes: map[string]string{
			"time_since_mix":     "90m",
			"hops_from_sanction": "2",
			"Destination":        "Exchange",
			"kyc_verified":       "false",
		},
	}
	f := NewFeatureTracker().Features(in, a)

	assert.True(t, f.Flag(FlagSanctioned))
	v, _ := f.Number(FeatureRiskIndicator)
	assert.Equal(t, 0.9, v)
	v, _ = f.Number(FeatureBalance)
	assert.Equal(t, 3.5, v)
	v, _ = f.Number(FeatureTokenCount)
	assert.Equal(t, 4.0, v)
	_, ok := f.Number(FeatureNftCount)
	assert.False(t, ok)

	v, _ = f.Number("time_since_mix")
	assert.InDelta(t, 1.5, v, 1e-9)
	v, _ = f.Number("hops_from_sanction")
	assert.Equal(t, 2.0, v)
	dest, _ := f.Attribute("destination")
	assert.Equal(t, "exchange", dest)
	assert.False(t, f.Flag("kyc_verified"))
}

func TestParseQuantity(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"10000", 10000, true},
		{"2h", 2, true},
		{"30m", 0.5, true},
		{"0.25", 0.25, true},
		{"exchange", 0, false},
		{"", 0, false},
		{"NaN", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseQuantity(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.InDelta(t, tt.want, got, 1e-9, tt.in)
		}
	}
}

func TestFeatures_AttributesCannotOverrideDerived(t *testing.T) {
	in := FeatureInput{
		Wallet: wallet,
		Amount: decimal.NewFromInt(50),
		Attributes: map[string]string{
			"amount":        "1",
			"velocity_high": "true",
		},
	}
	f := NewFeatureTracker().Features(in, signals.Assessment{})

	v, _ := f.Number(FeatureAmount)
	assert.Equal(t, 50.0, v)
	assert.False(t, f.Flag(FlagVelocityHigh))
}

func TestFeatures_History(t *testing.T) {
	tr := NewFeatureTracker()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Zero(t, tr.History(wallet, now))

	tr.Observe(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(5), At: now.Add(-time.Hour)})
	tr.Observe(FeatureInput{Wallet: wallet, Amount: decimal.NewFromInt(5), At: now.Add(-30 * time.Hour)})
	assert.Equal(t, 1, tr.History(wallet, now))
}
