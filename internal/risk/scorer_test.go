package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mbd888/sentinel/internal/signals"
)

func TestScorer_Score(t *testing.T) {
	s := NewScorer(DefaultScore)

	tests := []struct {
		name string
		a    signals.Assessment
		want int
	}{
		{"no indicator uses default", signals.Assessment{}, 15},
		{"indicator scaled", signals.Assessment{ProviderRiskScore: signals.Float(0.42)}, 42},
		{"rounding", signals.Assessment{ProviderRiskScore: signals.Float(0.845)}, 85},
		{"sanction floor lifts", signals.Assessment{IsSanctioned: true, ProviderRiskScore: signals.Float(0.3)}, 90},
		{"sanction floor without indicator", signals.Assessment{IsSanctioned: true}, 90},
		{"sanction keeps higher", signals.Assessment{IsSanctioned: true, ProviderRiskScore: signals.Float(0.97)}, 97},
		{"clamped high", signals.Assessment{ProviderRiskScore: signals.Float(1.7)}, 100},
		{"clamped low", signals.Assessment{ProviderRiskScore: signals.Float(-0.2)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Score(tt.a))
		})
	}
}

func TestScorer_SanctionedAlwaysAtLeastFloor(t *testing.T) {
	s := NewScorer(0)
	for i := 0; i <= 100; i++ {
		a := signals.Assessment{IsSanctioned: true, ProviderRiskScore: signals.Float(float64(i) / 100)}
		assert.GreaterOrEqual(t, s.Score(a), SanctionFloor)
	}
}

func TestScorer_Monotonic(t *testing.T) {
	s := NewScorer(DefaultScore)
	prev := -1
	for i := 0; i <= 100; i++ {
		got := s.Score(signals.Assessment{ProviderRiskScore: signals.Float(float64(i) / 100)})
		assert.GreaterOrEqual(t, got, prev)
		prev = got
	}
}
