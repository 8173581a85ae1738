package risk

import (
	"math"

	"github.com/mbd888/sentinel/internal/signals"
)

// Scorer defaults
const (
	DefaultScore  = 15
	SanctionFloor = 90
)

// Scorer computes a 0–100 risk score from an assessment.
type Scorer struct {
	DefaultScore  int // used when no provider returned a risk indicator
	SanctionFloor int // minimum score for sanctioned wallets
}

// NewScorer returns a scorer with the given default score.
func NewScorer(defaultScore int) Scorer {
	return Scorer{DefaultScore: defaultScore, SanctionFloor: SanctionFloor}
}

// Score is pure and monotonic in the provider risk indicator.
func (s Scorer) Score(a signals.Assessment) int {
	base := s.DefaultScore
	if a.ProviderRiskScore != nil {
		base = int(math.Round(*a.ProviderRiskScore * 100))
	}
	if a.IsSanctioned && base < s.SanctionFloor {
		base = s.SanctionFloor
	}
	return clamp(base, 0, 100)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
