package pricefeed

import "math/rand"

// SyntheticSource generates the next price as
// lastGood * (1 + N(0, volatility)), clamped to positive, for test and
// offline use when no external market connectivity is available.
type SyntheticSource struct {
	Volatility float64
	rng        *rand.Rand
}

// NewSyntheticSource creates a SyntheticSource with the given volatility
// (standard deviation of the relative price move per tick).
func NewSyntheticSource(volatility float64, seed int64) *SyntheticSource {
	return &SyntheticSource{
		Volatility: volatility,
		rng:        rand.New(rand.NewSource(seed)),
	}
}

// NextPrice implements Source.
func (s *SyntheticSource) NextPrice(lastGood float64) (float64, error) {
	move := s.rng.NormFloat64() * s.Volatility
	next := lastGood * (1 + move)
	if next <= 0 {
		next = lastGood
	}
	return next, nil
}
