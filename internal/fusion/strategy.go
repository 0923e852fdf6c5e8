package fusion

import (
	"math"
	"time"

	"github.com/quantfold/tradeagent/internal/signal"
)

// WeightFunc resolves the configured weight for a signal source.
// Unknown sources weigh 1.0.
type WeightFunc func(source string) float64

// Fuser turns a window of signals into opposing weighted sums. The policy is
// pluggable because the scoring function is a strategy decision, not a fixed
// formula.
type Fuser interface {
	Name() string
	Fuse(sigs []signal.Signal, weight WeightFunc, now time.Time) (longSum, shortSum float64)
}

// WeightedSum is the baseline policy: each signal contributes
// confidence × source weight to its direction's sum.
type WeightedSum struct{}

func (WeightedSum) Name() string { return "weighted_sum" }

func (WeightedSum) Fuse(sigs []signal.Signal, weight WeightFunc, _ time.Time) (float64, float64) {
	var long, short float64
	for _, s := range sigs {
		contrib := s.Confidence * weight(s.Source)
		switch s.Direction {
		case signal.Long:
			long += contrib
		case signal.Short:
			short += contrib
		}
	}
	return long, short
}

// RecencyDecay discounts each contribution by its age with an exponential
// half-life, so a stale opinion cannot outvote a fresh reversal.
type RecencyDecay struct {
	HalfLife time.Duration
}

func (RecencyDecay) Name() string { return "recency_decay" }

func (rd RecencyDecay) Fuse(sigs []signal.Signal, weight WeightFunc, now time.Time) (float64, float64) {
	var long, short float64
	for _, s := range sigs {
		age := now.Sub(s.At)
		if age < 0 {
			age = 0
		}
		decay := math.Exp2(-float64(age) / float64(rd.HalfLife))
		contrib := s.Confidence * weight(s.Source) * decay
		switch s.Direction {
		case signal.Long:
			long += contrib
		case signal.Short:
			short += contrib
		}
	}
	return long, short
}
