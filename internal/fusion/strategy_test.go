package fusion

import (
	"math"
	"testing"
	"time"

	"github.com/quantfold/tradeagent/internal/signal"
)

func unitWeight(string) float64 { return 1 }

func TestWeightedSum(t *testing.T) {
	sigs := []signal.Signal{
		{Source: "tv", Direction: signal.Long, Confidence: 0.6},
		{Source: "claude", Direction: signal.Long, Confidence: 0.7},
		{Source: "tv", Direction: signal.Short, Confidence: 0.5},
		{Source: "tv", Direction: signal.Flat, Confidence: 0.9}, // flat contributes nothing
	}
	long, short := WeightedSum{}.Fuse(sigs, unitWeight, time.Now())
	if math.Abs(long-1.3) > 1e-9 {
		t.Fatalf("want long sum 1.3, got %v", long)
	}
	if math.Abs(short-0.5) > 1e-9 {
		t.Fatalf("want short sum 0.5, got %v", short)
	}
}

func TestWeightedSum_SourceWeights(t *testing.T) {
	weight := func(src string) float64 {
		if src == "perplexity" {
			return 0.5
		}
		return 1
	}
	sigs := []signal.Signal{
		{Source: "perplexity", Direction: signal.Long, Confidence: 0.8},
	}
	long, _ := WeightedSum{}.Fuse(sigs, weight, time.Now())
	if math.Abs(long-0.4) > 1e-9 {
		t.Fatalf("want weighted contribution 0.4, got %v", long)
	}
}

func TestRecencyDecay_DiscountsStaleSignals(t *testing.T) {
	now := time.Now()
	fresh := signal.Signal{Source: "tv", Direction: signal.Long, Confidence: 0.8, At: now}
	stale := signal.Signal{Source: "tv", Direction: signal.Short, Confidence: 0.8, At: now.Add(-time.Minute)}

	rd := RecencyDecay{HalfLife: 30 * time.Second}
	long, short := rd.Fuse([]signal.Signal{fresh, stale}, unitWeight, now)

	if long <= short {
		t.Fatalf("fresh signal should outvote equally confident stale one: long=%v short=%v", long, short)
	}
	// two half-lives: the stale contribution is a quarter of its confidence
	if math.Abs(short-0.2) > 1e-9 {
		t.Fatalf("want decayed short 0.2, got %v", short)
	}
}
