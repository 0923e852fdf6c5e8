package risk

// Levels are the protective exit levels attached to every accepted intent.
type Levels struct {
	Stop           float64 `json:"stop"`
	TakeProfit     float64 `json:"take_profit"`
	TrailingOffset float64 `json:"trailing_offset"`
}

// StopPolicy computes exit levels for an entry at price. Implementations are
// pluggable: percentage-based or volatility (ATR) based.
type StopPolicy interface {
	Name() string
	Levels(instrument string, side Side, price float64) Levels
}

// PercentPolicy places levels a fixed percentage away from entry.
type PercentPolicy struct {
	StopLossPct   float64
	TakeProfitPct float64
	TrailingPct   float64
}

func (PercentPolicy) Name() string { return "percent" }

func (p PercentPolicy) Levels(_ string, side Side, price float64) Levels {
	stopDist := price * p.StopLossPct / 100
	tpDist := price * p.TakeProfitPct / 100
	trail := price * p.TrailingPct / 100

	if side == Sell {
		return Levels{Stop: price + stopDist, TakeProfit: price - tpDist, TrailingOffset: trail}
	}
	return Levels{Stop: price - stopDist, TakeProfit: price + tpDist, TrailingOffset: trail}
}

// ATRFunc supplies the average true range for an instrument over the last
// period samples.
type ATRFunc func(instrument string, period int) (float64, error)

// ATRPolicy scales exit distances with recent volatility. When the ATR feed
// is unavailable it falls back to the percentage policy rather than leaving
// an intent unprotected.
type ATRPolicy struct {
	Multiple float64
	Period   int
	ATR      ATRFunc
	Fallback PercentPolicy
}

func (ATRPolicy) Name() string { return "atr" }

func (p ATRPolicy) Levels(instrument string, side Side, price float64) Levels {
	period := p.Period
	if period <= 0 {
		period = 14
	}
	atr, err := p.ATR(instrument, period)
	if err != nil || atr <= 0 {
		return p.Fallback.Levels(instrument, side, price)
	}

	stopDist := atr * p.Multiple
	tpDist := stopDist * 2
	trail := atr

	if side == Sell {
		return Levels{Stop: price + stopDist, TakeProfit: price - tpDist, TrailingOffset: trail}
	}
	return Levels{Stop: price - stopDist, TakeProfit: price + tpDist, TrailingOffset: trail}
}
