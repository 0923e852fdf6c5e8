package risk

import (
	"math"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/config"
	"github.com/quantfold/tradeagent/internal/fusion"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/signal"
)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType string

const (
	Market OrderType = "market"
	Limit  OrderType = "limit"
)

// OrderIntent is a gate-approved instruction, owned by the execution
// coordinator from approval until the order reaches a terminal state.
type OrderIntent struct {
	Instrument     string    `json:"instrument"`
	Side           Side      `json:"side"`
	SizeUSD        float64   `json:"size_usd"`
	Type           OrderType `json:"type"`
	LimitPrice     float64   `json:"limit_price,omitempty"`
	Stop           float64   `json:"stop,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	TrailingOffset float64   `json:"trailing_offset,omitempty"`
	DecisionKey    string    `json:"decision_key"`
	Reduce         bool      `json:"reduce,omitempty"`
}

type Outcome string

const (
	Approved Outcome = "approved"
	Resized  Outcome = "resized"
	Rejected Outcome = "rejected"
)

// Verdict is the gate's terminal answer for one decision. Rejections carry
// the specific reason and are never retried.
type Verdict struct {
	Outcome Outcome     `json:"outcome"`
	Intent  OrderIntent `json:"intent,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// Gate evaluates candidate decisions against account state and configured
// limits. Checks run in order and short-circuit on the first failure.
type Gate struct {
	stops StopPolicy
	halt  *HaltSwitch
}

func NewGate(stops StopPolicy, halt *HaltSwitch) *Gate {
	return &Gate{stops: stops, halt: halt}
}

func (g *Gate) reject(d fusion.Decision, reason string) Verdict {
	observ.Log("risk_rejected", map[string]any{
		"instrument": d.Instrument,
		"key":        d.Key,
		"reason":     reason,
	})
	observ.IncCounter("risk_rejections_total", map[string]string{"reason": reason})
	return Verdict{Outcome: Rejected, Reason: reason}
}

// Evaluate turns a decision into an order intent, resizing it down when it
// would breach exposure limits. markPrice anchors the protective levels.
func (g *Gate) Evaluate(d fusion.Decision, snap account.Snapshot, limits config.Limits, markPrice float64) Verdict {
	side := Buy
	if d.Direction == signal.Short {
		side = Sell
	}

	pos, hasPos := snap.Positions[d.Instrument]
	// An opinion against the current position closes it rather than opening
	// opposite exposure on top of it.
	reduce := hasPos && ((pos.Long() && side == Sell) || (!pos.Long() && side == Buy))

	if reduce {
		intent := OrderIntent{
			Instrument:  d.Instrument,
			Side:        side,
			SizeUSD:     pos.Notional(),
			Type:        Market,
			DecisionKey: d.Key,
			Reduce:      true,
		}
		observ.IncCounter("risk_approvals_total", map[string]string{"kind": "reduce"})
		return Verdict{Outcome: Approved, Intent: intent}
	}

	// (1) confidence floor
	if d.Confidence < limits.MinConfidence {
		return g.reject(d, "confidence_below_min")
	}

	// (2) global halt
	if halted, why := g.halt.Active(); halted {
		return g.reject(d, "trading_halted:"+why)
	}

	// (3) exposure limits, resize-down before rejecting
	requested := limits.BaseOrderUSD
	if d.Confidence >= 0.8 {
		requested = limits.BaseOrderUSD * 2
	}

	perInstrumentRoom := limits.MaxPositionSizeUSD
	if hasPos {
		perInstrumentRoom -= pos.Notional()
	}
	aggregateRoom := limits.MaxExposureUSD - snap.ExposureUSD
	room := math.Min(perInstrumentRoom, aggregateRoom)

	size := requested
	resized := false
	if size > room {
		size = room
		resized = true
	}
	if size < limits.MinViableOrderUSD {
		return g.reject(d, "below_min_viable_size")
	}

	// (4) concurrent position count, new positions only
	if !hasPos && snap.OpenCount() >= limits.MaxConcurrent {
		return g.reject(d, "max_concurrent_positions")
	}

	levels := g.stops.Levels(d.Instrument, side, markPrice)
	intent := OrderIntent{
		Instrument:     d.Instrument,
		Side:           side,
		SizeUSD:        size,
		Type:           Market,
		Stop:           levels.Stop,
		TakeProfit:     levels.TakeProfit,
		TrailingOffset: levels.TrailingOffset,
		DecisionKey:    d.Key,
	}

	if resized {
		observ.Log("risk_resized", map[string]any{
			"instrument": d.Instrument,
			"key":        d.Key,
			"requested":  requested,
			"granted":    size,
		})
		observ.IncCounter("risk_approvals_total", map[string]string{"kind": "resized"})
		return Verdict{Outcome: Resized, Intent: intent}
	}
	observ.IncCounter("risk_approvals_total", map[string]string{"kind": "approved"})
	return Verdict{Outcome: Approved, Intent: intent}
}

// CheckClosure is the sizing sanity pass for monitor-issued closure intents.
// Closures always pass; the size is clamped to the live position so a stale
// monitor view can never over-close.
func (g *Gate) CheckClosure(intent OrderIntent, snap account.Snapshot) Verdict {
	pos, ok := snap.Positions[intent.Instrument]
	if !ok || pos.Size == 0 {
		return Verdict{Outcome: Rejected, Reason: "no_position"}
	}
	if notional := pos.Notional(); intent.SizeUSD > notional {
		intent.SizeUSD = notional
		return Verdict{Outcome: Resized, Intent: intent}
	}
	return Verdict{Outcome: Approved, Intent: intent}
}
