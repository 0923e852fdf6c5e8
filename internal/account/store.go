package account

import (
	"math"
	"sync"
	"time"
)

// Position is the agent's view of exchange-confirmed exposure. Size is
// signed: positive long, negative short.
type Position struct {
	Instrument     string    `json:"instrument"`
	Size           float64   `json:"size"`
	EntryPrice     float64   `json:"entry_price"` // size-weighted average
	MarkPrice      float64   `json:"mark_price"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	Stop           float64   `json:"stop,omitempty"`
	TakeProfit     float64   `json:"take_profit,omitempty"`
	TrailingOffset float64   `json:"trailing_offset,omitempty"`
	MarginUSD      float64   `json:"margin_usd"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (p Position) Long() bool { return p.Size > 0 }

// Notional is the current USD exposure of the position.
func (p Position) Notional() float64 {
	price := p.MarkPrice
	if price == 0 {
		price = p.EntryPrice
	}
	return math.Abs(p.Size) * price
}

// Snapshot is an immutable view handed to the risk gate and the position
// monitor. Readers never touch live store state.
type Snapshot struct {
	BalanceUSD  float64             `json:"balance_usd"`
	NAV         float64             `json:"nav"`
	PeakNAV     float64             `json:"peak_nav"`
	ExposureUSD float64             `json:"exposure_usd"`
	Positions   map[string]Position `json:"positions"`
	TakenAt     time.Time           `json:"taken_at"`
}

// DrawdownPct is the percentage decline from the NAV high-water mark.
func (s Snapshot) DrawdownPct() float64 {
	if s.PeakNAV <= 0 {
		return 0
	}
	dd := (s.PeakNAV - s.NAV) / s.PeakNAV * 100
	if dd < 0 {
		return 0
	}
	return dd
}

// OpenCount returns the number of non-zero positions.
func (s Snapshot) OpenCount() int {
	n := 0
	for _, p := range s.Positions {
		if p.Size != 0 {
			n++
		}
	}
	return n
}

// Store is the single authoritative account/exposure state. It is mutated
// only by confirmed fills and monitor-issued level adjustments; everything
// else reads immutable snapshots, keeping the hot evaluation path lock-free.
type Store struct {
	mu        sync.RWMutex
	balance   float64
	peakNAV   float64
	positions map[string]Position
}

func NewStore(startingUSD float64) *Store {
	return &Store{
		balance:   startingUSD,
		peakNAV:   startingUSD,
		positions: make(map[string]Position),
	}
}

// ApplyFill folds a confirmed execution into the position for instrument.
// qty is signed (+ buy/long, - sell/short). Reducing fills realize PnL into
// the balance; a fill through zero opens the residual at the fill price.
func (s *Store) ApplyFill(instrument string, qty, price float64, at time.Time) Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.positions[instrument]
	pos.Instrument = instrument

	switch {
	case pos.Size == 0:
		pos.Size = qty
		pos.EntryPrice = price
	case sameSign(pos.Size, qty):
		total := pos.Size + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / total
		pos.Size = total
	default:
		closed := math.Min(math.Abs(qty), math.Abs(pos.Size))
		direction := 1.0
		if pos.Size < 0 {
			direction = -1
		}
		s.balance += closed * (price - pos.EntryPrice) * direction
		pos.Size += qty
		if sameSign(pos.Size, qty) && pos.Size != 0 {
			// flipped through zero; residual opens at the fill price
			pos.EntryPrice = price
			pos.Stop, pos.TakeProfit, pos.TrailingOffset = 0, 0, 0
		}
	}

	if math.Abs(pos.Size) < 1e-9 {
		delete(s.positions, instrument)
		pos.Size = 0
		s.updatePeakLocked()
		return pos
	}

	pos.MarkPrice = price
	pos.UnrealizedPnL = pos.Size * (price - pos.EntryPrice)
	pos.UpdatedAt = at
	s.positions[instrument] = pos
	s.updatePeakLocked()
	return pos
}

// UpdateMark refreshes the mark price and unrealized PnL for instrument.
func (s *Store) UpdateMark(instrument string, price float64, at time.Time) (Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[instrument]
	if !ok {
		return Position{}, false
	}
	pos.MarkPrice = price
	pos.UnrealizedPnL = pos.Size * (price - pos.EntryPrice)
	pos.UpdatedAt = at
	s.positions[instrument] = pos
	s.updatePeakLocked()
	return pos, true
}

// SetLevels persists monitor-issued stop/take-profit/trailing levels.
func (s *Store) SetLevels(instrument string, stop, takeProfit, trailing float64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.positions[instrument]
	if !ok {
		return false
	}
	pos.Stop = stop
	pos.TakeProfit = takeProfit
	pos.TrailingOffset = trailing
	s.positions[instrument] = pos
	return true
}

// Snapshot returns a deep copy of the current state.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make(map[string]Position, len(s.positions))
	exposure := 0.0
	unrealized := 0.0
	for k, p := range s.positions {
		positions[k] = p
		exposure += p.Notional()
		unrealized += p.UnrealizedPnL
	}

	return Snapshot{
		BalanceUSD:  s.balance,
		NAV:         s.balance + unrealized,
		PeakNAV:     s.peakNAV,
		ExposureUSD: exposure,
		Positions:   positions,
		TakenAt:     time.Now().UTC(),
	}
}

func (s *Store) updatePeakLocked() {
	unrealized := 0.0
	for _, p := range s.positions {
		unrealized += p.UnrealizedPnL
	}
	if nav := s.balance + unrealized; nav > s.peakNAV {
		s.peakNAV = nav
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
