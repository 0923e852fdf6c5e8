package exchange

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/tradeagent/internal/risk"
)

// PaperExchange is an in-process exchange with idempotent submission,
// partial fills, and injectable transport failures. It backs paper trading
// and the test suite.
type PaperExchange struct {
	mu          sync.Mutex
	rng         *rand.Rand
	instruments map[string]*simInstrument
	balance     float64
	positions   map[string]*PositionState
	orders      map[string]*simOrder
	byKey       map[string]string // idempotency key -> order id
	submits     map[string]int    // idempotency key -> raw submit attempts

	fillLatency time.Duration
	partialPct  float64

	failNext    int
	failTimeout bool
}

type simInstrument struct {
	price      float64
	basePrice  float64
	volatility float64
	history    []float64
}

const maxPriceHistory = 256

func (ins *simInstrument) record(price float64) {
	ins.history = append(ins.history, price)
	if len(ins.history) > maxPriceHistory {
		ins.history = ins.history[len(ins.history)-maxPriceHistory:]
	}
}

type simOrder struct {
	state  OrderState
	intent risk.OrderIntent
}

func NewPaperExchange(startingUSD float64, fillLatency time.Duration, partialPct float64) *PaperExchange {
	return &PaperExchange{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		instruments: make(map[string]*simInstrument),
		balance:     startingUSD,
		positions:   make(map[string]*PositionState),
		orders:      make(map[string]*simOrder),
		byKey:       make(map[string]string),
		submits:     make(map[string]int),
		fillLatency: fillLatency,
		partialPct:  partialPct,
	}
}

// AddInstrument registers an instrument with a starting price and a daily
// volatility used for the random walk and the ATR estimate.
func (p *PaperExchange) AddInstrument(instrument string, price, volatility float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ins := &simInstrument{price: price, basePrice: price, volatility: volatility}
	ins.record(price)
	p.instruments[instrument] = ins
}

// SetPrice pins an instrument's price and walk anchor, for deterministic
// tests.
func (p *PaperExchange) SetPrice(instrument string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ins, ok := p.instruments[instrument]; ok {
		ins.price = price
		ins.basePrice = price
		ins.record(price)
	}
}

// FailSubmits makes the next n submissions fail with a transport error;
// timeout selects the timeout flavor.
func (p *PaperExchange) FailSubmits(n int, timeout bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = n
	p.failTimeout = timeout
}

// SubmitAttempts reports raw submission attempts for an idempotency key,
// including retries that were absorbed by the key.
func (p *PaperExchange) SubmitAttempts(key string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits[key]
}

func (p *PaperExchange) AccountState(_ context.Context) (AccountState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := AccountState{BalanceUSD: p.balance}
	for _, pos := range p.positions {
		out.Positions = append(out.Positions, *pos)
	}
	return out, nil
}

func (p *PaperExchange) Positions(_ context.Context) ([]PositionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []PositionState
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *PaperExchange) Ticker(_ context.Context, instrument string) (Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ins, ok := p.instruments[instrument]
	if !ok {
		return Ticker{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}

	// random walk, mean-reverting toward the base price
	drift := (ins.basePrice - ins.price) / ins.basePrice * 0.05
	step := (p.rng.Float64()*2 - 1) * ins.volatility / 20
	ins.price *= 1 + drift + step
	ins.record(ins.price)

	span := ins.price * ins.volatility / 2
	return Ticker{
		Instrument: instrument,
		Price:      ins.price,
		High24h:    ins.price + span,
		Low24h:     ins.price - span,
		Volume24h:  ins.basePrice * 1e6,
		Change24h:  (ins.price - ins.basePrice) / ins.basePrice * 100,
		At:         time.Now().UTC(),
	}, nil
}

// ATR averages the true range over the last period price samples, feeding
// the ATR stop policy. Until enough history accumulates it estimates from
// the configured volatility.
func (p *PaperExchange) ATR(instrument string, period int) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ins, ok := p.instruments[instrument]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	if period <= 0 {
		period = 14
	}

	var sum float64
	ranges := 0
	h := ins.history
	for i := len(h) - 1; i > 0 && ranges < period; i-- {
		sum += math.Abs(h[i] - h[i-1])
		ranges++
	}
	if ranges == 0 || sum == 0 {
		return ins.price * ins.volatility, nil
	}
	return sum / float64(ranges), nil
}

func (p *PaperExchange) SubmitOrder(ctx context.Context, intent risk.OrderIntent, idempotencyKey string) (OrderAck, error) {
	if p.fillLatency > 0 {
		select {
		case <-time.After(p.fillLatency):
		case <-ctx.Done():
			return OrderAck{}, &TransportError{Op: "submit", Timeout: true, Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits[idempotencyKey]++

	if p.failNext > 0 {
		p.failNext--
		return OrderAck{}, &TransportError{Op: "submit", Timeout: p.failTimeout, Err: fmt.Errorf("injected failure")}
	}

	// Idempotent submission: a known key returns the original order.
	if id, ok := p.byKey[idempotencyKey]; ok {
		o := p.orders[id]
		return OrderAck{OrderID: id, Status: o.state.Status, FilledQty: o.state.FilledQty, AvgPrice: o.state.AvgPrice}, nil
	}

	ins, ok := p.instruments[intent.Instrument]
	if !ok {
		return OrderAck{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, intent.Instrument)
	}

	price := ins.price
	if intent.Type == risk.Limit && intent.LimitPrice > 0 {
		price = intent.LimitPrice
	}
	// Quantities on the wire are unsigned magnitudes; the side carries the
	// direction. Only the position book works in signed sizes.
	qty := intent.SizeUSD / price

	fillQty := qty
	status := StatusFilled
	if p.partialPct > 0 && p.rng.Float64() < p.partialPct {
		fillQty = qty / 2
		status = StatusPartiallyFilled
	}

	id := uuid.NewString()
	o := &simOrder{
		intent: intent,
		state: OrderState{
			OrderID:      id,
			Status:       status,
			FilledQty:    fillQty,
			RemainingQty: qty - fillQty,
			AvgPrice:     price,
			UpdatedAt:    time.Now().UTC(),
		},
	}
	p.orders[id] = o
	p.byKey[idempotencyKey] = id
	p.applyFillLocked(intent.Instrument, signedQty(fillQty, intent.Side), price)

	return OrderAck{OrderID: id, Status: status, FilledQty: fillQty, AvgPrice: price}, nil
}

func (p *PaperExchange) OrderStatus(_ context.Context, orderID string) (OrderState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return OrderState{}, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	return o.state, nil
}

func (p *PaperExchange) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.state.Status.Terminal() {
		// Cancel after terminal state is a no-op; the caller reconciles
		// against the reported state.
		return nil
	}
	o.state.Status = StatusCancelled
	o.state.RemainingQty = 0
	o.state.UpdatedAt = time.Now().UTC()
	return nil
}

// FillRemainder completes a partially filled order, for tests and replayed
// race scenarios.
func (p *PaperExchange) FillRemainder(orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if o.state.RemainingQty == 0 {
		return nil
	}
	qty := o.state.RemainingQty
	o.state.FilledQty += qty
	o.state.RemainingQty = 0
	o.state.Status = StatusFilled
	o.state.UpdatedAt = time.Now().UTC()
	p.applyFillLocked(o.intent.Instrument, signedQty(qty, o.intent.Side), o.state.AvgPrice)
	return nil
}

func signedQty(qty float64, side risk.Side) float64 {
	if side == risk.Sell {
		return -qty
	}
	return qty
}

func (p *PaperExchange) applyFillLocked(instrument string, qty, price float64) {
	pos, ok := p.positions[instrument]
	if !ok {
		p.positions[instrument] = &PositionState{Instrument: instrument, Size: qty, EntryPrice: price, MarkPrice: price}
		return
	}

	switch {
	case pos.Size == 0:
		pos.Size = qty
		pos.EntryPrice = price
	case (pos.Size > 0) == (qty > 0):
		total := pos.Size + qty
		pos.EntryPrice = (pos.EntryPrice*pos.Size + price*qty) / total
		pos.Size = total
	default:
		closed := math.Min(math.Abs(qty), math.Abs(pos.Size))
		direction := 1.0
		if pos.Size < 0 {
			direction = -1
		}
		p.balance += closed * (price - pos.EntryPrice) * direction
		pos.Size += qty
		if pos.Size != 0 && (pos.Size > 0) == (qty > 0) {
			pos.EntryPrice = price
		}
	}

	pos.MarkPrice = price
	if math.Abs(pos.Size) < 1e-9 {
		delete(p.positions, instrument)
	}
}
