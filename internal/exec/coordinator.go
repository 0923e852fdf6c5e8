// Package exec drives orders through the exchange: one live order per
// instrument and side, idempotent submission with bounded retries, and
// partial fill settlement under a grace window.
package exec

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/exchange"
	"github.com/quantfold/tradeagent/internal/journal"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/risk"
)

// Config carries execution tuning. Durations derive from config.Exec.
type Config struct {
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	SubmitTimeout  time.Duration
	PollInterval   time.Duration
	RemainderGrace time.Duration
}

type Coordinator struct {
	cfg     Config
	adapter exchange.Adapter
	journal *journal.Journal
	store   *account.Store

	mu      sync.Mutex
	orders  map[string]*Order      // decision key -> order
	aborted map[string]bool        // decision keys aborted before execution
	lanes   map[string]*sync.Mutex // instrument|side serialization

	wg sync.WaitGroup
}

func NewCoordinator(cfg Config, adapter exchange.Adapter, jnl *journal.Journal, store *account.Store) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Coordinator{
		cfg:     cfg,
		adapter: adapter,
		journal: jnl,
		store:   store,
		orders:  make(map[string]*Order),
		aborted: make(map[string]bool),
		lanes:   make(map[string]*sync.Mutex),
	}
}

// Wait blocks until background settlement goroutines finish. Call on shutdown.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Lookup returns the tracked order for a decision key.
func (c *Coordinator) Lookup(decisionKey string) (*Order, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.orders[decisionKey]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

func (c *Coordinator) lane(intent risk.OrderIntent) *sync.Mutex {
	key := intent.Instrument + "|" + string(intent.Side)
	c.mu.Lock()
	defer c.mu.Unlock()
	lk, ok := c.lanes[key]
	if !ok {
		lk = &sync.Mutex{}
		c.lanes[key] = lk
	}
	return lk
}

// Execute runs one approved intent to a terminal state. The decision key is
// the idempotency key end to end: a key seen inside the dedup horizon is
// skipped, and every retry against the exchange reuses it so a redelivered
// submit can never execute twice. The instrument+side lane stays locked
// until the order is terminal; a partial fill hands the lane to its
// remainder watcher so a second intent cannot open a concurrent order.
func (c *Coordinator) Execute(ctx context.Context, intent risk.OrderIntent) (*Order, error) {
	lk := c.lane(intent)
	lk.Lock()
	laneHeld := true
	defer func() {
		if laneHeld {
			lk.Unlock()
		}
	}()

	dup, err := c.journal.HasRecentDecision(intent.DecisionKey)
	if err != nil {
		return nil, fmt.Errorf("journal scan: %w", err)
	}
	if dup {
		observ.IncCounter("orders_deduped_total", map[string]string{"instrument": intent.Instrument})
		observ.Log("order_deduped", map[string]any{"key": intent.DecisionKey, "instrument": intent.Instrument})
		return nil, nil
	}
	if err := c.journal.WriteDecision(journal.DecisionRecord{
		Key:        intent.DecisionKey,
		Instrument: intent.Instrument,
		Direction:  string(intent.Side),
		DecidedAt:  time.Now().UTC(),
	}); err != nil {
		return nil, fmt.Errorf("journal decision: %w", err)
	}

	c.mu.Lock()
	if c.aborted[intent.DecisionKey] {
		c.mu.Unlock()
		observ.Log("order_aborted_before_submit", map[string]any{"key": intent.DecisionKey})
		return nil, nil
	}
	o := &Order{Intent: intent, State: StatePending, UpdatedAt: time.Now().UTC()}
	c.orders[intent.DecisionKey] = o
	c.mu.Unlock()
	c.journalOrder(o)

	ack, err := c.submitWithRetry(ctx, o)
	if err != nil {
		return c.copyOf(o), err
	}

	transferred, err := c.settle(ctx, o, ack, lk)
	if transferred {
		laneHeld = false
	}
	return c.copyOf(o), err
}

// copyOf snapshots an order under the lock; background settlement keeps
// mutating the tracked order after Execute returns.
func (c *Coordinator) copyOf(o *Order) *Order {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *o
	return &cp
}

// submitWithRetry pushes the intent to the exchange, retrying transient
// transport failures with exponential backoff and the same idempotency key.
func (c *Coordinator) submitWithRetry(ctx context.Context, o *Order) (exchange.OrderAck, error) {
	c.transition(o, StateSubmitted, "")

	backoff := c.cfg.BackoffBase
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if aborted := c.isAborted(o.Intent.DecisionKey); aborted && o.ExchangeID == "" {
			c.transition(o, StateCancelled, "aborted")
			return exchange.OrderAck{}, nil
		}

		sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
		ack, err := c.adapter.SubmitOrder(sctx, o.Intent, o.Intent.DecisionKey)
		cancel()

		c.mu.Lock()
		o.Attempts = attempt + 1
		c.mu.Unlock()

		if err == nil {
			c.mu.Lock()
			o.ExchangeID = ack.OrderID
			c.mu.Unlock()
			return ack, nil
		}
		if !exchange.IsTransient(err) {
			c.transition(o, StateRejected, err.Error())
			return exchange.OrderAck{}, err
		}

		lastErr = err
		observ.Warn("order_submit_retry", map[string]any{
			"key":     o.Intent.DecisionKey,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		observ.IncCounter("order_submit_retries_total", map[string]string{"instrument": o.Intent.Instrument})

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.transition(o, StateFailed, ctx.Err().Error())
			return exchange.OrderAck{}, ctx.Err()
		}
		backoff *= 2
		if backoff > c.cfg.BackoffMax {
			backoff = c.cfg.BackoffMax
		}
	}

	c.transition(o, StateFailed, "retries exhausted")
	observ.Alert("order_submit_exhausted", map[string]any{
		"key":        o.Intent.DecisionKey,
		"instrument": o.Intent.Instrument,
		"attempts":   c.cfg.MaxRetries + 1,
		"error":      lastErr.Error(),
	})
	return exchange.OrderAck{}, fmt.Errorf("submit %s: retries exhausted: %w", o.Intent.DecisionKey, lastErr)
}

// settle resolves the acknowledged order into a terminal state. It reports
// whether lane ownership moved to a background watcher.
func (c *Coordinator) settle(ctx context.Context, o *Order, ack exchange.OrderAck, lk *sync.Mutex) (bool, error) {
	st := exchange.OrderState{
		OrderID:   ack.OrderID,
		Status:    ack.Status,
		FilledQty: ack.FilledQty,
		AvgPrice:  ack.AvgPrice,
	}

	switch ack.Status {
	case exchange.StatusFilled:
		c.applyFill(o, st)
		c.transition(o, StateFilled, "")
		return false, nil
	case exchange.StatusRejected:
		c.transition(o, StateRejected, "exchange rejected")
		return false, nil
	case exchange.StatusCancelled:
		c.transition(o, StateCancelled, "cancelled at exchange")
		return false, nil
	case exchange.StatusPartiallyFilled:
		c.applyFill(o, st)
		c.transition(o, StatePartiallyFilled, "")
		c.watchRemainder(ctx, o, lk)
		return true, nil
	default:
		// resting order, poll it to resolution
		return false, c.poll(ctx, o)
	}
}

// poll waits for a resting order to reach a terminal state, cancelling the
// remainder once the grace window expires.
func (c *Coordinator) poll(ctx context.Context, o *Order) error {
	deadline := time.Now().Add(c.cfg.RemainderGrace)
	tick := time.NewTicker(c.cfg.PollInterval)
	defer tick.Stop()

	for {
		st, err := c.adapter.OrderStatus(ctx, o.ExchangeID)
		if err == nil {
			if st.FilledQty > 0 {
				c.applyFill(o, st)
			}
			switch st.Status {
			case exchange.StatusFilled:
				c.transition(o, StateFilled, "")
				return nil
			case exchange.StatusRejected:
				c.transition(o, StateRejected, "exchange rejected")
				return nil
			case exchange.StatusCancelled:
				c.finalizeCancelled(o)
				return nil
			case exchange.StatusPartiallyFilled:
				c.setStateIf(o, StateSubmitted, StatePartiallyFilled)
			}
		} else if !exchange.IsTransient(err) && !errors.Is(err, exchange.ErrUnknownOrder) {
			c.transition(o, StateFailed, err.Error())
			return err
		}

		if time.Now().After(deadline) {
			return c.cancelRemainder(ctx, o, "grace window expired")
		}

		select {
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// watchRemainder gives a partial fill its grace window in the background,
// then either books the completed fill or cancels the remainder. It owns
// the lane lock and releases it when the order resolves.
func (c *Coordinator) watchRemainder(ctx context.Context, o *Order, lk *sync.Mutex) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer lk.Unlock()

		select {
		case <-time.After(c.cfg.RemainderGrace):
		case <-ctx.Done():
			return
		}

		st, err := c.adapter.OrderStatus(ctx, o.ExchangeID)
		if err != nil {
			observ.Warn("remainder_status_failed", map[string]any{"order_id": o.ExchangeID, "error": err.Error()})
			return
		}
		if st.FilledQty > 0 {
			c.applyFill(o, st)
		}
		if st.Status == exchange.StatusFilled {
			c.transition(o, StateFilled, "")
			return
		}
		if err := c.cancelRemainder(ctx, o, "remainder grace expired"); err != nil {
			observ.Warn("remainder_cancel_failed", map[string]any{"order_id": o.ExchangeID, "error": err.Error()})
		}
	}()
}

// cancelRemainder cancels at the exchange and then re-reads state: a fill
// that raced the cancel wins, because the exchange is the source of truth.
func (c *Coordinator) cancelRemainder(ctx context.Context, o *Order, why string) error {
	if err := c.adapter.CancelOrder(ctx, o.ExchangeID); err != nil && !errors.Is(err, exchange.ErrUnknownOrder) {
		return err
	}

	st, err := c.adapter.OrderStatus(ctx, o.ExchangeID)
	if err == nil {
		if st.FilledQty > 0 {
			c.applyFill(o, st)
		}
		if st.Status == exchange.StatusFilled {
			observ.Warn("cancel_fill_race", map[string]any{
				"order_id": o.ExchangeID,
				"key":      o.Intent.DecisionKey,
			})
			c.transition(o, StateFilled, "filled before cancel landed")
			return nil
		}
	}
	c.mu.Lock()
	o.Reason = why
	c.mu.Unlock()
	c.finalizeCancelled(o)
	return nil
}

func (c *Coordinator) finalizeCancelled(o *Order) {
	c.mu.Lock()
	partial := o.FilledQty != 0
	c.mu.Unlock()
	if partial {
		observ.Log("order_cancelled_partial", map[string]any{
			"order_id":   o.ExchangeID,
			"filled_qty": o.FilledQty,
		})
	}
	c.transition(o, StateCancelled, o.Reason)
}

// Abort cancels the order for a decision key. Before submission it prevents
// the order from ever reaching the exchange; after submission it is a best
// effort exchange cancel.
func (c *Coordinator) Abort(ctx context.Context, decisionKey string) {
	c.mu.Lock()
	c.aborted[decisionKey] = true
	o := c.orders[decisionKey]
	var exchangeID string
	if o != nil {
		exchangeID = o.ExchangeID
	}
	c.mu.Unlock()

	observ.Log("order_abort", map[string]any{"key": decisionKey, "submitted": exchangeID != ""})
	observ.IncCounter("orders_aborted_total", nil)

	if o == nil || exchangeID == "" {
		return
	}
	if err := c.cancelRemainder(ctx, o, "aborted by cancellation"); err != nil {
		observ.Warn("abort_cancel_failed", map[string]any{"key": decisionKey, "error": err.Error()})
	}
}

func (c *Coordinator) isAborted(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aborted[key]
}

// applyFill folds newly reported fill quantity into the account store and
// journals it. Deltas only, so repeated status reads stay idempotent.
func (c *Coordinator) applyFill(o *Order, st exchange.OrderState) {
	c.mu.Lock()
	delta := st.FilledQty - o.appliedQty
	if delta <= 0 {
		c.mu.Unlock()
		return
	}
	o.appliedQty = st.FilledQty
	o.FilledQty = st.FilledQty
	o.AvgPrice = st.AvgPrice
	intent := o.Intent
	c.mu.Unlock()

	qty := delta
	if intent.Side == risk.Sell {
		qty = -qty
	}
	now := time.Now().UTC()
	pos := c.store.ApplyFill(intent.Instrument, qty, st.AvgPrice, now)
	if !intent.Reduce && pos.Size != 0 {
		c.store.SetLevels(intent.Instrument, intent.Stop, intent.TakeProfit, intent.TrailingOffset)
	}

	if err := c.journal.WriteFill(journal.FillRecord{
		DecisionKey: intent.DecisionKey,
		OrderID:     st.OrderID,
		Instrument:  intent.Instrument,
		Quantity:    qty,
		Price:       st.AvgPrice,
		Timestamp:   now,
	}); err != nil {
		observ.Warn("journal_fill_failed", map[string]any{"key": intent.DecisionKey, "error": err.Error()})
	}
	observ.IncCounter("fills_total", map[string]string{"instrument": intent.Instrument})
	observ.Observe("fill_price", st.AvgPrice, map[string]string{"instrument": intent.Instrument})
}

func (c *Coordinator) transition(o *Order, to State, reason string) {
	c.mu.Lock()
	from := o.State
	if from == to {
		c.mu.Unlock()
		return
	}
	if from.Terminal() || !canTransition(from, to) {
		c.mu.Unlock()
		observ.Warn("order_transition_refused", map[string]any{
			"key": o.Intent.DecisionKey, "from": string(from), "to": string(to),
		})
		return
	}
	o.State = to
	o.Reason = reason
	o.UpdatedAt = time.Now().UTC()
	c.mu.Unlock()

	observ.Log("order_transition", map[string]any{
		"key":        o.Intent.DecisionKey,
		"instrument": o.Intent.Instrument,
		"from":       string(from),
		"to":         string(to),
		"reason":     reason,
	})
	observ.IncCounter("order_transitions_total", map[string]string{"to": string(to)})
	c.journalOrder(o)
}

func (c *Coordinator) setStateIf(o *Order, from, to State) {
	c.mu.Lock()
	ok := o.State == from
	c.mu.Unlock()
	if ok {
		c.transition(o, to, "")
	}
}

func (c *Coordinator) journalOrder(o *Order) {
	c.mu.Lock()
	rec := journal.OrderRecord{
		DecisionKey: o.Intent.DecisionKey,
		OrderID:     o.ExchangeID,
		Instrument:  o.Intent.Instrument,
		Side:        string(o.Intent.Side),
		SizeUSD:     o.Intent.SizeUSD,
		State:       string(o.State),
		Reason:      o.Reason,
		Attempt:     o.Attempts,
		Timestamp:   o.UpdatedAt,
	}
	c.mu.Unlock()
	if err := c.journal.WriteOrder(rec); err != nil {
		observ.Warn("journal_order_failed", map[string]any{"key": rec.DecisionKey, "error": err.Error()})
	}
}
