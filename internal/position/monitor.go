// Package position watches open positions against live marks and issues
// protective closures: stop and take profit crossings, trailing stop
// ratchets, and the account drawdown flatten.
package position

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/exchange"
	"github.com/quantfold/tradeagent/internal/exec"
	"github.com/quantfold/tradeagent/internal/fusion"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/risk"
	"github.com/quantfold/tradeagent/internal/signal"
)

type Config struct {
	Interval       time.Duration
	FreshnessMax   time.Duration
	MaxDrawdownPct float64
	Instruments    []string
}

type Monitor struct {
	cfg     Config
	store   *account.Store
	gate    *risk.Gate
	halt    *risk.HaltSwitch
	coord   *exec.Coordinator
	adapter exchange.Adapter
	updates <-chan exchange.PriceUpdate

	mu       sync.Mutex
	lastSeen map[string]time.Time
	closing  map[string]bool

	wg sync.WaitGroup
}

func NewMonitor(cfg Config, store *account.Store, gate *risk.Gate, halt *risk.HaltSwitch, coord *exec.Coordinator, adapter exchange.Adapter, updates <-chan exchange.PriceUpdate) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		gate:     gate,
		halt:     halt,
		coord:    coord,
		adapter:  adapter,
		updates:  updates,
		lastSeen: make(map[string]time.Time),
		closing:  make(map[string]bool),
	}
}

func (m *Monitor) Run(ctx context.Context) {
	tick := time.NewTicker(m.cfg.Interval)
	defer tick.Stop()
	defer m.wg.Wait()

	for {
		select {
		case upd, ok := <-m.updates:
			if !ok {
				m.updates = nil
				continue
			}
			m.onPrice(ctx, upd.Instrument, upd.Price, upd.At)
		case <-tick.C:
			m.tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// onPrice folds a mark into the account and evaluates exits for that
// instrument.
func (m *Monitor) onPrice(ctx context.Context, instrument string, price float64, at time.Time) {
	m.mu.Lock()
	m.lastSeen[instrument] = at
	m.mu.Unlock()

	pos, ok := m.store.UpdateMark(instrument, price, at)
	if !ok {
		return
	}
	m.evaluate(ctx, pos, price)
}

// tick polls instruments the feed has gone quiet on and runs the account
// level drawdown check.
func (m *Monitor) tick(ctx context.Context) {
	now := time.Now().UTC()
	for _, instrument := range m.cfg.Instruments {
		m.mu.Lock()
		seen := m.lastSeen[instrument]
		m.mu.Unlock()
		if now.Sub(seen) < m.cfg.Interval {
			continue
		}
		t, err := m.adapter.Ticker(ctx, instrument)
		if err != nil {
			observ.Warn("ticker_poll_failed", map[string]any{"instrument": instrument, "error": err.Error()})
			continue
		}
		m.onPrice(ctx, instrument, t.Price, t.At)
	}

	snap := m.store.Snapshot()
	observ.SetGauge("account_nav_usd", snap.NAV, nil)
	observ.SetGauge("open_positions", float64(snap.OpenCount()), nil)

	if m.halt.CheckDrawdown(snap, m.cfg.MaxDrawdownPct) && snap.OpenCount() > 0 {
		m.flattenAll(ctx, snap)
	}
}

// evaluate ratchets the trailing stop and closes the position when a stop or
// take profit is crossed. Stale marks suppress closures for this instrument
// only, so one dead feed cannot trigger or block exits elsewhere.
func (m *Monitor) evaluate(ctx context.Context, pos account.Position, price float64) {
	m.mu.Lock()
	seen := m.lastSeen[pos.Instrument]
	m.mu.Unlock()
	if age := time.Since(seen); age > m.cfg.FreshnessMax {
		observ.Warn("mark_stale", map[string]any{"instrument": pos.Instrument, "age": age.String()})
		observ.IncCounter("stale_suppressions_total", map[string]string{"instrument": pos.Instrument})
		return
	}

	if pos.TrailingOffset > 0 {
		if pos.Long() {
			if c := price - pos.TrailingOffset; c > pos.Stop {
				m.ratchet(pos, c)
				pos.Stop = c
			}
		} else {
			if c := price + pos.TrailingOffset; pos.Stop == 0 || c < pos.Stop {
				m.ratchet(pos, c)
				pos.Stop = c
			}
		}
	}

	switch {
	case pos.Stop > 0 && ((pos.Long() && price <= pos.Stop) || (!pos.Long() && price >= pos.Stop)):
		m.closePosition(ctx, pos, price, "stop_hit")
	case pos.TakeProfit > 0 && ((pos.Long() && price >= pos.TakeProfit) || (!pos.Long() && price <= pos.TakeProfit)):
		m.closePosition(ctx, pos, price, "take_profit_hit")
	}
}

func (m *Monitor) ratchet(pos account.Position, stop float64) {
	m.store.SetLevels(pos.Instrument, stop, pos.TakeProfit, pos.TrailingOffset)
	observ.Log("trailing_ratchet", map[string]any{
		"instrument": pos.Instrument,
		"stop":       stop,
	})
	observ.IncCounter("trailing_ratchets_total", map[string]string{"instrument": pos.Instrument})
}

// closePosition issues a full closure intent through the gate's closure pass
// and hands it to the coordinator off the monitor loop.
func (m *Monitor) closePosition(ctx context.Context, pos account.Position, price float64, reason string) {
	m.mu.Lock()
	if m.closing[pos.Instrument] {
		m.mu.Unlock()
		return
	}
	m.closing[pos.Instrument] = true
	m.mu.Unlock()

	side := risk.Sell
	dir := signal.Short
	if !pos.Long() {
		side = risk.Buy
		dir = signal.Long
	}
	intent := risk.OrderIntent{
		Instrument:  pos.Instrument,
		Side:        side,
		SizeUSD:     math.Abs(pos.Size) * price,
		Type:        risk.Market,
		Reduce:      true,
		DecisionKey: fusion.Key(pos.Instrument, time.Now().UTC(), time.Minute, dir),
	}

	v := m.gate.CheckClosure(intent, m.store.Snapshot())
	if v.Outcome == risk.Rejected {
		m.clearClosing(pos.Instrument)
		observ.Log("closure_rejected", map[string]any{"instrument": pos.Instrument, "reason": v.Reason})
		return
	}

	observ.Log("position_close", map[string]any{
		"instrument": pos.Instrument,
		"reason":     reason,
		"size_usd":   v.Intent.SizeUSD,
		"price":      price,
	})
	observ.IncCounter("position_closes_total", map[string]string{"reason": reason})

	m.wg.Add(1)
	go func(it risk.OrderIntent) {
		defer m.wg.Done()
		defer m.clearClosing(it.Instrument)
		if _, err := m.coord.Execute(ctx, it); err != nil {
			observ.Warn("closure_execute_failed", map[string]any{"instrument": it.Instrument, "error": err.Error()})
		}
	}(v.Intent)
}

func (m *Monitor) clearClosing(instrument string) {
	m.mu.Lock()
	delete(m.closing, instrument)
	m.mu.Unlock()
}

// flattenAll closes every open position after a drawdown halt, worst
// unrealized loss first.
func (m *Monitor) flattenAll(ctx context.Context, snap account.Snapshot) {
	var open []account.Position
	for _, p := range snap.Positions {
		open = append(open, p)
	}
	sort.Slice(open, func(i, j int) bool { return open[i].UnrealizedPnL < open[j].UnrealizedPnL })

	observ.Alert("drawdown_flatten", map[string]any{
		"drawdown_pct": snap.DrawdownPct(),
		"positions":    len(open),
	})
	observ.IncCounter("drawdown_flattens_total", nil)
	for _, p := range open {
		m.closePosition(ctx, p, p.MarkPrice, "drawdown_flatten")
	}
}
