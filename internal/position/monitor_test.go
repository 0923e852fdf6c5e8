package position

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/exchange"
	"github.com/quantfold/tradeagent/internal/exec"
	"github.com/quantfold/tradeagent/internal/journal"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/risk"
)

type fixture struct {
	monitor *Monitor
	store   *account.Store
	paper   *exchange.PaperExchange
	halt    *risk.HaltSwitch
	updates chan exchange.PriceUpdate
	cancel  context.CancelFunc
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	paper := exchange.NewPaperExchange(50000, 0, 0)
	paper.AddInstrument("SUI-PERP", 100, 0)

	store := account.NewStore(50000)
	halt := risk.NewHaltSwitch()
	gate := risk.NewGate(risk.PercentPolicy{StopLossPct: 2, TakeProfitPct: 4}, halt)

	jnl, err := journal.New(filepath.Join(t.TempDir(), "journal.jsonl"), 300)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	coord := exec.NewCoordinator(exec.Config{
		MaxRetries:     1,
		BackoffBase:    time.Millisecond,
		BackoffMax:     time.Millisecond,
		SubmitTimeout:  time.Second,
		RemainderGrace: 10 * time.Millisecond,
	}, paper, jnl, store)

	if cfg.FreshnessMax == 0 {
		cfg.FreshnessMax = 30 * time.Second
	}
	if cfg.MaxDrawdownPct == 0 {
		cfg.MaxDrawdownPct = 90
	}
	cfg.Instruments = []string{"SUI-PERP"}

	updates := make(chan exchange.PriceUpdate, 16)
	m := NewMonitor(cfg, store, gate, halt, coord, paper, updates)
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	t.Cleanup(cancel)

	return &fixture{monitor: m, store: store, paper: paper, halt: halt, updates: updates, cancel: cancel}
}

func (f *fixture) push(price float64) {
	f.paper.SetPrice("SUI-PERP", price)
	f.updates <- exchange.PriceUpdate{Instrument: "SUI-PERP", Price: price, At: time.Now().UTC()}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func TestMonitor_TrailingStopRatchetsUpOnly(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	f.store.ApplyFill("SUI-PERP", 10, 100, time.Now())
	f.store.SetLevels("SUI-PERP", 95, 0, 5)

	f.push(110)
	waitFor(t, "ratchet to 105", func() bool {
		return f.store.Snapshot().Positions["SUI-PERP"].Stop == 105
	})

	// a pullback never loosens the stop
	f.push(108)
	time.Sleep(50 * time.Millisecond)
	if got := f.store.Snapshot().Positions["SUI-PERP"].Stop; got != 105 {
		t.Fatalf("stop loosened on pullback: want 105, got %v", got)
	}
}

func TestMonitor_StopHitClosesPosition(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	f.store.ApplyFill("SUI-PERP", 10, 100, time.Now())
	f.store.SetLevels("SUI-PERP", 95, 0, 0)

	f.push(94)
	waitFor(t, "position closed", func() bool {
		return f.store.Snapshot().OpenCount() == 0
	})

	snap := f.store.Snapshot()
	if math.Abs(snap.BalanceUSD-49940) > 1e-6 { // realized (94-100)*10
		t.Fatalf("want balance 49940 after stop loss, got %v", snap.BalanceUSD)
	}
}

func TestMonitor_TakeProfitClosesPosition(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	f.store.ApplyFill("SUI-PERP", 10, 100, time.Now())
	f.store.SetLevels("SUI-PERP", 0, 120, 0)

	f.push(121)
	waitFor(t, "position closed at target", func() bool {
		return f.store.Snapshot().OpenCount() == 0
	})
	if snap := f.store.Snapshot(); math.Abs(snap.BalanceUSD-50210) > 1e-6 {
		t.Fatalf("want realized +210, got balance %v", snap.BalanceUSD)
	}
}

func TestMonitor_ShortStopMirrors(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour})
	f.store.ApplyFill("SUI-PERP", -10, 100, time.Now())
	f.store.SetLevels("SUI-PERP", 105, 0, 0)

	f.push(106)
	waitFor(t, "short stopped out", func() bool {
		return f.store.Snapshot().OpenCount() == 0
	})
}

func TestMonitor_StaleMarksSuppressClosures(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour, FreshnessMax: 50 * time.Millisecond})
	f.store.ApplyFill("SUI-PERP", 10, 100, time.Now())
	f.store.SetLevels("SUI-PERP", 95, 0, 0)

	f.paper.SetPrice("SUI-PERP", 94)
	f.updates <- exchange.PriceUpdate{
		Instrument: "SUI-PERP",
		Price:      94,
		At:         time.Now().Add(-time.Minute), // stale by construction
	}

	time.Sleep(150 * time.Millisecond)
	if f.store.Snapshot().OpenCount() != 1 {
		t.Fatalf("stale mark triggered a closure")
	}
}

func TestMonitor_DrawdownBreachHaltsAndFlattens(t *testing.T) {
	f := newFixture(t, Config{Interval: 20 * time.Millisecond, MaxDrawdownPct: 10})
	f.storeSetup(t)

	// 52k peak, marked down to 46k: an 11.5% drawdown
	before := observ.CounterValue("drawdown_flattens_total", nil)
	f.paper.SetPrice("SUI-PERP", 60)
	waitFor(t, "halt tripped", func() bool {
		active, _ := f.halt.Active()
		return active
	})
	waitFor(t, "book flattened", func() bool {
		return f.store.Snapshot().OpenCount() == 0
	})

	// the breach persists, but the flatten fires only on the trip
	time.Sleep(100 * time.Millisecond)
	if got := observ.CounterValue("drawdown_flattens_total", nil) - before; got != 1 {
		t.Fatalf("want exactly one flatten for one breach, got %d", got)
	}
}

// storeSetup seeds the drawdown scenario: 100 units at 100 with the peak
// marked at 120.
func (f *fixture) storeSetup(t *testing.T) {
	t.Helper()
	f.store.ApplyFill("SUI-PERP", 100, 100, time.Now())
	f.store.UpdateMark("SUI-PERP", 120, time.Now())
	if peak := f.store.Snapshot().PeakNAV; peak != 52000 {
		t.Fatalf("fixture: want peak 52000, got %v", peak)
	}
}
