package risk

import (
	"errors"
	"testing"

	"github.com/quantfold/tradeagent/internal/account"
)

func TestPercentPolicy_Long(t *testing.T) {
	p := PercentPolicy{StopLossPct: 2, TakeProfitPct: 4, TrailingPct: 1}
	l := p.Levels("SUI-PERP", Buy, 100)
	if l.Stop != 98 || l.TakeProfit != 104 || l.TrailingOffset != 1 {
		t.Fatalf("want 98/104/1, got %+v", l)
	}
}

func TestPercentPolicy_ShortMirrors(t *testing.T) {
	p := PercentPolicy{StopLossPct: 2, TakeProfitPct: 4, TrailingPct: 1}
	l := p.Levels("SUI-PERP", Sell, 100)
	if l.Stop != 102 || l.TakeProfit != 96 {
		t.Fatalf("short levels must mirror: want 102/96, got %+v", l)
	}
}

func TestATRPolicy_ScalesWithVolatility(t *testing.T) {
	var gotPeriod int
	p := ATRPolicy{
		Multiple: 2,
		Period:   21,
		ATR: func(_ string, period int) (float64, error) {
			gotPeriod = period
			return 3, nil
		},
		Fallback: PercentPolicy{StopLossPct: 2, TakeProfitPct: 4, TrailingPct: 1},
	}
	l := p.Levels("SUI-PERP", Buy, 100)
	if l.Stop != 94 { // 100 - 3*2
		t.Fatalf("want ATR stop 94, got %v", l.Stop)
	}
	if l.TakeProfit != 112 { // stop distance doubled
		t.Fatalf("want ATR take profit 112, got %v", l.TakeProfit)
	}
	if gotPeriod != 21 {
		t.Fatalf("want configured period 21 passed through, got %d", gotPeriod)
	}
}

func TestATRPolicy_DefaultPeriod(t *testing.T) {
	var gotPeriod int
	p := ATRPolicy{
		Multiple: 2,
		ATR: func(_ string, period int) (float64, error) {
			gotPeriod = period
			return 3, nil
		},
	}
	p.Levels("SUI-PERP", Buy, 100)
	if gotPeriod != 14 {
		t.Fatalf("want default period 14, got %d", gotPeriod)
	}
}

func TestATRPolicy_FallsBackWhenUnavailable(t *testing.T) {
	p := ATRPolicy{
		Multiple: 2,
		ATR:      func(string, int) (float64, error) { return 0, errors.New("no data") },
		Fallback: PercentPolicy{StopLossPct: 2, TakeProfitPct: 4, TrailingPct: 1},
	}
	l := p.Levels("SUI-PERP", Buy, 100)
	if l.Stop != 98 {
		t.Fatalf("want percent fallback stop 98, got %v", l.Stop)
	}
}

func TestHalt_DrawdownTripsAndSticks(t *testing.T) {
	h := NewHaltSwitch()
	snap := account.Snapshot{NAV: 7900, PeakNAV: 10000}

	if !h.CheckDrawdown(snap, 20) {
		t.Fatalf("21%% drawdown should trip a 20%% halt")
	}
	if active, reason := h.Active(); !active || reason != "max_drawdown" {
		t.Fatalf("want active max_drawdown halt, got %v %q", active, reason)
	}
	// a still-breached check reports the trip only once
	if h.CheckDrawdown(snap, 20) {
		t.Fatalf("active halt must not re-report the trip")
	}

	// recovery never clears the halt on its own
	if h.CheckDrawdown(account.Snapshot{NAV: 10000, PeakNAV: 10000}, 20) {
		t.Fatalf("recovered drawdown must not re-trip")
	}
	if active, _ := h.Active(); !active {
		t.Fatalf("halt cleared itself; recovery is an operator action")
	}

	h.Clear("operator")
	if active, _ := h.Active(); active {
		t.Fatalf("operator clear did not release the halt")
	}
}
