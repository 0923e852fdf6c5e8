package risk

import (
	"sync"
	"time"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/observ"
)

// HaltSwitch is the global trading halt. It is set by a drawdown breach or
// an operator command and checked before every gate evaluation. While
// active, new-position decisions are rejected; closures still pass.
type HaltSwitch struct {
	mu     sync.RWMutex
	active bool
	reason string
	since  time.Time
}

func NewHaltSwitch() *HaltSwitch {
	return &HaltSwitch{}
}

// Activate trips the halt. It reports whether this call changed the state;
// re-activating an active halt is a no-op.
func (h *HaltSwitch) Activate(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.active {
		return false
	}
	h.active = true
	h.reason = reason
	h.since = time.Now().UTC()
	observ.Alert("trading_halted", map[string]any{"reason": reason})
	observ.SetGauge("trading_halted", 1, nil)
	return true
}

func (h *HaltSwitch) Clear(by string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.active {
		return
	}
	h.active = false
	observ.Log("trading_halt_cleared", map[string]any{"by": by, "was": h.reason})
	observ.SetGauge("trading_halted", 0, nil)
	h.reason = ""
}

func (h *HaltSwitch) Active() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.active, h.reason
}

// CheckDrawdown trips the halt when NAV has fallen more than maxPct from its
// high-water mark. It returns true only on the call that tripped the halt,
// and never clears it: recovery is an operator action.
func (h *HaltSwitch) CheckDrawdown(snap account.Snapshot, maxPct float64) bool {
	dd := snap.DrawdownPct()
	observ.SetGauge("drawdown_pct", dd, nil)
	if maxPct > 0 && dd >= maxPct {
		return h.Activate("max_drawdown")
	}
	return false
}
