package exec

import (
	"time"

	"github.com/quantfold/tradeagent/internal/risk"
)

// State is an order's position in the execution lifecycle.
type State string

const (
	StatePending         State = "pending"
	StateSubmitted       State = "submitted"
	StatePartiallyFilled State = "partially_filled"
	StateFilled          State = "filled"
	StateRejected        State = "rejected"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateRejected, StateCancelled, StateFailed:
		return true
	}
	return false
}

// validNext encodes the only transitions an order may take. Anything else is
// a bug in the coordinator and is refused.
var validNext = map[State][]State{
	StatePending:         {StateSubmitted, StateCancelled, StateFailed},
	StateSubmitted:       {StatePartiallyFilled, StateFilled, StateRejected, StateCancelled, StateFailed},
	StatePartiallyFilled: {StateFilled, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, s := range validNext[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Order tracks one intent through submission, fills, and settlement. All
// fields are guarded by the coordinator's lock.
type Order struct {
	Intent     risk.OrderIntent
	State      State
	ExchangeID string
	FilledQty  float64
	AvgPrice   float64
	Attempts   int
	Reason     string
	UpdatedAt  time.Time

	appliedQty float64 // fill quantity already folded into the account
}
