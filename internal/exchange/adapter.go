package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/quantfold/tradeagent/internal/risk"
)

// OrderStatus is the exchange-reported lifecycle of a submitted order.
type OrderStatus string

const (
	StatusNew             OrderStatus = "new"
	StatusPartiallyFilled OrderStatus = "partially_filled"
	StatusFilled          OrderStatus = "filled"
	StatusCancelled       OrderStatus = "cancelled"
	StatusRejected        OrderStatus = "rejected"
)

func (s OrderStatus) Terminal() bool {
	return s == StatusFilled || s == StatusCancelled || s == StatusRejected
}

// OrderAck is the exchange's answer to a submission. FilledQty is an
// unsigned magnitude; the intent's side carries the direction.
type OrderAck struct {
	OrderID   string      `json:"order_id"`
	Status    OrderStatus `json:"status"`
	FilledQty float64     `json:"filled_qty"`
	AvgPrice  float64     `json:"avg_price"`
}

// OrderState is a point-in-time view of an exchange order. FilledQty and
// RemainingQty are unsigned magnitudes regardless of side.
type OrderState struct {
	OrderID      string      `json:"order_id"`
	Status       OrderStatus `json:"status"`
	FilledQty    float64     `json:"filled_qty"`
	RemainingQty float64     `json:"remaining_qty"`
	AvgPrice     float64     `json:"avg_price"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// PositionState is exchange-confirmed exposure.
type PositionState struct {
	Instrument string  `json:"instrument"`
	Size       float64 `json:"size"` // signed
	EntryPrice float64 `json:"entry_price"`
	MarkPrice  float64 `json:"mark_price"`
	MarginUSD  float64 `json:"margin_usd"`
}

// AccountState is the exchange's view of the account.
type AccountState struct {
	BalanceUSD float64         `json:"balance_usd"`
	Positions  []PositionState `json:"positions"`
}

// Ticker is a market snapshot for one instrument.
type Ticker struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	High24h    float64   `json:"high_24h"`
	Low24h     float64   `json:"low_24h"`
	Volume24h  float64   `json:"volume_24h"`
	Change24h  float64   `json:"change_24h"`
	At         time.Time `json:"at"`
}

// Adapter is the exchange boundary. Submission must be idempotent on the
// caller-supplied key: resubmitting the same key never double-executes.
type Adapter interface {
	AccountState(ctx context.Context) (AccountState, error)
	Positions(ctx context.Context) ([]PositionState, error)
	Ticker(ctx context.Context, instrument string) (Ticker, error)
	SubmitOrder(ctx context.Context, intent risk.OrderIntent, idempotencyKey string) (OrderAck, error)
	OrderStatus(ctx context.Context, orderID string) (OrderState, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// TransportError marks I/O failures that are retried per policy. Timeouts
// carry a flag so they get distinct logging but identical retry treatment.
type TransportError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	kind := "transport failure"
	if e.Timeout {
		kind = "timeout"
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried by the coordinator.
func IsTransient(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ErrUnknownOrder is returned for status/cancel on an unknown order id.
var ErrUnknownOrder = errors.New("unknown order")

// ErrUnknownInstrument is returned for instruments outside the universe.
var ErrUnknownInstrument = errors.New("unknown instrument")
