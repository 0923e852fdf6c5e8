package exchange

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfold/tradeagent/internal/observ"
)

// PriceUpdate is a single mark price pushed by the exchange feed.
type PriceUpdate struct {
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	At         time.Time `json:"ts"`
}

// Feed maintains a websocket subscription to exchange mark prices and
// republishes updates on a channel. It reconnects with capped exponential
// backoff and never terminates until the context is cancelled.
type Feed struct {
	url         string
	instruments []string
	out         chan PriceUpdate

	dialer *websocket.Dialer
}

func NewFeed(url string, instruments []string, queueDepth int) *Feed {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &Feed{
		url:         url,
		instruments: instruments,
		out:         make(chan PriceUpdate, queueDepth),
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

// Updates returns the stream of mark price updates.
func (f *Feed) Updates() <-chan PriceUpdate { return f.out }

const (
	feedBackoffBase = time.Second
	feedBackoffMax  = 30 * time.Second
)

// nextBackoff doubles the reconnect delay up to the cap and starts over
// after a session that stayed up longer than the cap.
func nextBackoff(prev, sessionLen time.Duration) time.Duration {
	if prev == 0 || sessionLen > feedBackoffMax {
		return feedBackoffBase
	}
	d := prev * 2
	if d > feedBackoffMax {
		d = feedBackoffMax
	}
	return d
}

func (f *Feed) Run(ctx context.Context) {
	var backoff time.Duration

	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := f.session(ctx)
		if ctx.Err() != nil {
			return
		}
		backoff = nextBackoff(backoff, time.Since(start))
		observ.Warn("feed_disconnected", map[string]any{"error": err.Error(), "retry_in": backoff.String()})
		observ.IncCounter("feed_reconnects_total", nil)

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}
}

// session dials, subscribes, and pumps messages until the connection drops.
func (f *Feed) session(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub := map[string]any{"op": "subscribe", "channel": "mark_price", "instruments": f.instruments}
	if err := conn.WriteJSON(sub); err != nil {
		return err
	}
	observ.Log("feed_connected", map[string]any{"url": f.url, "instruments": len(f.instruments)})

	// close the connection when the context ends so ReadMessage unblocks
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var upd PriceUpdate
		if err := json.Unmarshal(msg, &upd); err != nil || upd.Instrument == "" {
			continue
		}
		if upd.At.IsZero() {
			upd.At = time.Now().UTC()
		}
		select {
		case f.out <- upd:
		default:
			// a slow consumer drops the oldest behavior, not the connection
			observ.IncCounter("feed_updates_dropped_total", nil)
		}
	}
}
