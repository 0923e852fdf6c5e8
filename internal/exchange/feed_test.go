package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestNextBackoff_EscalatesAndResets(t *testing.T) {
	if got := nextBackoff(0, time.Millisecond); got != time.Second {
		t.Fatalf("want base 1s on first drop, got %v", got)
	}
	if got := nextBackoff(time.Second, time.Millisecond); got != 2*time.Second {
		t.Fatalf("want doubling, got %v", got)
	}
	if got := nextBackoff(20*time.Second, time.Millisecond); got != 30*time.Second {
		t.Fatalf("want cap at 30s, got %v", got)
	}
	// a session that outlived the cap starts the escalation over
	if got := nextBackoff(30*time.Second, time.Minute); got != time.Second {
		t.Fatalf("healthy session must reset to base, got %v", got)
	}
}

func TestFeed_DeliversUpdatesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		conns.Add(1)

		// consume the subscription request
		var sub map[string]any
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		if sub["channel"] != "mark_price" {
			t.Errorf("want mark_price subscription, got %v", sub["channel"])
		}

		conn.WriteJSON(PriceUpdate{Instrument: "SUI-PERP", Price: 3.14})
		// drop the connection to force a reconnect
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	feed := NewFeed(url, []string{"SUI-PERP"}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go feed.Run(ctx)

	select {
	case upd := <-feed.Updates():
		if upd.Instrument != "SUI-PERP" || upd.Price != 3.14 {
			t.Fatalf("unexpected update: %+v", upd)
		}
		if upd.At.IsZero() {
			t.Fatalf("update missing timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no update delivered")
	}

	deadline := time.Now().Add(5 * time.Second)
	for conns.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if conns.Load() < 2 {
		t.Fatalf("feed never reconnected after disconnect")
	}
}
