package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type fakeModel struct {
	name string
	sig  Signal
	err  error
}

func (f *fakeModel) Name() string { return f.name }
func (f *fakeModel) Query(_ context.Context, _ string, _ MarketContext) (Signal, error) {
	return f.sig, f.err
}

func TestChain_PrimaryWins(t *testing.T) {
	primary := &fakeModel{name: "claude", sig: Signal{Source: "claude", Direction: Long, Confidence: 0.8}}
	fallback := &fakeModel{name: "perplexity", sig: Signal{Source: "perplexity", Direction: Short, Confidence: 0.9}}
	chain := NewChain(primary, fallback)

	sig, err := chain.Query(context.Background(), "SUI-PERP", MarketContext{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if sig.Source != "claude" {
		t.Fatalf("want primary source, got %q", sig.Source)
	}
	if sig.Degraded {
		t.Fatalf("primary result must not be degraded")
	}
}

func TestChain_FallbackMarkedDegraded(t *testing.T) {
	primary := &fakeModel{name: "claude", err: errors.New("timeout")}
	fallback := &fakeModel{name: "perplexity", sig: Signal{Source: "perplexity", Direction: Long, Confidence: 0.9}}
	chain := NewChain(primary, fallback)

	sig, err := chain.Query(context.Background(), "SUI-PERP", MarketContext{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if sig.Source != "perplexity" {
		t.Fatalf("want fallback source, got %q", sig.Source)
	}
	if !sig.Degraded {
		t.Fatalf("fallback result must be marked degraded")
	}
}

func TestChain_AllFailed(t *testing.T) {
	chain := NewChain(
		&fakeModel{name: "claude", err: errors.New("down")},
		&fakeModel{name: "perplexity", err: errors.New("down too")},
	)
	if _, err := chain.Query(context.Background(), "SUI-PERP", MarketContext{}); err == nil {
		t.Fatalf("want error when every source fails")
	}
}

func TestHTTPModelSource_QueryRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("want bearer auth, got %q", got)
		}
		var mc MarketContext
		if err := json.NewDecoder(r.Body).Decode(&mc); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(modelVerdict{Direction: "long", Confidence: 0.82, Rationale: "trend"})
	}))
	defer srv.Close()

	src := NewHTTPModelSource(HTTPModelOptions{
		Name:    "claude",
		URL:     srv.URL,
		APIKey:  "test-key",
		Timeout: time.Second,
		TTL:     time.Minute,
	})

	sig, err := src.Query(context.Background(), "SUI-PERP", MarketContext{Instrument: "SUI-PERP", Price: 3.5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if sig.Direction != Long || sig.Confidence != 0.82 {
		t.Fatalf("want long/0.82, got %s/%v", sig.Direction, sig.Confidence)
	}
	if sig.Kind != KindModel {
		t.Fatalf("want model kind, got %q", sig.Kind)
	}
}

func TestHTTPModelSource_RejectsInvalidVerdict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(modelVerdict{Direction: "up", Confidence: 0.5})
	}))
	defer srv.Close()

	src := NewHTTPModelSource(HTTPModelOptions{Name: "claude", URL: srv.URL, Timeout: time.Second})
	if _, err := src.Query(context.Background(), "SUI-PERP", MarketContext{}); err == nil {
		t.Fatalf("want validation error for direction outside schema")
	}
}

func TestModelPoller_EmitsOnTick(t *testing.T) {
	out := make(chan Signal, 4)
	chain := NewChain(&fakeModel{name: "claude", sig: Signal{Source: "claude", Direction: Long, Confidence: 0.6}})
	marketCtx := func(context.Context, string) (MarketContext, error) {
		return MarketContext{Price: 1}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := NewModelPoller(chain, []string{"SUI-PERP"}, 10*time.Millisecond, marketCtx, out)
	go p.Run(ctx)

	select {
	case sig := <-out:
		if sig.Source != "claude" {
			t.Fatalf("want claude signal, got %q", sig.Source)
		}
	case <-time.After(time.Second):
		t.Fatalf("poller emitted nothing")
	}
}
