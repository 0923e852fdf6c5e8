package signal

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNormalizeInstrument(t *testing.T) {
	cases := []struct{ in, want string }{
		{"SUI/USD", "SUI-PERP"},
		{"sui", "SUI-PERP"},
		{"BTC-PERP", "BTC-PERP"},
		{" eth:usdt ", "ETH-PERP"},
		{"", ""},
	}
	for _, c := range cases {
		if got := NormalizeInstrument(c.in); got != c.want {
			t.Fatalf("normalize %q: want %q, got %q", c.in, c.want, got)
		}
	}
}

func TestValidate_RejectsBadInput(t *testing.T) {
	known := func(i string) bool { return i == "SUI-PERP" }
	base := Signal{Source: "tv", Instrument: "SUI-PERP", Direction: Long, Confidence: 0.7}

	if err := Validate(base, known); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}

	bad := []Signal{
		{Source: "tv", Direction: Long, Confidence: 0.7},                               // no instrument
		{Source: "tv", Instrument: "DOGE-PERP", Direction: Long, Confidence: 0.7},      // unknown
		{Source: "tv", Instrument: "SUI-PERP", Direction: "sideways", Confidence: 0.7}, // direction
		{Source: "tv", Instrument: "SUI-PERP", Direction: Long, Confidence: 1.5},       // confidence
		{Instrument: "SUI-PERP", Direction: Long, Confidence: 0.7},                     // no source
	}
	for i, s := range bad {
		err := Validate(s, known)
		if err == nil {
			t.Fatalf("case %d: want rejection", i)
		}
		if !errors.Is(err, ErrMalformed) {
			t.Fatalf("case %d: want ErrMalformed, got %v", i, err)
		}
	}
}

func TestSignalExpiry(t *testing.T) {
	now := time.Now()
	s := Signal{At: now, TTL: time.Minute}

	if s.Expired(now.Add(30 * time.Second)) {
		t.Fatalf("signal expired inside its TTL")
	}
	if !s.Expired(now.Add(time.Minute)) {
		t.Fatalf("signal still live at TTL boundary")
	}
}

func TestMemoryDedup(t *testing.T) {
	d := NewMemoryDedup(time.Minute)

	seen, err := d.Seen(context.Background(), "abc")
	if err != nil || seen {
		t.Fatalf("first sighting: want unseen, got seen=%v err=%v", seen, err)
	}
	seen, err = d.Seen(context.Background(), "abc")
	if err != nil || !seen {
		t.Fatalf("second sighting: want seen, got seen=%v err=%v", seen, err)
	}
	seen, _ = d.Seen(context.Background(), "other")
	if seen {
		t.Fatalf("distinct id reported as duplicate")
	}
}

func TestMemoryDedup_WindowExpiry(t *testing.T) {
	d := NewMemoryDedup(10 * time.Millisecond)
	d.Seen(context.Background(), "abc")
	time.Sleep(20 * time.Millisecond)
	if seen, _ := d.Seen(context.Background(), "abc"); seen {
		t.Fatalf("id outside window still reported as duplicate")
	}
}
