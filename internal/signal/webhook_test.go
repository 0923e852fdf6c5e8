package signal

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

const testSecret = "hunter2"

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func newTestReceiver(t *testing.T, depth int) (*WebhookReceiver, chan Signal) {
	t.Helper()
	out := make(chan Signal, depth)
	wr := NewWebhookReceiver(out, NewMemoryDedup(time.Minute), WebhookOptions{
		Secret:        testSecret,
		RatePerSecond: 1000,
		Burst:         1000,
		TTL:           time.Minute,
		Known:         func(i string) bool { return i == "SUI-PERP" },
	})
	return wr, out
}

func post(wr *WebhookReceiver, body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	if signature != "" {
		req.Header.Set("X-Signature", signature)
	}
	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_AcceptsSignedAlert(t *testing.T) {
	wr, out := newTestReceiver(t, 8)
	body := []byte(`{"delivery_id":"d1","symbol":"SUI/USD","signal_type":"GOLD_CIRCLE"}`)

	rec := post(wr, body, signBody(body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", rec.Code)
	}

	select {
	case sig := <-out:
		if sig.Instrument != "SUI-PERP" {
			t.Fatalf("want normalized SUI-PERP, got %q", sig.Instrument)
		}
		if sig.Direction != Long {
			t.Fatalf("GOLD_CIRCLE should map to long, got %q", sig.Direction)
		}
		if sig.Confidence != 0.7 {
			t.Fatalf("want default confidence 0.7, got %v", sig.Confidence)
		}
		if sig.Kind != KindAlert {
			t.Fatalf("want alert kind, got %q", sig.Kind)
		}
	default:
		t.Fatalf("no signal emitted")
	}
}

func TestWebhook_RejectsBadSignature(t *testing.T) {
	wr, out := newTestReceiver(t, 8)
	body := []byte(`{"symbol":"SUI/USD","signal_type":"GOLD_CIRCLE"}`)

	if rec := post(wr, body, "deadbeef"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", rec.Code)
	}
	if rec := post(wr, body, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: want 401, got %d", rec.Code)
	}
	if len(out) != 0 {
		t.Fatalf("unauthenticated alert reached the queue")
	}
}

func TestWebhook_DuplicateDeliveryDroppedWith200(t *testing.T) {
	wr, out := newTestReceiver(t, 8)
	body := []byte(`{"delivery_id":"dup-1","symbol":"SUI-PERP","direction":"long"}`)

	if rec := post(wr, body, signBody(body)); rec.Code != http.StatusAccepted {
		t.Fatalf("first delivery: want 202, got %d", rec.Code)
	}
	if rec := post(wr, body, signBody(body)); rec.Code != http.StatusOK {
		t.Fatalf("redelivery: want 200 so producer stops, got %d", rec.Code)
	}
	if len(out) != 1 {
		t.Fatalf("want exactly one signal, got %d", len(out))
	}
}

func TestWebhook_MalformedRejectedLoudly(t *testing.T) {
	wr, out := newTestReceiver(t, 8)

	cases := [][]byte{
		[]byte(`not json`),
		[]byte(`{"symbol":"SUI-PERP","direction":"long","confidence":7.0}`),
		[]byte(`{"symbol":"DOGE","direction":"long"}`),               // outside universe
		[]byte(`{"symbol":"SUI-PERP","signal_type":"UNKNOWN_TYPE"}`), // no direction derivable
	}
	for i, body := range cases {
		if rec := post(wr, body, signBody(body)); rec.Code != http.StatusBadRequest {
			t.Fatalf("case %d: want 400, got %d", i, rec.Code)
		}
	}
	if len(out) != 0 {
		t.Fatalf("malformed alert reached the queue")
	}
}

func TestWebhook_QueueFullAsksForRedelivery(t *testing.T) {
	wr, _ := newTestReceiver(t, 1)

	b1 := []byte(`{"delivery_id":"q1","symbol":"SUI-PERP","direction":"long"}`)
	b2 := []byte(`{"delivery_id":"q2","symbol":"SUI-PERP","direction":"long"}`)
	if rec := post(wr, b1, signBody(b1)); rec.Code != http.StatusAccepted {
		t.Fatalf("want 202, got %d", rec.Code)
	}
	if rec := post(wr, b2, signBody(b2)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("full queue: want 503, got %d", rec.Code)
	}
}

func TestWebhook_MethodNotAllowed(t *testing.T) {
	wr, _ := newTestReceiver(t, 1)
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	rec := httptest.NewRecorder()
	wr.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405, got %d", rec.Code)
	}
}
