package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/quantfold/tradeagent/internal/observ"
)

// Alert signal types recognized from TradingView-style producers.
var (
	bullishTypes = map[string]bool{"GREEN_CIRCLE": true, "GOLD_CIRCLE": true, "BULL_FLAG": true}
	bearishTypes = map[string]bool{"RED_CIRCLE": true, "BEAR_FLAG": true, "BEAR_DIAMOND": true}
)

const defaultAlertConfidence = 0.7

// AlertPayload is the raw webhook body before normalization.
type AlertPayload struct {
	DeliveryID string   `json:"delivery_id"`
	Source     string   `json:"source"`
	Symbol     string   `json:"symbol"`
	Timeframe  string   `json:"timeframe"`
	SignalType string   `json:"signal_type"`
	Direction  string   `json:"direction"`
	Confidence *float64 `json:"confidence"`
}

// WebhookReceiver accepts raw alert payloads, authenticates and deduplicates
// them at the boundary, and emits normalized Signals on its output channel.
type WebhookReceiver struct {
	secret  []byte
	limiter *rate.Limiter
	dedup   DedupStore
	known   func(string) bool
	ttl     time.Duration
	out     chan<- Signal
}

type WebhookOptions struct {
	Secret        string
	RatePerSecond float64
	Burst         int
	TTL           time.Duration
	Known         func(string) bool
}

func NewWebhookReceiver(out chan<- Signal, dedup DedupStore, opts WebhookOptions) *WebhookReceiver {
	return &WebhookReceiver{
		secret:  []byte(opts.Secret),
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSecond), opts.Burst),
		dedup:   dedup,
		known:   opts.Known,
		ttl:     opts.TTL,
		out:     out,
	}
}

func (wr *WebhookReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !wr.limiter.Allow() {
		observ.IncCounter("webhook_rate_limited_total", nil)
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if len(wr.secret) > 0 && !wr.verifySignature(r.Header.Get("X-Signature"), body) {
		observ.IncCounter("webhook_auth_failures_total", nil)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	var payload AlertPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		wr.rejectMalformed(w, "", "invalid json")
		return
	}

	sig, err := wr.normalize(payload)
	if err != nil {
		wr.rejectMalformed(w, payload.DeliveryID, err.Error())
		return
	}

	// At-least-once producers resend with the same delivery id; duplicates
	// inside the window are dropped silently with a 200 so they stop retrying.
	seen, err := wr.dedup.Seen(r.Context(), sig.DeliveryID)
	if err != nil {
		observ.Warn("webhook_dedup_error", map[string]any{"error": err.Error()})
	} else if seen {
		observ.IncCounter("webhook_duplicates_total", nil)
		w.WriteHeader(http.StatusOK)
		return
	}

	select {
	case wr.out <- sig:
		observ.IncCounter("webhook_signals_total", map[string]string{"instrument": sig.Instrument})
		w.WriteHeader(http.StatusAccepted)
	default:
		// Queue full: tell the producer to redeliver rather than losing the
		// alert. Dedup keys on delivery id so the retry is safe.
		observ.IncCounter("webhook_queue_full_total", nil)
		w.WriteHeader(http.StatusServiceUnavailable)
	}
}

func (wr *WebhookReceiver) verifySignature(header string, body []byte) bool {
	mac := hmac.New(sha256.New, wr.secret)
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(header), []byte(want))
}

func (wr *WebhookReceiver) normalize(p AlertPayload) (Signal, error) {
	source := p.Source
	if source == "" {
		source = "webhook"
	}
	deliveryID := p.DeliveryID
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	dir := Direction(p.Direction)
	if dir == "" {
		switch {
		case bullishTypes[p.SignalType]:
			dir = Long
		case bearishTypes[p.SignalType]:
			dir = Short
		}
	}

	conf := defaultAlertConfidence
	if p.Confidence != nil {
		conf = *p.Confidence
	}

	sig := Signal{
		Source:     source,
		Kind:       KindAlert,
		Instrument: NormalizeInstrument(p.Symbol),
		Direction:  dir,
		Confidence: conf,
		At:         time.Now().UTC(),
		TTL:        wr.ttl,
		DeliveryID: deliveryID,
		RawRef:     p.SignalType,
	}
	if err := Validate(sig, wr.known); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

func (wr *WebhookReceiver) rejectMalformed(w http.ResponseWriter, deliveryID, reason string) {
	observ.Log("signal_rejected", map[string]any{
		"reason":      reason,
		"delivery_id": deliveryID,
	})
	observ.IncCounter("signals_malformed_total", nil)
	w.WriteHeader(http.StatusBadRequest)
}
