package fusion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/signal"
)

// Decision is the fused, actionable output for one instrument at one point
// in time. A Decision with Cancel set aborts the earlier decision carrying
// the same key, provided it has not reached the exchange yet.
type Decision struct {
	Instrument   string           `json:"instrument"`
	Direction    signal.Direction `json:"direction"`
	Confidence   float64          `json:"confidence"`
	Contributing []string         `json:"contributing"`
	At           time.Time        `json:"at"`
	Key          string           `json:"key"`
	Cancel       bool             `json:"cancel,omitempty"`
	Capped       bool             `json:"capped,omitempty"`
}

// Key is a pure function of (instrument, time bucket, direction), so an
// indistinguishable decision re-fed within the dedup horizon hashes to the
// same value and is suppressed downstream.
func Key(instrument string, at time.Time, bucket time.Duration, dir signal.Direction) string {
	b := at.UTC().Truncate(bucket).Unix()
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", instrument, b, dir)))
	return hex.EncodeToString(h[:8])
}

type Config struct {
	DebounceWindow      time.Duration
	ActivationThreshold float64
	EqualityEpsilon     float64
	ConflictMargin      float64
	TimeBucket          time.Duration
	FallbackCeiling     float64
	CapWhenNoModel      bool
	SourceWeights       map[string]float64
	QueueDepth          int
}

// Engine converts a stream of signals into zero or more decisions. Signals
// are routed to one worker per instrument, so a busy instrument never stalls
// the others and per-instrument arrival order is preserved.
type Engine struct {
	cfg   Config
	fuser Fuser
	in    chan signal.Signal
	out   chan Decision

	mu      sync.Mutex
	workers map[string]chan signal.Signal
	wg      sync.WaitGroup
}

func New(cfg Config, fuser Fuser) *Engine {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}
	return &Engine{
		cfg:     cfg,
		fuser:   fuser,
		in:      make(chan signal.Signal, cfg.QueueDepth),
		out:     make(chan Decision, cfg.QueueDepth),
		workers: make(map[string]chan signal.Signal),
	}
}

// In is the intake channel shared by all signal sources.
func (e *Engine) In() chan<- signal.Signal { return e.in }

// Out delivers decisions and cancellation markers in emission order.
func (e *Engine) Out() <-chan Decision { return e.out }

func (e *Engine) weight(source string) float64 {
	if w, ok := e.cfg.SourceWeights[source]; ok {
		return w
	}
	return 1.0
}

// Run dispatches signals to per-instrument workers until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			for _, ch := range e.workers {
				close(ch)
			}
			e.workers = make(map[string]chan signal.Signal)
			e.mu.Unlock()
			e.wg.Wait()
			close(e.out)
			return
		case sig := <-e.in:
			if sig.Expired(time.Now()) {
				observ.IncCounter("signals_expired_total", map[string]string{"instrument": sig.Instrument})
				continue
			}
			e.route(ctx, sig)
		}
	}
}

func (e *Engine) route(ctx context.Context, sig signal.Signal) {
	e.mu.Lock()
	ch, ok := e.workers[sig.Instrument]
	if !ok {
		ch = make(chan signal.Signal, e.cfg.QueueDepth)
		e.workers[sig.Instrument] = ch
		e.wg.Add(1)
		go e.worker(ctx, sig.Instrument, ch)
	}
	e.mu.Unlock()

	select {
	case ch <- sig:
	default:
		observ.IncCounter("fusion_queue_full_total", map[string]string{"instrument": sig.Instrument})
	}
}

// worker owns all fusion state for one instrument.
func (e *Engine) worker(ctx context.Context, instrument string, in <-chan signal.Signal) {
	defer e.wg.Done()

	var (
		pending []signal.Signal
		maxConf = map[signal.Direction]float64{}
		timer   *time.Timer
		timerC  <-chan time.Time
		last    *Decision // emitted, possibly not yet acted upon
	)

	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}

	for {
		select {
		case <-ctx.Done():
			stopTimer()
			return
		case sig, ok := <-in:
			if !ok {
				stopTimer()
				return
			}
			now := time.Now()
			if sig.Expired(now) {
				observ.IncCounter("signals_expired_total", map[string]string{"instrument": instrument})
				continue
			}

			// A materially stronger conflicting opinion arriving after a
			// decision was emitted revokes it while it can still be stopped.
			if last != nil && now.Sub(last.At) > e.cfg.TimeBucket {
				last = nil // too old to be pending anywhere downstream
			}
			if last != nil && sig.Direction != signal.Flat && sig.Direction != last.Direction &&
				sig.Confidence >= last.Confidence+e.cfg.ConflictMargin {
				cancel := Decision{
					Instrument: instrument,
					Direction:  last.Direction,
					Confidence: last.Confidence,
					At:         now,
					Key:        last.Key,
					Cancel:     true,
				}
				e.emit(cancel)
				observ.IncCounter("decisions_cancelled_total", map[string]string{"instrument": instrument})
				last = nil
			}

			pending = append(pending, sig)
			if timer == nil {
				timer = time.NewTimer(e.cfg.DebounceWindow)
				timerC = timer.C
				maxConf = map[signal.Direction]float64{}
			} else if sig.Confidence > maxConf[sig.Direction] && sig.Direction == leading(pending, e.weight, e.fuser) {
				// Debounce: a stronger same-direction opinion extends the window.
				stopTimer()
				timer = time.NewTimer(e.cfg.DebounceWindow)
				timerC = timer.C
			}
			if sig.Confidence > maxConf[sig.Direction] {
				maxConf[sig.Direction] = sig.Confidence
			}

		case <-timerC:
			timer, timerC = nil, nil
			if d := e.evaluate(instrument, pending); d != nil {
				e.emit(*d)
				last = d
			}
			pending = nil
		}
	}
}

func leading(sigs []signal.Signal, weight WeightFunc, fuser Fuser) signal.Direction {
	long, short := fuser.Fuse(sigs, weight, time.Now())
	if long >= short {
		return signal.Long
	}
	return signal.Short
}

// evaluate closes the debounce window and decides whether the accumulated
// signals clear the activation threshold.
func (e *Engine) evaluate(instrument string, pending []signal.Signal) *Decision {
	now := time.Now()

	live := pending[:0]
	for _, s := range pending {
		if !s.Expired(now) {
			live = append(live, s)
		}
	}
	if len(live) == 0 {
		return nil
	}

	longSum, shortSum := e.fuser.Fuse(live, e.weight, now)
	net := longSum - shortSum

	discard := func(reason string) *Decision {
		observ.Log("fusion_discard", map[string]any{
			"instrument": instrument,
			"reason":     reason,
			"long_sum":   longSum,
			"short_sum":  shortSum,
			"signals":    len(live),
		})
		observ.IncCounter("fusion_discards_total", map[string]string{"instrument": instrument, "reason": reason})
		return nil
	}

	if abs(net) <= e.cfg.EqualityEpsilon {
		return discard("hold")
	}
	if abs(net) < e.cfg.ActivationThreshold {
		return discard("below_threshold")
	}

	dir := signal.Long
	if net < 0 {
		dir = signal.Short
	}

	conf := abs(net)
	if conf > 1 {
		conf = 1
	}

	var contributing []string
	degraded := false
	hasModel := false
	for _, s := range live {
		id := s.Source
		if s.DeliveryID != "" {
			id = s.Source + ":" + s.DeliveryID
		}
		contributing = append(contributing, id)
		if s.Degraded {
			degraded = true
		}
		if s.Kind == signal.KindModel {
			hasModel = true
		}
	}

	capped := false
	if degraded || (e.cfg.CapWhenNoModel && !hasModel) {
		if conf > e.cfg.FallbackCeiling {
			conf = e.cfg.FallbackCeiling
		}
		capped = true
	}

	d := &Decision{
		Instrument:   instrument,
		Direction:    dir,
		Confidence:   conf,
		Contributing: contributing,
		At:           now,
		Key:          Key(instrument, now, e.cfg.TimeBucket, dir),
		Capped:       capped,
	}

	observ.Log("decision_emitted", map[string]any{
		"instrument": instrument,
		"direction":  string(dir),
		"confidence": conf,
		"key":        d.Key,
		"capped":     capped,
		"strategy":   e.fuser.Name(),
	})
	observ.IncCounter("decisions_total", map[string]string{"instrument": instrument, "direction": string(dir)})
	return d
}

func (e *Engine) emit(d Decision) {
	select {
	case e.out <- d:
	default:
		observ.Warn("decision_dropped_backpressure", map[string]any{
			"instrument": d.Instrument,
			"key":        d.Key,
		})
	}
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
