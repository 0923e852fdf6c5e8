package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantfold/tradeagent/internal/observ"
)

// MarketContext is the market snapshot handed to a model for analysis.
type MarketContext struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	High24h    float64 `json:"high_24h"`
	Low24h     float64 `json:"low_24h"`
	Volume24h  float64 `json:"volume_24h"`
	Change24h  float64 `json:"change_24h"`
}

// ModelSource is one AI model provider. Implementations are interchangeable
// and tried in rank order by the Chain.
type ModelSource interface {
	Name() string
	Query(ctx context.Context, instrument string, mc MarketContext) (Signal, error)
}

// HTTPModelSource queries a model provider over HTTP: the market context goes
// out as JSON and a direction/confidence verdict comes back.
type HTTPModelSource struct {
	name    string
	url     string
	apiKey  string
	ttl     time.Duration
	limiter *rate.Limiter
	client  *http.Client
}

type HTTPModelOptions struct {
	Name       string
	URL        string
	APIKey     string
	Timeout    time.Duration
	RatePerMin float64
	TTL        time.Duration
}

func NewHTTPModelSource(opts HTTPModelOptions) *HTTPModelSource {
	limit := rate.Inf
	if opts.RatePerMin > 0 {
		limit = rate.Limit(opts.RatePerMin / 60)
	}
	return &HTTPModelSource{
		name:    opts.Name,
		url:     opts.URL,
		apiKey:  opts.APIKey,
		ttl:     opts.TTL,
		limiter: rate.NewLimiter(limit, 1),
		client:  &http.Client{Timeout: opts.Timeout},
	}
}

func (m *HTTPModelSource) Name() string { return m.name }

type modelVerdict struct {
	Direction  string  `json:"direction"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

func (m *HTTPModelSource) Query(ctx context.Context, instrument string, mc MarketContext) (Signal, error) {
	if err := m.limiter.Wait(ctx); err != nil {
		return Signal{}, err
	}

	body, err := json.Marshal(mc)
	if err != nil {
		return Signal{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return Signal{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if m.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+m.apiKey)
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	observ.RecordDuration("model_query", time.Since(start), map[string]string{"source": m.name})
	if err != nil {
		return Signal{}, fmt.Errorf("model %s: %w", m.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Signal{}, fmt.Errorf("model %s: status %d", m.name, resp.StatusCode)
	}

	var v modelVerdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return Signal{}, fmt.Errorf("model %s: %w", m.name, err)
	}

	sig := Signal{
		Source:     m.name,
		Kind:       KindModel,
		Instrument: instrument,
		Direction:  Direction(v.Direction),
		Confidence: v.Confidence,
		At:         time.Now().UTC(),
		TTL:        m.ttl,
		RawRef:     v.Rationale,
	}
	if err := Validate(sig, nil); err != nil {
		return Signal{}, err
	}
	return sig, nil
}

// Chain tries model sources in rank order. A signal obtained from anything
// but the primary is marked degraded so downstream confidence gets capped.
type Chain struct {
	sources []ModelSource
}

func NewChain(sources ...ModelSource) *Chain {
	return &Chain{sources: sources}
}

// Query returns the first successful signal. It fails only when every
// configured source fails; callers then proceed on non-model signals alone.
func (c *Chain) Query(ctx context.Context, instrument string, mc MarketContext) (Signal, error) {
	var lastErr error
	for rank, src := range c.sources {
		sig, err := src.Query(ctx, instrument, mc)
		if err != nil {
			lastErr = err
			observ.Log("model_source_failed", map[string]any{
				"source":     src.Name(),
				"rank":       rank,
				"instrument": instrument,
				"error":      err.Error(),
			})
			observ.IncCounter("model_failures_total", map[string]string{"source": src.Name()})
			continue
		}
		if rank > 0 {
			sig.Degraded = true
			observ.IncCounter("model_fallbacks_total", map[string]string{"source": src.Name()})
		}
		return sig, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no model sources configured")
	}
	return Signal{}, fmt.Errorf("all model sources failed: %w", lastErr)
}

// ContextFunc supplies the market snapshot for a model query.
type ContextFunc func(ctx context.Context, instrument string) (MarketContext, error)

// ModelPoller periodically queries the model chain for each instrument and
// emits the results as signals. A down chain never blocks alert intake: the
// poller just skips the cycle for that instrument.
type ModelPoller struct {
	chain       *Chain
	instruments []string
	interval    time.Duration
	marketCtx   ContextFunc
	out         chan<- Signal
}

func NewModelPoller(chain *Chain, instruments []string, interval time.Duration, marketCtx ContextFunc, out chan<- Signal) *ModelPoller {
	return &ModelPoller{
		chain:       chain,
		instruments: instruments,
		interval:    interval,
		marketCtx:   marketCtx,
		out:         out,
	}
}

func (p *ModelPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, instrument := range p.instruments {
				p.pollOne(ctx, instrument)
			}
		}
	}
}

func (p *ModelPoller) pollOne(ctx context.Context, instrument string) {
	mc, err := p.marketCtx(ctx, instrument)
	if err != nil {
		observ.Warn("model_context_unavailable", map[string]any{
			"instrument": instrument,
			"error":      err.Error(),
		})
		return
	}

	sig, err := p.chain.Query(ctx, instrument, mc)
	if err != nil {
		observ.Warn("model_chain_exhausted", map[string]any{
			"instrument": instrument,
			"error":      err.Error(),
		})
		return
	}

	select {
	case p.out <- sig:
		observ.IncCounter("model_signals_total", map[string]string{
			"instrument": instrument,
			"source":     sig.Source,
		})
	default:
		observ.IncCounter("model_queue_full_total", map[string]string{"instrument": instrument})
	}
}
