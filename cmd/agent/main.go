package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/quantfold/tradeagent/internal/account"
	"github.com/quantfold/tradeagent/internal/config"
	"github.com/quantfold/tradeagent/internal/exchange"
	"github.com/quantfold/tradeagent/internal/exec"
	"github.com/quantfold/tradeagent/internal/fusion"
	"github.com/quantfold/tradeagent/internal/journal"
	"github.com/quantfold/tradeagent/internal/observ"
	"github.com/quantfold/tradeagent/internal/position"
	"github.com/quantfold/tradeagent/internal/risk"
	sig "github.com/quantfold/tradeagent/internal/signal"
)

const (
	paperSeedPrice  = 100
	paperVolatility = 0.05
)

func main() {
	var cfgPath, envPath string
	flag.StringVar(&cfgPath, "config", "config/config.yaml", "config path")
	flag.StringVar(&envPath, "env", ".env", "dotenv path (optional)")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		log.Fatalf("load env: %v", err)
	}

	cfgStore, err := config.NewStore(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v (did you copy config.example.yaml?)", err)
	}
	cfg := cfgStore.Snapshot()

	observ.Log("startup", map[string]any{
		"instruments":    cfg.Instruments,
		"exchange_mode":  cfg.Exchange.Mode,
		"fusion":         cfg.Fusion.Strategy,
		"stop_policy":    cfg.Stops.Policy,
		"model_sources":  len(cfg.Models.Sources),
		"webhook_listen": cfg.Webhook.ListenAddr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// exchange
	if cfg.Exchange.Mode != "paper" {
		log.Fatalf("exchange mode %q not supported, only paper trading is wired", cfg.Exchange.Mode)
	}
	paper := exchange.NewPaperExchange(
		cfg.Exchange.StartingUSD,
		time.Duration(cfg.Exchange.FillLatencyMs)*time.Millisecond,
		cfg.Exchange.PartialFillPct,
	)
	for _, instrument := range cfg.Instruments {
		paper.AddInstrument(instrument, paperSeedPrice, paperVolatility)
	}

	// account, risk, execution
	store := account.NewStore(cfg.Exchange.StartingUSD)
	halt := risk.NewHaltSwitch()
	gate := risk.NewGate(stopPolicy(cfg.Stops, paper.ATR), halt)

	jnl, err := journal.New(cfg.Journal.Path, cfg.Journal.DedupHorizonSecs)
	if err != nil {
		log.Fatalf("open journal: %v", err)
	}
	coord := exec.NewCoordinator(exec.Config{
		MaxRetries:     cfg.Exec.MaxRetries,
		BackoffBase:    time.Duration(cfg.Exec.BackoffBaseMs) * time.Millisecond,
		BackoffMax:     time.Duration(cfg.Exec.BackoffMaxMs) * time.Millisecond,
		SubmitTimeout:  time.Duration(cfg.Exec.SubmitTimeoutMs) * time.Millisecond,
		PollInterval:   time.Duration(cfg.Exec.PollIntervalMs) * time.Millisecond,
		RemainderGrace: time.Duration(cfg.Exec.RemainderGraceSecs) * time.Second,
	}, paper, jnl, store)

	// fusion engine; intake feeds its In channel directly
	engine := fusion.New(fusion.Config{
		DebounceWindow:      time.Duration(cfg.Fusion.DebounceWindowSecs) * time.Second,
		ActivationThreshold: cfg.Fusion.ActivationThreshold,
		EqualityEpsilon:     cfg.Fusion.EqualityEpsilon,
		ConflictMargin:      cfg.Fusion.ConflictMargin,
		TimeBucket:          time.Duration(cfg.Fusion.TimeBucketSecs) * time.Second,
		FallbackCeiling:     cfg.Models.FallbackCeiling,
		CapWhenNoModel:      true,
		SourceWeights:       sourceWeights(cfg),
		QueueDepth:          cfg.Fusion.QueueDepth,
	}, fuser(cfg.Fusion))
	go engine.Run(ctx)

	// signal intake: webhook alerts and polled model verdicts
	known := func(instrument string) bool {
		for _, i := range cfg.Instruments {
			if i == instrument {
				return true
			}
		}
		return false
	}
	dedup := newDedup(cfg.Webhook)
	defer dedup.Close()

	receiver := sig.NewWebhookReceiver(engine.In(), dedup, sig.WebhookOptions{
		Secret:        cfg.Webhook.Secret,
		RatePerSecond: cfg.Webhook.RatePerSecond,
		Burst:         cfg.Webhook.RateBurst,
		TTL:           time.Duration(cfg.Webhook.SignalTTLSeconds) * time.Second,
		Known:         known,
	})
	webhookSrv := &http.Server{Addr: cfg.Webhook.ListenAddr, Handler: webhookMux(receiver)}
	go func() {
		if err := webhookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("webhook server: %v", err)
		}
	}()

	if len(cfg.Models.Sources) > 0 {
		var sources []sig.ModelSource
		for _, m := range cfg.Models.Sources {
			sources = append(sources, sig.NewHTTPModelSource(sig.HTTPModelOptions{
				Name:       m.Name,
				URL:        m.URL,
				APIKey:     os.Getenv(m.APIKeyEnv),
				Timeout:    time.Duration(m.TimeoutMs) * time.Millisecond,
				RatePerMin: m.RatePerMin,
				TTL:        time.Duration(cfg.Models.SignalTTLSeconds) * time.Second,
			}))
		}
		chain := sig.NewChain(sources...)
		marketCtx := func(ctx context.Context, instrument string) (sig.MarketContext, error) {
			t, err := paper.Ticker(ctx, instrument)
			if err != nil {
				return sig.MarketContext{}, err
			}
			return sig.MarketContext{
				Instrument: instrument,
				Price:      t.Price,
				High24h:    t.High24h,
				Low24h:     t.Low24h,
				Volume24h:  t.Volume24h,
				Change24h:  t.Change24h,
			}, nil
		}
		poller := sig.NewModelPoller(chain, cfg.Instruments,
			time.Duration(cfg.Models.PollIntervalSecs)*time.Second, marketCtx, engine.In())
		go poller.Run(ctx)
	}

	// live marks into the monitor, from the feed when configured
	var updates <-chan exchange.PriceUpdate
	if cfg.Exchange.FeedURL != "" {
		feed := exchange.NewFeed(cfg.Exchange.FeedURL, cfg.Instruments, cfg.Fusion.QueueDepth)
		go feed.Run(ctx)
		updates = feed.Updates()
	}
	monitor := position.NewMonitor(position.Config{
		Interval:       time.Duration(cfg.Monitor.IntervalSecs) * time.Second,
		FreshnessMax:   time.Duration(cfg.Monitor.FreshnessMaxSecs) * time.Second,
		MaxDrawdownPct: cfg.Limits.MaxDrawdownPct,
		Instruments:    cfg.Instruments,
	}, store, gate, halt, coord, paper, updates)
	go monitor.Run(ctx)

	// operator surface
	opsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: opsMux(halt)}
	go func() {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ops server: %v", err)
		}
	}()

	// config reload on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := cfgStore.Reload(); err != nil {
				observ.Warn("config_reload_failed", map[string]any{"error": err.Error()})
				continue
			}
			observ.Log("config_reloaded", map[string]any{"path": cfgPath})
		}
	}()

	// decision loop
	for {
		select {
		case d := <-engine.Out():
			handleDecision(ctx, d, cfgStore, store, gate, coord, paper)
		case <-ctx.Done():
			observ.Log("shutdown", map[string]any{"reason": ctx.Err().Error()})
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			webhookSrv.Shutdown(shutdownCtx)
			opsSrv.Shutdown(shutdownCtx)
			cancel()
			coord.Wait()
			return
		}
	}
}

// handleDecision runs the risk gate over one fused decision and hands the
// approved intent to the coordinator. Cancellations abort in-flight orders.
func handleDecision(ctx context.Context, d fusion.Decision, cfgStore *config.Store, store *account.Store, gate *risk.Gate, coord *exec.Coordinator, paper *exchange.PaperExchange) {
	if d.Cancel {
		coord.Abort(ctx, d.Key)
		return
	}

	t, err := paper.Ticker(ctx, d.Instrument)
	if err != nil {
		observ.Warn("decision_mark_unavailable", map[string]any{"instrument": d.Instrument, "error": err.Error()})
		return
	}

	v := gate.Evaluate(d, store.Snapshot(), cfgStore.Snapshot().Limits, t.Price)
	if v.Outcome == risk.Rejected {
		return
	}
	go func() {
		if _, err := coord.Execute(ctx, v.Intent); err != nil {
			observ.Warn("execute_failed", map[string]any{"key": d.Key, "error": err.Error()})
		}
	}()
}

// sourceWeights merges the per-model weights into the fusion weight map.
// Explicit fusion.source_weights entries win over a model's own weight.
func sourceWeights(cfg *config.Root) map[string]float64 {
	w := make(map[string]float64, len(cfg.Fusion.SourceWeights)+len(cfg.Models.Sources))
	for _, m := range cfg.Models.Sources {
		if m.Weight > 0 {
			w[m.Name] = m.Weight
		}
	}
	for name, v := range cfg.Fusion.SourceWeights {
		w[name] = v
	}
	return w
}

func fuser(cfg config.Fusion) fusion.Fuser {
	if cfg.Strategy == "recency_decay" {
		return fusion.RecencyDecay{HalfLife: time.Duration(cfg.DecayHalfLifeSecs) * time.Second}
	}
	return fusion.WeightedSum{}
}

func stopPolicy(cfg config.Stops, atr risk.ATRFunc) risk.StopPolicy {
	pct := risk.PercentPolicy{
		StopLossPct:   cfg.StopLossPct,
		TakeProfitPct: cfg.TakeProfitPct,
		TrailingPct:   cfg.TrailingPct,
	}
	if cfg.Policy == "atr" {
		return risk.ATRPolicy{Multiple: cfg.ATRMultiple, Period: cfg.ATRPeriod, ATR: atr, Fallback: pct}
	}
	return pct
}

func newDedup(cfg config.Webhook) sig.DedupStore {
	window := time.Duration(cfg.DedupWindowSecs) * time.Second
	if cfg.RedisAddr != "" {
		return sig.NewRedisDedup(cfg.RedisAddr, window)
	}
	return sig.NewMemoryDedup(window)
}

func webhookMux(receiver *sig.WebhookReceiver) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/webhook", receiver)
	return mux
}

// opsMux exposes metrics, health, and the operator halt switch.
func opsMux(halt *risk.HaltSwitch) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.Health())
	mux.HandleFunc("/halt", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		halt.Activate("operator")
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/resume", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		halt.Clear("operator")
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
