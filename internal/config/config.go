package config

import (
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

type Webhook struct {
	ListenAddr       string  `yaml:"listen_addr"`
	Secret           string  `yaml:"secret"` // overridden by WEBHOOK_SECRET
	DedupWindowSecs  int     `yaml:"dedup_window_seconds"`
	RatePerSecond    float64 `yaml:"rate_per_second"`
	RateBurst        int     `yaml:"rate_burst"`
	RedisAddr        string  `yaml:"redis_addr"` // empty = in-memory dedup
	SignalTTLSeconds int     `yaml:"signal_ttl_seconds"`
}

type ModelSource struct {
	Name       string  `yaml:"name"`
	URL        string  `yaml:"url"`
	APIKeyEnv  string  `yaml:"api_key_env"`
	Weight     float64 `yaml:"weight"`
	TimeoutMs  int     `yaml:"timeout_ms"`
	RatePerMin float64 `yaml:"rate_per_minute"`
}

type Models struct {
	Sources          []ModelSource `yaml:"sources"` // in rank order
	PollIntervalSecs int           `yaml:"poll_interval_seconds"`
	FallbackCeiling  float64       `yaml:"fallback_confidence_ceiling"`
	SignalTTLSeconds int           `yaml:"signal_ttl_seconds"`
}

type Fusion struct {
	DebounceWindowSecs  int                `yaml:"debounce_window_seconds"`
	ActivationThreshold float64            `yaml:"activation_threshold"`
	EqualityEpsilon     float64            `yaml:"equality_epsilon"`
	ConflictMargin      float64            `yaml:"conflict_margin"`
	TimeBucketSecs      int                `yaml:"time_bucket_seconds"`
	Strategy            string             `yaml:"strategy"` // weighted_sum | recency_decay
	DecayHalfLifeSecs   int                `yaml:"decay_half_life_seconds"`
	SourceWeights       map[string]float64 `yaml:"source_weights"`
	QueueDepth          int                `yaml:"queue_depth"`
}

type Limits struct {
	MinConfidence      float64 `yaml:"min_confidence"`
	MaxPositionSizeUSD float64 `yaml:"max_position_size_usd"`
	MaxExposureUSD     float64 `yaml:"max_exposure_usd"`
	MaxConcurrent      int     `yaml:"max_concurrent_positions"`
	MinViableOrderUSD  float64 `yaml:"min_viable_order_usd"`
	MaxDrawdownPct     float64 `yaml:"max_drawdown_pct"`
	BaseOrderUSD       float64 `yaml:"base_order_usd"`
}

type Stops struct {
	Policy        string  `yaml:"policy"` // percent | atr
	StopLossPct   float64 `yaml:"stop_loss_pct"`
	TakeProfitPct float64 `yaml:"take_profit_pct"`
	TrailingPct   float64 `yaml:"trailing_pct"`
	ATRMultiple   float64 `yaml:"atr_multiple"`
	ATRPeriod     int     `yaml:"atr_period"`
}

type Exec struct {
	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseMs      int `yaml:"backoff_base_ms"`
	BackoffMaxMs       int `yaml:"backoff_max_ms"`
	SubmitTimeoutMs    int `yaml:"submit_timeout_ms"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
	RemainderGraceSecs int `yaml:"remainder_grace_seconds"`
}

type Monitor struct {
	IntervalSecs     int `yaml:"interval_seconds"`
	FreshnessMaxSecs int `yaml:"freshness_max_seconds"`
}

type Exchange struct {
	Mode           string  `yaml:"mode"` // paper | live
	FeedURL        string  `yaml:"feed_url"`
	StartingUSD    float64 `yaml:"starting_usd"`
	FillLatencyMs  int     `yaml:"fill_latency_ms"`
	PartialFillPct float64 `yaml:"partial_fill_pct"`
}

type Journal struct {
	Path             string `yaml:"path"`
	DedupHorizonSecs int    `yaml:"dedup_horizon_seconds"`
}

type Root struct {
	Instruments []string `yaml:"instruments"`
	MetricsAddr string   `yaml:"metrics_addr"`
	Webhook     Webhook  `yaml:"webhook"`
	Models      Models   `yaml:"models"`
	Fusion      Fusion   `yaml:"fusion"`
	Limits      Limits   `yaml:"limits"`
	Stops       Stops    `yaml:"stops"`
	Exec        Exec     `yaml:"exec"`
	Monitor     Monitor  `yaml:"monitor"`
	Exchange    Exchange `yaml:"exchange"`
	Journal     Journal  `yaml:"journal"`
}

func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	if err := validate(&c); err != nil {
		return c, err
	}
	// Secrets come from the environment, never the file.
	if s := os.Getenv("WEBHOOK_SECRET"); s != "" {
		c.Webhook.Secret = s
	}
	return c, nil
}

func applyDefaults(c *Root) {
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":8090"
	}
	if c.Webhook.ListenAddr == "" {
		c.Webhook.ListenAddr = ":8080"
	}
	if c.Webhook.DedupWindowSecs == 0 {
		c.Webhook.DedupWindowSecs = 300
	}
	if c.Webhook.RatePerSecond == 0 {
		c.Webhook.RatePerSecond = 10
	}
	if c.Webhook.RateBurst == 0 {
		c.Webhook.RateBurst = 20
	}
	if c.Webhook.SignalTTLSeconds == 0 {
		c.Webhook.SignalTTLSeconds = 120
	}
	if c.Models.PollIntervalSecs == 0 {
		c.Models.PollIntervalSecs = 60
	}
	if c.Models.FallbackCeiling == 0 {
		c.Models.FallbackCeiling = 0.5
	}
	if c.Models.SignalTTLSeconds == 0 {
		c.Models.SignalTTLSeconds = 180
	}
	if c.Fusion.DebounceWindowSecs == 0 {
		c.Fusion.DebounceWindowSecs = 5
	}
	if c.Fusion.ActivationThreshold == 0 {
		c.Fusion.ActivationThreshold = 0.35
	}
	if c.Fusion.EqualityEpsilon == 0 {
		c.Fusion.EqualityEpsilon = 0.05
	}
	if c.Fusion.ConflictMargin == 0 {
		c.Fusion.ConflictMargin = 0.2
	}
	if c.Fusion.TimeBucketSecs == 0 {
		c.Fusion.TimeBucketSecs = 60
	}
	if c.Fusion.Strategy == "" {
		c.Fusion.Strategy = "weighted_sum"
	}
	if c.Fusion.DecayHalfLifeSecs == 0 {
		c.Fusion.DecayHalfLifeSecs = 30
	}
	if c.Fusion.QueueDepth == 0 {
		c.Fusion.QueueDepth = 256
	}
	if c.Limits.MinConfidence == 0 {
		c.Limits.MinConfidence = 0.55
	}
	if c.Limits.MaxPositionSizeUSD == 0 {
		c.Limits.MaxPositionSizeUSD = 5000
	}
	if c.Limits.MaxExposureUSD == 0 {
		c.Limits.MaxExposureUSD = 20000
	}
	if c.Limits.MaxConcurrent == 0 {
		c.Limits.MaxConcurrent = 5
	}
	if c.Limits.MinViableOrderUSD == 0 {
		c.Limits.MinViableOrderUSD = 100
	}
	if c.Limits.MaxDrawdownPct == 0 {
		c.Limits.MaxDrawdownPct = 20
	}
	if c.Limits.BaseOrderUSD == 0 {
		c.Limits.BaseOrderUSD = 2000
	}
	if c.Stops.Policy == "" {
		c.Stops.Policy = "percent"
	}
	if c.Stops.StopLossPct == 0 {
		c.Stops.StopLossPct = 2
	}
	if c.Stops.TakeProfitPct == 0 {
		c.Stops.TakeProfitPct = 4
	}
	if c.Stops.TrailingPct == 0 {
		c.Stops.TrailingPct = 1.5
	}
	if c.Stops.ATRMultiple == 0 {
		c.Stops.ATRMultiple = 2
	}
	if c.Stops.ATRPeriod == 0 {
		c.Stops.ATRPeriod = 14
	}
	if c.Exec.MaxRetries == 0 {
		c.Exec.MaxRetries = 3
	}
	if c.Exec.BackoffBaseMs == 0 {
		c.Exec.BackoffBaseMs = 100
	}
	if c.Exec.BackoffMaxMs == 0 {
		c.Exec.BackoffMaxMs = 5000
	}
	if c.Exec.SubmitTimeoutMs == 0 {
		c.Exec.SubmitTimeoutMs = 5000
	}
	if c.Exec.PollIntervalMs == 0 {
		c.Exec.PollIntervalMs = 500
	}
	if c.Exec.RemainderGraceSecs == 0 {
		c.Exec.RemainderGraceSecs = 30
	}
	if c.Monitor.IntervalSecs == 0 {
		c.Monitor.IntervalSecs = 10
	}
	if c.Monitor.FreshnessMaxSecs == 0 {
		c.Monitor.FreshnessMaxSecs = 30
	}
	if c.Exchange.Mode == "" {
		c.Exchange.Mode = "paper"
	}
	if c.Exchange.StartingUSD == 0 {
		c.Exchange.StartingUSD = 100000
	}
	if c.Exchange.FillLatencyMs == 0 {
		c.Exchange.FillLatencyMs = 50
	}
	if c.Journal.Path == "" {
		c.Journal.Path = "data/journal.jsonl"
	}
	if c.Journal.DedupHorizonSecs == 0 {
		c.Journal.DedupHorizonSecs = 300
	}
}

func validate(c *Root) error {
	if len(c.Instruments) == 0 {
		return fmt.Errorf("config: at least one instrument required")
	}
	if c.Limits.MinConfidence < 0 || c.Limits.MinConfidence > 1 {
		return fmt.Errorf("config: min_confidence %.2f outside [0,1]", c.Limits.MinConfidence)
	}
	switch c.Fusion.Strategy {
	case "weighted_sum", "recency_decay":
	default:
		return fmt.Errorf("config: unknown fusion strategy %q", c.Fusion.Strategy)
	}
	switch c.Stops.Policy {
	case "percent", "atr":
	default:
		return fmt.Errorf("config: unknown stop policy %q", c.Stops.Policy)
	}
	return nil
}

// Store hands out immutable snapshots between reloads. Components read a
// snapshot at the top of each cycle and never see a half-applied reload.
type Store struct {
	path string
	cur  atomic.Pointer[Root]
}

func NewStore(path string) (*Store, error) {
	s := &Store{path: path}
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	s.cur.Store(&c)
	return s, nil
}

// Snapshot returns the current config. Callers must not mutate it.
func (s *Store) Snapshot() *Root {
	return s.cur.Load()
}

// Reload re-reads the file; on error the previous snapshot stays active.
func (s *Store) Reload() error {
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur.Store(&c)
	return nil
}
