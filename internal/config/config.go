// Package config exposes the strongly typed service configuration loaded from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid config")

// Environment variables that override file settings.
const (
	EnvPostgresDSN   = "FLOW_POSTGRES_DSN"
	EnvClickhouseDSN = "FLOW_CLICKHOUSE_DSN"
	EnvFeedAPIKey    = "FLOW_FEED_API_KEY"
	EnvFeedWSURL     = "FLOW_FEED_WS_URL"
	EnvLogLevel      = "FLOW_LOG_LEVEL"
)

// App captures process-wide runtime settings.
type App struct {
	Name        string `yaml:"name"`
	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	Namespace   string `yaml:"metrics_namespace"`
}

// Feed configures the upstream tick feed.
type Feed struct {
	WSURL            string        `yaml:"ws_url"`
	BackfillURL      string        `yaml:"backfill_url"`
	APIKey           string        `yaml:"api_key"`
	Underlying       string        `yaml:"underlying"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// Session describes the trading session the budget and baselines are scoped to.
type Session struct {
	Timezone string `yaml:"timezone"`
	Open     string `yaml:"open"`  // HH:MM
	Close    string `yaml:"close"` // HH:MM
}

// Aggregation configures pressure windows.
type Aggregation struct {
	WindowLength             time.Duration `yaml:"window_length"`
	SealInterval             time.Duration `yaml:"seal_interval"`
	SealGrace                time.Duration `yaml:"seal_grace"`
	SampleScale              float64       `yaml:"sample_scale"`
	MaxPressureRatio         float64       `yaml:"max_pressure_ratio"`
	DegradedWindowMultiplier int           `yaml:"degraded_window_multiplier"`
	DegradedMinTradeSize     float64       `yaml:"degraded_min_trade_size"`
	GapConfidencePenalty     float64       `yaml:"gap_confidence_penalty"`
}

// Budget configures the daily cost ceiling.
type Budget struct {
	DailyCeiling    float64 `yaml:"daily_ceiling"`
	CostPerMB       float64 `yaml:"cost_per_mb"`
	CostPerHour     float64 `yaml:"cost_per_hour"`
	DegradeFraction float64 `yaml:"degrade_fraction"`
	HaltFraction    float64 `yaml:"halt_fraction"`
}

// Baseline configures historical profiles.
type Baseline struct {
	LookbackDays    int           `yaml:"lookback_days"`
	MinDataQuality  float64       `yaml:"min_data_quality"`
	RebuildInterval time.Duration `yaml:"rebuild_interval"`
	StaleAfter      time.Duration `yaml:"stale_after"`
}

// MarketMaking configures the market-making likelihood heuristic.
type MarketMaking struct {
	// Penalty is the confidence multiplier applied at full likelihood, (0,1].
	Penalty          float64 `yaml:"penalty"`
	HighTradeCount   int     `yaml:"high_trade_count"`
	MaxAvgTradeSize  float64 `yaml:"max_avg_trade_size"`
	BalanceThreshold float64 `yaml:"balance_threshold"`
}

// Signal configures scoring and tiers.
type Signal struct {
	MinConfidence float64      `yaml:"min_confidence"`
	Epsilon       float64      `yaml:"epsilon"`
	AnomalyWeight float64      `yaml:"anomaly_weight"`
	AnomalyScale  float64      `yaml:"anomaly_scale"`
	StrongAt      float64      `yaml:"strong_at"`
	ModerateAt    float64      `yaml:"moderate_at"`
	MonitorAt     float64      `yaml:"monitor_at"`
	MarketMaking  MarketMaking `yaml:"market_making"`
}

// Reliability configures reconnection and backfill.
type Reliability struct {
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	MaxRetries      uint64        `yaml:"max_retries"`
	BackfillTimeout time.Duration `yaml:"backfill_timeout"`
}

// Pipeline configures the hot path.
type Pipeline struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	Workers       int           `yaml:"workers"`
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
}

// Storage configures persistence.
type Storage struct {
	UseMemory     bool   `yaml:"use_memory"`
	PostgresDSN   string `yaml:"postgres_dsn"`
	ClickhouseDSN string `yaml:"clickhouse_dsn"`
	Migrate       bool   `yaml:"migrate"`
}

// Config collects every configuration section.
type Config struct {
	App         App         `yaml:"app"`
	Feed        Feed        `yaml:"feed"`
	Session     Session     `yaml:"session"`
	Aggregation Aggregation `yaml:"aggregation"`
	Budget      Budget      `yaml:"budget"`
	Baseline    Baseline    `yaml:"baseline"`
	Signal      Signal      `yaml:"signal"`
	Reliability Reliability `yaml:"reliability"`
	Pipeline    Pipeline    `yaml:"pipeline"`
	Storage     Storage     `yaml:"storage"`
}

// Default returns the documented defaults.
func Default() *Config {
	return &Config{
		App: App{
			Name:        "options-flow",
			LogLevel:    "info",
			MetricsAddr: ":9090",
			Namespace:   "options_flow",
		},
		Feed: Feed{
			HeartbeatTimeout: 15 * time.Second,
			WriteTimeout:     10 * time.Second,
			PingInterval:     30 * time.Second,
		},
		Session: Session{
			Timezone: "America/New_York",
			Open:     "09:30",
			Close:    "16:00",
		},
		Aggregation: Aggregation{
			WindowLength:             5 * time.Minute,
			SealInterval:             time.Second,
			SealGrace:                2 * time.Second,
			SampleScale:              20,
			MaxPressureRatio:         100,
			DegradedWindowMultiplier: 2,
			DegradedMinTradeSize:     10,
			GapConfidencePenalty:     0.5,
		},
		Budget: Budget{
			DailyCeiling:    25,
			CostPerMB:       0.01,
			CostPerHour:     1,
			DegradeFraction: 0.8,
			HaltFraction:    1.0,
		},
		Baseline: Baseline{
			LookbackDays:    20,
			MinDataQuality:  0.5,
			RebuildInterval: 24 * time.Hour,
			StaleAfter:      36 * time.Hour,
		},
		Signal: Signal{
			MinConfidence: 0.3,
			Epsilon:       1e-6,
			AnomalyWeight: 0.3,
			AnomalyScale:  2,
			StrongAt:      0.85,
			ModerateAt:    0.70,
			MonitorAt:     0.55,
			MarketMaking: MarketMaking{
				Penalty:          0.5,
				HighTradeCount:   200,
				MaxAvgTradeSize:  5,
				BalanceThreshold: 0.2,
			},
		},
		Reliability: Reliability{
			InitialBackoff:  500 * time.Millisecond,
			MaxBackoff:      30 * time.Second,
			MaxRetries:      10,
			BackfillTimeout: 30 * time.Second,
		},
		Pipeline: Pipeline{
			QueueCapacity: 65536,
			Workers:       1,
			FlushTimeout:  10 * time.Second,
		},
		Storage: Storage{
			UseMemory: true,
			Migrate:   true,
		},
	}
}

// Load reads a YAML file from disk over the defaults.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	cfg := Default()
	if err := yaml.NewDecoder(file).Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return cfg, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		c.Storage.PostgresDSN = v
	}
	if v, ok := lookup(EnvClickhouseDSN); ok && v != "" {
		c.Storage.ClickhouseDSN = v
	}
	if v, ok := lookup(EnvFeedAPIKey); ok && v != "" {
		c.Feed.APIKey = v
	}
	if v, ok := lookup(EnvFeedWSURL); ok && v != "" {
		c.Feed.WSURL = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.App.LogLevel = strings.ToLower(v)
	}
}

// Validate checks every section and joins all violations.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.Aggregation.WindowLength <= 0 {
		bad("aggregation.window_length must be positive")
	}
	if c.Aggregation.SealInterval <= 0 {
		bad("aggregation.seal_interval must be positive")
	}
	if c.Aggregation.SealGrace < 0 {
		bad("aggregation.seal_grace must not be negative")
	}
	if c.Aggregation.SampleScale <= 0 {
		bad("aggregation.sample_scale must be positive")
	}
	if c.Aggregation.MaxPressureRatio <= 1 {
		bad("aggregation.max_pressure_ratio must exceed 1")
	}
	if c.Aggregation.DegradedWindowMultiplier < 1 {
		bad("aggregation.degraded_window_multiplier must be at least 1")
	}
	if c.Aggregation.GapConfidencePenalty <= 0 || c.Aggregation.GapConfidencePenalty > 1 {
		bad("aggregation.gap_confidence_penalty must be in (0,1]")
	}

	if c.Budget.DailyCeiling <= 0 {
		bad("budget.daily_ceiling must be positive")
	}
	if c.Budget.CostPerMB < 0 || c.Budget.CostPerHour < 0 {
		bad("budget rates must not be negative")
	}
	if c.Budget.DegradeFraction <= 0 || c.Budget.DegradeFraction >= c.Budget.HaltFraction {
		bad("budget.degrade_fraction must be positive and below halt_fraction")
	}

	if c.Baseline.LookbackDays <= 0 {
		bad("baseline.lookback_days must be positive")
	}
	if c.Baseline.MinDataQuality < 0 || c.Baseline.MinDataQuality > 1 {
		bad("baseline.min_data_quality must be in [0,1]")
	}
	if c.Baseline.RebuildInterval <= 0 {
		bad("baseline.rebuild_interval must be positive")
	}

	s := c.Signal
	if s.MinConfidence < 0 || s.MinConfidence > 1 {
		bad("signal.min_confidence must be in [0,1]")
	}
	if s.Epsilon <= 0 {
		bad("signal.epsilon must be positive")
	}
	if s.AnomalyScale <= 0 {
		bad("signal.anomaly_scale must be positive")
	}
	if !(s.StrongAt > s.ModerateAt && s.ModerateAt > s.MonitorAt && s.MonitorAt > 0) {
		bad("signal tiers must be strictly descending and positive")
	}
	if s.MarketMaking.Penalty <= 0 || s.MarketMaking.Penalty > 1 {
		bad("signal.market_making.penalty must be in (0,1]")
	}
	if s.MarketMaking.HighTradeCount <= 0 || s.MarketMaking.MaxAvgTradeSize <= 0 {
		bad("signal.market_making thresholds must be positive")
	}

	if c.Reliability.InitialBackoff <= 0 || c.Reliability.MaxBackoff < c.Reliability.InitialBackoff {
		bad("reliability backoff bounds are inconsistent")
	}
	if c.Reliability.BackfillTimeout <= 0 {
		bad("reliability.backfill_timeout must be positive")
	}

	if c.Pipeline.QueueCapacity <= 0 {
		bad("pipeline.queue_capacity must be positive")
	}
	if c.Pipeline.Workers <= 0 {
		bad("pipeline.workers must be positive")
	}

	if !c.Storage.UseMemory && (c.Storage.PostgresDSN == "" || c.Storage.ClickhouseDSN == "") {
		bad("storage DSNs are required unless use_memory is set")
	}

	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		bad("session.timezone %q: %v", c.Session.Timezone, err)
	}

	return errors.Join(errs...)
}
