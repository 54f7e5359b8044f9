package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the immutable runtime configuration. It is built once at startup
// and passed to every component at construction.
type Config struct {
	Symbol string `yaml:"symbol"`

	Inference InferenceConfig `yaml:"inference"`
	Features  FeatureConfig   `yaml:"features"`
	Book      BookConfig      `yaml:"orderbook"`
	Gap       GapConfig       `yaml:"gap_detection"`
	Reanchor  ReanchorConfig  `yaml:"reanchor"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	LogLevel  string          `yaml:"log_level"`
}

// InferenceConfig controls the periodic prediction tick.
type InferenceConfig struct {
	TickPeriodMS     int64   `yaml:"tick_period_ms"`
	StaleThresholdMS int64   `yaml:"stale_threshold_ms"`
	MinCompleteness  float64 `yaml:"min_completeness"`
	TargetOffsetMS   int64   `yaml:"target_offset_ms"`
	ModelPath        string  `yaml:"model_path"`
}

// FeatureConfig controls feature vector recomputation.
type FeatureConfig struct {
	FeatureIntervalMS int64   `yaml:"feature_interval_ms"`
	QuoteMoveBps      float64 `yaml:"quote_move_bps"` // best bid/ask move that forces a recompute
	RollingWindowsMS  []int64 `yaml:"rolling_windows_ms"`
}

// BookConfig controls order book maintenance.
type BookConfig struct {
	Levels int `yaml:"orderbook_levels"`
}

// GapConfig holds the discontinuity detection thresholds.
type GapConfig struct {
	SequenceGapK       int     `yaml:"sequence_gap_k"`
	DepthGapEnabled    bool    `yaml:"depth_gap_enabled"`
	SilenceTimeoutMS   int64   `yaml:"silence_timeout_ms"`
	PriceJumpPct       float64 `yaml:"price_jump_pct"`
	ConnectionLossMS   int64   `yaml:"connection_loss_ms"`
	RecoveryCooldownMS int64   `yaml:"recovery_cooldown_ms"`
}

// ReanchorConfig bounds the rebuild procedure.
type ReanchorConfig struct {
	MaxAttempts          int     `yaml:"reanchor_max_attempts"`
	BackoffInitialMS     int64   `yaml:"reanchor_backoff_ms"`
	BackoffMaxMS         int64   `yaml:"reanchor_backoff_max_ms"`
	TotalDeadlineMS      int64   `yaml:"reanchor_total_deadline_ms"`
	SanityPriceDeviation float64 `yaml:"sanity_price_deviation"`
	LeaseTTLMS           int64   `yaml:"lease_ttl_ms"`
}

// IngestConfig configures the event source.
type IngestConfig struct {
	WSEndpoint   string `yaml:"ws_endpoint"`
	RESTEndpoint string `yaml:"rest_endpoint"`
	SnapshotQPS  int    `yaml:"snapshot_qps"`
}

// ServerConfig configures the HTTP metrics/health listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// RedisConfig configures the optional prediction sink and hot-state mirror.
// An empty address disables both.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	PredictChannel string `yaml:"predict_channel"`
	MirrorEnabled  bool   `yaml:"mirror_enabled"`
}

// Default returns the configuration with every knob at its documented default.
func Default() Config {
	return Config{
		Symbol: "BTCUSDT",
		Inference: InferenceConfig{
			TickPeriodMS:     2000,
			StaleThresholdMS: 5000,
			MinCompleteness:  0.8,
			TargetOffsetMS:   10000,
			ModelPath:        "config/model.json",
		},
		Features: FeatureConfig{
			FeatureIntervalMS: 2000,
			QuoteMoveBps:      5.0,
			RollingWindowsMS:  []int64{1000, 5000},
		},
		Book: BookConfig{Levels: 10},
		Gap: GapConfig{
			SequenceGapK:       1,
			DepthGapEnabled:    true,
			SilenceTimeoutMS:   5000,
			PriceJumpPct:       0.01,
			ConnectionLossMS:   30000,
			RecoveryCooldownMS: 300000,
		},
		Reanchor: ReanchorConfig{
			MaxAttempts:          5,
			BackoffInitialMS:     1000,
			BackoffMaxMS:         60000,
			TotalDeadlineMS:      10000,
			SanityPriceDeviation: 0.10,
			LeaseTTLMS:           30000,
		},
		Ingest: IngestConfig{
			WSEndpoint:   "wss://stream.binance.com:9443",
			RESTEndpoint: "https://api.binance.com",
			SnapshotQPS:  5,
		},
		Server:   ServerConfig{ListenAddr: ":8080"},
		Redis:    RedisConfig{PredictChannel: "predictions:btc"},
		LogLevel: "info",
	}
}

// Load reads a YAML config file and applies defaults for anything unset.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: symbol is required")
	}
	if c.Inference.TickPeriodMS <= 0 {
		return fmt.Errorf("config: tick_period_ms must be positive, got %d", c.Inference.TickPeriodMS)
	}
	if c.Book.Levels <= 0 {
		return fmt.Errorf("config: orderbook_levels must be positive, got %d", c.Book.Levels)
	}
	if c.Inference.MinCompleteness < 0 || c.Inference.MinCompleteness > 1 {
		return fmt.Errorf("config: min_completeness must be in [0,1], got %v", c.Inference.MinCompleteness)
	}
	if len(c.Features.RollingWindowsMS) == 0 {
		return fmt.Errorf("config: rolling_windows_ms must not be empty")
	}
	for _, w := range c.Features.RollingWindowsMS {
		if w <= 0 {
			return fmt.Errorf("config: rolling window %d must be positive", w)
		}
	}
	if c.Reanchor.MaxAttempts <= 0 {
		return fmt.Errorf("config: reanchor_max_attempts must be positive, got %d", c.Reanchor.MaxAttempts)
	}
	return nil
}

// TickPeriod returns the inference period as a duration.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(c.Inference.TickPeriodMS) * time.Millisecond
}

// RecoveryCooldown returns the post-reanchor suppression window.
func (c Config) RecoveryCooldown() time.Duration {
	return time.Duration(c.Gap.RecoveryCooldownMS) * time.Millisecond
}

// LeaseTTL returns the re-anchor lease expiry.
func (c Config) LeaseTTL() time.Duration {
	return time.Duration(c.Reanchor.LeaseTTLMS) * time.Millisecond
}
