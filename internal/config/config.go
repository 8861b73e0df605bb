// Package config loads and validates the service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Listen   string         `yaml:"listen"`
	Binance  BinanceConfig  `yaml:"binance"`
	Cache    CacheConfig    `yaml:"cache"`
	Universe UniverseConfig `yaml:"universe"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Stream   StreamConfig   `yaml:"stream"`
}

// BinanceConfig tunes the upstream REST and WebSocket endpoints.
type BinanceConfig struct {
	BaseURL   string      `yaml:"base_url"`
	StreamURL string      `yaml:"stream_url"` // combined-stream endpoint
	RawWSURL  string      `yaml:"raw_ws_url"` // raw endpoint for the alt H1 socket
	TimeoutMS int         `yaml:"timeout_ms"`
	RPS       float64     `yaml:"rps"`
	Burst     int         `yaml:"burst"`
	Retry     RetryConfig `yaml:"retry"`
}

// RetryConfig is the exponential backoff policy for REST calls.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseMS      int `yaml:"base_ms"`
	MaxMS       int `yaml:"max_ms"`
}

// CacheConfig selects and tunes the response cache.
type CacheConfig struct {
	Backend          string `yaml:"backend"` // memory | redis
	RedisAddr        string `yaml:"redis_addr"`
	MaxEntries       int    `yaml:"max_entries"`
	ExchangeInfoSecs int    `yaml:"exchange_info_secs"`
	TickerSecs       int    `yaml:"ticker_secs"`
	KlinesSecs       int    `yaml:"klines_secs"`
}

// UniverseConfig controls alt-universe selection.
type UniverseConfig struct {
	TopN     int    `yaml:"top_n"`
	Strategy string `yaml:"strategy"` // volume | gainers
	// MinUniverse is the completeness policy: assemblies yielding fewer alt
	// items fail with a retryable error. Zero disables the check.
	MinUniverse int `yaml:"min_universe"`
}

// SnapshotConfig tunes snapshot assembly.
type SnapshotConfig struct {
	Candles            int    `yaml:"candles"`
	Concurrency        int    `yaml:"concurrency"`
	GlobalDeadlineMS   int    `yaml:"global_deadline_ms"`
	StaleThresholdSecs int    `yaml:"stale_threshold_secs"`
	MaxBytes           int    `yaml:"max_bytes"`
	FundingMode        string `yaml:"funding_mode"`       // coreOnly | all
	OpenInterestMode   string `yaml:"open_interest_mode"` // coreOnly | all
}

// StreamConfig tunes the WebSocket collectors.
type StreamConfig struct {
	RingCapacity int      `yaml:"ring_capacity"`
	CoreSymbols  []string `yaml:"core_symbols"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		Listen: ":8788",
		Binance: BinanceConfig{
			BaseURL:   "https://fapi.binance.com",
			StreamURL: "wss://fstream.binance.com/stream",
			RawWSURL:  "wss://fstream.binance.com/ws",
			TimeoutMS: 6000,
			RPS:       20,
			Burst:     40,
			Retry: RetryConfig{
				MaxAttempts: 3,
				BaseMS:      300,
				MaxMS:       2000,
			},
		},
		Cache: CacheConfig{
			Backend:          "memory",
			MaxEntries:       4096,
			ExchangeInfoSecs: 600,
			TickerSecs:       30,
			KlinesSecs:       30,
		},
		Universe: UniverseConfig{
			TopN:     30,
			Strategy: "volume",
		},
		Snapshot: SnapshotConfig{
			Candles:            200,
			Concurrency:        16,
			GlobalDeadlineMS:   8000,
			StaleThresholdSecs: 900,
			MaxBytes:           2_500_000,
			FundingMode:        "all",
			OpenInterestMode:   "all",
		},
		Stream: StreamConfig{
			RingCapacity: 200,
			CoreSymbols:  []string{"BTCUSDT", "ETHUSDT"},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Binance.BaseURL == "" {
		return fmt.Errorf("binance.base_url must be set")
	}
	if c.Binance.Retry.MaxAttempts < 1 {
		return fmt.Errorf("binance.retry.max_attempts must be at least 1, got %d", c.Binance.Retry.MaxAttempts)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "redis" && c.Cache.RedisAddr == "" {
		return fmt.Errorf("cache.redis_addr must be set for the redis backend")
	}
	if c.Universe.TopN < 1 {
		return fmt.Errorf("universe.top_n must be positive, got %d", c.Universe.TopN)
	}
	if s := c.Universe.Strategy; s != "volume" && s != "gainers" {
		return fmt.Errorf("universe.strategy must be volume or gainers, got %q", s)
	}
	if c.Snapshot.Candles < 1 {
		return fmt.Errorf("snapshot.candles must be positive, got %d", c.Snapshot.Candles)
	}
	if c.Snapshot.Concurrency < 1 {
		return fmt.Errorf("snapshot.concurrency must be positive, got %d", c.Snapshot.Concurrency)
	}
	if m := c.Snapshot.FundingMode; m != "coreOnly" && m != "all" {
		return fmt.Errorf("snapshot.funding_mode must be coreOnly or all, got %q", m)
	}
	if m := c.Snapshot.OpenInterestMode; m != "coreOnly" && m != "all" {
		return fmt.Errorf("snapshot.open_interest_mode must be coreOnly or all, got %q", m)
	}
	if len(c.Stream.CoreSymbols) == 0 {
		return fmt.Errorf("stream.core_symbols must not be empty")
	}
	return nil
}

// Timeout returns the per-request REST timeout.
func (c BinanceConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (c RetryConfig) BackoffBase() time.Duration {
	return time.Duration(c.BaseMS) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c RetryConfig) BackoffMax() time.Duration {
	return time.Duration(c.MaxMS) * time.Millisecond
}

// ExchangeInfoTTL returns the exchange-info response cache lifetime.
func (c CacheConfig) ExchangeInfoTTL() time.Duration {
	return time.Duration(c.ExchangeInfoSecs) * time.Second
}

// TickerTTL returns the 24h-ticker response cache lifetime.
func (c CacheConfig) TickerTTL() time.Duration {
	return time.Duration(c.TickerSecs) * time.Second
}

// KlinesTTL returns the klines response cache lifetime.
func (c CacheConfig) KlinesTTL() time.Duration {
	return time.Duration(c.KlinesSecs) * time.Second
}

// GlobalDeadline returns the wall-clock budget for one snapshot assembly.
func (c SnapshotConfig) GlobalDeadline() time.Duration {
	return time.Duration(c.GlobalDeadlineMS) * time.Millisecond
}

// StaleThreshold returns the feeds_ok staleness threshold.
func (c SnapshotConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdSecs) * time.Second
}
