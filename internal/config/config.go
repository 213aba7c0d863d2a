// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tathienbao/algobot/internal/engine"
	"github.com/tathienbao/algobot/internal/scheduler"
	"github.com/tathienbao/algobot/internal/strategy"
	"github.com/tathienbao/algobot/internal/tracker"
	"github.com/tathienbao/algobot/internal/types"
)

// Config represents the full application configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Engine     EngineConfig     `yaml:"engine"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Journal    JournalConfig    `yaml:"journal"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Alerting   AlertingConfig   `yaml:"alerting"`
	Strategies []StrategyConfig `yaml:"strategies"`
}

// GatewayConfig selects and configures the exchange gateway.
type GatewayConfig struct {
	Type    string        `yaml:"type"` // paper | binance
	Binance BinanceConfig `yaml:"binance"`
	Paper   PaperConfig   `yaml:"paper"`
}

// BinanceConfig holds Binance spot connector settings.
type BinanceConfig struct {
	BaseURL           string  `yaml:"base_url"`
	APIKey            string  `yaml:"api_key"`
	SecretKey         string  `yaml:"secret_key"`
	RecvWindowSec     int     `yaml:"recv_window_sec"`
	RequestTimeoutSec int     `yaml:"request_timeout_sec"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// PaperConfig seeds the simulated venue.
type PaperConfig struct {
	Prices   map[string]float64 `yaml:"prices"`   // symbol -> starting price
	Balances map[string]float64 `yaml:"balances"` // asset -> free balance
}

// ExecutionConfig holds order tracker settings.
type ExecutionConfig struct {
	GatewayTimeoutSec int `yaml:"gateway_timeout_sec"`
	MaxCallsPerSecond int `yaml:"max_calls_per_second"`
}

// EngineConfig holds run engine settings.
type EngineConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms"`
	TickTimeoutSec int `yaml:"tick_timeout_sec"`
}

// SchedulerConfig holds scheduler settings.
type SchedulerConfig struct {
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// JournalConfig holds audit journal settings.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig holds metrics server settings.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled  bool            `yaml:"enabled"`
	Channels []ChannelConfig `yaml:"channels"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type       string `yaml:"type"` // console | webhook
	WebhookURL string `yaml:"webhook_url"`
}

// RetryConfig bounds strategy-level retries.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	BackoffMs   int `yaml:"backoff_ms"`
}

// StrategyConfig declares one strategy run to launch at startup.
type StrategyConfig struct {
	Kind   string `yaml:"kind"` // grid | twap | oco
	Symbol string `yaml:"symbol"`

	// Grid
	LowerPrice       float64 `yaml:"lower_price"`
	UpperPrice       float64 `yaml:"upper_price"`
	Levels           int     `yaml:"levels"`
	QuantityPerLevel float64 `yaml:"quantity_per_level"`

	// TWAP
	Side          string  `yaml:"side"` // buy | sell (twap, oco)
	TotalQuantity float64 `yaml:"total_quantity"`
	SliceCount    int     `yaml:"slice_count"`
	DurationSec   int     `yaml:"duration_sec"`
	QuantityStep  float64 `yaml:"quantity_step"`

	// OCO
	Quantity        float64 `yaml:"quantity"`
	TakeProfitPrice float64 `yaml:"take_profit_price"`
	StopLossPrice   float64 `yaml:"stop_loss_price"`

	Retry RetryConfig `yaml:"retry"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. Environment
// variables in the document are expanded first, so secrets stay out of
// the file.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Validate validates the configuration, collecting every problem into
// one error.
func (c *Config) Validate() error {
	var errs []string

	switch c.Gateway.Type {
	case "", "paper":
		c.Gateway.Type = "paper"
	case "binance":
		if c.Gateway.Binance.APIKey == "" {
			errs = append(errs, "gateway.binance.api_key is required")
		}
		if c.Gateway.Binance.SecretKey == "" {
			errs = append(errs, "gateway.binance.secret_key is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("gateway.type '%s' is not supported", c.Gateway.Type))
	}

	if c.Execution.GatewayTimeoutSec < 0 {
		errs = append(errs, "execution.gateway_timeout_sec must not be negative")
	}
	if c.Engine.PollIntervalMs < 0 {
		errs = append(errs, "engine.poll_interval_ms must not be negative")
	}

	if c.Journal.Enabled && c.Journal.Path == "" {
		errs = append(errs, "journal.path is required when journal is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}

	for i, ch := range c.Alerting.Channels {
		switch ch.Type {
		case "console":
		case "webhook":
			if ch.WebhookURL == "" {
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].webhook_url is required", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("alerting.channels[%d].type '%s' is not supported", i, ch.Type))
		}
	}

	for i, s := range c.Strategies {
		if err := s.validate(); err != nil {
			errs = append(errs, fmt.Sprintf("strategies[%d]: %v", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

func (s StrategyConfig) validate() error {
	switch s.Kind {
	case "grid", "twap", "oco":
	default:
		return fmt.Errorf("kind '%s' is not supported", s.Kind)
	}
	if s.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if s.Kind == "twap" || s.Kind == "oco" {
		if _, err := s.side(); err != nil {
			return err
		}
	}
	return nil
}

func (s StrategyConfig) side() (types.Side, error) {
	switch strings.ToLower(s.Side) {
	case "buy":
		return types.SideBuy, nil
	case "sell":
		return types.SideSell, nil
	default:
		return types.SideBuy, fmt.Errorf("side '%s' is not supported", s.Side)
	}
}

func (s StrategyConfig) retryPolicy() strategy.RetryPolicy {
	return strategy.RetryPolicy{
		MaxAttempts: s.Retry.MaxAttempts,
		Backoff:     time.Duration(s.Retry.BackoffMs) * time.Millisecond,
	}
}

// BuildStrategy constructs the configured strategy against tr. The
// strategy constructor performs the full domain validation.
func (s StrategyConfig) BuildStrategy(tr strategy.Tracker) (strategy.Strategy, error) {
	switch s.Kind {
	case "grid":
		return strategy.NewGrid(strategy.GridConfig{
			Symbol:           s.Symbol,
			LowerPrice:       decimal.NewFromFloat(s.LowerPrice),
			UpperPrice:       decimal.NewFromFloat(s.UpperPrice),
			Levels:           s.Levels,
			QuantityPerLevel: decimal.NewFromFloat(s.QuantityPerLevel),
			Retry:            s.retryPolicy(),
		}, tr, nil)
	case "twap":
		side, err := s.side()
		if err != nil {
			return nil, err
		}
		return strategy.NewTWAP(strategy.TWAPConfig{
			Symbol:        s.Symbol,
			Side:          side,
			TotalQuantity: decimal.NewFromFloat(s.TotalQuantity),
			SliceCount:    s.SliceCount,
			Duration:      time.Duration(s.DurationSec) * time.Second,
			QuantityStep:  decimal.NewFromFloat(s.QuantityStep),
			Retry:         s.retryPolicy(),
		}, tr, nil)
	case "oco":
		side, err := s.side()
		if err != nil {
			return nil, err
		}
		return strategy.NewOCO(strategy.OCOConfig{
			Symbol:          s.Symbol,
			Side:            side,
			Quantity:        decimal.NewFromFloat(s.Quantity),
			TakeProfitPrice: decimal.NewFromFloat(s.TakeProfitPrice),
			StopLossPrice:   decimal.NewFromFloat(s.StopLossPrice),
			Retry:           s.retryPolicy(),
		}, tr, nil)
	default:
		return nil, fmt.Errorf("%w: strategy kind '%s'", types.ErrInvalidConfig, s.Kind)
	}
}

// TrackerConfig converts execution settings for the order tracker.
func (c *Config) TrackerConfig() tracker.Config {
	cfg := tracker.DefaultConfig()
	if c.Execution.GatewayTimeoutSec > 0 {
		cfg.GatewayTimeout = time.Duration(c.Execution.GatewayTimeoutSec) * time.Second
	}
	if c.Execution.MaxCallsPerSecond > 0 {
		cfg.MaxCallsPerSecond = c.Execution.MaxCallsPerSecond
	}
	return cfg
}

// EngineConfigValue converts engine settings.
func (c *Config) EngineConfigValue() engine.Config {
	cfg := engine.DefaultConfig()
	if c.Engine.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(c.Engine.PollIntervalMs) * time.Millisecond
	}
	if c.Engine.TickTimeoutSec > 0 {
		cfg.TickTimeout = time.Duration(c.Engine.TickTimeoutSec) * time.Second
	}
	return cfg
}

// SchedulerConfigValue converts scheduler settings.
func (c *Config) SchedulerConfigValue() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	if c.Scheduler.Workers > 0 {
		cfg.Workers = c.Scheduler.Workers
	}
	if c.Scheduler.QueueSize > 0 {
		cfg.QueueSize = c.Scheduler.QueueSize
	}
	return cfg
}
