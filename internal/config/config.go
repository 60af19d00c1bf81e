// Package config loads the pipeline configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quantfolio/quantfolio/internal/domain"
)

// Config is the full configuration for the batch analytics pipeline.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	HTTP     HTTPConfig     `yaml:"http"`
	Market   MarketConfig   `yaml:"market"`
	Lookback LookbackConfig `yaml:"lookback"`
	Ridge    RidgeConfig    `yaml:"ridge"`
	Cache    CacheConfig    `yaml:"cache"`

	Factors       []domain.FactorDefinition       `yaml:"factors"`
	SpreadFactors []domain.SpreadFactorDefinition `yaml:"spread_factors"`
	Stress        []StressScenario                `yaml:"stress_scenarios"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	TimeoutSecs  int    `yaml:"timeout_secs"`
}

// Timeout returns the per-query timeout.
func (d DatabaseConfig) Timeout() time.Duration {
	if d.TimeoutSecs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(d.TimeoutSecs) * time.Second
}

// RedisConfig enables the shared exposure-cache backend when Addr is set;
// empty means the in-process TTL cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// HTTPConfig configures the trigger/status server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MarketConfig names the regression proxy instruments.
type MarketConfig struct {
	MarketProxy string `yaml:"market_proxy"` // e.g. SPY
	RateProxy   string `yaml:"rate_proxy"`   // e.g. TLT
}

// LookbackConfig holds the fixed regression and analytics windows, in
// calendar days of history pulled from the cache.
type LookbackConfig struct {
	BetaDays        int `yaml:"beta_days"`
	SpreadDays      int `yaml:"spread_days"`
	CorrelationDays int `yaml:"correlation_days"`
	VolatilityDays  int `yaml:"volatility_days"`
}

// RidgeConfig holds the regularization strength for the multi-factor
// engine.
type RidgeConfig struct {
	Lambda float64 `yaml:"lambda"`
}

// CacheConfig holds the exposure cache TTL.
type CacheConfig struct {
	ExposureTTLDays int `yaml:"exposure_ttl_days"`
}

// ExposureTTL returns the exposure cache TTL as a duration.
func (c CacheConfig) ExposureTTL() time.Duration {
	if c.ExposureTTLDays <= 0 {
		return 3 * 24 * time.Hour
	}
	return time.Duration(c.ExposureTTLDays) * 24 * time.Hour
}

// StressScenario is a named historical scenario expressed as factor
// return shocks (fraction, e.g. -0.40 for a 40% drawdown).
type StressScenario struct {
	Name   string             `yaml:"name"`
	Shocks map[string]float64 `yaml:"shocks"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			DSN:          "postgres://localhost:5432/quantfolio?sslmode=disable",
			MaxOpenConns: 8,
			TimeoutSecs:  30,
		},
		HTTP:   HTTPConfig{Listen: ":8087"},
		Market: MarketConfig{MarketProxy: "SPY", RateProxy: "TLT"},
		Lookback: LookbackConfig{
			BetaDays:        365,
			SpreadDays:      180,
			CorrelationDays: 120,
			VolatilityDays:  120,
		},
		Ridge: RidgeConfig{Lambda: 1.0},
		Cache: CacheConfig{ExposureTTLDays: 3},
		Factors: []domain.FactorDefinition{
			{Name: "market", ProxySymbol: "SPY", DisplayOrder: 1},
			{Name: "size", ProxySymbol: "IWM", DisplayOrder: 2},
			{Name: "value", ProxySymbol: "IWD", DisplayOrder: 3},
			{Name: "growth", ProxySymbol: "IWF", DisplayOrder: 4},
			{Name: "momentum", ProxySymbol: "MTUM", DisplayOrder: 5},
			{Name: "quality", ProxySymbol: "QUAL", DisplayOrder: 6},
		},
		SpreadFactors: []domain.SpreadFactorDefinition{
			{Name: "growth_value", LongSymbol: "IWF", ShortSymbol: "IWD", DisplayOrder: 1},
			{Name: "small_large", LongSymbol: "IWM", ShortSymbol: "SPY", DisplayOrder: 2},
			{Name: "high_low_beta", LongSymbol: "SPHB", ShortSymbol: "SPLV", DisplayOrder: 3},
			{Name: "cyclical_defensive", LongSymbol: "XLY", ShortSymbol: "XLP", DisplayOrder: 4},
		},
		Stress: []StressScenario{
			{Name: "2008_financial_crisis", Shocks: map[string]float64{"market": -0.40, "size": -0.10, "value": -0.08}},
			{Name: "2020_covid_crash", Shocks: map[string]float64{"market": -0.30, "momentum": -0.12}},
			{Name: "rate_shock_300bp", Shocks: map[string]float64{"market": -0.10, "growth": -0.15}},
			{Name: "tech_selloff", Shocks: map[string]float64{"growth": -0.25, "momentum": -0.15}},
		},
	}
}

// Load reads configuration from a YAML file, filling unset fields from
// Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run on.
func (c *Config) Validate() error {
	if c.Market.MarketProxy == "" {
		return fmt.Errorf("config: market proxy symbol is required")
	}
	if c.Market.RateProxy == "" {
		return fmt.Errorf("config: rate proxy symbol is required")
	}
	if len(c.Factors) == 0 {
		return fmt.Errorf("config: at least one ridge factor is required")
	}
	if c.Ridge.Lambda < 0 {
		return fmt.Errorf("config: ridge lambda must be non-negative")
	}
	for _, s := range c.Stress {
		if s.Name == "" {
			return fmt.Errorf("config: stress scenario missing name")
		}
		if len(s.Shocks) == 0 {
			return fmt.Errorf("config: stress scenario %s has no shocks", s.Name)
		}
	}
	return nil
}
