// Package config loads the engine configuration: defaults, then an optional
// YAML file named by CONFIG_FILE, then environment overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/atmx/hedge-engine/internal/exit"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/model"
	"github.com/atmx/hedge-engine/internal/monitor"
	"github.com/atmx/hedge-engine/internal/position"
	"github.com/atmx/hedge-engine/internal/rebalance"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/venue"
)

// Reset policies.
const (
	PolicyFixed    = "fixed"
	PolicyWeighted = "weighted"
)

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Storage   StorageConfig     `yaml:"storage"`
	Log       LogConfig         `yaml:"log"`
	Ledger    LedgerConfig      `yaml:"ledger"`
	Margin    margin.Config     `yaml:"margin"`
	Position  position.Config   `yaml:"position"`
	Exit      exit.Config       `yaml:"exit"`
	Rebalance rebalance.Config  `yaml:"rebalance"`
	Risk      risk.Config       `yaml:"risk"`
	Monitor   monitor.Config    `yaml:"monitor"`
	Retry     venue.RetryConfig `yaml:"retry"`
	Paper     PaperConfig       `yaml:"paper"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend. An empty DatabaseURL
// means the in-memory store.
type StorageConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// LogConfig controls the slog handler and optional file rotation.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// LedgerConfig seeds tenants and picks the bankruptcy restart policy.
type LedgerConfig struct {
	Quote          string                     `yaml:"quote"`
	DefaultCapital decimal.Decimal            `yaml:"default_capital"`
	Seeds          map[string]decimal.Decimal `yaml:"seeds"`
	// SeedFromLive clones the venue wallet into the allocated tenants once.
	SeedFromLive bool   `yaml:"seed_from_live"`
	ResetPolicy  string `yaml:"reset_policy"`
	ResetSeed    int64  `yaml:"reset_seed"`
}

// Vault converts the section into the ledger's configuration.
func (l LedgerConfig) Vault() ledger.Config {
	return ledger.Config{Quote: l.Quote, DefaultCapital: l.DefaultCapital, Seeds: l.Seeds}
}

// PaperConfig seeds the paper venue. Spot is keyed by asset, Marks and
// Funding by derivative instrument. Funding rates are percent per period.
type PaperConfig struct {
	Latency        time.Duration              `yaml:"latency"`
	Spot           map[string]decimal.Decimal `yaml:"spot"`
	Marks          map[string]decimal.Decimal `yaml:"marks"`
	Funding        map[string]decimal.Decimal `yaml:"funding"`
	PeriodsPerYear int64                      `yaml:"periods_per_year"`
	// Wallet stands in for the live wallet SeedFromLive clones.
	Wallet map[string]decimal.Decimal `yaml:"wallet"`
}

// Rates expands the per-period funding rates into funding quotes.
func (p PaperConfig) Rates() map[string]model.FundingRate {
	out := make(map[string]model.FundingRate, len(p.Funding))
	periods := decimal.NewFromInt(p.PeriodsPerYear)
	for instrument, rate := range p.Funding {
		out[instrument] = model.FundingRate{
			RatePeriod:     rate,
			RateAnnualized: rate.Mul(periods),
			IsPositive:     rate.IsPositive(),
		}
	}
	return out
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			RequestTimeout:  30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{CacheTTL: 30 * time.Second},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 28,
		},
		Ledger: LedgerConfig{
			Quote:          "USDC",
			DefaultCapital: decimal.NewFromInt(1000),
			Seeds: map[string]decimal.Decimal{
				"scalper": decimal.NewFromInt(300),
				"arbiter": decimal.NewFromInt(700),
			},
			ResetPolicy: PolicyFixed,
		},
		Margin:    margin.DefaultConfig(),
		Position:  position.DefaultConfig(),
		Exit:      exit.DefaultConfig(),
		Rebalance: rebalance.DefaultConfig(),
		Risk:      risk.DefaultConfig(),
		Monitor:   monitor.DefaultConfig(),
		Retry:     venue.DefaultRetryConfig(),
		Paper: PaperConfig{
			Spot:           map[string]decimal.Decimal{"SOL": decimal.NewFromInt(150)},
			Marks:          map[string]decimal.Decimal{"SOL-PERP": decimal.NewFromInt(150)},
			Funding:        map[string]decimal.Decimal{"SOL-PERP": decimal.NewFromFloat(0.01)},
			PeriodsPerYear: 3 * 365,
		},
	}
}

// Load builds the configuration and validates it. Maps in the YAML file
// merge into the defaults.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Storage.DatabaseURL = getEnv("DATABASE_URL", c.Storage.DatabaseURL)
	c.Storage.RedisURL = getEnv("REDIS_URL", c.Storage.RedisURL)
	c.Storage.CacheTTL = getEnvAsDuration("CACHE_TTL", c.Storage.CacheTTL)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.File = getEnv("LOG_FILE", c.Log.File)
	c.Log.MaxSizeMB = getEnvAsInt("LOG_MAX_SIZE_MB", c.Log.MaxSizeMB)

	c.Ledger.DefaultCapital = getEnvAsDecimal("DEFAULT_CAPITAL", c.Ledger.DefaultCapital)
	c.Ledger.SeedFromLive = getEnvAsBool("SEED_FROM_LIVE", c.Ledger.SeedFromLive)
	c.Ledger.ResetPolicy = getEnv("RESET_POLICY", c.Ledger.ResetPolicy)

	c.Position.Live = getEnvAsBool("LIVE_MODE", c.Position.Live)
	c.Position.SubmitTimeout = getEnvAsDuration("SUBMIT_TIMEOUT", c.Position.SubmitTimeout)
	c.Risk.MaxDrawdown = getEnvAsDecimal("MAX_DRAWDOWN", c.Risk.MaxDrawdown)
	c.Risk.DailyDrawdown = getEnvAsDecimal("DAILY_DRAWDOWN", c.Risk.DailyDrawdown)
	c.Retry.MaxRetries = getEnvAsInt("MAX_RETRIES", c.Retry.MaxRetries)

	c.Monitor.AutoExit = getEnvAsBool("AUTO_EXIT", c.Monitor.AutoExit)
	c.Monitor.FundingInterval = getEnvAsDuration("FUNDING_INTERVAL", c.Monitor.FundingInterval)
	c.Rebalance.Interval = getEnvAsDuration("REBALANCE_INTERVAL", c.Rebalance.Interval)
}

// Validate reports every nonsensical setting at once.
func (c Config) Validate() error {
	var errs error
	fail := func(format string, args ...any) {
		errs = multierr.Append(errs, fmt.Errorf(format, args...))
	}
	zero, one := decimal.Zero, decimal.NewFromInt(1)
	fraction := func(name string, v decimal.Decimal) {
		if !v.GreaterThan(zero) || !v.LessThan(one) {
			fail("%s must be in (0, 1), got %s", name, v.String())
		}
	}

	if c.Server.Port == "" {
		fail("server port is required")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = multierr.Append(errs, err)
	}
	if c.Storage.RedisURL != "" && c.Storage.DatabaseURL == "" {
		fail("redis cache requires DATABASE_URL")
	}

	if c.Ledger.Quote == "" {
		fail("ledger quote asset is required")
	}
	if !c.Ledger.DefaultCapital.IsPositive() {
		fail("DEFAULT_CAPITAL must be positive, got %s", c.Ledger.DefaultCapital.String())
	}
	for tenant, capital := range c.Ledger.Seeds {
		if !capital.IsPositive() {
			fail("seed capital for %s must be positive, got %s", tenant, capital.String())
		}
	}
	if p := c.Ledger.ResetPolicy; p != PolicyFixed && p != PolicyWeighted {
		fail("RESET_POLICY must be %q or %q, got %q", PolicyFixed, PolicyWeighted, p)
	}

	fraction("MAX_DRAWDOWN", c.Risk.MaxDrawdown)
	fraction("DAILY_DRAWDOWN", c.Risk.DailyDrawdown)
	fraction("destruction ratio", c.Risk.DestructionRatio)
	total := zero
	for tenant, share := range c.Risk.Allocations {
		if !share.IsPositive() || share.GreaterThan(one) {
			fail("allocation for %s must be in (0, 1], got %s", tenant, share.String())
		}
		total = total.Add(share)
	}
	if total.GreaterThan(one) {
		fail("allocations sum to %s, more than 1", total.String())
	}

	fraction("spot share", c.Position.SpotShare)
	if !c.Position.MaxLeverageLive.IsPositive() || !c.Position.MaxLeverageSimulated.IsPositive() {
		fail("max leverage must be positive")
	}
	if c.Position.MaxLeverageLive.GreaterThan(c.Position.MaxLeverageSimulated) {
		fail("live leverage cap %s exceeds simulated cap %s",
			c.Position.MaxLeverageLive.String(), c.Position.MaxLeverageSimulated.String())
	}
	if h := c.Position.MinWithdrawHealth; h.IsNegative() || h.GreaterThan(decimal.NewFromInt(100)) {
		fail("min withdraw health must be in [0, 100], got %s", h.String())
	}
	if c.Position.SubmitTimeout <= 0 {
		fail("SUBMIT_TIMEOUT must be positive, got %v", c.Position.SubmitTimeout)
	}

	fraction("rebalance target weight", c.Rebalance.TargetSpotWeight)
	if !c.Rebalance.Tolerance.IsPositive() {
		fail("rebalance tolerance must be positive")
	}
	if c.Exit.MaxDuration <= 0 {
		fail("exit max duration must be positive")
	}
	if c.Retry.MaxRetries < 1 || c.Retry.MaxRetries > 10 {
		fail("MAX_RETRIES must be between 1 and 10, got %d", c.Retry.MaxRetries)
	}
	if c.Paper.PeriodsPerYear <= 0 {
		fail("paper funding periods per year must be positive, got %d", c.Paper.PeriodsPerYear)
	}
	if c.Monitor.Concurrency < 0 {
		fail("monitor concurrency cannot be negative, got %d", c.Monitor.Concurrency)
	}
	return errs
}

// ParseLevel maps a LOG_LEVEL value onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL %q: %w", s, err)
	}
	return l, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		slog.Warn("ignoring invalid integer", "key", key, "value", valueStr)
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		slog.Warn("ignoring invalid boolean", "key", key, "value", valueStr)
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		slog.Warn("ignoring invalid duration", "key", key, "value", valueStr)
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		slog.Warn("ignoring invalid decimal", "key", key, "value", valueStr)
		return defaultValue
	}
	return value
}
