// Package config provides configuration management for the trading engine,
// in the teacher's YAML-via-gopkg.in/yaml.v3 loader-and-validate style.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultMaxHistoryMinutes is the default for data.max-history-minutes.
	// Load validates and defaults that key; no component reads it.
	defaultMaxHistoryMinutes = 60
	// defaultNotificationsPerHour matches spec.md §6's result-channel rate limit.
	defaultNotificationsPerHour = 30
	defaultAlgorithmTimeout     = 5 * time.Minute
	defaultSliceTimeout         = 30 * time.Second
	defaultDataDirectory        = "./data"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Data        DataConfig        `yaml:"data"`
	Backtest    BacktestConfig    `yaml:"backtest"`
	Result      ResultConfig      `yaml:"result"`
	Handlers    HandlersConfig    `yaml:"handlers"`
	Timeouts    TimeoutsConfig    `yaml:"timeouts"`
}

// EnvironmentConfig defines the run mode and logging settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // backtest | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// DataConfig points the feed (C4) at its historical data source.
// MaxHistoryMinutes is validated and defaulted but not read by any component.
type DataConfig struct {
	Directory         string `yaml:"data-directory"`
	MaxHistoryMinutes int    `yaml:"max-history-minutes"`
}

// BacktestConfig defines the replay window for environment.mode == "backtest".
// Both fields are ignored in live mode.
type BacktestConfig struct {
	Start time.Time `yaml:"start"`
	End   time.Time `yaml:"end"`
}

// ResultConfig configures the result channel (C10): its notification rate
// limit and the optional HTTP status surface port.
type ResultConfig struct {
	NotificationsPerHour int `yaml:"notifications-per-hour"`
	HTTPPort             int `yaml:"http-port"`
}

// HandlersConfig names the collaborator types a launcher resolves outside
// this module's scope (job queue dispatch, inbound API surface, outbound
// messaging) by configured type name, the same indirection the teacher uses
// for broker.provider.
type HandlersConfig struct {
	JobQueue  string `yaml:"job-queue-handler"`
	API       string `yaml:"api-handler"`
	Messaging string `yaml:"messaging-handler"`
}

// TimeoutsConfig holds a per-callback and a per-slice-pull timeout. Load
// validates and defaults them; they are not passed to the engine loop (C11),
// which applies neither.
type TimeoutsConfig struct {
	Algorithm time.Duration `yaml:"algorithm-timeout"`
	Slice     time.Duration `yaml:"slice-timeout"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	raw, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", configPath, err)
	}

	expanded := os.ExpandEnv(string(raw))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", configPath, err)
	}

	config.Normalize()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Environment.Mode) {
	case "backtest", "live":
	default:
		return fmt.Errorf("environment.mode must be 'backtest' or 'live'")
	}

	switch strings.ToLower(c.Environment.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("environment.log_level must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(c.Data.Directory) == "" {
		return fmt.Errorf("data.data-directory is required")
	}
	if c.Data.MaxHistoryMinutes <= 0 {
		return fmt.Errorf("data.max-history-minutes must be > 0")
	}

	if c.IsBacktest() {
		if c.Backtest.Start.IsZero() || c.Backtest.End.IsZero() {
			return fmt.Errorf("backtest.start and backtest.end are required in backtest mode")
		}
		if !c.Backtest.Start.Before(c.Backtest.End) {
			return fmt.Errorf("backtest.start must be before backtest.end")
		}
	}

	if c.Result.NotificationsPerHour <= 0 {
		return fmt.Errorf("result.notifications-per-hour must be > 0")
	}
	if c.Result.HTTPPort < 0 || c.Result.HTTPPort > 65535 {
		return fmt.Errorf("result.http-port must be between 0 and 65535")
	}

	if c.Timeouts.Algorithm <= 0 {
		return fmt.Errorf("timeouts.algorithm-timeout must be > 0")
	}
	if c.Timeouts.Slice <= 0 {
		return fmt.Errorf("timeouts.slice-timeout must be > 0")
	}

	return nil
}

// IsBacktest returns true if the engine is configured to replay historical data.
func (c *Config) IsBacktest() bool {
	return strings.ToLower(c.Environment.Mode) == "backtest"
}

// IsLive returns true if the engine is configured to trade against a live
// brokerage gateway.
func (c *Config) IsLive() bool {
	return strings.ToLower(c.Environment.Mode) == "live"
}

// Normalize sets default values for configuration fields left unset.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Environment.Mode) == "" {
		c.Environment.Mode = "backtest"
	}
	if strings.TrimSpace(c.Environment.LogLevel) == "" {
		c.Environment.LogLevel = "info"
	}
	if strings.TrimSpace(c.Data.Directory) == "" {
		c.Data.Directory = defaultDataDirectory
	}
	if c.Data.MaxHistoryMinutes == 0 {
		c.Data.MaxHistoryMinutes = defaultMaxHistoryMinutes
	}
	if c.Result.NotificationsPerHour == 0 {
		c.Result.NotificationsPerHour = defaultNotificationsPerHour
	}
	if c.Timeouts.Algorithm == 0 {
		c.Timeouts.Algorithm = defaultAlgorithmTimeout
	}
	if c.Timeouts.Slice == 0 {
		c.Timeouts.Slice = defaultSliceTimeout
	}
}
