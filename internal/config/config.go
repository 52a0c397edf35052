// Package config holds the engine settings loaded from defaults, an
// optional YAML file and GENBATCH_* environment variables.
package config

import (
	"errors"
	"strings"
	"time"
)

const (
	DefaultConcurrency     = 3
	DefaultOutputDir       = "output"
	DefaultWaveSize        = 0
	DefaultPollInterval    = 3 * time.Second
	DefaultWaveTimeout     = 10 * time.Minute
	DefaultDwell           = 60 * time.Second
	DefaultMaxRetries      = 3
	DefaultBaseDelay       = time.Second
	DefaultSnapshotTTL     = 10 * time.Minute
	DefaultProviderTimeout = 30 * time.Second
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultSnapshotPath    = ".genbatch/credits.json"
	DefaultMetricsListen   = ""
)

type Config struct {
	Batch    BatchConfig    `mapstructure:"batch"`
	Poll     PollConfig     `mapstructure:"poll"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Budget   BudgetConfig   `mapstructure:"budget"`
	Provider ProviderConfig `mapstructure:"provider"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type BatchConfig struct {
	Concurrency int    `mapstructure:"concurrency"`
	OutputDir   string `mapstructure:"output_dir"`
	// LedgerPath defaults to batch-state.json inside OutputDir.
	LedgerPath string `mapstructure:"ledger_path"`
	WaveSize   int    `mapstructure:"wave_size"`
}

type PollConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	WaveTimeout time.Duration `mapstructure:"wave_timeout"`
	Dwell       time.Duration `mapstructure:"dwell"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

type BudgetConfig struct {
	SnapshotPath string             `mapstructure:"snapshot_path"`
	SnapshotTTL  time.Duration      `mapstructure:"snapshot_ttl"`
	Costs        map[string]float64 `mapstructure:"costs"`
	ModelCosts   map[string]float64 `mapstructure:"model_costs"`
}

type ProviderConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

var (
	// ErrInvalidConcurrency indicates batch.concurrency is below 1.
	ErrInvalidConcurrency = errors.New("batch.concurrency must be at least 1")
	// ErrInvalidWaveSize indicates batch.wave_size is negative.
	ErrInvalidWaveSize = errors.New("batch.wave_size must be non-negative")
	// ErrInvalidPollInterval indicates poll.interval is not positive.
	ErrInvalidPollInterval = errors.New("poll.interval must be positive")
	// ErrInvalidWaveTimeout indicates poll.wave_timeout is not positive.
	ErrInvalidWaveTimeout = errors.New("poll.wave_timeout must be positive")
	// ErrInvalidDwell indicates poll.dwell is not positive.
	ErrInvalidDwell = errors.New("poll.dwell must be positive")
	// ErrInvalidMaxRetries indicates retry.max_retries is negative.
	ErrInvalidMaxRetries = errors.New("retry.max_retries must be non-negative")
	// ErrInvalidBaseDelay indicates retry.base_delay is negative.
	ErrInvalidBaseDelay = errors.New("retry.base_delay must be non-negative")
	// ErrInvalidCost indicates a negative entry in budget.costs or budget.model_costs.
	ErrInvalidCost = errors.New("budget costs must be non-negative")
	// ErrInvalidLogLevel indicates logging.level is not debug, info, warn or error.
	ErrInvalidLogLevel = errors.New("logging.level must be debug, info, warn or error")
	// ErrInvalidLogFormat indicates logging.format is not text or json.
	ErrInvalidLogFormat = errors.New("logging.format must be text or json")
)

func (c *Config) Validate() error {
	if err := c.validateBatch(); err != nil {
		return err
	}
	if err := c.validateTiming(); err != nil {
		return err
	}
	for _, costs := range []map[string]float64{c.Budget.Costs, c.Budget.ModelCosts} {
		for _, v := range costs {
			if v < 0 {
				return ErrInvalidCost
			}
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return ErrInvalidLogLevel
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return ErrInvalidLogFormat
	}
	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.Concurrency < 1 {
		return ErrInvalidConcurrency
	}
	if c.Batch.WaveSize < 0 {
		return ErrInvalidWaveSize
	}
	return nil
}

func (c *Config) validateTiming() error {
	if c.Poll.Interval <= 0 {
		return ErrInvalidPollInterval
	}
	if c.Poll.WaveTimeout <= 0 {
		return ErrInvalidWaveTimeout
	}
	if c.Poll.Dwell <= 0 {
		return ErrInvalidDwell
	}
	if c.Retry.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if c.Retry.BaseDelay < 0 {
		return ErrInvalidBaseDelay
	}
	return nil
}
