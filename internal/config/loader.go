package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

const (
	configName      = "genbatch"
	configType      = "yaml"
	envPrefix       = "GENBATCH"
	envKeySeparator = "_"
)

// LoadConfig loads configuration from defaults, then the config file, then
// the environment. A missing searched file is not an error.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	v.AutomaticEnv()

	if configPath != "" {
		// An explicit file must exist; only the searched locations are optional.
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	v := viper.New()
	applyDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("batch.concurrency", DefaultConcurrency)
	v.SetDefault("batch.output_dir", DefaultOutputDir)
	v.SetDefault("batch.ledger_path", "")
	v.SetDefault("batch.wave_size", DefaultWaveSize)

	v.SetDefault("poll.interval", DefaultPollInterval)
	v.SetDefault("poll.wave_timeout", DefaultWaveTimeout)
	v.SetDefault("poll.dwell", DefaultDwell)

	v.SetDefault("retry.max_retries", DefaultMaxRetries)
	v.SetDefault("retry.base_delay", DefaultBaseDelay)

	v.SetDefault("budget.snapshot_path", DefaultSnapshotPath)
	v.SetDefault("budget.snapshot_ttl", DefaultSnapshotTTL)
	v.SetDefault("budget.costs", map[string]float64{})
	v.SetDefault("budget.model_costs", map[string]float64{})

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.timeout", DefaultProviderTimeout)

	v.SetDefault("logging.level", DefaultLogLevel)
	v.SetDefault("logging.format", DefaultLogFormat)

	v.SetDefault("metrics.listen", DefaultMetricsListen)
}
