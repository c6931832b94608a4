package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	DevServer DevServerConfig `mapstructure:"devserver"`
}

type TransportConfig struct {
	URL                string        `mapstructure:"url"`
	Subprotocol        string        `mapstructure:"subprotocol"`
	Compression        bool          `mapstructure:"compression"`
	HandshakeTimeout   time.Duration `mapstructure:"handshake_timeout"`
	WriteRatePerSecond int           `mapstructure:"write_rate_per_second"`
}

type WatchConfig struct {
	Raw          bool          `mapstructure:"raw"`
	DedupWindow  time.Duration `mapstructure:"dedup_window"`
	SyncTimeout  time.Duration `mapstructure:"sync_timeout"`
	TeardownIdle bool          `mapstructure:"teardown_idle"`
}

type RetryConfig struct {
	// Ladder holds retry instants measured from the failure.
	Ladder      []time.Duration `mapstructure:"ladder"`
	MaxAttempts int             `mapstructure:"max_attempts"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("transport.url", "ws://localhost:8181/horizon")
	v.SetDefault("transport.subprotocol", SubprotocolJSON)
	v.SetDefault("transport.compression", false)
	v.SetDefault("transport.handshake_timeout", 10*time.Second)
	v.SetDefault("transport.write_rate_per_second", 0)
	v.SetDefault("watch.raw", true)
	v.SetDefault("watch.dedup_window", 100*time.Millisecond)
	v.SetDefault("watch.sync_timeout", 5*time.Second)
	v.SetDefault("watch.teardown_idle", false)
	v.SetDefault("retry.ladder", DefaultRetryLadder)
	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("devserver.addr", ":8181")
	v.SetDefault("devserver.seed_dir", "")

	// Environment variable support
	v.SetEnvPrefix("HZWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
