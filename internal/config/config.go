// Package config loads service configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DBConfig struct {
	// DSN empty selects the in-memory store; set a postgres:// URL for
	// durable mode.
	DSN string `mapstructure:"dsn"`
}

type KafkaConfig struct {
	// Brokers empty disables event publishing.
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LedgerConfig struct {
	// Currencies the platform operates in; a fee account is provisioned
	// for each at startup.
	Currencies        []string      `mapstructure:"currencies"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

type Config struct {
	ServiceName string       `mapstructure:"service_name"`
	Env         string       `mapstructure:"env"`
	LogLevel    string       `mapstructure:"log_level"`
	HTTP        HTTPConfig   `mapstructure:"http"`
	DB          DBConfig     `mapstructure:"db"`
	Kafka       KafkaConfig  `mapstructure:"kafka"`
	Ledger      LedgerConfig `mapstructure:"ledger"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	path := os.Getenv("LEDGER_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.HTTP.Port <= 0 {
		return nil, fmt.Errorf("http.port must be positive")
	}
	if len(cfg.Ledger.Currencies) == 0 {
		return nil, fmt.Errorf("at least one ledger currency is required")
	}
	if cfg.Ledger.SweepInterval <= 0 {
		return nil, fmt.Errorf("ledger.sweep_interval must be positive")
	}
	if cfg.Ledger.ReconcileInterval <= 0 {
		return nil, fmt.Errorf("ledger.reconcile_interval must be positive")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "creditledger")
	v.SetDefault("env", "dev")
	v.SetDefault("log_level", "info")
	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "5s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("db.dsn", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "ledger.events")
	v.SetDefault("ledger.currencies", []string{"USD"})
	v.SetDefault("ledger.sweep_interval", "1m")
	v.SetDefault("ledger.reconcile_interval", "15m")
}
