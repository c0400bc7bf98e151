package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
)

// EnvPrefix is prepended to environment overrides, e.g.
// BLUECONNECT_ENTRY_PASSWORD overrides entry.password.
const EnvPrefix = "BLUECONNECT"

// Config holds all configuration for our application
type Config struct {
	Entry    EntryConfig    `mapstructure:"entry"`
	API      APIConfig      `mapstructure:"api"`
	Update   UpdateConfig   `mapstructure:"update"`
	Registry RegistryConfig `mapstructure:"registry"`
	Server   ServerConfig   `mapstructure:"server"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type EntryConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Language string `mapstructure:"language"`
}

type APIConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`
}

type UpdateConfig struct {
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
	Overlap  string        `mapstructure:"overlap"`
}

type RegistryConfig struct {
	Retention string `mapstructure:"retention"`
}

type ServerConfig struct {
	HTTPPort         int     `mapstructure:"http_port"`
	GRPCPort         int     `mapstructure:"grpc_port"`
	Host             string  `mapstructure:"host"`
	ForceUpdateRate  float64 `mapstructure:"force_update_rate"`
	ForceUpdateBurst int     `mapstructure:"force_update_burst"`
}

type RecorderConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
}

type BrokerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	DSN           string `mapstructure:"dsn"`
	Exchange      string `mapstructure:"exchange"`
	TLS           bool   `mapstructure:"tls"`
	RetryAttempts uint   `mapstructure:"retry_attempts"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty
// path uses defaults and the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// First unmarshal into a map to handle type conversions
		var rawConfig map[string]interface{}
		if err := yaml.Unmarshal(data, &rawConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
		}

		// Convert the map to YAML again
		data, err = yaml.Marshal(rawConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal raw config: %w", err)
		}

		// Expand environment variables
		expandedData := os.ExpandEnv(string(data))

		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewBufferString(expandedData)); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

// Validate checks required fields and enumerations
func (c *Config) Validate() error {
	var errs []error

	if c.Entry.Username == "" {
		errs = append(errs, errors.New("entry.username is required"))
	}
	if c.Entry.Password == "" {
		errs = append(errs, errors.New("entry.password is required"))
	}
	if !api.ValidLanguage(c.Entry.Language) {
		errs = append(errs, fmt.Errorf("entry.language %q is not one of %s", c.Entry.Language, strings.Join(api.Languages, ", ")))
	}
	if c.API.URL == "" {
		errs = append(errs, errors.New("api.url is required"))
	}
	if c.Update.Interval <= 0 {
		errs = append(errs, errors.New("update.interval must be positive"))
	}
	if c.Update.Timeout <= 0 {
		errs = append(errs, errors.New("update.timeout must be positive"))
	}
	if !oneOf(c.Update.Overlap, "skip", "delay", "allow") {
		errs = append(errs, fmt.Errorf("update.overlap %q is not one of skip, delay, allow", c.Update.Overlap))
	}
	if !oneOf(c.Registry.Retention, "retain", "sweep") {
		errs = append(errs, fmt.Errorf("registry.retention %q is not one of retain, sweep", c.Registry.Retention))
	}
	if c.Recorder.Enabled && !oneOf(c.Recorder.Driver, "postgres", "mysql", "sqlite") {
		errs = append(errs, fmt.Errorf("recorder.driver %q is not supported", c.Recorder.Driver))
	}
	if c.Broker.Enabled && c.Broker.DSN == "" {
		errs = append(errs, errors.New("broker.dsn is required when the broker is enabled"))
	}
	if !oneOf(c.Logging.Format, "json", "text") {
		errs = append(errs, fmt.Errorf("logging.format %q is not one of json, text", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("entry.username", "")
	v.SetDefault("entry.password", "")
	v.SetDefault("entry.language", "en")

	v.SetDefault("api.url", "https://api.riiotlabs.com/prod")
	v.SetDefault("api.timeout", "10s")
	v.SetDefault("api.rate_limit", 2)
	v.SetDefault("api.rate_burst", 5)

	v.SetDefault("update.interval", "1h")
	v.SetDefault("update.timeout", "10s")
	v.SetDefault("update.overlap", "skip")

	v.SetDefault("registry.retention", "retain")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.force_update_rate", 0.1)
	v.SetDefault("server.force_update_burst", 1)

	v.SetDefault("recorder.enabled", false)
	v.SetDefault("recorder.driver", "sqlite")
	v.SetDefault("recorder.dsn", "blueconnect.db")

	v.SetDefault("broker.enabled", false)
	v.SetDefault("broker.dsn", "")
	v.SetDefault("broker.exchange", "blueconnect")
	v.SetDefault("broker.tls", false)
	v.SetDefault("broker.retry_attempts", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
