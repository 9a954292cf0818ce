package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Secrets   SecretsConfig   `mapstructure:"secrets"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects the SQL backend for the reference stores. The URL
// scheme picks the driver: postgres:// or postgresql:// use lib/pq, anything
// else is treated as a sqlite path (an optional file: prefix is stripped).
type DatabaseConfig struct {
	URL            string `mapstructure:"url"`
	MaxConnections int    `mapstructure:"max_connections"`
}

type ProviderConfig struct {
	BaseURL   string        `mapstructure:"base_url"`
	SecretKey string        `mapstructure:"secret_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type WebhookConfig struct {
	Secret           string `mapstructure:"secret"`
	SignatureHeader  string `mapstructure:"signature_header"`
	FailurePolicy    string `mapstructure:"failure_policy"` // swallow, propagate
	RateLimitPerMin  int    `mapstructure:"rate_limit_per_min"`
	MaxBodyBytes     int64  `mapstructure:"max_body_bytes"`
	StoreConnections bool   `mapstructure:"store_connections"`
	StoreSecrets     bool   `mapstructure:"store_secrets"`
}

type SecretsConfig struct {
	EncryptionKey   string        `mapstructure:"encryption_key"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RefreshWindow   time.Duration `mapstructure:"refresh_window"`
}

type JWTConfig struct {
	Secret         string        `mapstructure:"secret"`
	Issuer         string        `mapstructure:"issuer"`
	AccessTokenTTL time.Duration `mapstructure:"access_token_ttl"`
}

type LoggingConfig struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.url", "file:data/connbridge.db")
	v.SetDefault("database.max_connections", 10)

	v.SetDefault("provider.base_url", "")
	v.SetDefault("provider.secret_key", "")
	v.SetDefault("provider.timeout", 10*time.Second)

	// Keys without a useful default are still registered so that
	// AutomaticEnv can fill them during Unmarshal.
	v.SetDefault("webhook.secret", "")
	v.SetDefault("secrets.encryption_key", "")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("telemetry.enabled", false)

	v.SetDefault("webhook.signature_header", "X-Webhook-Signature")
	v.SetDefault("webhook.failure_policy", "swallow")
	v.SetDefault("webhook.rate_limit_per_min", 600)
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("webhook.store_connections", true)
	v.SetDefault("webhook.store_secrets", false)

	v.SetDefault("secrets.refresh_interval", 5*time.Minute)
	v.SetDefault("secrets.refresh_window", 10*time.Minute)

	v.SetDefault("jwt.issuer", "connbridge")
	v.SetDefault("jwt.access_token_ttl", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("telemetry.service_name", "connbridge")
}

// Load reads the config file at path. A missing file is not an error when
// path is empty; every key can also come from the environment
// (webhook.secret -> WEBHOOK_SECRET).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Webhook.FailurePolicy {
	case "swallow", "propagate":
	default:
		return errors.New("webhook.failure_policy must be 'swallow' or 'propagate'")
	}
	if c.Webhook.StoreSecrets && c.Secrets.EncryptionKey == "" {
		return errors.New("secrets.encryption_key is required when webhook.store_secrets is enabled")
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		return errors.New("webhook.max_body_bytes must be positive")
	}
	return nil
}
