package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Durations are expressed in
// seconds, matching the option style of the messaging API this serves.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Logging      LoggingConfig      `yaml:"logging"`
	Notification NotificationConfig `yaml:"notification"`
	Drivers      DriversConfig      `yaml:"drivers"`
	Defaults     DefaultsConfig     `yaml:"defaults"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	ReadTimeout    int    `yaml:"read_timeout"`
	WriteTimeout   int    `yaml:"write_timeout"`
	IdleTimeout    int    `yaml:"idle_timeout"`
	RequestTimeout int    `yaml:"request_timeout"`
}

// Addr returns the host:port listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig selects the log level; output format follows the terminal.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// NotificationConfig tunes the dispatcher and its delivery tasks.
type NotificationConfig struct {
	// MaxNotifierRetries bounds the EXPONENTIAL_DECAY_RETRY policy.
	MaxNotifierRetries int `yaml:"max_notifier_retries"`

	// Workers caps concurrent subscription deliveries per process.
	Workers int `yaml:"workers"`

	// WebhookTimeout is the per-POST timeout in seconds.
	WebhookTimeout int `yaml:"webhook_timeout"`

	// RateLimitRPS / RateLimitBurst shape the per-host webhook token bucket.
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
}

// WebhookTimeoutDuration returns the per-POST timeout as a time.Duration.
func (n NotificationConfig) WebhookTimeoutDuration() time.Duration {
	return time.Duration(n.WebhookTimeout) * time.Second
}

// DriversConfig selects and tunes the storage backends.
type DriversConfig struct {
	Storage StorageConfig `yaml:"storage"`
	Control ControlConfig `yaml:"control"`
}

// StorageConfig holds the data-plane backend settings.
type StorageConfig struct {
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig mirrors the documented redis driver options.
type RedisConfig struct {
	URI                  string  `yaml:"uri"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
	ReconnectSleep       float64 `yaml:"reconnect_sleep"`
}

// ReconnectSleepDuration returns the reconnect backoff as a time.Duration.
func (r RedisConfig) ReconnectSleepDuration() time.Duration {
	return time.Duration(r.ReconnectSleep * float64(time.Second))
}

// ControlConfig selects the control-plane backend for topics, subscriptions,
// and monitors. The data plane (messages, claims) always lives in redis.
type ControlConfig struct {
	Backend  string         `yaml:"backend"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds the control-plane database settings.
type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime int    `yaml:"conn_max_idle_time"`
	QueryTimeout    int    `yaml:"query_timeout"`
}

// DefaultsConfig carries the resource defaults applied when a request or a
// record omits a value.
type DefaultsConfig struct {
	// MessageTTL backs the reserved _default_message_ttl metadata key.
	MessageTTL int `yaml:"message_ttl"`

	// DelayTTL is the default delivery delay for re-injected messages.
	DelayTTL int `yaml:"delay_ttl"`

	// ClaimTTL is the default consume-claim lifetime.
	ClaimTTL int `yaml:"claim_ttl"`

	// MaxMessagesPostSize backs the reserved _max_messages_post_size key.
	MaxMessagesPostSize int `yaml:"max_messages_post_size"`

	// ConsumeLimit / MaxConsumeLimit bound the consume page size.
	ConsumeLimit    int `yaml:"consume_limit"`
	MaxConsumeLimit int `yaml:"max_consume_limit"`

	// SubscriptionTTL is applied when a subscription omits its TTL.
	SubscriptionTTL int `yaml:"subscription_ttl"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8888,
			ReadTimeout:    15,
			WriteTimeout:   15,
			IdleTimeout:    60,
			RequestTimeout: 30,
		},
		Logging: LoggingConfig{Level: "info"},
		Notification: NotificationConfig{
			MaxNotifierRetries: 10,
			Workers:            16,
			WebhookTimeout:     5,
			RateLimitRPS:       50,
			RateLimitBurst:     100,
		},
		Drivers: DriversConfig{
			Storage: StorageConfig{
				Redis: RedisConfig{
					URI:                  "redis://127.0.0.1:6379/0",
					MaxReconnectAttempts: 10,
					ReconnectSleep:       1.0,
				},
			},
			Control: ControlConfig{
				Backend: "redis",
				Postgres: PostgresConfig{
					MaxOpenConns:    10,
					MaxIdleConns:    5,
					ConnMaxLifetime: 1800,
					ConnMaxIdleTime: 300,
					QueryTimeout:    30,
				},
			},
		},
		Defaults: DefaultsConfig{
			MessageTTL:          3600,
			DelayTTL:            0,
			ClaimTTL:            1,
			MaxMessagesPostSize: 262144,
			ConsumeLimit:        10,
			MaxConsumeLimit:     20,
			SubscriptionTTL:     3600,
		},
	}
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Notification.Workers <= 0 {
		return fmt.Errorf("notification.workers must be positive, got %d", c.Notification.Workers)
	}
	if c.Notification.MaxNotifierRetries < 0 {
		return fmt.Errorf("notification.max_notifier_retries must not be negative, got %d", c.Notification.MaxNotifierRetries)
	}
	switch c.Drivers.Control.Backend {
	case "redis", "postgres":
	default:
		return fmt.Errorf("drivers.control.backend %q not supported", c.Drivers.Control.Backend)
	}
	if c.Drivers.Control.Backend == "postgres" && c.Drivers.Control.Postgres.DSN == "" {
		return fmt.Errorf("drivers.control.postgres.dsn is required for the postgres backend")
	}
	if c.Defaults.ConsumeLimit <= 0 || c.Defaults.ConsumeLimit > c.Defaults.MaxConsumeLimit {
		return fmt.Errorf("defaults.consume_limit %d out of range", c.Defaults.ConsumeLimit)
	}
	return nil
}

// ReservedTopicMetadata returns the reserved metadata keys with their
// configured defaults. Reserved keys are always present on a topic and are
// restored when a patch removes them.
func (c Config) ReservedTopicMetadata() map[string]interface{} {
	return map[string]interface{}{
		"_max_messages_post_size": c.Defaults.MaxMessagesPostSize,
		"_default_message_ttl":    c.Defaults.MessageTTL,
	}
}
