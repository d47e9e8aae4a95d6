// Package config loads webhook-tester configuration from defaults, an
// optional YAML file, WEBHOOK_TESTER_* environment variables and flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	_ "time/tzdata" // display.timezone must resolve on minimal images

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g.
// WEBHOOK_TESTER_RELAY_TOPIC for relay.topic.
const EnvPrefix = "WEBHOOK_TESTER"

// Config is the full configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Relay     RelayConfig     `mapstructure:"relay"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Display   DisplayConfig   `mapstructure:"display"`
	Receiver  ReceiverConfig  `mapstructure:"receiver"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// StoreConfig selects the inbox backend.
type StoreConfig struct {
	Driver string `mapstructure:"driver"` // badger or sqlite
	Path   string `mapstructure:"path"`   // ":memory:" keeps the inbox in memory
}

// RelayConfig describes the relay topic the viewer polls and senders publish to.
type RelayConfig struct {
	Driver       string        `mapstructure:"driver"` // ntfy, nats or none
	URL          string        `mapstructure:"url"`
	Topic        string        `mapstructure:"topic"`
	Token        string        `mapstructure:"token"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Since        string        `mapstructure:"since"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Insecure     bool          `mapstructure:"insecure"`
}

// NATSConfig holds settings for the nats relay driver.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	Buffer        int    `mapstructure:"buffer"`
}

// FeedConfig controls what the feed shows on startup.
type FeedConfig struct {
	// ShowHistory keeps entries received before this process started
	// visible. When false the clear gate is moved to the start time.
	ShowHistory bool `mapstructure:"show_history"`
}

// DisplayConfig controls dashboard rendering.
type DisplayConfig struct {
	Timezone string        `mapstructure:"timezone"`
	Refresh  time.Duration `mapstructure:"refresh"`
}

// Location resolves Timezone, falling back to UTC.
func (d DisplayConfig) Location() *time.Location {
	if d.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ReceiverConfig controls the direct receiver endpoint.
type ReceiverConfig struct {
	Path    string `mapstructure:"path"`
	MaxBody int64  `mapstructure:"max_body"`
}

// RateLimitConfig caps receiver traffic per client IP.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuthConfig guards the dashboard and API with Basic-Auth when Username is set.
type AuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Enabled reports whether the guard is on.
func (a AuthConfig) Enabled() bool {
	return a.Username != ""
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	WebhookURL   string `mapstructure:"webhook_url"`
	WebhookToken string `mapstructure:"webhook_token"`
}

// SlogLevel maps Level onto a slog level. Unknown values mean info.
func (l LoggingConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New returns a viper instance with defaults and environment bindings set.
// Callers may bind flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// PORT is what most hosting platforms set.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT")

	return v
}

// Load reads path (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error

	switch c.Relay.Driver {
	case "ntfy", "nats", "none":
	default:
		errs = append(errs, fmt.Errorf("relay.driver must be ntfy, nats or none, got %q", c.Relay.Driver))
	}
	if c.Relay.Driver != "none" && c.Relay.Topic == "" {
		errs = append(errs, errors.New("relay.topic is required"))
	}

	switch c.Store.Driver {
	case "badger", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver must be badger or sqlite, got %q", c.Store.Driver))
	}

	if !strings.HasPrefix(c.Receiver.Path, "/") || c.Receiver.Path == "/" || strings.HasPrefix(c.Receiver.Path, "/api") {
		errs = append(errs, fmt.Errorf("receiver.path must be an absolute path outside / and /api, got %q", c.Receiver.Path))
	}

	if c.RateLimit.Enabled && c.RateLimit.Requests <= 0 {
		errs = append(errs, errors.New("ratelimit.requests must be positive when rate limiting is enabled"))
	}

	// The poller would store every forwarded record, log that, and forward again.
	if c.Relay.Driver == "ntfy" && c.Logging.WebhookURL != "" &&
		strings.TrimRight(c.Logging.WebhookURL, "/") == strings.TrimRight(c.Relay.URL, "/")+"/"+c.Relay.Topic {
		errs = append(errs, errors.New("logging.webhook_url must not be the polled relay topic"))
	}

	if c.Display.Timezone != "" {
		if _, err := time.LoadLocation(c.Display.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("display.timezone: %w", err))
		}
	}

	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("store.driver", "badger")
	v.SetDefault("store.path", ":memory:")

	v.SetDefault("relay.driver", "ntfy")
	v.SetDefault("relay.url", "https://ntfy.sh")
	v.SetDefault("relay.topic", "wh_receiver")
	v.SetDefault("relay.token", "")
	v.SetDefault("relay.username", "")
	v.SetDefault("relay.password", "")
	v.SetDefault("relay.since", "all")
	v.SetDefault("relay.poll_interval", "2s")
	v.SetDefault("relay.timeout", "2s")
	v.SetDefault("relay.insecure", false)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.subject_prefix", "webhooks")
	v.SetDefault("nats.buffer", 1000)

	v.SetDefault("feed.show_history", false)

	v.SetDefault("display.timezone", "UTC")
	v.SetDefault("display.refresh", "2s")

	v.SetDefault("receiver.path", "/hooks")
	v.SetDefault("receiver.max_body", 1<<20)

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.requests", 120)
	v.SetDefault("ratelimit.window", "1m")

	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("auth.username", "")
	v.SetDefault("auth.password", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.webhook_url", "")
	v.SetDefault("logging.webhook_token", "")
}
