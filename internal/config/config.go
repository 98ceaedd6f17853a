// Package config loads application configuration from a YAML file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix prefixes every environment override. A double underscore
// separates nesting levels: MEDREM_DATABASE__URL sets database.url.
const EnvPrefix = "MEDREM_"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	Log        LogConfig        `koanf:"log"`
	JWT        JWTConfig        `koanf:"jwt"`
	CORS       CORSConfig       `koanf:"cors"`
	Reminders  RemindersConfig  `koanf:"reminders"`
	Dedup      DedupConfig      `koanf:"dedup"`
	Delivery   DeliveryConfig   `koanf:"delivery"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Monitor    MonitorConfig    `koanf:"monitor"`
	Telegram   TelegramConfig   `koanf:"telegram"`
	Mattermost MattermostConfig `koanf:"mattermost"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port"`
	MetricsPort       string        `koanf:"metrics_port"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
}

// RedisConfig holds Redis settings. Only used by the redis dedup backend.
type RedisConfig struct {
	URL string `koanf:"url"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// JWTConfig holds admin token verification settings.
type JWTConfig struct {
	SecretKey string `koanf:"secret_key"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// RemindersConfig holds trigger evaluation settings.
type RemindersConfig struct {
	Schedule          string `koanf:"schedule"`
	Workers           int    `koanf:"workers"`
	DefaultTimezone   string `koanf:"default_timezone"`
	DefaultDigestTime string `koanf:"default_digest_time"`
}

// DedupConfig holds deduplication settings.
type DedupConfig struct {
	Backend         string        `koanf:"backend"`
	Window          time.Duration `koanf:"window"`
	Retention       time.Duration `koanf:"retention"`
	CleanupSchedule string        `koanf:"cleanup_schedule"`
}

// Dedup backends.
const (
	DedupBackendPostgres = "postgres"
	DedupBackendRedis    = "redis"
	DedupBackendMemory   = "memory"
)

// DeliveryConfig holds retry policy settings.
type DeliveryConfig struct {
	MaxRetries     int           `koanf:"max_retries"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	Jitter         bool          `koanf:"jitter"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout"`
}

// DeadLetterConfig holds dead letter queue settings.
type DeadLetterConfig struct {
	RetentionDays   int             `koanf:"retention_days"`
	CleanupSchedule string          `koanf:"cleanup_schedule"`
	AutoRetry       AutoRetryConfig `koanf:"auto_retry"`
}

// AutoRetryConfig holds automatic reprocessing settings.
type AutoRetryConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Schedule   string        `koanf:"schedule"`
	BatchSize  int           `koanf:"batch_size"`
	MaxRetries int           `koanf:"max_retries"`
	StaleAfter time.Duration `koanf:"stale_after"`
}

// MonitorConfig holds health threshold settings.
type MonitorConfig struct {
	Retention            time.Duration `koanf:"retention"`
	ErrorRatePercent     float64       `koanf:"error_rate_percent"`
	DLQWarning           int           `koanf:"dlq_warning"`
	DLQCritical          int           `koanf:"dlq_critical"`
	NoSuccessAfter       time.Duration `koanf:"no_success_after"`
	RateLimitHitsPerHour int           `koanf:"rate_limit_hits_per_hour"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled   bool          `koanf:"enabled"`
	BotToken  string        `koanf:"bot_token"`
	RateLimit float64       `koanf:"rate_limit"`
	Timeout   time.Duration `koanf:"timeout"`
}

// MattermostConfig holds Mattermost webhook settings.
type MattermostConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Username string        `koanf:"username"`
	IconURL  string        `koanf:"icon_url"`
	Timeout  time.Duration `koanf:"timeout"`
}

// Default returns the configuration used for keys that are not set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  60 * time.Second,
		},
		Redis: RedisConfig{
			URL: "redis://localhost:6379/0",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Reminders: RemindersConfig{
			Schedule:          "@every 1m",
			Workers:           8,
			DefaultTimezone:   "UTC",
			DefaultDigestTime: "21:00",
		},
		Dedup: DedupConfig{
			Backend:         DedupBackendPostgres,
			Window:          5 * time.Minute,
			Retention:       7 * 24 * time.Hour,
			CleanupSchedule: "15 3 * * *",
		},
		Delivery: DeliveryConfig{
			MaxRetries:     3,
			BaseDelay:      time.Second,
			MaxDelay:       10 * time.Second,
			Jitter:         true,
			AttemptTimeout: 10 * time.Second,
		},
		DeadLetter: DeadLetterConfig{
			RetentionDays:   30,
			CleanupSchedule: "0 3 * * *",
			AutoRetry: AutoRetryConfig{
				Schedule:   "*/15 * * * *",
				BatchSize:  50,
				MaxRetries: 5,
				StaleAfter: 15 * time.Minute,
			},
		},
		Monitor: MonitorConfig{
			Retention:            time.Hour,
			ErrorRatePercent:     5,
			DLQWarning:           50,
			DLQCritical:          100,
			NoSuccessAfter:       10 * time.Minute,
			RateLimitHitsPerHour: 10,
		},
		Telegram: TelegramConfig{
			RateLimit: 25,
			Timeout:   10 * time.Second,
		},
		Mattermost: MattermostConfig{
			Enabled:  true,
			Username: "Medication Reminders",
			Timeout:  10 * time.Second,
		},
	}
}

// Load reads configuration from path (skipped when empty) and then from
// MEDREM_ environment variables, on top of Default.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps MEDREM_DEADLETTER__AUTO_RETRY__ENABLED to
// deadletter.auto_retry.enabled.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("jwt.secret_key is required"))
	} else if len(c.JWT.SecretKey) < 32 {
		errs = append(errs, errors.New("jwt.secret_key must be at least 32 characters"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not json or text", c.Log.Format))
	}

	switch c.Dedup.Backend {
	case DedupBackendPostgres, DedupBackendMemory:
	case DedupBackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url is required for the redis dedup backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("dedup.backend %q is not postgres, redis or memory", c.Dedup.Backend))
	}
	if c.Dedup.Window <= 0 {
		errs = append(errs, errors.New("dedup.window must be positive"))
	}

	if c.Delivery.MaxRetries < 1 {
		errs = append(errs, errors.New("delivery.max_retries must be at least 1"))
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		errs = append(errs, errors.New("delivery delays must satisfy 0 < base_delay <= max_delay"))
	}

	if c.Reminders.Workers < 1 {
		errs = append(errs, errors.New("reminders.workers must be at least 1"))
	}
	if _, err := time.LoadLocation(c.Reminders.DefaultTimezone); err != nil {
		errs = append(errs, fmt.Errorf("reminders.default_timezone: %w", err))
	}

	if c.DeadLetter.RetentionDays < 1 {
		errs = append(errs, errors.New("deadletter.retention_days must be at least 1"))
	}
	if c.Monitor.DLQCritical < c.Monitor.DLQWarning {
		errs = append(errs, errors.New("monitor.dlq_critical must not be below monitor.dlq_warning"))
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("telegram.bot_token is required when telegram is enabled"))
	}
	if !c.Telegram.Enabled && !c.Mattermost.Enabled {
		errs = append(errs, errors.New("at least one of telegram or mattermost must be enabled"))
	}

	return errors.Join(errs...)
}
