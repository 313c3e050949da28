package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config lists the tunable parameters for the companion display daemon.
type Config struct {
	BrokerURL        string
	HTTPPort         int
	DatabasePath     string
	LogLevel         string
	DirectoryBaseURL string
	DirectoryAPIKey  string
	DeviceName       string

	HeartbeatInterval time.Duration
	LivenessWindow    time.Duration

	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration

	QueueMaxAttempts      int
	OfflineAlertThreshold time.Duration
}

const (
	defaultBrokerURL         = "tcp://localhost:1883"
	defaultHTTPPort          = 8080
	defaultDatabasePath      = "data/salonpad.db"
	defaultLogLevel          = "info"
	defaultDeviceName        = "Companion Display"
	defaultHeartbeatInterval = 5 * time.Second
	defaultLivenessWindow    = 15 * time.Second
	defaultBackoffBase       = time.Second
	defaultBackoffMultiplier = 2.0
	defaultBackoffMax        = 30 * time.Second
	defaultQueueMaxAttempts  = 3
	defaultOfflineAlert      = 30 * time.Second
)

// SlogLevel maps the configured log level onto a slog leveler. Unknown
// values fall back to info.
func (c Config) SlogLevel() slog.Leveler {
	var lvl slog.Level

	switch strings.ToLower(c.LogLevel) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	lv := new(slog.LevelVar)
	lv.Set(lvl)
	return lv
}

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	cfg := Config{
		BrokerURL:             defaultBrokerURL,
		HTTPPort:              defaultHTTPPort,
		DatabasePath:          defaultDatabasePath,
		LogLevel:              defaultLogLevel,
		DeviceName:            defaultDeviceName,
		HeartbeatInterval:     defaultHeartbeatInterval,
		LivenessWindow:        defaultLivenessWindow,
		BackoffBase:           defaultBackoffBase,
		BackoffMultiplier:     defaultBackoffMultiplier,
		BackoffMax:            defaultBackoffMax,
		QueueMaxAttempts:      defaultQueueMaxAttempts,
		OfflineAlertThreshold: defaultOfflineAlert,
	}

	if v := os.Getenv("SALONPAD_BROKER_URL"); v != "" {
		cfg.BrokerURL = v
	}

	if v := os.Getenv("SALONPAD_HTTP_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_HTTP_PORT: %w", err)
		}
		cfg.HTTPPort = port
	}

	if v := os.Getenv("SALONPAD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	if v := os.Getenv("SALONPAD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv("SALONPAD_DIRECTORY_URL"); v != "" {
		cfg.DirectoryBaseURL = v
	}

	if v := os.Getenv("SALONPAD_DIRECTORY_KEY"); v != "" {
		cfg.DirectoryAPIKey = v
	}

	if v := os.Getenv("SALONPAD_DEVICE_NAME"); v != "" {
		cfg.DeviceName = v
	}

	if v := os.Getenv("SALONPAD_HEARTBEAT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_HEARTBEAT_INTERVAL: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if v := os.Getenv("SALONPAD_LIVENESS_WINDOW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_LIVENESS_WINDOW: %w", err)
		}
		cfg.LivenessWindow = d
	}

	if v := os.Getenv("SALONPAD_BACKOFF_BASE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_BACKOFF_BASE: %w", err)
		}
		cfg.BackoffBase = d
	}

	if v := os.Getenv("SALONPAD_BACKOFF_MULTIPLIER"); v != "" {
		m, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_BACKOFF_MULTIPLIER: %w", err)
		}
		cfg.BackoffMultiplier = m
	}

	if v := os.Getenv("SALONPAD_BACKOFF_MAX"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_BACKOFF_MAX: %w", err)
		}
		cfg.BackoffMax = d
	}

	if v := os.Getenv("SALONPAD_QUEUE_MAX_ATTEMPTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return Config{}, fmt.Errorf("invalid SALONPAD_QUEUE_MAX_ATTEMPTS: %q", v)
		}
		cfg.QueueMaxAttempts = n
	}

	if v := os.Getenv("SALONPAD_OFFLINE_ALERT_THRESHOLD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SALONPAD_OFFLINE_ALERT_THRESHOLD: %w", err)
		}
		cfg.OfflineAlertThreshold = d
	}

	return cfg, nil
}
