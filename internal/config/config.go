package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "voxgate.db"
	defaultEngineURL  = "tcp://127.0.0.1:7070"

	defaultMaxPendingTasks         = 256
	defaultRequestTimeout          = 30 * time.Second
	defaultHealthCheckInterval     = 10 * time.Second
	defaultCleanupInterval         = time.Minute
	defaultTaskRetention           = 10 * time.Minute
	defaultObservedGrace           = 30 * time.Second
	defaultReconnectBackoffInitial = time.Second
	defaultReconnectBackoffMax     = 30 * time.Second
	defaultHistoryRetention        = 7 * 24 * time.Hour
	defaultHistoryBuffer           = 256
	defaultRateLimitRPS            = 20
	defaultRateLimitBurst          = 40

	envFile       = "VOXGATE_ENV_FILE"
	envListenAddr = "VOXGATE_LISTEN_ADDR"
	envDBPath     = "VOXGATE_DB_PATH"
	envLogLevel   = "VOXGATE_LOG_LEVEL"
	envEngineURL  = "VOXGATE_ENGINE_URL"

	envMaxPendingTasks         = "VOXGATE_MAX_PENDING_TASKS"
	envRequestTimeout          = "VOXGATE_REQUEST_TIMEOUT_MS"
	envHealthCheckInterval     = "VOXGATE_HEALTH_CHECK_INTERVAL_MS"
	envCleanupInterval         = "VOXGATE_CLEANUP_INTERVAL_MS"
	envTaskRetention           = "VOXGATE_TASK_RETENTION_MS"
	envObservedGrace           = "VOXGATE_OBSERVED_GRACE_MS"
	envReconnectBackoffInitial = "VOXGATE_RECONNECT_BACKOFF_INITIAL_MS"
	envReconnectBackoffMax     = "VOXGATE_RECONNECT_BACKOFF_MAX_MS"
	envHistoryRetention        = "VOXGATE_HISTORY_RETENTION_MS"
	envHistoryBuffer           = "VOXGATE_HISTORY_BUFFER"
	envRateLimitRPS            = "VOXGATE_RATE_LIMIT_RPS"
	envRateLimitBurst          = "VOXGATE_RATE_LIMIT_BURST"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string `validate:"required"`
	DBPath     string `validate:"required"`
	LogLevel   slog.Level
	EngineURL  string `validate:"required"`

	MaxPendingTasks int           `validate:"gte=1"`
	RequestTimeout  time.Duration `validate:"gte=1ms"`

	HealthCheckInterval time.Duration `validate:"gte=1ms"`
	CleanupInterval     time.Duration `validate:"gte=1ms"`
	TaskRetention       time.Duration `validate:"gte=1ms"`
	ObservedGrace       time.Duration `validate:"gte=0"`

	ReconnectBackoffInitial time.Duration `validate:"gte=1ms"`
	ReconnectBackoffMax     time.Duration `validate:"gtefield=ReconnectBackoffInitial"`

	HistoryRetention time.Duration `validate:"gte=1ms"`
	HistoryBuffer    int           `validate:"gte=1"`

	// RateLimitRPS of zero disables per-client rate limiting.
	RateLimitRPS   float64 `validate:"gte=0"`
	RateLimitBurst int     `validate:"gte=0"`
}

// Default returns the configuration used when no environment overrides are set.
func Default() Config {
	return Config{
		ListenAddr:              defaultListenAddr,
		DBPath:                  defaultDBPath,
		LogLevel:                slog.LevelInfo,
		EngineURL:               defaultEngineURL,
		MaxPendingTasks:         defaultMaxPendingTasks,
		RequestTimeout:          defaultRequestTimeout,
		HealthCheckInterval:     defaultHealthCheckInterval,
		CleanupInterval:         defaultCleanupInterval,
		TaskRetention:           defaultTaskRetention,
		ObservedGrace:           defaultObservedGrace,
		ReconnectBackoffInitial: defaultReconnectBackoffInitial,
		ReconnectBackoffMax:     defaultReconnectBackoffMax,
		HistoryRetention:        defaultHistoryRetention,
		HistoryBuffer:           defaultHistoryBuffer,
		RateLimitRPS:            defaultRateLimitRPS,
		RateLimitBurst:          defaultRateLimitBurst,
	}
}

// Load reads configuration from environment variables with sensible defaults.
// A .env file (or the file named by VOXGATE_ENV_FILE) is loaded first when
// present; variables already set in the environment win.
func Load() (Config, error) {
	if err := loadEnvFile(os.Getenv(envFile)); err != nil {
		return Config{}, err
	}

	cfg := Default()

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}
	if v := os.Getenv(envEngineURL); v != "" {
		cfg.EngineURL = v
	}

	var errs []error
	errs = append(errs,
		envInt(envMaxPendingTasks, &cfg.MaxPendingTasks),
		envMillis(envRequestTimeout, &cfg.RequestTimeout),
		envMillis(envHealthCheckInterval, &cfg.HealthCheckInterval),
		envMillis(envCleanupInterval, &cfg.CleanupInterval),
		envMillis(envTaskRetention, &cfg.TaskRetention),
		envMillis(envObservedGrace, &cfg.ObservedGrace),
		envMillis(envReconnectBackoffInitial, &cfg.ReconnectBackoffInitial),
		envMillis(envReconnectBackoffMax, &cfg.ReconnectBackoffMax),
		envMillis(envHistoryRetention, &cfg.HistoryRetention),
		envInt(envHistoryBuffer, &cfg.HistoryBuffer),
		envFloat(envRateLimitRPS, &cfg.RateLimitRPS),
		envInt(envRateLimitBurst, &cfg.RateLimitBurst),
	)
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and returns a readable error listing
// every offending field.
func (c Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate config: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Field(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envMillis(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = time.Duration(n) * time.Millisecond
	return nil
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
