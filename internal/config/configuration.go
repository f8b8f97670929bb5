package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	// WebServer Configuration
	WebServerPort int `mapstructure:"WEBSERVER_PORT" validate:"min=1,max=65535"`

	// Database Configuration
	DatabaseDSN               string `mapstructure:"DATABASE_DSN" validate:"required"`
	DatabaseRetries           int    `mapstructure:"DATABASE_RETRIES" validate:"min=0"`
	DatabasePoolMax           int    `mapstructure:"DATABASE_POOL_MAX" validate:"min=1"`
	DatabaseConnectionCeiling int    `mapstructure:"DATABASE_CONNECTION_CEILING" validate:"min=1"`

	Worker   WorkerConfig    `mapstructure:",squash"`
	Queue    QueueConfig     `mapstructure:",squash"`
	Source   SourceConfig    `mapstructure:",squash"`
	Retry    RetryConfig     `mapstructure:",squash"`
	Thumb    ThumbnailConfig `mapstructure:",squash"`
	Purge    PurgeConfig     `mapstructure:",squash"`
	Settings SettingsConfig  `mapstructure:",squash"`
	Log      LogConfig       `mapstructure:",squash"`
}

type WorkerConfig struct {
	// Processes is the number of worker processes sharing the database.
	Processes   int    `mapstructure:"WORKER_PROCESSES" validate:"min=1"`
	Concurrency int    `mapstructure:"WORKER_CONCURRENCY" validate:"min=1"`
	Kinds       string `mapstructure:"WORKER_KINDS"`
}

type QueueConfig struct {
	Backend           string        `mapstructure:"QUEUE_BACKEND" validate:"oneof=redis kafka memory"`
	RedisAddr         string        `mapstructure:"REDIS_ADDR"`
	RedisPassword     string        `mapstructure:"REDIS_PASSWORD"`
	RedisDB           int           `mapstructure:"REDIS_DB" validate:"min=0"`
	KafkaBrokers      string        `mapstructure:"KAFKA_BROKERS"`
	ConsumerGroup     string        `mapstructure:"QUEUE_CONSUMER_GROUP" validate:"required"`
	BatchSize         int           `mapstructure:"QUEUE_BATCH_SIZE" validate:"min=1,max=1000"`
	Block             time.Duration `mapstructure:"QUEUE_BLOCK"`
	VisibilityTimeout time.Duration `mapstructure:"QUEUE_VISIBILITY_TIMEOUT" validate:"gt=0"`
}

type SourceConfig struct {
	DiscordToken  string  `mapstructure:"DISCORD_TOKEN"`
	RatePerSecond float64 `mapstructure:"SOURCE_RATE_PER_SECOND" validate:"gt=0"`
}

type RetryConfig struct {
	MaxAttempts         int           `mapstructure:"RETRY_MAX_ATTEMPTS" validate:"min=1"`
	BaseDelay           time.Duration `mapstructure:"RETRY_BASE_DELAY" validate:"gt=0"`
	MaxDelay            time.Duration `mapstructure:"RETRY_MAX_DELAY" validate:"gt=0"`
	HealthCheckInterval time.Duration `mapstructure:"HEALTH_CHECK_INTERVAL" validate:"gt=0"`
}

type ThumbnailConfig struct {
	StorageRoot    string        `mapstructure:"STORAGE_ROOT" validate:"required"`
	ConnectTimeout time.Duration `mapstructure:"THUMBNAIL_CONNECT_TIMEOUT" validate:"gt=0"`
	TotalTimeout   time.Duration `mapstructure:"THUMBNAIL_TOTAL_TIMEOUT" validate:"gt=0"`
	RetryBase      time.Duration `mapstructure:"THUMBNAIL_RETRY_BASE" validate:"gt=0"`
	RetryMax       time.Duration `mapstructure:"THUMBNAIL_RETRY_MAX" validate:"gt=0"`
	MaxAttempts    int           `mapstructure:"THUMBNAIL_MAX_ATTEMPTS" validate:"min=1"`
	SweepSchedule  string        `mapstructure:"THUMBNAIL_SWEEP_SCHEDULE" validate:"required"`
	// MaxBytes is a size such as "256MB" or "1GiB".
	MaxBytes string `mapstructure:"THUMBNAIL_MAX_BYTES" validate:"required"`
	// WorkDir holds partial downloads and render output. Defaults to a
	// directory under os.TempDir.
	WorkDir string `mapstructure:"THUMBNAIL_WORK_DIR"`
	// CleanupTimeout is how long a clip may sit in processing before cleanup resets it.
	CleanupTimeout time.Duration `mapstructure:"THUMBNAIL_CLEANUP_TIMEOUT" validate:"gt=0"`
}

type PurgeConfig struct {
	Cooldown       time.Duration `mapstructure:"PURGE_COOLDOWN" validate:"gte=0"`
	QuiesceTimeout time.Duration `mapstructure:"PURGE_QUIESCE_TIMEOUT" validate:"gt=0"`
}

type SettingsConfig struct {
	CacheTTL time.Duration `mapstructure:"SETTINGS_CACHE_TTL" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"LOG_FORMAT" validate:"oneof=text json"`
}

// KafkaBrokerList splits the comma separated broker list.
func (q QueueConfig) KafkaBrokerList() []string {
	var out []string
	for _, b := range strings.Split(q.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

// MaxBytesValue parses MaxBytes.
func (t ThumbnailConfig) MaxBytesValue() (int64, error) {
	n, err := humanize.ParseBytes(t.MaxBytes)
	if err != nil {
		return 0, fmt.Errorf("THUMBNAIL_MAX_BYTES: %w", err)
	}
	if n == 0 || n > math.MaxInt64 {
		return 0, fmt.Errorf("THUMBNAIL_MAX_BYTES: %q out of range", t.MaxBytes)
	}
	return int64(n), nil
}

// WorkDirOrDefault returns WorkDir, or clipscan under the system temp dir.
func (t ThumbnailConfig) WorkDirOrDefault() string {
	if t.WorkDir != "" {
		return t.WorkDir
	}
	return filepath.Join(os.TempDir(), "clipscan")
}

// KindList splits WORKER_KINDS. Empty means every kind.
func (w WorkerConfig) KindList() []string {
	var out []string
	for _, k := range strings.Split(w.Kinds, ",") {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}

// use reflect to bind environment variables based on mapstructure tags
func bindEnv(c Config) {
	val := reflect.ValueOf(c)
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := typ.Field(i)
		fieldVal := val.Field(i)
		name, opts, _ := strings.Cut(field.Tag.Get("mapstructure"), ",")

		if name != "" {
			viper.BindEnv(name)
		}

		// Handle squashed nested structs
		if field.Type.Kind() == reflect.Struct && opts == "squash" {
			nestedTyp := fieldVal.Type()
			for j := 0; j < fieldVal.NumField(); j++ {
				nestedTag := nestedTyp.Field(j).Tag.Get("mapstructure")
				if nestedTag != "" {
					viper.BindEnv(nestedTag)
				}
			}
		}
	}
}

func setDefaults() {
	viper.SetDefault("WEBSERVER_PORT", 8080)
	viper.SetDefault("DATABASE_RETRIES", 10)
	viper.SetDefault("DATABASE_POOL_MAX", 8)
	viper.SetDefault("DATABASE_CONNECTION_CEILING", 100)

	viper.SetDefault("WORKER_PROCESSES", 4)
	viper.SetDefault("WORKER_CONCURRENCY", 4)
	viper.SetDefault("WORKER_KINDS", "")

	viper.SetDefault("QUEUE_BACKEND", "redis")
	viper.SetDefault("REDIS_ADDR", "localhost:6379")
	viper.SetDefault("REDIS_DB", 0)
	viper.SetDefault("QUEUE_CONSUMER_GROUP", "clipscan-workers")
	viper.SetDefault("QUEUE_BATCH_SIZE", 10)
	viper.SetDefault("QUEUE_BLOCK", 2*time.Second)
	viper.SetDefault("QUEUE_VISIBILITY_TIMEOUT", 5*time.Minute)

	viper.SetDefault("SOURCE_RATE_PER_SECOND", 5.0)

	viper.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	viper.SetDefault("RETRY_BASE_DELAY", 200*time.Millisecond)
	viper.SetDefault("RETRY_MAX_DELAY", 5*time.Second)
	viper.SetDefault("HEALTH_CHECK_INTERVAL", 30*time.Second)

	viper.SetDefault("STORAGE_ROOT", "/data/thumbnails")
	viper.SetDefault("THUMBNAIL_CONNECT_TIMEOUT", 5*time.Second)
	viper.SetDefault("THUMBNAIL_TOTAL_TIMEOUT", 60*time.Second)
	viper.SetDefault("THUMBNAIL_RETRY_BASE", time.Minute)
	viper.SetDefault("THUMBNAIL_RETRY_MAX", 6*time.Hour)
	viper.SetDefault("THUMBNAIL_MAX_ATTEMPTS", 5)
	viper.SetDefault("THUMBNAIL_SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("THUMBNAIL_MAX_BYTES", "256MB")
	viper.SetDefault("THUMBNAIL_CLEANUP_TIMEOUT", 15*time.Minute)

	viper.SetDefault("PURGE_COOLDOWN", 10*time.Minute)
	viper.SetDefault("PURGE_QUIESCE_TIMEOUT", 2*time.Minute)

	viper.SetDefault("SETTINGS_CACHE_TTL", 5*time.Minute)

	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "text")
}

func LoadConfig(ctx context.Context) (*Config, error) {
	// A .env file is optional; real environment variables win over it.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	bindEnv(Config{})
	viper.AutomaticEnv()
	setDefaults()

	cfg := Config{}
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.checkCapacity(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Queue.Backend == "kafka" && len(cfg.Queue.KafkaBrokerList()) == 0 {
		return nil, errors.New("validate config: KAFKA_BROKERS is required when QUEUE_BACKEND=kafka")
	}
	if _, err := cfg.Thumb.MaxBytesValue(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Retry.BaseDelay > cfg.Retry.MaxDelay {
		return nil, errors.New("validate config: RETRY_BASE_DELAY exceeds RETRY_MAX_DELAY")
	}

	slog.Info("Loaded configuration",
		"webserver_port", cfg.WebServerPort,
		"queue_backend", cfg.Queue.Backend,
		"worker_processes", cfg.Worker.Processes,
		"database_pool_max", cfg.DatabasePoolMax,
	)
	return &cfg, nil
}

// checkCapacity enforces that all worker pools together stay below the
// database connection ceiling.
func (c Config) checkCapacity() error {
	need := c.Worker.Processes * c.DatabasePoolMax
	if need > c.DatabaseConnectionCeiling {
		return fmt.Errorf("WORKER_PROCESSES (%d) x DATABASE_POOL_MAX (%d) = %d exceeds DATABASE_CONNECTION_CEILING (%d)",
			c.Worker.Processes, c.DatabasePoolMax, need, c.DatabaseConnectionCeiling)
	}
	return nil
}

// ConfigureLogging installs the default slog logger.
func ConfigureLogging(c LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if c.Format == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}
