// Package config loads runtime configuration from the environment.
package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"

	"github.com/repoledger/repoledger/internal/faults"
)

// Status model backends.
const (
	BackendMock           = "mock"
	BackendChatCompletion = "chat_completion"
)

// Config is the full service configuration. Fields without defaults are
// optional; Validate enforces the cross-field requirements.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	ListenAddr  string `env:"LISTEN_ADDR,default=:8080"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	RemoteSourceToken string `env:"REMOTE_SOURCE_TOKEN"`
	CataloguePath     string `env:"CATALOGUE_PATH"`
	EstateKey         string `env:"ESTATE_KEY,default=default"`

	ReportingWindowDays   int `env:"REPORTING_WINDOW_DAYS,default=7"`
	ValidationMaxAttempts int `env:"VALIDATION_MAX_ATTEMPTS,default=2"`

	StatusModelBackend     string  `env:"STATUS_MODEL_BACKEND,default=mock"`
	StatusModelAPIKey      string  `env:"STATUS_MODEL_API_KEY"`
	StatusModelEndpoint    string  `env:"STATUS_MODEL_ENDPOINT"`
	StatusModelName        string  `env:"STATUS_MODEL_NAME"`
	StatusModelTemperature float64 `env:"STATUS_MODEL_TEMPERATURE,default=0.2"`
	StatusModelMaxTokens   int     `env:"STATUS_MODEL_MAX_TOKENS,default=1024"`

	IngestionStalledThreshold time.Duration `env:"INGESTION_STALLED_THRESHOLD_SECONDS,default=3600s"`
	IngestionMaxEventsPerRun  int           `env:"INGESTION_MAX_EVENTS_PER_RUN,default=500"`
	IngestionLookbackDays     int           `env:"INGESTION_LOOKBACK_DAYS,default=30"`
	IngestionPollInterval     time.Duration `env:"INGESTION_POLL_INTERVAL,default=60s"`

	// Absent base path disables the filesystem sink.
	ReportSinkBasePath string `env:"REPORT_SINK_BASE_PATH"`

	// Optional operational signal publishing.
	KafkaBrokers []string `env:"KAFKA_BROKERS"`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`

	// Optional S3 archive for immutable report artefacts.
	ReportArchiveS3Bucket string `env:"REPORT_ARCHIVE_S3_BUCKET"`
	ReportArchiveS3Prefix string `env:"REPORT_ARCHIVE_S3_PREFIX"`
}

// Load reads configuration from process environment variables.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lu); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants that envconfig tags cannot express.
func (cfg *Config) Validate() error {
	if cfg.ReportingWindowDays <= 0 {
		return faults.New(faults.MissingConfig, "REPORTING_WINDOW_DAYS must be positive")
	}
	if cfg.ValidationMaxAttempts <= 0 {
		return faults.New(faults.MissingConfig, "VALIDATION_MAX_ATTEMPTS must be positive")
	}
	if cfg.IngestionMaxEventsPerRun <= 0 {
		return faults.New(faults.MissingConfig, "INGESTION_MAX_EVENTS_PER_RUN must be positive")
	}
	switch cfg.StatusModelBackend {
	case BackendMock:
	case BackendChatCompletion:
		if cfg.StatusModelAPIKey == "" {
			return faults.New(faults.MissingConfig, "STATUS_MODEL_API_KEY required for chat_completion backend")
		}
		if cfg.StatusModelEndpoint == "" {
			return faults.New(faults.MissingConfig, "STATUS_MODEL_ENDPOINT required for chat_completion backend")
		}
		if cfg.StatusModelName == "" {
			return faults.New(faults.MissingConfig, "STATUS_MODEL_NAME required for chat_completion backend")
		}
	default:
		return faults.New(faults.MissingConfig, "STATUS_MODEL_BACKEND must be mock or chat_completion, got %q", cfg.StatusModelBackend)
	}
	if cfg.KafkaTopic != "" && len(cfg.KafkaBrokers) == 0 {
		return faults.New(faults.MissingConfig, "KAFKA_TOPIC set but KAFKA_BROKERS empty")
	}
	return nil
}

// SignalsEnabled reports whether the Kafka publisher should be wired.
func (cfg *Config) SignalsEnabled() bool {
	return len(cfg.KafkaBrokers) > 0 && cfg.KafkaTopic != ""
}

// SinkEnabled reports whether the filesystem report sink should be wired.
func (cfg *Config) SinkEnabled() bool { return cfg.ReportSinkBasePath != "" }

// Lookback is the initial watermark distance for new streams.
func (cfg *Config) Lookback() time.Duration {
	return time.Duration(cfg.IngestionLookbackDays) * 24 * time.Hour
}
