// Package config provides configuration loading for ragchat.
//
// Configuration is assembled from a YAML file, an optional .env file and
// RAGCHAT_* environment variables, then completed with defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidConfig is matched by every ConfigurationError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigurationError reports a setting that cannot be used.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfig
}

func invalid(key, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// Config holds the complete ragchat configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Logging    LoggingConfig    `koanf:"logging"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
	Embeddings EmbeddingsConfig `koanf:"embeddings"`
	Index      IndexConfig      `koanf:"index"`
	Chunker    ChunkerConfig    `koanf:"chunker"`
	Retrieval  RetrievalConfig  `koanf:"retrieval"`
	Generation GenerationConfig `koanf:"generation"`
	Queue      QueueConfig      `koanf:"queue"`
	Database   DatabaseConfig   `koanf:"database"`
	Documents  DocumentsConfig  `koanf:"documents"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	AppName         string        `koanf:"app_name"`
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	APIPrefix       string        `koanf:"api_prefix"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig selects level, encoding and outputs of the zap logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTEL   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry exporter settings.
type TelemetryConfig struct {
	Enabled        bool    `koanf:"enabled"`
	Endpoint       string  `koanf:"endpoint"`
	Protocol       string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure       bool    `koanf:"insecure"`
	ServiceName    string  `koanf:"service_name"`
	ServiceVersion string  `koanf:"service_version"`
	SampleRate     float64 `koanf:"sample_rate"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider  string `koanf:"provider"` // fastembed, tei, openai, hash
	Model     string `koanf:"model"`
	BaseURL   string `koanf:"base_url"`
	APIKey    Secret `koanf:"api_key"`
	CacheDir  string `koanf:"cache_dir"`
	Dimension int    `koanf:"dimension"`
}

// IndexConfig holds vector index persistence settings.
type IndexConfig struct {
	Path      string `koanf:"path"`
	Dimension int    `koanf:"dimension"`
	BatchSize int    `koanf:"batch_size"`
}

// ChunkerConfig holds the chunk window.
type ChunkerConfig struct {
	Size    int `koanf:"size"`
	Overlap int `koanf:"overlap"`
}

// RetrievalConfig holds query settings.
type RetrievalConfig struct {
	TopK int `koanf:"top_k"`
}

// GenerationConfig holds the completion gateway settings.
type GenerationConfig struct {
	BaseURL     string        `koanf:"base_url"`
	Tenant      string        `koanf:"tenant"`
	AgentName   string        `koanf:"agent_name"`
	AgentSecret Secret        `koanf:"agent_secret"`
	Channel     string        `koanf:"channel"`
	Model       string        `koanf:"model"`
	Temperature float64       `koanf:"temperature"`
	Timeout     time.Duration `koanf:"timeout"`
	RateLimit   float64       `koanf:"rate_limit"` // requests per second
	RateBurst   int           `koanf:"rate_burst"`
}

// QueueConfig holds job queue settings.
type QueueConfig struct {
	URL          string        `koanf:"url"`
	Embedded     bool          `koanf:"embedded"`
	StoreDir     string        `koanf:"store_dir"`
	Stream       string        `koanf:"stream"`
	Subject      string        `koanf:"subject"`
	Bucket       string        `koanf:"bucket"`
	Durable      string        `koanf:"durable"`
	TTL          time.Duration `koanf:"ttl"`
	MaxAttempts  int           `koanf:"max_attempts"`
	AckWait      time.Duration `koanf:"ack_wait"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	WaitTimeout  time.Duration `koanf:"wait_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// DatabaseConfig holds the conversation store location.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// DocumentsConfig holds the corpus directory and upload rules.
type DocumentsConfig struct {
	Path              string   `koanf:"path"`
	MaxUploadMB       int      `koanf:"max_upload_mb"`
	AllowedExtensions []string `koanf:"allowed_extensions"`
	ExtractorURL      string   `koanf:"extractor_url"`
	Watch             bool     `koanf:"watch"`
	IngestOnStart     bool     `koanf:"ingest_on_start"`
}

// Validate checks the configuration and returns a *ConfigurationError for
// the first unusable setting.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return invalid("server.port", "%d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return invalid("server.shutdown_timeout", "must be positive")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		return invalid("server.api_prefix", "must start with /, got %q", c.Server.APIPrefix)
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return invalid("logging.format", "must be json or console, got %q", c.Logging.Format)
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return invalid("telemetry.endpoint", "required when telemetry is enabled")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return invalid("telemetry.sample_rate", "must be between 0 and 1, got %f", c.Telemetry.SampleRate)
	}

	switch c.Embeddings.Provider {
	case "fastembed", "hash":
	case "tei", "openai":
		if c.Embeddings.BaseURL == "" {
			return invalid("embeddings.base_url", "required for provider %s", c.Embeddings.Provider)
		}
	default:
		return invalid("embeddings.provider", "unsupported provider %q", c.Embeddings.Provider)
	}

	if c.Index.Path == "" {
		return invalid("index.path", "required")
	}
	if c.Index.Dimension < 0 {
		return invalid("index.dimension", "must not be negative")
	}
	if c.Chunker.Size <= 0 {
		return invalid("chunker.size", "must be positive, got %d", c.Chunker.Size)
	}
	if c.Chunker.Overlap < 0 || c.Chunker.Overlap >= c.Chunker.Size {
		return invalid("chunker.overlap", "must be in [0, %d), got %d", c.Chunker.Size, c.Chunker.Overlap)
	}
	if c.Retrieval.TopK < 1 {
		return invalid("retrieval.top_k", "must be at least 1, got %d", c.Retrieval.TopK)
	}

	if c.Generation.BaseURL == "" {
		return invalid("generation.base_url", "required")
	}
	if c.Generation.Timeout <= 0 {
		return invalid("generation.timeout", "must be positive")
	}

	if !c.Queue.Embedded && c.Queue.URL == "" {
		return invalid("queue.url", "required unless queue.embedded is set")
	}
	if c.Queue.MaxAttempts < 1 {
		return invalid("queue.max_attempts", "must be at least 1, got %d", c.Queue.MaxAttempts)
	}
	if c.Queue.PollInterval <= 0 || c.Queue.WaitTimeout <= 0 {
		return invalid("queue.poll_interval", "poll interval and wait timeout must be positive")
	}

	if c.Database.Path == "" {
		return invalid("database.path", "required")
	}
	if c.Documents.Path == "" {
		return invalid("documents.path", "required")
	}
	if c.Documents.MaxUploadMB <= 0 {
		return invalid("documents.max_upload_mb", "must be positive")
	}

	return nil
}
