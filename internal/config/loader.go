package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RAGCHAT_"
)

// Load reads configuration with the following precedence (highest first):
//  1. RAGCHAT_* environment variables
//  2. variables from the .env file at dotenvPath (existing env wins)
//  3. the YAML file at configPath
//  4. defaults
//
// Empty paths skip the corresponding source. The YAML file must not be
// larger than 1MB and, outside Windows, must have 0600 or 0400 permissions.
//
// Environment variables are mapped by splitting on the first underscore
// after the prefix:
//
//	RAGCHAT_SERVER_PORT        -> server.port
//	RAGCHAT_GENERATION_AGENT_SECRET -> generation.agent_secret
func Load(configPath, dotenvPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if dotenvPath != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", dotenvPath, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps RAGCHAT_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, field, found := strings.Cut(lower, "_")
	if !found {
		return lower
	}
	return section + "." + field
}

// readConfigFile opens the file once and validates it through the open
// descriptor.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// Default returns a configuration populated only with defaults.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	// Server
	if cfg.Server.AppName == "" {
		cfg.Server.AppName = "Flow RAG Chatbot"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.APIPrefix == "" {
		cfg.Server.APIPrefix = "/api"
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:5173"}
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	// Logging
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	// Telemetry
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "ragchat"
	}
	if cfg.Telemetry.ServiceVersion == "" {
		cfg.Telemetry.ServiceVersion = "0.1.0"
	}
	if cfg.Telemetry.SampleRate == 0 {
		cfg.Telemetry.SampleRate = 1.0
	}

	// Embeddings
	if cfg.Embeddings.Provider == "" {
		cfg.Embeddings.Provider = "fastembed"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "sentence-transformers/all-MiniLM-L6-v2"
	}
	if cfg.Embeddings.Dimension == 0 {
		cfg.Embeddings.Dimension = 384
	}

	// Index and chunking
	if cfg.Index.Path == "" {
		cfg.Index.Path = "data/vector_store"
	}
	if cfg.Index.BatchSize == 0 {
		cfg.Index.BatchSize = 64
	}
	if cfg.Chunker.Size == 0 {
		cfg.Chunker.Size = 800
	}
	if cfg.Chunker.Overlap == 0 {
		cfg.Chunker.Overlap = 200
	}
	if cfg.Retrieval.TopK == 0 {
		cfg.Retrieval.TopK = 4
	}

	// Generation
	if cfg.Generation.BaseURL == "" {
		cfg.Generation.BaseURL = "https://flow.ciandt.com/ai-orchestration-api/v1"
	}
	if cfg.Generation.Model == "" {
		cfg.Generation.Model = "gpt-4o-mini"
	}
	if cfg.Generation.Temperature == 0 {
		cfg.Generation.Temperature = 0.2
	}
	if cfg.Generation.Timeout == 0 {
		cfg.Generation.Timeout = 30 * time.Second
	}
	if cfg.Generation.RateLimit == 0 {
		cfg.Generation.RateLimit = 5
	}
	if cfg.Generation.RateBurst == 0 {
		cfg.Generation.RateBurst = 5
	}

	// Queue
	if cfg.Queue.URL == "" {
		cfg.Queue.URL = "nats://127.0.0.1:4222"
	}
	if cfg.Queue.StoreDir == "" {
		cfg.Queue.StoreDir = "data/nats"
	}
	if cfg.Queue.Stream == "" {
		cfg.Queue.Stream = "RAGCHAT_JOBS"
	}
	if cfg.Queue.Subject == "" {
		cfg.Queue.Subject = "ragchat.jobs.generate"
	}
	if cfg.Queue.Bucket == "" {
		cfg.Queue.Bucket = "ragchat_jobs"
	}
	if cfg.Queue.Durable == "" {
		cfg.Queue.Durable = "ragchat-worker"
	}
	if cfg.Queue.TTL == 0 {
		cfg.Queue.TTL = time.Hour
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.AckWait == 0 {
		cfg.Queue.AckWait = 2 * time.Minute
	}
	if cfg.Queue.RetryBackoff == 0 {
		cfg.Queue.RetryBackoff = 2 * time.Second
	}
	if cfg.Queue.WaitTimeout == 0 {
		cfg.Queue.WaitTimeout = 30 * time.Second
	}
	if cfg.Queue.PollInterval == 0 {
		cfg.Queue.PollInterval = 500 * time.Millisecond
	}

	// Storage
	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/ragchat.db"
	}
	if cfg.Documents.Path == "" {
		cfg.Documents.Path = "data/documents"
	}
	if cfg.Documents.MaxUploadMB == 0 {
		cfg.Documents.MaxUploadMB = 10
	}
	if len(cfg.Documents.AllowedExtensions) == 0 {
		cfg.Documents.AllowedExtensions = []string{".txt", ".md", ".pdf"}
	}
}
