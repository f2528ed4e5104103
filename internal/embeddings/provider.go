package embeddings

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
	"go.uber.org/zap"
)

var (
	// ErrEmptyInput indicates empty or nil input texts
	ErrEmptyInput = errors.New("empty or nil input texts")

	// ErrEmbeddingFailed indicates embedding generation failure
	ErrEmbeddingFailed = errors.New("embedding generation failed")
)

// Provider is the interface for embedding providers.
type Provider interface {
	vectorstore.Embedder
	// Dimension returns the embedding dimension for the current model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// ProviderConfig holds configuration for creating an embedding provider.
type ProviderConfig struct {
	// Provider is one of fastembed, tei, openai or hash. Empty means fastembed.
	Provider string
	Model    string
	// BaseURL is the service URL for tei and openai.
	BaseURL string
	APIKey  string
	// CacheDir is the model cache directory for fastembed.
	CacheDir string
	// Dimension overrides the dimension detected from the model name.
	Dimension int
	Logger    *zap.Logger
}

// ProviderConfigFrom maps loaded settings to a ProviderConfig.
func ProviderConfigFrom(c config.EmbeddingsConfig, logger *zap.Logger) ProviderConfig {
	return ProviderConfig{
		Provider:  c.Provider,
		Model:     c.Model,
		BaseURL:   c.BaseURL,
		APIKey:    c.APIKey.Value(),
		CacheDir:  c.CacheDir,
		Dimension: c.Dimension,
		Logger:    logger,
	}
}

// NewProvider creates an embedding provider based on the configuration.
// Setup failures are returned as *config.ConfigurationError.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var (
		p   Provider
		err error
	)
	switch strings.ToLower(cfg.Provider) {
	case "fastembed", "":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	case "tei":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey,
			Dimension: cfg.Dimension,
		})
	case "hash":
		p, err = NewHashProvider(cfg.Dimension)
	default:
		return nil, &config.ConfigurationError{Key: "embeddings.provider", Reason: "unknown provider " + cfg.Provider}
	}
	if err != nil {
		var cerr *config.ConfigurationError
		if errors.As(err, &cerr) {
			return nil, err
		}
		return nil, &config.ConfigurationError{Key: "embeddings", Reason: err.Error()}
	}

	cfg.Logger.Info("embedding provider ready",
		zap.String("provider", cfg.Provider),
		zap.String("model", cfg.Model),
		zap.Int("dimension", p.Dimension()),
	)
	return &instrumented{Provider: p, model: cfg.Model, metrics: NewMetrics(cfg.Logger)}, nil
}

// detectDimensionFromModel returns the embedding dimension for a model name.
// Falls back to 384 if model is unknown.
func detectDimensionFromModel(model string) int {
	if dim, ok := knownDimensions[model]; ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding"):
		return 1536
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

var knownDimensions = map[string]int{
	"BAAI/bge-small-en-v1.5":                 384,
	"BAAI/bge-small-en":                      384,
	"BAAI/bge-base-en-v1.5":                  768,
	"BAAI/bge-base-en":                       768,
	"BAAI/bge-small-zh-v1.5":                 512,
	"sentence-transformers/all-MiniLM-L6-v2": 384,
}

// instrumented records duration, batch size and errors for every call.
type instrumented struct {
	Provider
	model   string
	metrics *Metrics
}

func (p *instrumented) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	out, err := p.Provider.EmbedDocuments(ctx, texts)
	p.metrics.RecordGeneration(ctx, p.model, "embed_documents", time.Since(start), len(texts), err)
	return out, err
}

func (p *instrumented) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	out, err := p.Provider.EmbedQuery(ctx, text)
	p.metrics.RecordGeneration(ctx, p.model, "embed_query", time.Since(start), 1, err)
	return out, err
}
