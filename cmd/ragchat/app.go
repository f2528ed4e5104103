package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/fyrsmithlabs/ragchat/internal/chunker"
	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/documents"
	"github.com/fyrsmithlabs/ragchat/internal/embeddings"
	"github.com/fyrsmithlabs/ragchat/internal/generation"
	"github.com/fyrsmithlabs/ragchat/internal/ingest"
	"github.com/fyrsmithlabs/ragchat/internal/jobqueue"
	"github.com/fyrsmithlabs/ragchat/internal/logging"
	"github.com/fyrsmithlabs/ragchat/internal/pipeline"
	"github.com/fyrsmithlabs/ragchat/internal/telemetry"
	"github.com/fyrsmithlabs/ragchat/internal/vectorstore"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// app holds the components shared by the commands. Components are built
// on demand and closed in reverse order.
type app struct {
	cfg    *config.Config
	logger *zap.Logger
	log    *logging.Logger
	tel    *telemetry.Telemetry

	index    *vectorstore.Index
	pipeline *pipeline.Pipeline

	closers []func(context.Context) error
}

// newApp loads configuration and sets up logging and telemetry.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetryConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	logCfg, err := logging.ConfigFromSettings(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OTEL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	log, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: log.Underlying(),
		log:    log,
		tel:    tel,
	}
	a.onClose(tel.Shutdown)
	a.log.Debug(ctx, "configuration loaded",
		zap.String("config", configPath),
		zap.String("generation_base_url", cfg.Generation.BaseURL),
		zap.String("generation_tenant", cfg.Generation.Tenant),
		logging.Secret("generation_agent_secret", cfg.Generation.AgentSecret),
		logging.Secret("embeddings_api_key", cfg.Embeddings.APIKey),
	)
	if degraded, terr := tel.Degraded(); degraded {
		a.logger.Warn("telemetry degraded, continuing without exporters", zap.Error(terr))
	}
	return a, nil
}

func telemetryConfig(cfg *config.Config) *telemetry.Config {
	t := telemetry.NewDefaultConfig()
	t.Enabled = cfg.Telemetry.Enabled
	t.Endpoint = cfg.Telemetry.Endpoint
	t.Protocol = cfg.Telemetry.Protocol
	t.Insecure = cfg.Telemetry.Insecure
	t.ServiceName = cfg.Telemetry.ServiceName
	t.ServiceVersion = cfg.Telemetry.ServiceVersion
	t.SampleRate = cfg.Telemetry.SampleRate
	return t
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close releases everything in reverse order of creation.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	_ = a.log.Sync()
}

// ensureDirs creates the directories the service writes to.
func (a *app) ensureDirs() error {
	for _, dir := range []string{a.cfg.Index.Path, a.cfg.Documents.Path} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// initRetrieval builds the embedder, index, chunker, gateway client and
// pipeline.
func (a *app) initRetrieval() error {
	if a.pipeline != nil {
		return nil
	}

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfigFrom(a.cfg.Embeddings, a.logger.Named("embeddings")))
	if err != nil {
		return err
	}
	a.onClose(func(context.Context) error { return embedder.Close() })

	index, err := vectorstore.NewIndex(vectorstore.IndexConfig{
		Path:      a.cfg.Index.Path,
		Dimension: a.cfg.Index.Dimension,
		BatchSize: a.cfg.Index.BatchSize,
	}, embedder, a.logger.Named("index"))
	if err != nil {
		return err
	}

	splitter, err := chunker.New(chunker.Config{Size: a.cfg.Chunker.Size, Overlap: a.cfg.Chunker.Overlap})
	if err != nil {
		return err
	}

	gateway, err := generation.NewClient(generation.ConfigFrom(a.cfg.Generation), a.logger.Named("generation"))
	if err != nil {
		return err
	}

	p, err := pipeline.New(pipeline.Config{
		TopK:        a.cfg.Retrieval.TopK,
		Model:       a.cfg.Generation.Model,
		Temperature: a.cfg.Generation.Temperature,
	}, splitter, index, gateway, a.logger.Named("pipeline"))
	if err != nil {
		return err
	}

	a.index = index
	a.pipeline = p
	a.logger.Info("retrieval ready",
		zap.String("embeddings_provider", a.cfg.Embeddings.Provider),
		zap.Int("dimension", embedder.Dimension()),
		zap.Int("chunks", index.Len()),
	)
	return nil
}

// ingestService builds the document ingestion service on top of the pipeline.
func (a *app) ingestService() (*ingest.Service, error) {
	if err := a.initRetrieval(); err != nil {
		return nil, err
	}
	loader := documents.NewDirectoryLoader(a.cfg.Documents.AllowedExtensions, a.cfg.Documents.ExtractorURL, a.logger.Named("documents"))
	return ingest.NewService(ingest.ConfigFrom(a.cfg.Documents), loader, a.pipeline, a.logger.Named("ingest"))
}

// openQueue connects to NATS, starting the embedded server first when
// queue.embedded is set.
func (a *app) openQueue(ctx context.Context, clientName string) (*jobqueue.Queue, error) {
	serverURL := a.cfg.Queue.URL
	if a.cfg.Queue.Embedded {
		host, port, err := hostPort(a.cfg.Queue.URL)
		if err != nil {
			return nil, &config.ConfigurationError{Key: "queue.url", Reason: err.Error()}
		}
		srv, err := jobqueue.StartEmbedded(jobqueue.EmbeddedConfig{
			Host:     host,
			Port:     port,
			StoreDir: a.cfg.Queue.StoreDir,
		}, a.logger.Named("nats"))
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			srv.Shutdown()
			srv.WaitForShutdown()
			return nil
		})
		serverURL = srv.ClientURL()
	}

	nc, js, err := jobqueue.Connect(serverURL, clientName, a.logger.Named("nats"))
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error {
		if err := nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			return err
		}
		return nil
	})

	return jobqueue.New(ctx, js, jobqueue.ConfigFrom(a.cfg.Queue), a.logger.Named("jobqueue"))
}

func hostPort(raw string) (string, int, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, err
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q", portStr)
	}
	return host, port, nil
}
