package jobqueue

import (
	"errors"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

// EmbeddedConfig configures an in-process NATS server with JetStream.
type EmbeddedConfig struct {
	Host string
	// Port -1 picks a random free port.
	Port     int
	StoreDir string
}

// StartEmbedded starts a NATS server with JetStream enabled and waits until
// it accepts connections.
func StartEmbedded(cfg EmbeddedConfig, logger *zap.Logger) (*natsserver.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.StoreDir == "" {
		return nil, errors.New("jobqueue: embedded server needs a store directory")
	}

	srv, err := natsserver.NewServer(&natsserver.Options{
		ServerName:     "ragchat-embedded",
		Host:           cfg.Host,
		Port:           cfg.Port,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 2048,
		JetStream:      true,
		StoreDir:       cfg.StoreDir,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS server: %w", err)
	}

	go srv.Start()

	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, errors.New("jobqueue: embedded NATS server not ready")
	}
	logger.Info("embedded NATS server started",
		zap.String("url", srv.ClientURL()),
		zap.String("store_dir", cfg.StoreDir),
	)
	return srv, nil
}

// Connect dials NATS and opens a JetStream context.
func Connect(url, name string, logger *zap.Logger) (*nats.Conn, jetstream.JetStream, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("creating JetStream context: %w", err)
	}
	logger.Info("connected to NATS", zap.String("url", url))
	return nc, js, nil
}
