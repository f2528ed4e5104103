// Package http provides the ragchat HTTP API.
package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/chat"
	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/ingest"
	"github.com/fyrsmithlabs/ragchat/internal/logging"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// uploadOverhead is allowed on top of the file size for multipart framing.
const uploadOverhead = 1 << 20

// ChatService handles chat turns and conversation reads.
type ChatService interface {
	Process(ctx context.Context, req chat.Request) (*chat.Response, error)
	List(ctx context.Context, nickname string) ([]chat.Summary, error)
	Thread(ctx context.Context, id, nickname string) (*chat.Thread, error)
}

// DocumentService handles uploads and re-ingestion.
type DocumentService interface {
	IngestUpload(ctx context.Context, filename string, size int64, r io.Reader) (*ingest.Result, error)
	IngestExisting(ctx context.Context) ([]ingest.Result, error)
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChunkCounter reports the index size.
type ChunkCounter interface {
	Len() int
}

// Services are the dependencies behind the routes. Database and Index are
// optional and only feed the status endpoint.
type Services struct {
	Chat      ChatService
	Documents DocumentService
	Database  Pinger
	Index     ChunkCounter
}

// Config holds HTTP server configuration.
type Config struct {
	Host           string
	Port           int
	APIPrefix      string
	CORSOrigins    []string
	Version        string
	MaxUploadBytes int64
}

// ConfigFrom maps loaded settings to a Config.
func ConfigFrom(c *config.Config, version string) *Config {
	return &Config{
		Host:           c.Server.Host,
		Port:           c.Server.Port,
		APIPrefix:      c.Server.APIPrefix,
		CORSOrigins:    c.Server.CORSOrigins,
		Version:        version,
		MaxUploadBytes: int64(c.Documents.MaxUploadMB) * 1024 * 1024,
	}
}

// Server provides the HTTP endpoints.
type Server struct {
	echo     *echo.Echo
	services Services
	logger   *zap.Logger
	config   *Config
}

// NewServer creates a new HTTP server.
func NewServer(services Services, logger *zap.Logger, cfg *Config) (*Server, error) {
	if services.Chat == nil {
		return nil, fmt.Errorf("chat service cannot be nil")
	}
	if services.Documents == nil {
		return nil, fmt.Errorf("document service cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{
			Host: "localhost",
			Port: 8000,
		}
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api"
	}
	cfg.APIPrefix = "/" + strings.Trim(cfg.APIPrefix, "/")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	if len(cfg.CORSOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins:     cfg.CORSOrigins,
			AllowCredentials: true,
			AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders:     []string{"*"},
		}))
	}
	e.Use(NewHTTPMetrics(logger).MetricsMiddleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			requestID := c.Response().Header().Get(echo.HeaderXRequestID)
			req := c.Request()
			c.SetRequest(req.WithContext(logging.WithRequestID(req.Context(), requestID)))

			err := next(c)
			if err != nil {
				// Write the error response now so the status below and the
				// metrics middleware see it.
				c.Error(err)
			}
			duration := time.Since(start)

			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", duration),
				zap.String("request_id", requestID),
			}
			var he *echo.HTTPError
			if errors.As(err, &he) && he.Internal != nil {
				fields = append(fields, zap.NamedError("cause", he.Internal))
			}
			logger.Info("http request", fields...)

			return nil
		}
	})

	s := &Server{
		echo:     e,
		services: services,
		logger:   logger,
		config:   cfg,
	}
	s.registerRoutes()

	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	api := s.echo.Group(s.config.APIPrefix)
	api.GET("/health/ping", s.handleHealth)
	api.GET("/status", s.handleStatus)
	api.POST("/chat/completions", s.handleChat)
	api.GET("/conversations", s.handleListConversations)
	api.GET("/conversations/", s.handleListConversations)
	api.GET("/conversations/:id", s.handleGetConversation)

	upload := []echo.MiddlewareFunc{}
	if s.config.MaxUploadBytes > 0 {
		limit := (s.config.MaxUploadBytes + uploadOverhead) / 1024
		upload = append(upload, middleware.BodyLimit(fmt.Sprintf("%dK", limit)))
	}
	api.POST("/documents/upload", s.handleUpload, upload...)
	api.POST("/documents/ingest", s.handleIngest)
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
