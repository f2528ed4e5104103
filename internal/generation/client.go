package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	instrumentationName = "github.com/fyrsmithlabs/ragchat/internal/generation"

	completionsPath = "/openai/chat/completions"
	maxDetailBytes  = 4096
)

// Generator produces a completion for a request.
type Generator interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// Config holds gateway connection settings.
type Config struct {
	BaseURL     string
	Tenant      string
	AgentName   string
	AgentSecret config.Secret
	// Channel is sent as FlowChannel when set.
	Channel string
	// Timeout per request. Defaults to 30s.
	Timeout time.Duration
	// RateLimit in requests per second. Zero disables limiting.
	RateLimit float64
	RateBurst int
}

// ConfigFrom maps loaded settings to a Config.
func ConfigFrom(c config.GenerationConfig) Config {
	return Config{
		BaseURL:     c.BaseURL,
		Tenant:      c.Tenant,
		AgentName:   c.AgentName,
		AgentSecret: c.AgentSecret,
		Channel:     c.Channel,
		Timeout:     c.Timeout,
		RateLimit:   c.RateLimit,
		RateBurst:   c.RateBurst,
	}
}

// Client calls the Flow gateway. It never retries; retry policy belongs to
// the job worker.
type Client struct {
	cfg        Config
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
	tracer     trace.Tracer
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, &config.ConfigurationError{Key: "generation.base_url", Reason: "required"}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		cfg:        cfg,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + completionsPath,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
	}, nil
}

// Complete sends req and decodes the completion. Every failure is an *Error.
func (c *Client) Complete(ctx context.Context, req *Request) (resp *Response, err error) {
	ctx, span := c.tracer.Start(ctx, "Gateway.Complete", trace.WithAttributes(
		attribute.String("model", req.Model),
		attribute.Int("messages", len(req.Messages)),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Err: fmt.Errorf("rate limiter: %w", err)}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("marshaling request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Err: fmt.Errorf("creating request: %w", err)}
	}
	c.setHeaders(httpReq)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Err: err}
	}
	defer httpResp.Body.Close()
	span.SetAttributes(attribute.Int("http.status_code", httpResp.StatusCode))

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxDetailBytes))
		c.logger.Warn("generation gateway error",
			zap.Int("status", httpResp.StatusCode),
			zap.Duration("duration", time.Since(start)),
		)
		return nil, &Error{StatusCode: httpResp.StatusCode, Detail: strings.TrimSpace(string(detail))}
	}

	var out Response
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, &Error{Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}

	c.logger.Debug("generation completed",
		zap.Int("choices", len(out.Choices)),
		zap.Duration("duration", time.Since(start)),
	)
	return &out, nil
}

func (c *Client) setHeaders(r *http.Request) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("FlowTenant", c.cfg.Tenant)
	r.Header.Set("FlowAgent", c.cfg.AgentName)
	r.Header.Set("FlowAgentSecret", c.cfg.AgentSecret.Value())
	if c.cfg.Channel != "" {
		r.Header.Set("FlowChannel", c.cfg.Channel)
	}
}
