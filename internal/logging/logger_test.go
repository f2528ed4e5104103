package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	cfg := NewDefaultConfig()

	logger, err := NewLogger(cfg, nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())
	assert.NoError(t, logger.Sync())
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"no outputs", func(c *Config) { c.Output.Stdout = false }},
		{"empty field key", func(c *Config) { c.Fields[""] = "x" }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.modify(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestNewLogger_OTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output.Stdout = false
	cfg.Output.OTEL = true

	_, err := NewLogger(cfg, nil)
	assert.Error(t, err)
}

func TestConfigFromSettings(t *testing.T) {
	cfg, err := ConfigFromSettings("debug", "console", false)
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level)
	assert.Equal(t, "console", cfg.Format)

	_, err = ConfigFromSettings("loud", "json", false)
	assert.Error(t, err)
}

func TestLogger_ContextFields(t *testing.T) {
	logger := NewTestLogger()

	tp := trace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithConversationID(ctx, "conv-1")

	logger.Info(ctx, "handled", zap.Int("n", 1))

	entries := logger.FilterMessage("handled").All()
	require.Len(t, entries, 1)

	fields := entries[0].ContextMap()
	assert.Equal(t, "req-1", fields["request_id"])
	assert.Equal(t, "conv-1", fields["conversation_id"])
	assert.Equal(t, span.SpanContext().TraceID().String(), fields["trace_id"])
	assert.EqualValues(t, 1, fields["n"])
}

func TestLogger_Levels(t *testing.T) {
	logger := NewTestLogger()
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	logger.AssertLogged(t, zapcore.DebugLevel, "debug")
	logger.AssertLogged(t, zapcore.WarnLevel, "warn")
	logger.AssertLogged(t, zapcore.ErrorLevel, "error")
	logger.AssertNotLogged(t, zapcore.InfoLevel, "message")
	assert.Len(t, logger.All(), 3)
}

func TestContext_EmptyIDsIgnored(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	ctx = WithConversationID(ctx, "")
	assert.Empty(t, ContextFields(ctx))
}
