package generation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/fyrsmithlabs/ragchat/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(url string) Config {
	var secret config.Secret
	_ = secret.UnmarshalText([]byte("s3cret"))
	return Config{
		BaseURL:     url,
		Tenant:      "cit",
		AgentName:   "ragchat",
		AgentSecret: secret,
		Timeout:     2 * time.Second,
	}
}

func sampleRequest() *Request {
	return &Request{
		Model: "gpt-4o-mini",
		Messages: []Message{
			{Role: RoleSystem, Content: "be helpful"},
			{Role: RoleUser, Content: "hi"},
		},
		Temperature: 0.2,
	}
}

func TestClient_Complete(t *testing.T) {
	var got Request
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/openai/chat/completions", r.URL.Path)
		headers = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL+"/v1/"), nil)
	require.NoError(t, err)

	resp, err := c.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text())
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)

	assert.Equal(t, "cit", headers.Get("FlowTenant"))
	assert.Equal(t, "ragchat", headers.Get("FlowAgent"))
	assert.Equal(t, "s3cret", headers.Get("FlowAgentSecret"))
	assert.Empty(t, headers.Values("FlowChannel"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Len(t, got.Messages, 2)
	assert.Empty(t, got.ConversationID)
}

func TestClient_ChannelAndConversationID(t *testing.T) {
	var raw map[string]any
	var channel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel = r.Header.Get("FlowChannel")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Channel = "web"
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	req := sampleRequest()
	req.ConversationID = "c1"
	resp, err := c.Complete(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, "", resp.Text())
	assert.Equal(t, "web", channel)
	assert.Equal(t, "c1", raw["conversation_id"])
}

func TestClient_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, body: "slow down", retryable: true},
		{name: "server error", status: http.StatusBadGateway, body: "upstream", retryable: true},
		{name: "bad request", status: http.StatusBadRequest, body: `{"detail":"bad model"}`, retryable: false},
		{name: "unauthorized", status: http.StatusUnauthorized, body: "no", retryable: false},
		{name: "malformed json", status: http.StatusOK, body: `{"choices":`, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := NewClient(testConfig(srv.URL), nil)
			require.NoError(t, err)

			_, err = c.Complete(context.Background(), sampleRequest())
			var gerr *Error
			require.ErrorAs(t, err, &gerr)
			assert.Equal(t, tt.retryable, gerr.Retryable())
			if tt.status != http.StatusOK {
				assert.Equal(t, tt.status, gerr.StatusCode)
				assert.Equal(t, tt.body, gerr.Detail)
			} else {
				assert.ErrorIs(t, err, ErrMalformedResponse)
			}
		})
	}
}

func TestClient_TransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, err := NewClient(testConfig(url), nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), sampleRequest())
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Zero(t, gerr.StatusCode)
	assert.True(t, gerr.Retryable())
}

func TestClient_CancelledIsNotRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Complete(ctx, sampleRequest())
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, gerr.Retryable())
}

func TestClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.RateLimit = 1
	cfg.RateBurst = 1
	c, err := NewClient(cfg, nil)
	require.NoError(t, err)

	_, err = c.Complete(context.Background(), sampleRequest())
	require.NoError(t, err)

	// The bucket is empty; the next call cannot be admitted before the deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Complete(ctx, sampleRequest())
	var gerr *Error
	require.ErrorAs(t, err, &gerr)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestClient_Span(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	tel.InstallGlobal(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(testConfig(srv.URL), nil)
	require.NoError(t, err)
	_, err = c.Complete(context.Background(), sampleRequest())
	require.Error(t, err)

	tel.AssertSpanExists(t, "Gateway.Complete")
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestResponse_TextNil(t *testing.T) {
	var r *Response
	assert.Equal(t, "", r.Text())
}
