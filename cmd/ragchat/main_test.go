package main

import (
	"bytes"
	"testing"

	"github.com/fyrsmithlabs/ragchat/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	versionCmd.SetOut(&out)
	versionCmd.Run(versionCmd, nil)

	assert.Contains(t, out.String(), "ragchat by Fyrsmith Labs")
	assert.Contains(t, out.String(), "Version:    "+version)
}

func TestRootCommand_Subcommands(t *testing.T) {
	var names []string
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "worker", "ingest", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestHostPort(t *testing.T) {
	host, port, err := hostPort("nats://127.0.0.1:4222")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.Equal(t, 4222, port)

	_, _, err = hostPort("nats://localhost")
	assert.Error(t, err)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Protocol = "http/protobuf"

	tc := telemetryConfig(cfg)
	assert.True(t, tc.Enabled)
	assert.Equal(t, "http/protobuf", tc.Protocol)
	assert.Equal(t, "ragchat", tc.ServiceName)
	assert.Positive(t, tc.MetricInterval)
	assert.NoError(t, tc.Validate())
}
