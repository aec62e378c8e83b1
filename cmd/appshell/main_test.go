package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-appshell/pkg/config"
)

func TestParseArgs(t *testing.T) {
	opts, fs, err := parseArgs([]string{"-p", "8080", "--workers=-0.5", "--internet", "NODE_ENV=production", "EMPTY="})
	require.NoError(t, err)

	assert.Equal(t, 8080, opts.port)
	assert.Equal(t, -0.5, opts.workers)
	assert.True(t, opts.internet)
	assert.Equal(t, map[string]string{"NODE_ENV": "production", "EMPTY": ""}, opts.env)

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.NoError(t, opts.apply(cfg, fs))
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, -0.5, cfg.Pool.Workers)
	assert.Equal(t, "", cfg.Server.Host)
}

func TestParseArgs_Defaults(t *testing.T) {
	opts, fs, err := parseArgs(nil)
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	port := cfg.Server.Port
	require.NoError(t, opts.apply(cfg, fs))
	assert.Equal(t, port, cfg.Server.Port, "unset flags keep the configured value")
	assert.Empty(t, opts.env)
}

func TestParseArgs_BadArgument(t *testing.T) {
	_, _, err := parseArgs([]string{"not-an-assignment"})
	assert.Error(t, err)

	_, _, err = parseArgs([]string{"=value"})
	assert.Error(t, err)
}

func TestApply_InvalidPort(t *testing.T) {
	opts, fs, err := parseArgs([]string{"--port", "70000"})
	require.NoError(t, err)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Error(t, opts.apply(cfg, fs))
}
