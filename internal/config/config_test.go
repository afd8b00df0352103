package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"TOWERDROP_ADDR", "TOWERDROP_GRPC_ADDR", "TOWERDROP_ALLOWED_ORIGINS", "TOWERDROP_MAX_PAYLOAD_BYTES",
		"TOWERDROP_PING_INTERVAL", "TOWERDROP_MAX_CLIENTS", "TOWERDROP_TLS_CERT", "TOWERDROP_TLS_KEY",
		"TOWERDROP_TICK_HZ", "TOWERDROP_STREAM_HZ", "TOWERDROP_GRPC_AUTH_MODE", "TOWERDROP_GRPC_SHARED_SECRET",
		"TOWERDROP_GRPC_SERVER_CERT", "TOWERDROP_GRPC_SERVER_KEY", "TOWERDROP_GRPC_CLIENT_CA",
		"TOWERDROP_REPLAY_DIR", "TOWERDROP_REPLAY_MAX_BUNDLES", "TOWERDROP_REPLAY_MAX_AGE",
		"TOWERDROP_REPLAY_MAX_DUMPS",
		"TOWERDROP_SCENE_PATH", "TOWERDROP_STATE_INTERVAL", "TOWERDROP_LOG_COMPRESS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultAddr, cfg.Address)
	assert.Equal(t, DefaultGRPCAddr, cfg.GRPCAddress)
	assert.Nil(t, cfg.AllowedOrigins)
	assert.Equal(t, DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	assert.Equal(t, DefaultPingInterval, cfg.PingInterval)
	assert.Equal(t, DefaultMaxClients, cfg.MaxClients)
	assert.Equal(t, DefaultTickHz, cfg.TickHz)
	assert.Equal(t, DefaultStreamHz, cfg.StreamHz)
	assert.Equal(t, GRPCAuthModeNone, cfg.GRPCAuthMode)
	assert.Equal(t, DefaultReplayDir, cfg.ReplayDir)
	assert.Equal(t, DefaultReplayMaxAge, cfg.ReplayMaxAge)
	assert.Equal(t, DefaultReplayMaxDumps, cfg.ReplayMaxDumps)
	assert.Equal(t, DefaultLogCompress, cfg.Logging.Compress)
	assert.Nil(t, cfg.Scene)
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOWERDROP_ADDR", "127.0.0.1:9000")
	t.Setenv("TOWERDROP_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("TOWERDROP_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("TOWERDROP_PING_INTERVAL", "45s")
	t.Setenv("TOWERDROP_MAX_CLIENTS", "0")
	t.Setenv("TOWERDROP_TICK_HZ", "120")
	t.Setenv("TOWERDROP_REPLAY_MAX_AGE", "0s")
	t.Setenv("TOWERDROP_REPLAY_MAX_DUMPS", "3")
	t.Setenv("TOWERDROP_GRPC_AUTH_MODE", "SHARED_SECRET")
	t.Setenv("TOWERDROP_GRPC_SHARED_SECRET", "hunter2")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Address)
	assert.Equal(t, []string{"https://example.com", "https://demo.local"}, cfg.AllowedOrigins)
	assert.EqualValues(t, 2048, cfg.MaxPayloadBytes)
	assert.Equal(t, 45*time.Second, cfg.PingInterval)
	assert.Equal(t, 0, cfg.MaxClients)
	assert.Equal(t, 120, cfg.TickHz)
	assert.Equal(t, time.Duration(0), cfg.ReplayMaxAge)
	assert.Equal(t, 3, cfg.ReplayMaxDumps)
	assert.Equal(t, GRPCAuthModeSharedSecret, cfg.GRPCAuthMode)
	assert.Equal(t, "hunter2", cfg.GRPCSharedSecret)
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOWERDROP_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("TOWERDROP_PING_INTERVAL", "abc")
	t.Setenv("TOWERDROP_TICK_HZ", "0")
	t.Setenv("TOWERDROP_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("TOWERDROP_GRPC_AUTH_MODE", "mtls")

	_, err := Load()
	require.Error(t, err)
	for _, want := range []string{
		"TOWERDROP_MAX_PAYLOAD_BYTES",
		"TOWERDROP_PING_INTERVAL",
		"TOWERDROP_TICK_HZ",
		"TOWERDROP_TLS_CERT",
		"TOWERDROP_GRPC_CLIENT_CA",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadRejectsUnknownAuthMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOWERDROP_GRPC_AUTH_MODE", "kerberos")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kerberos")
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOWERDROP_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ok.example"}, cfg.AllowedOrigins)
}

func TestLoadReadsSceneFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "scene.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ball:\n  spawn: [0, 30, 16]\n  bounce: 0.5\ntower:\n  seed: 7\n"), 0o644))
	t.Setenv("TOWERDROP_SCENE_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Scene)
	assert.Equal(t, []float64{0, 30, 16}, cfg.Scene.Ball.Spawn)
	require.NotNil(t, cfg.Scene.Ball.Bounce)
	assert.Equal(t, 0.5, *cfg.Scene.Ball.Bounce)
	require.NotNil(t, cfg.Scene.Tower.Seed)
	assert.EqualValues(t, 7, *cfg.Scene.Tower.Seed)
}

func TestLoadReportsMissingSceneFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("TOWERDROP_SCENE_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOWERDROP_SCENE_PATH")
}
