package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address for the HTTP and websocket listener.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address for the gRPC frame service.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for websocket viewers.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound websocket command size.
	DefaultMaxPayloadBytes int64 = 64 << 10
	// DefaultMaxClients bounds concurrent websocket viewers. Zero disables the limit.
	DefaultMaxClients = 64

	// DefaultTickHz is the fixed simulation step rate.
	DefaultTickHz = 60
	// DefaultStreamHz caps how often frames are pushed to gRPC subscribers.
	DefaultStreamHz = 20

	// DefaultReplayDir is where replay bundles are written.
	DefaultReplayDir = "replays"
	// DefaultReplayMaxBundles limits retained replay bundles. Zero keeps all.
	DefaultReplayMaxBundles = 10
	// DefaultReplayMaxDumps limits retained replay dumps. Zero keeps all.
	DefaultReplayMaxDumps = 20
	// DefaultReplayMaxAge limits how long replay bundles are retained. Zero keeps all.
	DefaultReplayMaxAge = 72 * time.Hour
	// DefaultReplayDumpWindow bounds how frequently replay dumps may be requested.
	DefaultReplayDumpWindow = time.Minute
	// DefaultReplayDumpBurst sets how many replay dumps may be requested per window.
	DefaultReplayDumpBurst = 1

	// DefaultLogLevel controls verbosity.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "towerdrop.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 50
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 5
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true

	// DefaultStateSnapshotInterval controls how frequently session snapshots are persisted.
	DefaultStateSnapshotInterval = 10 * time.Second
)

// GRPCAuthMode selects how the gRPC listener authenticates callers.
type GRPCAuthMode string

const (
	// GRPCAuthModeNone serves gRPC without authentication; intended for local use.
	GRPCAuthModeNone GRPCAuthMode = "none"
	// GRPCAuthModeSharedSecret requires a shared secret in request metadata.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	// GRPCAuthModeMTLS requires client certificates signed by the configured CA.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the towerdrop broker.
type Config struct {
	Address         string
	GRPCAddress     string
	AllowedOrigins  []string
	MaxPayloadBytes int64
	PingInterval    time.Duration
	MaxClients      int
	TLSCertPath     string
	TLSKeyPath      string
	AdminToken      string
	WSAuthSecret    string

	TickHz   int
	StreamHz int

	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	ReplayDir        string
	ReplayMaxBundles int
	ReplayMaxDumps   int
	ReplayMaxAge     time.Duration
	ReplayDumpWindow time.Duration
	ReplayDumpBurst  int

	Logging LoggingConfig

	StateSnapshotPath     string
	StateSnapshotInterval time.Duration

	ScenePath string
	Scene     *Scene
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the broker configuration from TOWERDROP_* environment variables, applying
// defaults and returning one error that lists every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:         getString("TOWERDROP_ADDR", DefaultAddr),
		GRPCAddress:     getString("TOWERDROP_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:  parseList(os.Getenv("TOWERDROP_ALLOWED_ORIGINS")),
		MaxPayloadBytes: DefaultMaxPayloadBytes,
		PingInterval:    DefaultPingInterval,
		MaxClients:      DefaultMaxClients,
		TLSCertPath:     strings.TrimSpace(os.Getenv("TOWERDROP_TLS_CERT")),
		TLSKeyPath:      strings.TrimSpace(os.Getenv("TOWERDROP_TLS_KEY")),
		AdminToken:      strings.TrimSpace(os.Getenv("TOWERDROP_ADMIN_TOKEN")),
		WSAuthSecret:    strings.TrimSpace(os.Getenv("TOWERDROP_WS_HMAC_SECRET")),

		TickHz:   DefaultTickHz,
		StreamHz: DefaultStreamHz,

		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("TOWERDROP_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("TOWERDROP_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("TOWERDROP_GRPC_SERVER_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("TOWERDROP_GRPC_SERVER_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("TOWERDROP_GRPC_CLIENT_CA")),

		ReplayDir:        getString("TOWERDROP_REPLAY_DIR", DefaultReplayDir),
		ReplayMaxBundles: DefaultReplayMaxBundles,
		ReplayMaxDumps:   DefaultReplayMaxDumps,
		ReplayMaxAge:     DefaultReplayMaxAge,
		ReplayDumpWindow: DefaultReplayDumpWindow,
		ReplayDumpBurst:  DefaultReplayDumpBurst,

		Logging: LoggingConfig{
			Level:      getString("TOWERDROP_LOG_LEVEL", DefaultLogLevel),
			Path:       getString("TOWERDROP_LOG_PATH", DefaultLogPath),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},

		StateSnapshotPath:     strings.TrimSpace(os.Getenv("TOWERDROP_STATE_PATH")),
		StateSnapshotInterval: DefaultStateSnapshotInterval,

		ScenePath: strings.TrimSpace(os.Getenv("TOWERDROP_SCENE_PATH")),
	}

	var problems []string

	parseInt64(&problems, "TOWERDROP_MAX_PAYLOAD_BYTES", &cfg.MaxPayloadBytes, 1)
	parseDuration(&problems, "TOWERDROP_PING_INTERVAL", &cfg.PingInterval, false)
	parseInt(&problems, "TOWERDROP_MAX_CLIENTS", &cfg.MaxClients, 0)
	parseInt(&problems, "TOWERDROP_TICK_HZ", &cfg.TickHz, 1)
	parseInt(&problems, "TOWERDROP_STREAM_HZ", &cfg.StreamHz, 1)
	parseInt(&problems, "TOWERDROP_REPLAY_MAX_BUNDLES", &cfg.ReplayMaxBundles, 0)
	parseInt(&problems, "TOWERDROP_REPLAY_MAX_DUMPS", &cfg.ReplayMaxDumps, 0)
	parseDuration(&problems, "TOWERDROP_REPLAY_MAX_AGE", &cfg.ReplayMaxAge, true)
	parseDuration(&problems, "TOWERDROP_REPLAY_DUMP_WINDOW", &cfg.ReplayDumpWindow, false)
	parseInt(&problems, "TOWERDROP_REPLAY_DUMP_BURST", &cfg.ReplayDumpBurst, 1)
	parseInt(&problems, "TOWERDROP_LOG_MAX_SIZE_MB", &cfg.Logging.MaxSizeMB, 1)
	parseInt(&problems, "TOWERDROP_LOG_MAX_BACKUPS", &cfg.Logging.MaxBackups, 0)
	parseInt(&problems, "TOWERDROP_LOG_MAX_AGE_DAYS", &cfg.Logging.MaxAgeDays, 0)
	parseBool(&problems, "TOWERDROP_LOG_COMPRESS", &cfg.Logging.Compress)
	parseDuration(&problems, "TOWERDROP_STATE_INTERVAL", &cfg.StateSnapshotInterval, false)

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "TOWERDROP_TLS_CERT and TOWERDROP_TLS_KEY must be provided together")
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "TOWERDROP_GRPC_SHARED_SECRET is required when TOWERDROP_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "TOWERDROP_GRPC_SERVER_CERT, TOWERDROP_GRPC_SERVER_KEY and TOWERDROP_GRPC_CLIENT_CA are required when TOWERDROP_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("TOWERDROP_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", cfg.GRPCAuthMode))
	}

	if cfg.ScenePath != "" {
		scene, err := LoadScene(cfg.ScenePath)
		if err != nil {
			problems = append(problems, fmt.Sprintf("TOWERDROP_SCENE_PATH: %v", err))
		} else {
			cfg.Scene = scene
		}
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}

func parseInt(problems *[]string, key string, target *int, min int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < min {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
		return
	}
	*target = value
}

func parseInt64(problems *[]string, key string, target *int64, min int64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < min {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, min, raw))
		return
	}
	*target = value
}

func parseDuration(problems *[]string, key string, target *time.Duration, allowZero bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := time.ParseDuration(raw)
	if err != nil || value < 0 || (value == 0 && !allowZero) {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*target = value
}

func parseBool(problems *[]string, key string, target *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*target = value
}
