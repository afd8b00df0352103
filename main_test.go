package main

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/config"
	"towerdrop/broker/internal/logging"
)

func TestChooseSeedPrefersSceneThenSnapshot(t *testing.T) {
	seed := int64(77)
	assert.Equal(t, seed, chooseSeed(&config.Scene{Tower: config.TowerScene{Seed: &seed}}, nil))

	path := filepath.Join(t.TempDir(), "session.json")
	snapshots, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	snapshots.Record(SessionSnapshot{Seed: 31})
	require.NoError(t, snapshots.Close())

	reloaded, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	defer reloaded.Close()
	assert.Equal(t, int64(31), chooseSeed(nil, reloaded))
	assert.Equal(t, seed, chooseSeed(&config.Scene{Tower: config.TowerScene{Seed: &seed}}, reloaded))

	before := time.Now().UnixNano()
	assert.GreaterOrEqual(t, chooseSeed(&config.Scene{}, nil), before)
}

func TestApplySceneOverridesDefaults(t *testing.T) {
	scene, err := config.ParseScene([]byte(`
ball:
  spawn: [1, 40, 15]
  radius: 1.5
  gravity: -20
  skip_ceiling_after_floor: true
tower:
  spacing: 12
  seed: 5
  include_ground: true
lighting:
  color: "#00ff00"
`))
	require.NoError(t, err)

	cfg := DefaultSessionConfig(1).ApplyScene(scene)
	assert.Equal(t, 1.5, cfg.Ball.Radius)
	assert.Equal(t, -20.0, cfg.Ball.Gravity.Y())
	assert.Equal(t, 40.0, cfg.Ball.Position.Y())
	assert.True(t, cfg.Ball.SkipCeilingAfterFloor)
	assert.Equal(t, 12.0, cfg.Tower.Spacing)
	assert.Equal(t, int64(5), cfg.Tower.Seed)
	assert.True(t, cfg.IncludeGround)
	require.NotNil(t, cfg.Lighting.Color)
	assert.Equal(t, "#00ff00", *cfg.Lighting.Color)

	//1.- The overridden world still builds.
	session, err := NewSession(cfg, WithSessionLogger(logging.NewTestLogger()))
	require.NoError(t, err)
	defer session.Stop()
	session.Step(testStep)
	assert.NotEmpty(t, session.LatestFrame())

	unchanged := DefaultSessionConfig(1).ApplyScene(nil)
	assert.Equal(t, DefaultSessionConfig(1), unchanged)
}

func TestNewAppWiresComponents(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Address:               "127.0.0.1:0",
		GRPCAddress:           "127.0.0.1:0",
		GRPCAuthMode:          config.GRPCAuthModeNone,
		TickHz:                config.DefaultTickHz,
		StreamHz:              config.DefaultStreamHz,
		ReplayDir:             filepath.Join(dir, "replays"),
		ReplayMaxBundles:      2,
		ReplayDumpWindow:      time.Minute,
		ReplayDumpBurst:       1,
		StateSnapshotPath:     filepath.Join(dir, "state.json"),
		StateSnapshotInterval: time.Hour,
		WSAuthSecret:          "shh",
	}
	app, err := newApp(cfg, logging.NewTestLogger())
	require.NoError(t, err)
	assert.NotEmpty(t, app.session.ID())
	assert.NotNil(t, app.http.Handler)
	require.NoError(t, app.session.Stop())
}
