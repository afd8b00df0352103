package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/input"
	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

func TestStateSnapshotterDisabled(t *testing.T) {
	snapshots, err := NewStateSnapshotter("", time.Second, nil)
	require.NoError(t, err)
	assert.Nil(t, snapshots)

	//1.- A nil snapshotter is inert.
	snapshots.Record(SessionSnapshot{Tick: 1})
	assert.NoError(t, snapshots.Flush())
	assert.NoError(t, snapshots.Close())
	_, ok := snapshots.Restored()
	assert.False(t, ok)
}

func TestStateSnapshotterPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "session.json")
	savedAt := time.Date(2024, 5, 4, 3, 2, 1, 0, time.UTC)
	snapshots, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger(), WithSnapshotClock(func() time.Time { return savedAt }))
	require.NoError(t, err)
	_, ok := snapshots.Restored()
	assert.False(t, ok)

	snapshots.Record(SessionSnapshot{
		SessionID:  "abc",
		Seed:       11,
		Tick:       42,
		TowerAngle: 0.35,
		Position:   [3]float64{1, 2, 3},
		Lighting:   lighting.Defaults(),
		Frame:      json.RawMessage(`{"type":"frame","tick":42}`),
	})
	require.NoError(t, snapshots.Flush())
	require.NoError(t, snapshots.Close())

	reloaded, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	defer reloaded.Close()
	restored, ok := reloaded.Restored()
	require.True(t, ok)
	assert.Equal(t, snapshotSchemaVersion, restored.Version)
	assert.Equal(t, savedAt, restored.SavedAt)
	assert.Equal(t, int64(11), restored.Seed)
	assert.Equal(t, uint64(42), restored.Tick)
	assert.Equal(t, [3]float64{1, 2, 3}, restored.Position)
	assert.JSONEq(t, `{"type":"frame","tick":42}`, string(restored.Frame))
}

func TestStateSnapshotterIgnoresUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":99,"tick":5}`), 0o644))

	snapshots, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	defer snapshots.Close()
	_, ok := snapshots.Restored()
	assert.False(t, ok)
}

func TestStateSnapshotterRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	assert.Error(t, err)
}

func TestSessionRestoresMatchingSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	snapshots, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	first := newTestSession(t, 21, WithStateSnapshots(snapshots))
	require.NoError(t, first.Enqueue(input.Command{Type: input.KindRotate, Direction: input.DirectionRight, Steps: 4}))
	intensity := 2.5
	_, _, err = first.ApplyLighting(lighting.Patch{Intensity: &intensity})
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		first.Step(testStep)
	}
	before := decodeFrame(t, first.LatestFrame())
	require.NoError(t, first.Stop())

	reloaded, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	second := newTestSession(t, 21, WithStateSnapshots(reloaded))
	assert.InDelta(t, before.TowerAngle, second.Telemetry().TowerAngle, 1e-9)
	assert.JSONEq(t, string(first.LatestFrame()), string(second.LatestFrame()))
	assert.Equal(t, first.Scene().LightingVersion, second.Scene().LightingVersion)
	assert.Equal(t, uint64(1), second.Scene().LightingVersion)
	assert.Equal(t, intensity, second.Scene().Lighting.Intensity)

	second.Step(testStep)
	after := decodeFrame(t, second.LatestFrame())
	assert.Equal(t, before.Tick+1, after.Tick)
}

func TestSessionIgnoresSnapshotFromAnotherSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	snapshots, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	first := newTestSession(t, 21, WithStateSnapshots(snapshots))
	require.NoError(t, first.Enqueue(input.Command{Type: input.KindRotate, Direction: input.DirectionRight}))
	first.Step(testStep)
	require.NoError(t, first.Stop())

	reloaded, err := NewStateSnapshotter(path, time.Hour, logging.NewTestLogger())
	require.NoError(t, err)
	second := newTestSession(t, 22, WithStateSnapshots(reloaded))
	assert.Zero(t, second.Telemetry().TowerAngle)
	assert.Empty(t, second.LatestFrame())
}
