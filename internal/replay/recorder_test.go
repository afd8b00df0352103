package replay

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/tower"
)

func TestRecorderRollsToDisk(t *testing.T) {
	dir := t.TempDir()
	clock, advance := fixedClock(time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC))

	recorder, err := NewRecorder(dir, 0, clock)
	require.NoError(t, err)
	recorder.SetHeaderMetadata(tower.DefaultParams(123))

	recorder.RecordFrame(1, 16, []byte(`{"tick":1}`))
	recorder.RecordEvent(1, 16, "contact", []byte(`{"pass":"floor"}`))
	advance(10 * time.Millisecond)
	recorder.RecordFrame(2, 33, []byte(`{"tick":2}`))
	recorder.RecordEvent(2, 33, "rotate", []byte(`{"steps":-1}`))

	stats := recorder.Snapshot()
	assert.Equal(t, 2, stats.BufferedFrames)
	assert.Equal(t, 2, stats.BufferedEvents)
	assert.Positive(t, stats.BufferedBytes)

	path, headerPath, err := recorder.Roll("alpha")
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Equal(t, "alpha-20240101T000000Z.json.gz", filepath.Base(path))
	assert.Equal(t, path+".header.json", headerPath)

	artifact, err := os.Open(path)
	require.NoError(t, err)
	defer artifact.Close()
	gz, err := gzip.NewReader(artifact)
	require.NoError(t, err)
	defer gz.Close()
	data, err := io.ReadAll(gz)
	require.NoError(t, err)

	var dump dumpEnvelope
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Len(t, dump.Frames, 2)
	require.Len(t, dump.Events, 2)
	assert.Equal(t, "rotate", dump.Events[1].Type)

	header, err := ReadHeader(headerPath)
	require.NoError(t, err)
	assert.Equal(t, HeaderSchemaVersion, header.SchemaVersion)
	assert.EqualValues(t, 123, header.Seed)
	assert.EqualValues(t, 2, header.Frames)
	assert.NotEmpty(t, header.TrajectoryDigest)
	assert.Equal(t, filepath.Base(path), header.FilePointer)

	stats = recorder.Snapshot()
	assert.Zero(t, stats.BufferedFrames)
	assert.Zero(t, stats.BufferedBytes)
	assert.EqualValues(t, 1, stats.Dumps)
	assert.Equal(t, path, stats.LastDumpURI)
}

func TestRecorderEvictsOldest(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), 2, nil)
	require.NoError(t, err)

	recorder.RecordFrame(1, 1, []byte(`1`))
	recorder.RecordFrame(2, 2, []byte(`22`))
	recorder.RecordFrame(3, 3, []byte(`333`))
	recorder.RecordFrame(4, 4, nil)

	stats := recorder.Snapshot()
	assert.Equal(t, 2, stats.BufferedFrames)
	assert.EqualValues(t, 5, stats.BufferedBytes)
	assert.EqualValues(t, 1, stats.Dropped)
}

func TestRecorderRollEmpty(t *testing.T) {
	recorder, err := NewRecorder(t.TempDir(), 4, nil)
	require.NoError(t, err)
	_, _, err = recorder.Roll("x")
	require.Error(t, err)

	var missing *Recorder
	_, _, err = missing.Roll("x")
	require.Error(t, err)
	assert.Equal(t, Stats{}, missing.Snapshot())
}
