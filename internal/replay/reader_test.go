package replay

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/tower"
)

func TestReadBundleRoundTrip(t *testing.T) {
	clock, advance := fixedClock(time.Date(2024, 7, 11, 8, 0, 0, 0, time.UTC))
	writer, _, err := NewWriter(t.TempDir(), "bundle", clock)
	require.NoError(t, err)
	writer.SetHeaderMetadata(tower.DefaultParams(2))

	require.NoError(t, writer.AppendEvent(0, 0, "reset", []byte(`{"client_id":"a"}`)))
	for tick := uint64(1); tick <= 4; tick++ {
		advance(70 * time.Millisecond)
		require.NoError(t, writer.AppendFrame(tick, int64(tick)*16, []byte{byte(tick)}))
	}
	require.NoError(t, writer.AppendEvent(4, 64, "contact", []byte(`{"pass":"floor"}`)))
	require.NoError(t, writer.Close())

	bundle, err := ReadBundle(writer.Directory())
	require.NoError(t, err)
	require.Len(t, bundle.Events, 2)
	assert.Equal(t, "reset", bundle.Events[0].Type)
	assert.Equal(t, `{"client_id":"a"}`, string(bundle.Events[0].Payload))
	assert.Equal(t, "contact", bundle.Events[1].Type)

	require.Len(t, bundle.Frames, 4)
	for idx, frame := range bundle.Frames {
		assert.EqualValues(t, idx+1, frame.Tick)
		assert.Equal(t, []byte{byte(idx + 1)}, frame.Payload)
	}
	require.NotNil(t, bundle.Header)
	assert.Equal(t, bundle.Header.TrajectoryDigest, bundle.Digest())
	assert.NoError(t, bundle.Verify())

	viaManifest, err := ReadBundle(filepath.Join(writer.Directory(), "manifest.json"))
	require.NoError(t, err)
	assert.Len(t, viaManifest.Frames, 4)
}

func TestReadBundleWithoutHeader(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "live", nil)
	require.NoError(t, err)
	require.NoError(t, writer.AppendFrame(1, 1, []byte("x")))
	require.NoError(t, writer.Close())
	require.NoError(t, os.Remove(filepath.Join(writer.Directory(), "header.json")))

	bundle, err := ReadBundle(writer.Directory())
	require.NoError(t, err)
	assert.Nil(t, bundle.Header)
	assert.Len(t, bundle.Frames, 1)
	assert.NoError(t, bundle.Verify())
}

func TestBundleVerifyDetectsTampering(t *testing.T) {
	bundle := Bundle{
		Header: &Header{SchemaVersion: 1, FilePointer: "manifest.json", Frames: 1, TrajectoryDigest: "0000000000000000"},
		Frames: []Frame{{Tick: 1, Payload: []byte("x")}},
	}
	assert.ErrorContains(t, bundle.Verify(), "digest mismatch")

	bundle.Header.Frames = 2
	assert.ErrorContains(t, bundle.Verify(), "frames")
}

func TestDecodeFramesTruncated(t *testing.T) {
	raw := make([]byte, frameHeaderSize+2)
	binary.LittleEndian.PutUint64(raw[0:8], 7)
	binary.LittleEndian.PutUint32(raw[24:28], 10)

	frames, err := decodeFrames(raw)
	assert.ErrorIs(t, err, ErrTruncatedFrame)
	assert.Empty(t, frames)

	_, err = decodeFrames(raw[:5])
	assert.ErrorIs(t, err, ErrTruncatedFrame)
}

func TestReadBundleErrors(t *testing.T) {
	_, err := ReadBundle("")
	require.Error(t, err)

	dir := t.TempDir()
	_, err = ReadBundle(dir)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.json"), []byte(`{"version":9}`), 0o644))
	_, err = ReadBundle(dir)
	assert.ErrorContains(t, err, "unsupported manifest version")
}
