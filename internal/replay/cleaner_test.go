package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/logging"
)

func TestCleanerEnforcesPerKindLimits(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	//1.- Three dumps and two bundles, each kind pruned against its own limit.
	writeDumpFiles(t, tmp, "alpha", now.Add(-3*time.Hour), 64)
	writeDumpFiles(t, tmp, "bravo", now.Add(-2*time.Hour), 32)
	writeDumpFiles(t, tmp, "charlie", now.Add(-time.Hour), 48)
	writeBundleDirectory(t, tmp, "delta-20240715T080000Z", now.Add(-4*time.Hour), 2)
	writeBundleDirectory(t, tmp, "echo-20240715T100000Z", now.Add(-2*time.Hour), 1)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxBundles: 1, MaxDumps: 2}, logging.NewTestLogger(), WithCleanerClock(func() time.Time { return now }))
	cleaner.RunOnce()

	assert.Equal(t, []string{"bravo.json.gz", "charlie.json.gz", "echo-20240715T100000Z"}, listReplayBases(t, tmp))

	stats := cleaner.Stats()
	assert.Equal(t, 1, stats.Bundles)
	assert.Equal(t, 2, stats.Dumps)
	assert.Equal(t, 2, stats.Removed)
	assert.EqualValues(t, 48+32+2+2+1, stats.Bytes)
	assert.Equal(t, now, stats.LastSweep)
}

func TestCleanerPrunesByAgeIncludingDirectories(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeDumpFiles(t, tmp, "delta", now.Add(-48*time.Hour), 16)
	writeBundleDirectory(t, tmp, "echo-20240714T080000Z", now.Add(-72*time.Hour), 3)
	writeBundleDirectory(t, tmp, "foxtrot-20240716T070000Z", now.Add(-time.Hour), 5)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 36 * time.Hour, MaxBundles: 5}, logging.NewTestLogger(), WithCleanerClock(func() time.Time { return now }))
	cleaner.RunOnce()

	assert.Equal(t, []string{"foxtrot-20240716T070000Z"}, listReplayBases(t, tmp))
	assert.Equal(t, 1, cleaner.Stats().Bundles)
	assert.Zero(t, cleaner.Stats().Dumps)
}

func TestCleanerSparesProtectedBundle(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeBundleDirectory(t, tmp, "live-20240701T000000Z", now.Add(-400*time.Hour), 1)
	writeBundleDirectory(t, tmp, "old-20240702T000000Z", now.Add(-300*time.Hour), 1)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: time.Hour}, logging.NewTestLogger(), WithCleanerClock(func() time.Time { return now }))
	cleaner.Protect(filepath.Join(tmp, "live-20240701T000000Z"))
	cleaner.RunOnce()

	assert.Equal(t, []string{"live-20240701T000000Z"}, listReplayBases(t, tmp))
}

func TestCleanerIgnoresForeignFiles(t *testing.T) {
	tmp := t.TempDir()
	now := time.Now()
	notes := filepath.Join(tmp, "notes.txt")
	require.NoError(t, os.WriteFile(notes, []byte("keep"), 0o644))
	require.NoError(t, os.Chtimes(notes, now.Add(-1000*time.Hour), now.Add(-1000*time.Hour)))

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: time.Hour, MaxDumps: 1}, logging.NewTestLogger())
	cleaner.RunOnce()
	assert.FileExists(t, notes)
	assert.Zero(t, cleaner.Stats().Bytes)
}

func TestCleanerKeepsEverythingWithoutPolicy(t *testing.T) {
	tmp := t.TempDir()
	now := time.Now()
	writeDumpFiles(t, tmp, "golf", now.Add(-1000*time.Hour), 4)

	cleaner := NewCleaner(tmp, RetentionPolicy{}, nil)
	cleaner.RunOnce()
	assert.Equal(t, []string{"golf.json.gz"}, listReplayBases(t, tmp))

	var missing *Cleaner
	missing.RunOnce()
	missing.Protect("anything")
	assert.Equal(t, StorageStats{}, missing.Stats())

	absent := NewCleaner(filepath.Join(tmp, "absent"), RetentionPolicy{MaxDumps: 1}, logging.NewTestLogger())
	absent.RunOnce()
	assert.False(t, absent.Stats().LastSweep.IsZero())
}

func writeDumpFiles(t *testing.T, dir, base string, mod time.Time, payload int) {
	t.Helper()
	basePath := filepath.Join(dir, base+".json.gz")
	require.NoError(t, os.WriteFile(basePath, make([]byte, payload), 0o644))
	headerPath := basePath + ".header.json"
	require.NoError(t, os.WriteFile(headerPath, []byte("{}"), 0o644))
	require.NoError(t, os.Chtimes(basePath, mod, mod))
	require.NoError(t, os.Chtimes(headerPath, mod, mod))
}

func writeBundleDirectory(t *testing.T, dir, name string, mod time.Time, files int) {
	t.Helper()
	bundleDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(bundleDir, 0o755))
	for i := 0; i < files; i++ {
		path := filepath.Join(bundleDir, fmt.Sprintf("frame-%d.bin", i))
		require.NoError(t, os.WriteFile(path, []byte{byte(i)}, 0o644))
		require.NoError(t, os.Chtimes(path, mod, mod))
	}
	require.NoError(t, os.Chtimes(bundleDir, mod, mod))
}

func listReplayBases(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".header.json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names
}
