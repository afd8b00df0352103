package replay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"towerdrop/broker/internal/logging"
)

const (
	dumpSuffix       = ".json.gz"
	dumpHeaderSuffix = ".header.json"
)

// RetentionPolicy bounds what the cleaner keeps on disk. Bundles and dumps are counted
// separately; MaxAge applies to both. Zero disables a limit.
type RetentionPolicy struct {
	MaxBundles int
	MaxDumps   int
	MaxAge     time.Duration
}

// StorageStats summarises the disk footprint of persisted replays.
type StorageStats struct {
	Bundles   int
	Dumps     int
	Removed   int
	Bytes     int64
	LastSweep time.Time
}

// CleanerOption customises a Cleaner.
type CleanerOption func(*Cleaner)

// WithCleanerClock overrides the clock used to age artefacts.
func WithCleanerClock(clock func() time.Time) CleanerOption {
	return func(c *Cleaner) {
		if clock != nil {
			c.now = clock
		}
	}
}

// Cleaner periodically prunes replay bundles and dumps according to a retention policy.
type Cleaner struct {
	mu        sync.RWMutex
	dir       string
	policy    RetentionPolicy
	log       *logging.Logger
	now       func() time.Time
	stats     StorageStats
	protected map[string]struct{}
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger, opts ...CleanerOption) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	c := &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now, protected: make(map[string]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Protect exempts a bundle directory from retention, typically the one still being written.
func (c *Cleaner) Protect(path string) {
	if c == nil || strings.TrimSpace(path) == "" {
		return
	}
	c.mu.Lock()
	c.protected[filepath.Base(path)] = struct{}{}
	c.mu.Unlock()
}

// Run executes retention sweeps until the context is cancelled.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type artefactKind int

const (
	artefactBundle artefactKind = iota
	artefactDump
)

func (k artefactKind) String() string {
	if k == artefactBundle {
		return KindBundle
	}
	return KindDump
}

// Artefact kinds as reported in retention logs.
const (
	KindBundle = "bundle"
	KindDump   = "dump"
)

type artefact struct {
	name    string
	kind    artefactKind
	paths   []string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}

	//1.- Group the directory into bundles and dumps, newest first within each kind.
	bundles, dumps := c.collect(entries)
	now := c.now()
	stats := StorageStats{LastSweep: now}
	c.mu.RLock()
	protected := make(map[string]struct{}, len(c.protected))
	for name := range c.protected {
		protected[name] = struct{}{}
	}
	c.mu.RUnlock()

	//2.- Apply the age budget and the per-kind count to each group independently.
	c.prune(bundles, c.policy.MaxBundles, now, protected, &stats)
	c.prune(dumps, c.policy.MaxDumps, now, protected, &stats)

	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

func (c *Cleaner) prune(artefacts []*artefact, limit int, now time.Time, protected map[string]struct{}, stats *StorageStats) {
	kept := 0
	for _, art := range artefacts {
		_, pinned := protected[art.name]
		reasons := c.removalReasons(art, limit, now, kept)
		if pinned || reasons == "" {
			kept++
			stats.keep(art)
			continue
		}
		if err := removeArtefact(art); err != nil {
			c.log.Warn("replay retention removal failed",
				logging.Error(err),
				logging.String("kind", art.kind.String()),
				logging.String("name", art.name),
			)
			kept++
			stats.keep(art)
			continue
		}
		stats.Removed++
		c.log.Info("replay retention removed artefact",
			logging.String("kind", art.kind.String()),
			logging.String("name", art.name),
			logging.String("reason", reasons),
		)
	}
}

func (s *StorageStats) keep(art *artefact) {
	if art.kind == artefactBundle {
		s.Bundles++
	} else {
		s.Dumps++
	}
	s.Bytes += art.size
}

func (c *Cleaner) removalReasons(art *artefact, limit int, now time.Time, kept int) string {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(art.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if limit > 0 && kept >= limit {
		reasons = append(reasons, fmt.Sprintf(">=%d %ss", limit, art.kind))
	}
	return strings.Join(reasons, ", ")
}

func (c *Cleaner) collect(entries []os.DirEntry) (bundles, dumps []*artefact) {
	byDump := make(map[string]*artefact)
	for _, entry := range entries {
		name := entry.Name()
		path := filepath.Join(c.dir, name)
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("replay retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		if entry.IsDir() {
			size, modTime, err := bundleFootprint(path)
			if err != nil {
				c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
				continue
			}
			bundles = append(bundles, &artefact{name: name, kind: artefactBundle, paths: []string{path}, size: size, modTime: modTime})
			continue
		}

		//1.- A dump and its header companion age and disappear together.
		var base string
		switch {
		case strings.HasSuffix(name, dumpSuffix+dumpHeaderSuffix):
			base = strings.TrimSuffix(name, dumpHeaderSuffix)
		case strings.HasSuffix(name, dumpSuffix):
			base = name
		default:
			continue
		}
		art := byDump[base]
		if art == nil {
			art = &artefact{name: base, kind: artefactDump, modTime: info.ModTime()}
			byDump[base] = art
			dumps = append(dumps, art)
		}
		if info.ModTime().After(art.modTime) {
			art.modTime = info.ModTime()
		}
		art.paths = append(art.paths, path)
		art.size += info.Size()
	}
	newestFirst(bundles)
	newestFirst(dumps)
	return bundles, dumps
}

func newestFirst(list []*artefact) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].modTime.Equal(list[j].modTime) {
			return list[i].modTime.After(list[j].modTime)
		}
		return list[i].name > list[j].name
	})
}

func removeArtefact(art *artefact) error {
	var errs error
	for _, path := range art.paths {
		var err error
		if art.kind == artefactBundle {
			err = os.RemoveAll(path)
		} else {
			err = os.Remove(path)
		}
		//1.- Already-missing files keep repeated sweeps idempotent.
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = errors.Join(errs, err)
		}
	}
	return errs
}

// bundleFootprint totals a bundle's size and reports its newest modification so a bundle
// still receiving frames is never considered stale.
func bundleFootprint(root string) (int64, time.Time, error) {
	var (
		total  int64
		newest time.Time
	)
	walkErr := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		if !d.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, newest, walkErr
}
