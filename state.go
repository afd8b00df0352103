package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

// snapshotSchemaVersion is bumped whenever SessionSnapshot changes incompatibly.
const snapshotSchemaVersion = 1

type snapshotOption func(*StateSnapshotter)

// WithSnapshotClock overrides the snapshot time source; primarily used in tests.
func WithSnapshotClock(clock func() time.Time) snapshotOption {
	return func(s *StateSnapshotter) {
		if clock != nil {
			s.now = clock
		}
	}
}

// SessionSnapshot is the persisted state needed to resume a session after a restart.
type SessionSnapshot struct {
	Version         int                `json:"version"`
	SavedAt         time.Time          `json:"saved_at"`
	SessionID       string             `json:"session_id"`
	Seed            int64              `json:"seed"`
	Tick            uint64             `json:"tick"`
	SimulatedMs     int64              `json:"simulated_ms"`
	TowerAngle      float64            `json:"tower_angle"`
	Position        [3]float64         `json:"position"`
	Velocity        [3]float64         `json:"velocity"`
	Lighting        lighting.Spotlight `json:"lighting"`
	LightingVersion uint64             `json:"lighting_version"`
	Frame           json.RawMessage    `json:"frame,omitempty"`
}

// StateSnapshotter persists the latest session state on an interval so the broker can resume
// the same tower and ball after a restart.
type StateSnapshotter struct {
	mu       sync.Mutex
	path     string
	interval time.Duration
	log      *logging.Logger
	now      func() time.Time

	current  SessionSnapshot
	restored *SessionSnapshot
	dirty    bool

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

// NewStateSnapshotter constructs a snapshotter backed by the provided file path. It returns
// nil when persistence is disabled.
func NewStateSnapshotter(path string, interval time.Duration, logger *logging.Logger, opts ...snapshotOption) (*StateSnapshotter, error) {
	if path == "" || interval <= 0 {
		return nil, nil
	}
	if logger == nil {
		logger = logging.L()
	}
	snapshot := &StateSnapshotter{
		path:     path,
		interval: interval,
		log:      logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(snapshot)
		}
	}
	if err := snapshot.load(); err != nil {
		return nil, err
	}
	go snapshot.loop()
	return snapshot, nil
}

func (s *StateSnapshotter) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot SessionSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return fmt.Errorf("decode state snapshot: %w", err)
	}
	if snapshot.Version != snapshotSchemaVersion {
		s.log.Warn("ignoring state snapshot with unknown version",
			logging.String("path", s.path),
			logging.Int("version", snapshot.Version),
		)
		return nil
	}
	s.restored = &snapshot
	s.current = snapshot
	return nil
}

// Restored returns the snapshot found on disk at construction, if any.
func (s *StateSnapshotter) Restored() (SessionSnapshot, bool) {
	if s == nil {
		return SessionSnapshot{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restored == nil {
		return SessionSnapshot{}, false
	}
	return *s.restored, true
}

func (s *StateSnapshotter) loop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer close(s.doneCh)
	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.stopCh:
			s.flush()
			return
		}
	}
}

// Record replaces the pending snapshot. It is written on the next interval.
func (s *StateSnapshotter) Record(snapshot SessionSnapshot) {
	if s == nil {
		return
	}
	snapshot.Version = snapshotSchemaVersion
	snapshot.Frame = append(json.RawMessage(nil), snapshot.Frame...)
	s.mu.Lock()
	s.current = snapshot
	s.dirty = true
	s.mu.Unlock()
}

// Flush immediately persists the current snapshot to disk.
func (s *StateSnapshotter) Flush() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	snapshot := s.current
	snapshot.SavedAt = s.now().UTC()
	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
		return err
	}
	//1.- Write beside the target and rename so a crash never leaves a torn file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *StateSnapshotter) flush() {
	if err := s.Flush(); err != nil {
		s.log.Error("failed to persist state snapshot", logging.Error(err))
	}
}

// Close stops the persistence goroutine and flushes any pending state to disk.
func (s *StateSnapshotter) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
	return nil
}
