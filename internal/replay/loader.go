package replay

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// TimelineEntry represents a single replay datum ready for deterministic iteration.
type TimelineEntry struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	// Type is "frame" for frames and the recorded event type otherwise.
	Type    string
	Payload json.RawMessage
}

// Loader rehydrates dump artefacts written by Recorder.Roll.
type Loader struct {
	entries []TimelineEntry
}

// Load constructs a loader from the provided dump file path.
func Load(path string) (*Loader, error) {
	if path == "" {
		return nil, fmt.Errorf("replay path must be provided")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := gzip.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var envelope dumpEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, err
	}

	entries := make([]TimelineEntry, 0, len(envelope.Frames)+len(envelope.Events))
	appendAll := func(list []dumpEntry, fallback string) error {
		for _, item := range list {
			captured, err := time.Parse(time.RFC3339Nano, item.CapturedAt)
			if err != nil {
				return fmt.Errorf("parse captured_at: %w", err)
			}
			kind := item.Type
			if kind == "" {
				kind = fallback
			}
			entries = append(entries, TimelineEntry{
				Tick:        item.Tick,
				SimulatedMs: item.SimulatedMs,
				CapturedAt:  captured,
				Type:        kind,
				Payload:     append(json.RawMessage(nil), item.Payload...),
			})
		}
		return nil
	}
	//1.- Frames first so a stable sort keeps them ahead of same-tick events.
	if err := appendAll(envelope.Frames, "frame"); err != nil {
		return nil, err
	}
	if err := appendAll(envelope.Events, "event"); err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].SimulatedMs == entries[j].SimulatedMs {
			return entries[i].Tick < entries[j].Tick
		}
		return entries[i].SimulatedMs < entries[j].SimulatedMs
	})

	return &Loader{entries: entries}, nil
}

// Replay iterates over the loaded entries in deterministic order.
func (l *Loader) Replay(apply func(TimelineEntry) error) error {
	if l == nil {
		return fmt.Errorf("loader not initialised")
	}
	if apply == nil {
		return fmt.Errorf("replay callback must be provided")
	}
	for _, entry := range l.entries {
		if err := apply(entry); err != nil {
			return err
		}
	}
	return nil
}

// Entries exposes a copy of the timeline for external assertions.
func (l *Loader) Entries() []TimelineEntry {
	if l == nil {
		return nil
	}
	out := make([]TimelineEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// FrameDigest recomputes the trajectory digest over the dump's frames in timeline order.
func (l *Loader) FrameDigest() string {
	if l == nil {
		return ""
	}
	h := xxhash.New()
	for _, entry := range l.entries {
		if entry.Type == "frame" {
			_, _ = h.Write(entry.Payload)
		}
	}
	return formatDigest(h.Sum64())
}
