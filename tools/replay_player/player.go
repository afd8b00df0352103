package replayplayer

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"towerdrop/broker/internal/replay"
)

// FrameState is the subset of a recorded frame the player inspects.
type FrameState struct {
	Tick        uint64     `json:"tick"`
	SimulatedMs int64      `json:"simulated_ms"`
	Position    [3]float64 `json:"position"`
	Velocity    [3]float64 `json:"velocity"`
	TowerAngle  float64    `json:"tower_angle"`
	Floor       *contact   `json:"floor,omitempty"`
	Ceiling     *contact   `json:"ceiling,omitempty"`
	Grounded    bool       `json:"grounded"`
}

type contact struct {
	Probe    string  `json:"probe"`
	Distance float64 `json:"distance"`
}

// Summary describes a replayed artefact.
type Summary struct {
	Path            string         `json:"path"`
	Kind            string         `json:"kind"`
	SessionID       string         `json:"session_id,omitempty"`
	Seed            int64          `json:"seed"`
	Frames          int            `json:"frames"`
	Events          int            `json:"events"`
	EventTypes      map[string]int `json:"event_types,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
	Digest          string         `json:"digest,omitempty"`
	DigestVerified  bool           `json:"digest_verified"`
	FloorContacts   int            `json:"floor_contacts"`
	CeilingContacts int            `json:"ceiling_contacts"`
	GroundContacts  int            `json:"ground_contacts"`
	MinHeight       float64        `json:"min_height"`
	MaxHeight       float64        `json:"max_height"`
	FinalAngle      float64        `json:"final_angle"`
}

// Options tunes playback.
type Options struct {
	// Speed scales simulated time to wall time. Zero or less plays as fast as possible.
	Speed float64
	// Sleep is used for pacing; defaults to time.Sleep.
	Sleep func(time.Duration)
	// Visit is invoked for every frame in order.
	Visit func(FrameState) error
}

type timelineFrame struct {
	simulatedMs int64
	payload     []byte
}

// Play walks a bundle directory, manifest path or gzip dump in simulated-time order.
func Play(path string, opts Options) (Summary, error) {
	if strings.TrimSpace(path) == "" {
		return Summary{}, fmt.Errorf("path is required")
	}
	summary := Summary{Path: path, EventTypes: make(map[string]int), MinHeight: math.Inf(1), MaxHeight: math.Inf(-1)}

	//1.- Load the artefact through the broker's own readers.
	frames, err := loadTimeline(path, &summary)
	if err != nil {
		return Summary{}, err
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	//2.- Decode and visit frames, pacing by simulated time when requested.
	var lastMs int64
	for idx, frame := range frames {
		var state FrameState
		if err := json.Unmarshal(frame.payload, &state); err != nil {
			return Summary{}, fmt.Errorf("decode frame %d: %w", idx, err)
		}
		if opts.Speed > 0 && idx > 0 {
			if gap := frame.simulatedMs - lastMs; gap > 0 {
				sleep(time.Duration(float64(gap)/opts.Speed) * time.Millisecond)
			}
		}
		lastMs = frame.simulatedMs
		summary.observe(state)
		if opts.Visit != nil {
			if err := opts.Visit(state); err != nil {
				return Summary{}, err
			}
		}
	}
	if summary.Frames == 0 {
		summary.MinHeight, summary.MaxHeight = 0, 0
	}
	return summary, nil
}

func loadTimeline(path string, summary *Summary) ([]timelineFrame, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() && strings.HasSuffix(path, ".json.gz") {
		summary.Kind = replay.KindDump
		loader, err := replay.Load(path)
		if err != nil {
			return nil, err
		}
		if header, err := replay.ReadHeader(path + ".header.json"); err == nil {
			summary.SessionID = header.SessionID
			summary.Seed = header.Seed
			if header.Frames > 0 && header.TrajectoryDigest != loader.FrameDigest() {
				return nil, fmt.Errorf("trajectory digest mismatch: header %s, frames %s", header.TrajectoryDigest, loader.FrameDigest())
			}
			summary.DigestVerified = header.Frames > 0
		}
		summary.Digest = loader.FrameDigest()
		var frames []timelineFrame
		err = loader.Replay(func(entry replay.TimelineEntry) error {
			if entry.Type != "frame" {
				summary.Events++
				summary.EventTypes[entry.Type]++
				return nil
			}
			frames = append(frames, timelineFrame{simulatedMs: entry.SimulatedMs, payload: entry.Payload})
			return nil
		})
		if err != nil {
			return nil, err
		}
		return frames, nil
	}

	summary.Kind = replay.KindBundle
	bundle, err := replay.ReadBundle(path)
	if err != nil {
		return nil, err
	}
	if err := bundle.Verify(); err != nil {
		return nil, err
	}
	summary.DigestVerified = bundle.Header != nil && bundle.Header.Frames > 0
	summary.Digest = bundle.Digest()
	if bundle.Header != nil {
		summary.SessionID = bundle.Header.SessionID
		summary.Seed = bundle.Header.Seed
	}
	summary.Events = len(bundle.Events)
	for _, event := range bundle.Events {
		summary.EventTypes[event.Type]++
	}
	frames := make([]timelineFrame, 0, len(bundle.Frames))
	for _, frame := range bundle.Frames {
		frames = append(frames, timelineFrame{simulatedMs: frame.SimulatedMs, payload: frame.Payload})
	}
	return frames, nil
}

func (s *Summary) observe(state FrameState) {
	s.Frames++
	s.DurationMs = state.SimulatedMs
	s.FinalAngle = state.TowerAngle
	s.MinHeight = math.Min(s.MinHeight, state.Position[1])
	s.MaxHeight = math.Max(s.MaxHeight, state.Position[1])
	if state.Floor != nil {
		s.FloorContacts++
	}
	if state.Ceiling != nil {
		s.CeilingContacts++
	}
	if state.Grounded {
		s.GroundContacts++
	}
}
