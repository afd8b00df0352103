package replay

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

const frameHeaderSize = 8 + 8 + 8 + 4

// ErrTruncatedFrame is returned when a frame header announces more bytes than remain.
var ErrTruncatedFrame = errors.New("frame payload truncated")

// Event is one line of the compressed event log.
type Event struct {
	Tick        uint64    `json:"tick"`
	SimulatedMs int64     `json:"simulated_ms"`
	CapturedAt  time.Time `json:"captured_at"`
	Type        string    `json:"type"`
	Payload     []byte    `json:"payload"`
}

// Frame is one length-prefixed record of the frame stream.
type Frame struct {
	Tick        uint64    `json:"tick"`
	SimulatedMs int64     `json:"simulated_ms"`
	CapturedAt  time.Time `json:"captured_at"`
	Payload     []byte    `json:"payload"`
}

// Bundle is a fully decoded replay directory.
type Bundle struct {
	Dir      string
	Manifest Manifest
	Header   *Header
	Events   []Event
	Frames   []Frame
}

// Digest recomputes the trajectory digest from the decoded frames.
func (b Bundle) Digest() string {
	h := xxhash.New()
	for _, frame := range b.Frames {
		_, _ = h.Write(frame.Payload)
	}
	return formatDigest(h.Sum64())
}

// Verify compares the recomputed digest with the header, when one was written.
func (b Bundle) Verify() error {
	if b.Header == nil || b.Header.Frames == 0 {
		return nil
	}
	if uint64(len(b.Frames)) != b.Header.Frames {
		return fmt.Errorf("header lists %d frames, bundle holds %d", b.Header.Frames, len(b.Frames))
	}
	if got := b.Digest(); got != b.Header.TrajectoryDigest {
		return fmt.Errorf("trajectory digest mismatch: header %s, frames %s", b.Header.TrajectoryDigest, got)
	}
	return nil
}

// ReadBundle loads the manifest, header, events and frames of a bundle directory. path may
// point at the directory or at its manifest.json.
func ReadBundle(path string) (Bundle, error) {
	if strings.TrimSpace(path) == "" {
		return Bundle{}, fmt.Errorf("path is required")
	}

	//1.- Locate the manifest so downstream parsing reuses relative asset paths.
	manifestPath := path
	info, err := os.Stat(path)
	if err != nil {
		return Bundle{}, err
	}
	if info.IsDir() {
		manifestPath = filepath.Join(path, "manifest.json")
	}
	dir := filepath.Dir(manifestPath)

	manifestBytes, err := os.ReadFile(manifestPath)
	if err != nil {
		return Bundle{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return Bundle{}, err
	}
	if manifest.Version != 1 {
		return Bundle{}, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	bundle := Bundle{Dir: dir, Manifest: manifest}

	//2.- The header is only written on Close, so a live bundle may not have one yet.
	header, err := ReadHeader(filepath.Join(dir, "header.json"))
	switch {
	case err == nil:
		bundle.Header = &header
	case !errors.Is(err, os.ErrNotExist):
		return Bundle{}, fmt.Errorf("header: %w", err)
	}

	if bundle.Events, err = readEvents(filepath.Join(dir, manifest.EventsPath)); err != nil {
		return Bundle{}, fmt.Errorf("events: %w", err)
	}
	if bundle.Frames, err = readFrames(filepath.Join(dir, manifest.FramesPath)); err != nil {
		return Bundle{}, fmt.Errorf("frames: %w", err)
	}
	return bundle, nil
}

func readEvents(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var events []Event
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var raw struct {
			Tick        uint64 `json:"tick"`
			SimulatedMs int64  `json:"simulated_ms"`
			CapturedAt  string `json:"captured_at"`
			Type        string `json:"type"`
			PayloadB64  string `json:"payload_b64"`
		}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, err
		}
		captured, err := time.Parse(time.RFC3339Nano, raw.CapturedAt)
		if err != nil {
			return nil, err
		}
		payload, err := base64.StdEncoding.DecodeString(raw.PayloadB64)
		if err != nil {
			return nil, err
		}
		events = append(events, Event{
			Tick:        raw.Tick,
			SimulatedMs: raw.SimulatedMs,
			CapturedAt:  captured,
			Type:        raw.Type,
			Payload:     payload,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func readFrames(path string) ([]Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	reader, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	payload, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	return decodeFrames(payload)
}

func decodeFrames(payload []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0
	for offset+frameHeaderSize <= len(payload) {
		tick := binary.LittleEndian.Uint64(payload[offset : offset+8])
		sim := int64(binary.LittleEndian.Uint64(payload[offset+8 : offset+16]))
		captured := int64(binary.LittleEndian.Uint64(payload[offset+16 : offset+24]))
		size := int(binary.LittleEndian.Uint32(payload[offset+24 : offset+28]))
		offset += frameHeaderSize
		if offset+size > len(payload) {
			return frames, ErrTruncatedFrame
		}
		frames = append(frames, Frame{
			Tick:        tick,
			SimulatedMs: sim,
			CapturedAt:  time.Unix(0, captured).UTC(),
			Payload:     append([]byte(nil), payload[offset:offset+size]...),
		})
		offset += size
	}
	if offset != len(payload) {
		return frames, ErrTruncatedFrame
	}
	return frames, nil
}
