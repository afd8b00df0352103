package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"

	"towerdrop/broker/internal/tower"
)

var dumpIDCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// DefaultRecorderCapacity bounds how many frames and events a Recorder keeps in memory.
const DefaultRecorderCapacity = 3600

// TickFrame stores one buffered frame or event.
type TickFrame struct {
	Tick        uint64
	SimulatedMs int64
	CapturedAt  time.Time
	Type        string
	Payload     []byte
}

// Recorder keeps the most recent frames and events in memory until an operator dumps them.
type Recorder struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	capacity    int
	frames      []TickFrame
	events      []TickFrame
	bytes       int64
	dropped     int64
	dumps       int64
	lastDump    time.Time
	lastDumpURI string
	params      *tower.Params
}

// Stats summarises recorder health for monitoring endpoints.
type Stats struct {
	BufferedFrames int
	BufferedEvents int
	BufferedBytes  int64
	Dropped        int64
	Dumps          int64
	LastDumpURI    string
	LastDumpTime   time.Time
}

// NewRecorder constructs a dump recorder that writes gzip JSON artefacts into dir. A capacity
// of zero or less selects DefaultRecorderCapacity.
func NewRecorder(dir string, capacity int, clock func() time.Time) (*Recorder, error) {
	if dir == "" {
		return nil, fmt.Errorf("replay directory must be provided")
	}
	if clock == nil {
		clock = time.Now
	}
	if capacity <= 0 {
		capacity = DefaultRecorderCapacity
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{dir: dir, now: clock, capacity: capacity}, nil
}

// SetHeaderMetadata records the tower geometry written into dump headers.
func (r *Recorder) SetHeaderMetadata(params tower.Params) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.params = &params
	r.mu.Unlock()
}

// RecordFrame appends a frame, evicting the oldest once the buffer is full.
func (r *Recorder) RecordFrame(tick uint64, simulatedMs int64, payload []byte) {
	r.record(&r.frames, tick, simulatedMs, "frame", payload)
}

// RecordEvent appends a typed event, evicting the oldest once the buffer is full.
func (r *Recorder) RecordEvent(tick uint64, simulatedMs int64, eventType string, payload []byte) {
	r.record(&r.events, tick, simulatedMs, eventType, payload)
}

func (r *Recorder) record(buf *[]TickFrame, tick uint64, simulatedMs int64, kind string, payload []byte) {
	if r == nil || len(payload) == 0 {
		return
	}
	entry := TickFrame{
		Tick:        tick,
		SimulatedMs: simulatedMs,
		CapturedAt:  r.now().UTC(),
		Type:        kind,
		Payload:     append([]byte(nil), payload...),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	//1.- Evict from the front so the ring always holds the newest window.
	if len(*buf) >= r.capacity {
		r.bytes -= int64(len((*buf)[0].Payload))
		*buf = append((*buf)[:0], (*buf)[1:]...)
		r.dropped++
	}
	*buf = append(*buf, entry)
	r.bytes += int64(len(entry.Payload))
}

type dumpEntry struct {
	Tick        uint64          `json:"tick"`
	SimulatedMs int64           `json:"simulated_ms"`
	CapturedAt  string          `json:"captured_at"`
	Type        string          `json:"type,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type dumpEnvelope struct {
	SavedAt string      `json:"saved_at"`
	Frames  []dumpEntry `json:"frames"`
	Events  []dumpEntry `json:"events"`
}

// Roll writes the buffered window to <session>-<timestamp>.json.gz with a companion header and
// clears the buffer. Payloads must be JSON documents.
func (r *Recorder) Roll(sessionID string) (string, string, error) {
	if r == nil {
		return "", "", fmt.Errorf("recorder not configured")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	//1.- Bail out gracefully when nothing has been recorded yet.
	if len(r.frames) == 0 && len(r.events) == 0 {
		return "", "", fmt.Errorf("no replay frames buffered")
	}

	cleanedID := dumpIDCleaner.ReplaceAllString(sessionID, "")
	if cleanedID == "" {
		cleanedID = "session"
	}
	now := r.now().UTC()
	timestamp := now.Format("20060102T150405Z")
	filename := fmt.Sprintf("%s-%s.json.gz", cleanedID, timestamp)
	path := filepath.Join(r.dir, filename)

	//2.- Encode the window as JSON and fold frame payloads into the trajectory digest.
	digest := xxhash.New()
	envelope := dumpEnvelope{SavedAt: timestamp, Frames: make([]dumpEntry, len(r.frames)), Events: make([]dumpEntry, len(r.events))}
	for idx, frame := range r.frames {
		_, _ = digest.Write(frame.Payload)
		envelope.Frames[idx] = toDumpEntry(frame, "")
	}
	for idx, event := range r.events {
		envelope.Events[idx] = toDumpEntry(event, event.Type)
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return "", "", err
	}
	if err := writeGzip(path, data); err != nil {
		return "", "", err
	}

	header := Header{
		SchemaVersion: HeaderSchemaVersion,
		SessionID:     cleanedID,
		Tower:         r.params,
		Frames:        uint64(len(r.frames)),
		FilePointer:   filename,
	}
	if r.params != nil {
		header.Seed = r.params.Seed
	}
	if header.Frames > 0 {
		header.TrajectoryDigest = formatDigest(digest.Sum64())
	}
	headerPath := path + ".header.json"
	if err := WriteHeader(headerPath, header); err != nil {
		return "", "", err
	}

	//3.- Reset the buffer so the next dump starts from a fresh window.
	r.frames = nil
	r.events = nil
	r.bytes = 0
	r.dumps++
	r.lastDump = now
	r.lastDumpURI = path
	return path, headerPath, nil
}

func toDumpEntry(frame TickFrame, kind string) dumpEntry {
	return dumpEntry{
		Tick:        frame.Tick,
		SimulatedMs: frame.SimulatedMs,
		CapturedAt:  frame.CapturedAt.Format(time.RFC3339Nano),
		Type:        kind,
		Payload:     json.RawMessage(frame.Payload),
	}
}

func writeGzip(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	gz := gzip.NewWriter(file)
	if _, err := gz.Write(data); err != nil {
		gz.Close()
		file.Close()
		return err
	}
	if err := gz.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// Snapshot returns statistics describing the recorder state.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{
		BufferedFrames: len(r.frames),
		BufferedEvents: len(r.events),
		BufferedBytes:  r.bytes,
		Dropped:        r.dropped,
		Dumps:          r.dumps,
		LastDumpURI:    r.lastDumpURI,
		LastDumpTime:   r.lastDump,
	}
}
