package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"towerdrop/broker/internal/config"
	grpcapi "towerdrop/broker/internal/grpc"
	httpapi "towerdrop/broker/internal/http"
	"towerdrop/broker/internal/input"
	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
	"towerdrop/broker/internal/physics"
	"towerdrop/broker/internal/replay"
	"towerdrop/broker/internal/simulation"
	"towerdrop/broker/internal/timesync"
	"towerdrop/broker/internal/tower"
)

const (
	frameMessageType    = "frame"
	lightingMessageType = "lighting"

	eventCommand  = "command"
	eventContact  = "contact"
	eventLighting = "lighting"
	eventRestore  = "restore"

	driftWarnThreshold = 250 * time.Millisecond
)

// SessionConfig captures everything needed to build the simulated world.
type SessionConfig struct {
	SessionID     string
	TickHz        int
	Ball          physics.Config
	Tower         tower.Params
	IncludeGround bool
	Lighting      lighting.Patch
}

// DefaultSessionConfig returns the stock world with the provided tower seed.
func DefaultSessionConfig(seed int64) SessionConfig {
	return SessionConfig{
		TickHz: config.DefaultTickHz,
		Ball:   physics.DefaultConfig(),
		Tower:  tower.DefaultParams(seed),
	}
}

// ApplyScene folds YAML scene overrides into the configuration.
func (c SessionConfig) ApplyScene(scene *config.Scene) SessionConfig {
	if scene == nil {
		return c
	}
	ball := scene.Ball
	if len(ball.Spawn) == 3 {
		c.Ball.Position = mgl64.Vec3{ball.Spawn[0], ball.Spawn[1], ball.Spawn[2]}
	}
	setFloat(&c.Ball.Radius, ball.Radius)
	setFloat(&c.Ball.Bounce, ball.Bounce)
	setFloat(&c.Ball.GroundY, ball.GroundY)
	if ball.Gravity != nil {
		c.Ball.Gravity = mgl64.Vec3{0, *ball.Gravity, 0}
	}
	c.Ball.SkipCeilingAfterFloor = ball.SkipCeilingAfterFloor

	tw := scene.Tower
	setFloat(&c.Tower.Height, tw.Height)
	setFloat(&c.Tower.CoreRadius, tw.CoreRadius)
	setFloat(&c.Tower.PlatformRadius, tw.PlatformRadius)
	setFloat(&c.Tower.PlatformThickness, tw.PlatformThickness)
	setFloat(&c.Tower.Spacing, tw.Spacing)
	setFloat(&c.Tower.ArcDegrees, tw.ArcDegrees)
	if tw.Seed != nil {
		c.Tower.Seed = *tw.Seed
	}
	c.IncludeGround = tw.IncludeGround

	l := scene.Lighting
	c.Lighting = lighting.Patch{
		Color: l.Color, Intensity: l.Intensity, Distance: l.Distance, Angle: l.Angle,
		Penumbra: l.Penumbra, Decay: l.Decay, Focus: l.Focus,
		X: l.X, Y: l.Y, Z: l.Z, Shadows: l.Shadows,
	}
	return c
}

func setFloat(target *float64, value *float64) {
	if value != nil {
		*target = *value
	}
}

// Frame is the per-tick state published to viewers, subscribers and replays.
type Frame struct {
	Type        string        `json:"type"`
	Tick        uint64        `json:"tick"`
	SimulatedMs int64         `json:"simulated_ms"`
	Position    [3]float64    `json:"position"`
	Velocity    [3]float64    `json:"velocity"`
	TowerAngle  float64       `json:"tower_angle"`
	Floor       *FrameContact `json:"floor,omitempty"`
	Ceiling     *FrameContact `json:"ceiling,omitempty"`
	Grounded    bool          `json:"grounded"`
}

// FrameContact describes the probe that resolved a contact pass.
type FrameContact struct {
	Probe    string     `json:"probe"`
	Distance float64    `json:"distance"`
	Point    [3]float64 `json:"point"`
}

// LightingMessage is broadcast whenever the spotlight changes.
type LightingMessage struct {
	Type     string             `json:"type"`
	Version  uint64             `json:"version"`
	Lighting lighting.Spotlight `json:"lighting"`
}

// SessionOption customises a Session.
type SessionOption func(*Session)

// WithSessionLogger attaches a structured logger.
func WithSessionLogger(logger *logging.Logger) SessionOption {
	return func(s *Session) {
		if logger != nil {
			s.log = logger
		}
	}
}

// WithReplayWriter streams every frame and event into a replay bundle.
func WithReplayWriter(writer *replay.Writer) SessionOption {
	return func(s *Session) { s.writer = writer }
}

// WithDumpRecorder keeps recent frames and events for on-demand dumps.
func WithDumpRecorder(recorder *replay.Recorder) SessionOption {
	return func(s *Session) { s.recorder = recorder }
}

// WithStateSnapshots persists and restores the session state.
func WithStateSnapshots(snapshots *StateSnapshotter) SessionOption {
	return func(s *Session) { s.snapshots = snapshots }
}

// WithSessionClock overrides the wall clock used for time sync samples.
func WithSessionClock(clock func() time.Time) SessionOption {
	return func(s *Session) {
		if clock != nil {
			s.now = clock
		}
	}
}

// Session owns the ball, the tower and the fixed-step loop that advances them.
type Session struct {
	id        string
	cfg       SessionConfig
	log       *logging.Logger
	tower     *tower.Tower
	lights    *lighting.Store
	monitor   *simulation.TickMonitor
	loop      *simulation.Loop
	writer    *replay.Writer
	recorder  *replay.Recorder
	snapshots *StateSnapshotter
	now       func() time.Time

	mu        sync.Mutex
	ball      *physics.BallSimulator
	pending   []input.Command
	tick      uint64
	simulated time.Duration
	latest    []byte
	startedAt time.Time
	startedMs int64

	subsMu   sync.Mutex
	subs     map[uint64]chan grpcapi.FrameEvent
	nextSub  uint64
	onLights func(LightingMessage)

	floorContacts   atomic.Uint64
	ceilingContacts atomic.Uint64
	groundContacts  atomic.Uint64
	respawns        atomic.Uint64
	applied         atomic.Uint64
}

// NewSession builds the world described by cfg and restores a matching snapshot if one was
// persisted.
func NewSession(cfg SessionConfig, opts ...SessionOption) (*Session, error) {
	if cfg.TickHz <= 0 {
		cfg.TickHz = config.DefaultTickHz
	}
	t, err := tower.New(cfg.Tower)
	if err != nil {
		return nil, err
	}
	surfaces := []physics.SurfaceQuery{t}
	if cfg.IncludeGround {
		surfaces = append(surfaces, tower.GroundPlane{Y: cfg.Ball.GroundY})
	}
	ball, err := physics.NewBallSimulatorFromConfig(tower.NewEnvironment(surfaces...), cfg.Ball)
	if err != nil {
		return nil, err
	}
	lights, err := lighting.NewStore(cfg.Lighting)
	if err != nil {
		return nil, err
	}

	s := &Session{
		id:      cfg.SessionID,
		cfg:     cfg,
		log:     logging.L(),
		now:     time.Now,
		tower:   t,
		lights:  lights,
		ball:    ball,
		monitor: simulation.NewTickMonitor(time.Second / time.Duration(cfg.TickHz)),
		subs:    make(map[uint64]chan grpcapi.FrameEvent),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.loop = simulation.NewLoop(float64(cfg.TickHz), s.Step, simulation.WithTickMonitor(s.monitor))
	s.writer.SetHeaderMetadata(cfg.Tower)
	s.recorder.SetHeaderMetadata(cfg.Tower)
	s.restore()
	return s, nil
}

func (s *Session) restore() {
	snapshot, ok := s.snapshots.Restored()
	if !ok {
		return
	}
	if snapshot.Seed != s.cfg.Tower.Seed {
		s.log.Warn("state snapshot belongs to another tower; starting fresh",
			logging.Int64("snapshot_seed", snapshot.Seed),
			logging.Int64("seed", s.cfg.Tower.Seed),
		)
		return
	}
	s.tower.SetAngle(snapshot.TowerAngle)
	s.ball.Reset(mgl64.Vec3(snapshot.Position), mgl64.Vec3(snapshot.Velocity))
	if err := s.lights.Restore(snapshot.Lighting, snapshot.LightingVersion); err != nil {
		s.log.Warn("discarding persisted lighting", logging.Error(err))
	}
	s.tick = snapshot.Tick
	s.simulated = time.Duration(snapshot.SimulatedMs) * time.Millisecond
	s.latest = append([]byte(nil), snapshot.Frame...)

	payload, _ := json.Marshal(map[string]any{"tick": snapshot.Tick, "saved_at": snapshot.SavedAt})
	s.appendEvent(snapshot.Tick, snapshot.SimulatedMs, eventRestore, payload)
	s.log.Info("session restored from snapshot",
		logging.Uint64("tick", snapshot.Tick),
		logging.Float64("tower_angle", snapshot.TowerAngle),
	)
}

// ID returns the session identifier used for replay artefacts.
func (s *Session) ID() string { return s.id }

// Start runs the fixed-step loop until ctx is cancelled or Stop is called.
func (s *Session) Start(ctx context.Context) {
	s.markStarted()
	s.loop.Start(ctx)
}

func (s *Session) markStarted() {
	s.mu.Lock()
	s.startedAt = s.now()
	s.startedMs = s.simulated.Milliseconds()
	s.mu.Unlock()
}

// TimeSyncSnapshot pairs the wall clock with the simulated clock. The offset is zero until
// the loop has been started.
func (s *Session) TimeSyncSnapshot() timesync.Sample {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sample := timesync.Sample{
		ServerMs:    now.UnixMilli(),
		SimulatedMs: s.simulated.Milliseconds(),
		Tick:        s.tick,
	}
	if !s.startedAt.IsZero() {
		sample.OffsetMs = now.Sub(s.startedAt).Milliseconds() - (sample.SimulatedMs - s.startedMs)
	}
	return sample
}

// LogTimeDrift records a time sync sample sent to a client, escalating large drifts.
func (s *Session) LogTimeDrift(channel, target string, offsetMs int64) {
	fields := []logging.Field{
		logging.String("channel", channel),
		logging.String("target", target),
		logging.Int64("offset_ms", offsetMs),
	}
	if time.Duration(abs64(offsetMs))*time.Millisecond > driftWarnThreshold {
		s.log.Warn("simulation drifting from wall clock", fields...)
		return
	}
	s.log.Debug("time sync sample sent", fields...)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// Stop halts the loop and closes the replay bundle and snapshot store.
func (s *Session) Stop() error {
	s.loop.Stop()
	var errs []error
	if s.writer != nil {
		if err := s.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close replay: %w", err))
		}
	}
	if err := s.snapshots.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close snapshots: %w", err))
	}
	s.subsMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subsMu.Unlock()
	return errors.Join(errs...)
}

// Enqueue schedules a rotate or reset command for the next step boundary.
func (s *Session) Enqueue(cmd input.Command) error {
	switch cmd.Type {
	case input.KindRotate, input.KindReset:
	default:
		return fmt.Errorf("%w: %q cannot be queued", input.ErrUnknownKind, cmd.Type)
	}
	s.mu.Lock()
	s.pending = append(s.pending, cmd)
	s.mu.Unlock()
	return nil
}

// Step advances the world by one fixed step. Queued commands are applied first so rotation
// and resets never happen in the middle of a step.
func (s *Session) Step(step time.Duration) {
	s.mu.Lock()
	applied := s.drainLocked()
	report := s.ball.Step(step.Seconds())
	if report.Skipped {
		s.mu.Unlock()
		return
	}
	s.tick++
	s.simulated += step
	frame := s.frameLocked(report)
	payload, err := json.Marshal(frame)
	if err != nil {
		s.mu.Unlock()
		s.log.Error("encode frame", logging.Error(err))
		return
	}
	s.latest = payload
	position, velocity := s.ball.Position(), s.ball.Velocity()
	s.mu.Unlock()

	s.countContacts(report)
	s.publish(grpcapi.FrameEvent{Tick: frame.Tick, Payload: payload})

	if s.writer != nil {
		if err := s.writer.AppendFrame(frame.Tick, frame.SimulatedMs, payload); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
			s.log.Warn("append replay frame", logging.Error(err))
		}
	}
	s.recorder.RecordFrame(frame.Tick, frame.SimulatedMs, payload)
	for _, cmd := range applied {
		s.appendEvent(frame.Tick, frame.SimulatedMs, eventCommand, commandEvent(cmd))
	}
	for _, contact := range contactEvents(report) {
		s.appendEvent(frame.Tick, frame.SimulatedMs, eventContact, contact)
	}
	s.snapshots.Record(SessionSnapshot{
		SessionID:       s.id,
		Seed:            s.cfg.Tower.Seed,
		Tick:            frame.Tick,
		SimulatedMs:     frame.SimulatedMs,
		TowerAngle:      frame.TowerAngle,
		Position:        position,
		Velocity:        velocity,
		Lighting:        s.lights.Snapshot(),
		LightingVersion: s.lights.Version(),
		Frame:           payload,
	})
}

func (s *Session) drainLocked() []input.Command {
	if len(s.pending) == 0 {
		return nil
	}
	applied := s.pending
	s.pending = nil
	for _, cmd := range applied {
		switch cmd.Type {
		case input.KindRotate:
			s.tower.Rotate(float64(cmd.RotationSteps()) * tower.RotationStep)
		case input.KindReset:
			s.ball.Respawn()
			s.respawns.Add(1)
		}
		s.applied.Add(1)
	}
	return applied
}

func (s *Session) frameLocked(report physics.StepReport) Frame {
	return Frame{
		Type:        frameMessageType,
		Tick:        s.tick,
		SimulatedMs: s.simulated.Milliseconds(),
		Position:    s.ball.Position(),
		Velocity:    s.ball.Velocity(),
		TowerAngle:  s.tower.Angle(),
		Floor:       frameContact(report.Floor),
		Ceiling:     frameContact(report.Ceiling),
		Grounded:    report.Grounded,
	}
}

func frameContact(c *physics.Contact) *FrameContact {
	if c == nil {
		return nil
	}
	return &FrameContact{Probe: c.Probe.Name, Distance: c.Hit.Distance, Point: c.Hit.Point}
}

func (s *Session) countContacts(report physics.StepReport) {
	if report.Floor != nil {
		s.floorContacts.Add(1)
	}
	if report.Ceiling != nil {
		s.ceilingContacts.Add(1)
	}
	if report.Grounded {
		s.groundContacts.Add(1)
	}
}

func commandEvent(cmd input.Command) []byte {
	payload, _ := json.Marshal(struct {
		Type       input.Kind      `json:"type"`
		ClientID   string          `json:"client_id"`
		SequenceID uint64          `json:"sequence_id"`
		Direction  input.Direction `json:"direction,omitempty"`
		Steps      int             `json:"steps,omitempty"`
	}{cmd.Type, cmd.ClientID, cmd.SequenceID, cmd.Direction, cmd.RotationSteps()})
	return payload
}

func contactEvents(report physics.StepReport) [][]byte {
	var out [][]byte
	add := func(pass string, c *physics.Contact) {
		body := map[string]any{"pass": pass}
		if c != nil {
			body["probe"] = c.Probe.Name
			body["distance"] = c.Hit.Distance
		}
		payload, _ := json.Marshal(body)
		out = append(out, payload)
	}
	if report.Floor != nil {
		add("floor", report.Floor)
	}
	if report.Ceiling != nil {
		add("ceiling", report.Ceiling)
	}
	if report.Grounded {
		add("ground", nil)
	}
	return out
}

func (s *Session) appendEvent(tick uint64, simulatedMs int64, eventType string, payload []byte) {
	if s.writer != nil {
		if err := s.writer.AppendEvent(tick, simulatedMs, eventType, payload); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
			s.log.Warn("append replay event", logging.String("type", eventType), logging.Error(err))
		}
	}
	s.recorder.RecordEvent(tick, simulatedMs, eventType, payload)
}

// Subscribe returns a channel of encoded frames. Slow subscribers lose their oldest queued
// frame rather than stalling the loop.
func (s *Session) Subscribe(buffer int) (<-chan grpcapi.FrameEvent, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan grpcapi.FrameEvent, buffer)
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subsMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subsMu.Lock()
			if existing, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(existing)
			}
			s.subsMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Session) publish(event grpcapi.FrameEvent) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- event:
			continue
		default:
		}
		//1.- Make room by discarding the stalest frame, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// OnLighting registers the callback invoked after every applied lighting change.
func (s *Session) OnLighting(fn func(LightingMessage)) {
	s.subsMu.Lock()
	s.onLights = fn
	s.subsMu.Unlock()
}

// ApplyLighting validates and applies a spotlight patch and notifies viewers.
func (s *Session) ApplyLighting(patch lighting.Patch) (lighting.Spotlight, uint64, error) {
	spot, version, err := s.lights.Apply(patch)
	if err != nil {
		return spot, version, err
	}
	message := LightingMessage{Type: lightingMessageType, Version: version, Lighting: spot}
	payload, _ := json.Marshal(message)

	s.mu.Lock()
	tick, simulatedMs := s.tick, s.simulated.Milliseconds()
	s.mu.Unlock()
	s.appendEvent(tick, simulatedMs, eventLighting, payload)

	s.subsMu.Lock()
	notify := s.onLights
	s.subsMu.Unlock()
	if notify != nil {
		notify(message)
	}
	return spot, version, nil
}

// LatestFrame returns the most recent encoded frame, or nil before the first step.
func (s *Session) LatestFrame() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.latest...)
}

// Scene describes the tower, ball and lighting for newly connected viewers.
func (s *Session) Scene() httpapi.Scene {
	ball := s.cfg.Ball
	return httpapi.Scene{
		Tower:           s.tower.Describe(),
		Lighting:        s.lights.Snapshot(),
		LightingVersion: s.lights.Version(),
		Ball: httpapi.BallScene{
			Radius:  ball.Radius,
			Bounce:  ball.Bounce,
			Gravity: ball.Gravity,
			GroundY: ball.GroundY,
			Spawn:   ball.Position,
		},
		Frame: s.LatestFrame(),
	}
}

// Telemetry reports simulation counters for the metrics endpoint.
func (s *Session) Telemetry() httpapi.Telemetry {
	s.mu.Lock()
	height := s.ball.Position().Y()
	s.mu.Unlock()
	return httpapi.Telemetry{
		Ticks:           s.loop.Steps(),
		DroppedSteps:    s.loop.DroppedSteps(),
		Tick:            s.monitor.Snapshot(),
		FloorContacts:   s.floorContacts.Load(),
		CeilingContacts: s.ceilingContacts.Load(),
		GroundContacts:  s.groundContacts.Load(),
		Respawns:        s.respawns.Load(),
		CommandsApplied: s.applied.Load(),
		TowerAngle:      s.tower.Angle(),
		BallHeight:      height,
	}
}

// DumpReplay flushes the bundle and rolls the in-memory window into a dump file.
func (s *Session) DumpReplay(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.recorder == nil {
		return "", errors.New("replay recorder not configured")
	}
	if s.writer != nil {
		if err := s.writer.Flush(); err != nil && !errors.Is(err, replay.ErrWriterClosed) {
			return "", fmt.Errorf("flush replay bundle: %w", err)
		}
	}
	path, _, err := s.recorder.Roll(s.id)
	if err != nil {
		return "", err
	}
	s.log.Info("replay dump written", logging.String("path", path))
	return path, nil
}

// ReplayStats reports the dump recorder state.
func (s *Session) ReplayStats() replay.Stats {
	return s.recorder.Snapshot()
}

var _ httpapi.SceneProvider = (*Session)(nil)
