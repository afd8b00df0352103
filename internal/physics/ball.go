package physics

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/go-gl/mathgl/mgl64"
)

const (
	// DefaultGravity is the vertical acceleration applied every step.
	DefaultGravity = -9.81
	// DefaultBounce scales and flips the vertical velocity on contact.
	DefaultBounce = 0.7
	// DefaultRadius is the ball radius.
	DefaultRadius = 2.0
	// DefaultGroundY is the height of the ground plane.
	DefaultGroundY = -40.0
	// HorizontalDamping scales x and z velocity after a floor contact.
	HorizontalDamping = 0.9
)

// DefaultSpawn is where the ball starts and respawns.
var DefaultSpawn = mgl64.Vec3{0, 60, 16}

// Config captures the construction parameters of a BallSimulator.
type Config struct {
	Position mgl64.Vec3
	Velocity mgl64.Vec3
	Radius   float64
	Gravity  mgl64.Vec3
	Bounce   float64
	GroundY  float64
	// SkipCeilingAfterFloor suppresses the upward pass in a step that already resolved a
	// floor contact.
	SkipCeilingAfterFloor bool
}

// DefaultConfig returns the stock ball: radius 2 at (0,60,16), at rest.
func DefaultConfig() Config {
	return Config{
		Position: DefaultSpawn,
		Radius:   DefaultRadius,
		Gravity:  mgl64.Vec3{0, DefaultGravity, 0},
		Bounce:   DefaultBounce,
		GroundY:  DefaultGroundY,
	}
}

// Validate reports every invalid parameter in one error.
func (c Config) Validate() error {
	var problems []string
	if !(c.Radius > 0) || math.IsInf(c.Radius, 0) {
		problems = append(problems, fmt.Sprintf("radius must be positive and finite, got %v", c.Radius))
	}
	if !(c.Bounce > 0 && c.Bounce < 1) {
		problems = append(problems, fmt.Sprintf("bounce must be within (0,1), got %v", c.Bounce))
	}
	if !finiteVec(c.Gravity) {
		problems = append(problems, "gravity must be finite")
	}
	if !finiteVec(c.Position) || !finiteVec(c.Velocity) {
		problems = append(problems, "initial position and velocity must be finite")
	}
	if math.IsNaN(c.GroundY) || math.IsInf(c.GroundY, 0) {
		problems = append(problems, "ground height must be finite")
	}
	if len(problems) == 0 {
		return nil
	}
	return errors.New(strings.Join(problems, "; "))
}

// Option customises a BallSimulator at construction.
type Option func(*Config)

// WithSpawn sets the initial position.
func WithSpawn(position mgl64.Vec3) Option {
	return func(c *Config) { c.Position = position }
}

// WithVelocity sets the initial velocity.
func WithVelocity(velocity mgl64.Vec3) Option {
	return func(c *Config) { c.Velocity = velocity }
}

// WithRadius sets the ball radius.
func WithRadius(radius float64) Option {
	return func(c *Config) { c.Radius = radius }
}

// WithGravity sets the gravitational acceleration vector.
func WithGravity(gravity mgl64.Vec3) Option {
	return func(c *Config) { c.Gravity = gravity }
}

// WithBounce sets the restitution factor.
func WithBounce(bounce float64) Option {
	return func(c *Config) { c.Bounce = bounce }
}

// WithGroundY sets the ground plane height.
func WithGroundY(y float64) Option {
	return func(c *Config) { c.GroundY = y }
}

// WithSkipCeilingAfterFloor toggles the upward pass after a floor contact.
func WithSkipCeilingAfterFloor(skip bool) Option {
	return func(c *Config) { c.SkipCeilingAfterFloor = skip }
}

// Contact records the probe that resolved a pass.
type Contact struct {
	Probe Probe
	Hit   Hit
}

// StepReport describes which passes produced contacts during one step.
type StepReport struct {
	Delta    float64
	Floor    *Contact
	Ceiling  *Contact
	Grounded bool
	// Skipped is set when the step was rejected for an invalid delta.
	Skipped bool
}

// Contacted reports whether any pass modified the ball.
func (r StepReport) Contacted() bool {
	return r.Floor != nil || r.Ceiling != nil || r.Grounded
}

// BallSimulator owns a single ball and resolves its contacts against a SurfaceQuery once per
// step. It is not safe for concurrent use; callers serialise Step, Reset and accessors.
type BallSimulator struct {
	cfg      Config
	env      SurfaceQuery
	position mgl64.Vec3
	velocity mgl64.Vec3
	last     StepReport
}

// NewBallSimulator builds a simulator over env. A nil env behaves as an empty scene.
func NewBallSimulator(env SurfaceQuery, opts ...Option) (*BallSimulator, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return NewBallSimulatorFromConfig(env, cfg)
}

// NewBallSimulatorFromConfig builds a simulator from an explicit configuration.
func NewBallSimulatorFromConfig(env SurfaceQuery, cfg Config) (*BallSimulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("ball config: %w", err)
	}
	if env == nil {
		env = EmptyScene
	}
	return &BallSimulator{cfg: cfg, env: env, position: cfg.Position, velocity: cfg.Velocity}, nil
}

// Step advances the ball by dt seconds and resolves contacts. A negative or non-finite dt is
// ignored. A zero dt still runs every contact pass.
func (b *BallSimulator) Step(dt float64) StepReport {
	if b == nil {
		return StepReport{Skipped: true}
	}
	if dt < 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return StepReport{Delta: dt, Skipped: true}
	}
	report := StepReport{Delta: dt}
	r := b.cfg.Radius

	//1.- Semi-implicit Euler: velocity first, then position with the new velocity.
	b.velocity = b.velocity.Add(b.cfg.Gravity.Mul(dt))
	b.position = b.position.Add(b.velocity.Mul(dt))

	//2.- Floor pass: the first downward probe closer than the radius wins.
	for _, probe := range downwardProbes {
		hit, ok := b.env.NearestIntersection(b.position, probe.Direction)
		if !ok || !(hit.Distance < r) {
			continue
		}
		b.velocity[1] = -b.velocity[1] * b.cfg.Bounce
		b.position[1] = hit.Point.Y() + r
		report.Floor = &Contact{Probe: probe, Hit: hit}
		break
	}
	if report.Floor != nil {
		b.velocity[0] *= HorizontalDamping
		b.velocity[2] *= HorizontalDamping
	}

	//3.- Ceiling pass runs from the possibly snapped position.
	if report.Floor == nil || !b.cfg.SkipCeilingAfterFloor {
		for _, probe := range upwardProbes {
			hit, ok := b.env.NearestIntersection(b.position, probe.Direction)
			if !ok || !(hit.Distance < r) {
				continue
			}
			b.velocity[1] = -b.velocity[1] * b.cfg.Bounce
			b.position[1] = hit.Point.Y() - r
			report.Ceiling = &Contact{Probe: probe, Hit: hit}
			break
		}
	}

	//4.- Ground clamp is last so the height invariant holds after every step.
	if b.position.Y()-r < b.cfg.GroundY {
		b.velocity[1] = -b.velocity[1] * b.cfg.Bounce
		b.position[1] = b.cfg.GroundY + r
		report.Grounded = true
	}

	b.last = report
	return report
}

// Reset teleports the ball and replaces its velocity.
func (b *BallSimulator) Reset(position, velocity mgl64.Vec3) {
	if b == nil {
		return
	}
	b.position = position
	b.velocity = velocity
	b.last = StepReport{}
}

// Respawn returns the ball to its configured start state.
func (b *BallSimulator) Respawn() {
	if b == nil {
		return
	}
	b.Reset(b.cfg.Position, b.cfg.Velocity)
}

// Position returns the ball center.
func (b *BallSimulator) Position() mgl64.Vec3 { return b.position }

// Velocity returns the ball velocity.
func (b *BallSimulator) Velocity() mgl64.Vec3 { return b.velocity }

// Radius returns the ball radius.
func (b *BallSimulator) Radius() float64 { return b.cfg.Radius }

// BounceFactor returns the restitution factor.
func (b *BallSimulator) BounceFactor() float64 { return b.cfg.Bounce }

// Gravity returns the gravitational acceleration.
func (b *BallSimulator) Gravity() mgl64.Vec3 { return b.cfg.Gravity }

// GroundY returns the ground plane height.
func (b *BallSimulator) GroundY() float64 { return b.cfg.GroundY }

// Config returns the construction parameters.
func (b *BallSimulator) Config() Config { return b.cfg }

// LastStep returns the report of the most recent accepted step.
func (b *BallSimulator) LastStep() StepReport { return b.last }

func finiteVec(v mgl64.Vec3) bool {
	for _, c := range v {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}
