package tower

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/deadsy/sdfx/sdf"
	v2 "github.com/deadsy/sdfx/vec/v2"
	v3 "github.com/deadsy/sdfx/vec/v3"
	"github.com/go-gl/mathgl/mgl64"

	"towerdrop/broker/internal/physics"
	"towerdrop/broker/internal/simulation"
)

// wedgeSegment bounds the angular size of each edge of the gap polygon.
const wedgeSegment = math.Pi / 12

// Platform is one partial disc around the core.
type Platform struct {
	// Level is the height of the top face.
	Level float64 `json:"level"`
	// Heading is where the solid arc starts, in radians, measured in the XZ plane from +X
	// toward +Z in the tower frame.
	Heading float64 `json:"heading"`
}

// Tower is the rotating obstacle course. Solids are built once; rotation only changes how
// queries are mapped into the tower frame.
type Tower struct {
	params    Params
	platforms []Platform
	solid     sdf.SDF3

	mu    sync.RWMutex
	angle float64
	rot   mgl64.Quat
}

// New builds the tower solids for params.
func New(params Params) (*Tower, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("tower params: %w", err)
	}
	core, err := sdf.Cylinder3D(params.Height, params.CoreRadius, 0)
	if err != nil {
		return nil, fmt.Errorf("core: %w", err)
	}
	rng := rand.New(rand.NewPCG(uint64(params.Seed), 0x746f776572))
	solids := []sdf.SDF3{core}
	var platforms []Platform
	for _, level := range params.Levels() {
		heading := rng.Float64() * 2 * math.Pi
		disc, err := sector(params.PlatformRadius, heading, params.ArcDegrees*math.Pi/180)
		if err != nil {
			return nil, fmt.Errorf("platform %.1f: %w", level, err)
		}
		//1.- Extrusion runs along kernel Z, which is world -Y; the body spans [level-thickness, level].
		slab := sdf.Extrude3D(disc, params.PlatformThickness)
		offset := v3.Vec{Z: -level + params.PlatformThickness/2}
		solids = append(solids, sdf.Transform3D(slab, sdf.Translate3d(offset)))
		platforms = append(platforms, Platform{Level: level, Heading: heading})
	}
	return &Tower{
		params:    params,
		platforms: platforms,
		solid:     sdf.Union3D(solids...),
		rot:       mgl64.QuatIdent(),
	}, nil
}

// sector returns a disc of radius r keeping angles [heading, heading+arc] and cutting out the
// rest with a polygon fan that fully covers the gap.
func sector(r, heading, arc float64) (sdf.SDF2, error) {
	disc, err := sdf.Circle2D(r)
	if err != nil {
		return nil, err
	}
	gap := 2*math.Pi - arc
	if gap <= 1e-9 {
		return disc, nil
	}
	segments := int(math.Ceil(gap / wedgeSegment))
	step := gap / float64(segments)
	reach := r / math.Cos(step/2) * 1.05
	vertices := []v2.Vec{{X: 0, Y: 0}}
	for i := 0; i <= segments; i++ {
		theta := heading + arc + float64(i)*step
		vertices = append(vertices, v2.Vec{X: reach * math.Cos(theta), Y: reach * math.Sin(theta)})
	}
	wedge, err := sdf.Polygon2D(vertices)
	if err != nil {
		return nil, err
	}
	return sdf.Difference2D(disc, wedge), nil
}

// toKernel maps a world point (y up) into the solid's frame (z along world -y).
func toKernel(p mgl64.Vec3) v3.Vec {
	return v3.Vec{X: p.X(), Y: p.Z(), Z: -p.Y()}
}

// Sample is the signed distance to the tower in its own unrotated frame.
func (t *Tower) Sample(p mgl64.Vec3) float64 {
	return t.solid.Evaluate(toKernel(p))
}

// SampleWorld is the signed distance to the rotated tower at a world-space point.
func (t *Tower) SampleWorld(p mgl64.Vec3) float64 {
	t.mu.RLock()
	rot := t.rot
	t.mu.RUnlock()
	return t.Sample(rot.Inverse().Rotate(p))
}

// NearestIntersection sphere-traces a world-space ray against the rotated tower. A ray that
// starts inside a platform or the core ignores that solid and reports the next surface it
// enters.
func (t *Tower) NearestIntersection(origin, direction mgl64.Vec3) (physics.Hit, bool) {
	if t == nil {
		return physics.Hit{}, false
	}
	t.mu.RLock()
	rot := t.rot
	t.mu.RUnlock()

	inv := rot.Inverse()
	localOrigin := inv.Rotate(origin)
	localDir := inv.Rotate(direction)
	ok, distance, point := simulation.TraceFrontFace(t, localOrigin, localDir, t.params.Trace)
	if !ok {
		return physics.Hit{}, false
	}
	return physics.Hit{Distance: distance, Point: rot.Rotate(point)}, true
}

// Rotate turns the tower about the world Y axis by delta radians.
func (t *Tower) Rotate(delta float64) float64 {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setAngleLocked(t.angle + delta)
	return t.angle
}

// SetAngle sets the absolute tower rotation.
func (t *Tower) SetAngle(angle float64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.setAngleLocked(angle)
	t.mu.Unlock()
}

func (t *Tower) setAngleLocked(angle float64) {
	if math.IsNaN(angle) || math.IsInf(angle, 0) {
		return
	}
	t.angle = angle
	t.rot = mgl64.QuatRotate(angle, mgl64.Vec3{0, 1, 0})
}

// Angle returns the current rotation in radians.
func (t *Tower) Angle() float64 {
	if t == nil {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.angle
}

// Params returns the build parameters.
func (t *Tower) Params() Params { return t.params }

// Platforms returns a copy of the platform layout.
func (t *Tower) Platforms() []Platform {
	out := make([]Platform, len(t.platforms))
	copy(out, t.platforms)
	return out
}

// Description is the viewer-facing summary of the tower.
type Description struct {
	Height            float64    `json:"height"`
	CoreRadius        float64    `json:"core_radius"`
	PlatformRadius    float64    `json:"platform_radius"`
	PlatformThickness float64    `json:"platform_thickness"`
	ArcDegrees        float64    `json:"arc_degrees"`
	Seed              int64      `json:"seed"`
	Angle             float64    `json:"angle"`
	Platforms         []Platform `json:"platforms"`
}

// Describe summarises the geometry and current rotation.
func (t *Tower) Describe() Description {
	return Description{
		Height:            t.params.Height,
		CoreRadius:        t.params.CoreRadius,
		PlatformRadius:    t.params.PlatformRadius,
		PlatformThickness: t.params.PlatformThickness,
		ArcDegrees:        t.params.ArcDegrees,
		Seed:              t.params.Seed,
		Angle:             t.Angle(),
		Platforms:         t.Platforms(),
	}
}
