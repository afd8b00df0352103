package tower

import (
	"github.com/go-gl/mathgl/mgl64"

	"towerdrop/broker/internal/physics"
)

// GroundPlane is an infinite horizontal plane.
type GroundPlane struct {
	Y float64
}

// NearestIntersection returns where the ray crosses the plane, if ahead of the origin.
func (g GroundPlane) NearestIntersection(origin, direction mgl64.Vec3) (physics.Hit, bool) {
	length := direction.Len()
	if length == 0 || direction.Y() == 0 {
		return physics.Hit{}, false
	}
	dir := direction.Mul(1 / length)
	t := (g.Y - origin.Y()) / dir.Y()
	if t < 0 {
		return physics.Hit{}, false
	}
	point := origin.Add(dir.Mul(t))
	point[1] = g.Y
	return physics.Hit{Distance: t, Point: point}, true
}

// Environment answers queries against an ordered set of surfaces, returning the closest hit.
// Ties keep the earlier surface.
type Environment struct {
	surfaces []physics.SurfaceQuery
}

// NewEnvironment composes surfaces, skipping nil entries.
func NewEnvironment(surfaces ...physics.SurfaceQuery) *Environment {
	env := &Environment{}
	for _, s := range surfaces {
		if s != nil {
			env.surfaces = append(env.surfaces, s)
		}
	}
	return env
}

// NearestIntersection returns the closest hit across all surfaces.
func (e *Environment) NearestIntersection(origin, direction mgl64.Vec3) (physics.Hit, bool) {
	if e == nil {
		return physics.Hit{}, false
	}
	var best physics.Hit
	found := false
	for _, s := range e.surfaces {
		hit, ok := s.NearestIntersection(origin, direction)
		if !ok {
			continue
		}
		if !found || hit.Distance < best.Distance {
			best, found = hit, true
		}
	}
	return best, found
}

// Len reports how many surfaces are composed.
func (e *Environment) Len() int {
	if e == nil {
		return 0
	}
	return len(e.surfaces)
}
