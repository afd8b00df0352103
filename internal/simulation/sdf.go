package simulation

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// SignedDistanceField exposes the sampling contract for collision queries.
type SignedDistanceField interface {
	Sample(point mgl64.Vec3) float64
}

// SampleFunc adapts a function into a SignedDistanceField.
type SampleFunc func(mgl64.Vec3) float64

// Sample invokes the wrapped sampling function.
func (s SampleFunc) Sample(point mgl64.Vec3) float64 {
	return s(point)
}

// SphereField describes an analytic sphere signed distance function.
type SphereField struct {
	Center mgl64.Vec3
	Radius float64
}

// Sample calculates the signed distance from a point to the sphere surface.
func (s SphereField) Sample(point mgl64.Vec3) float64 {
	return point.Sub(s.Center).Len() - s.Radius
}

// PlaneField describes an infinite plane represented by a point and unit normal.
type PlaneField struct {
	origin mgl64.Vec3
	normal mgl64.Vec3
}

// NewPlaneField normalizes the normal and stores the plane representation.
func NewPlaneField(point mgl64.Vec3, normal mgl64.Vec3) PlaneField {
	return PlaneField{origin: point, normal: normal.Normalize()}
}

// Sample returns the signed distance from the plane to the provided point.
func (p PlaneField) Sample(point mgl64.Vec3) float64 {
	return point.Sub(p.origin).Dot(p.normal)
}

// TraceOptions bounds a sphere-traced ray.
type TraceOptions struct {
	MaxDistance float64
	MaxSteps    int
	Epsilon     float64
}

// DefaultTraceOptions covers scenes a few hundred units across.
func DefaultTraceOptions() TraceOptions {
	return TraceOptions{MaxDistance: 400, MaxSteps: 256, Epsilon: 1e-4}
}

// Raycast performs sphere tracing against the provided field. It reports whether the ray
// reached the surface, the travelled distance and the end point of the march.
func Raycast(field SignedDistanceField, origin mgl64.Vec3, direction mgl64.Vec3, maxDistance float64, maxSteps int, epsilon float64) (bool, float64, mgl64.Vec3) {
	length := direction.Len()
	if field == nil || length == 0 || math.IsNaN(length) || math.IsInf(length, 0) {
		return false, 0, origin
	}
	//1.- Normalize the incoming direction vector before marching.
	dir := direction.Mul(1 / length)
	distance := 0.0
	current := origin
	for step := 0; step < maxSteps; step++ {
		sample := field.Sample(current)
		if sample < epsilon {
			//2.- Return a hit once the sampled distance is within tolerance.
			return true, distance, current
		}
		distance += sample
		if distance > maxDistance {
			break
		}
		//3.- Advance from the origin to avoid accumulating drift along the ray.
		current = origin.Add(dir.Mul(distance))
	}
	capped := math.Min(distance, maxDistance)
	return false, capped, origin.Add(dir.Mul(capped))
}

// Trace is Raycast with bundled options.
func Trace(field SignedDistanceField, origin, direction mgl64.Vec3, opts TraceOptions) (bool, float64, mgl64.Vec3) {
	return Raycast(field, origin, direction, opts.MaxDistance, opts.MaxSteps, opts.Epsilon)
}

// TraceFrontFace is Trace for rays that may start inside the solid. The march first leaves
// the interior, so a hit is always a surface the ray enters from outside and never the
// origin itself.
func TraceFrontFace(field SignedDistanceField, origin, direction mgl64.Vec3, opts TraceOptions) (bool, float64, mgl64.Vec3) {
	length := direction.Len()
	if field == nil || length == 0 || math.IsNaN(length) || math.IsInf(length, 0) {
		return false, 0, origin
	}
	if field.Sample(origin) >= 0 {
		return Trace(field, origin, direction, opts)
	}
	dir := direction.Mul(1 / length)
	distance := 0.0
	steps := 0
	//1.- Inside, |sample| bounds the distance to the exit; step by it until clear of the wall.
	for ; steps < opts.MaxSteps; steps++ {
		sample := field.Sample(origin.Add(dir.Mul(distance)))
		if sample >= opts.Epsilon {
			break
		}
		distance += math.Max(math.Abs(sample), opts.Epsilon)
		if distance > opts.MaxDistance {
			return false, opts.MaxDistance, origin.Add(dir.Mul(opts.MaxDistance))
		}
	}
	if steps == opts.MaxSteps {
		return false, distance, origin.Add(dir.Mul(distance))
	}
	//2.- Continue as an ordinary trace from the exit point with the remaining budget.
	ok, rest, point := Raycast(field, origin.Add(dir.Mul(distance)), dir, opts.MaxDistance-distance, opts.MaxSteps-steps, opts.Epsilon)
	return ok, distance + rest, point
}

// SphereIntersection evaluates whether a bounding sphere penetrates the field.
func SphereIntersection(field SignedDistanceField, center mgl64.Vec3, radius float64) (bool, float64) {
	separation := field.Sample(center) - radius
	return separation <= 0, separation
}
