package physics

import "github.com/go-gl/mathgl/mgl64"

// Hit is the closest forward intersection of a ray with a surface.
type Hit struct {
	Distance float64
	Point    mgl64.Vec3
}

// SurfaceQuery answers ray intersection queries against the static scene. Implementations
// are read-only from the simulator's point of view.
type SurfaceQuery interface {
	NearestIntersection(origin, direction mgl64.Vec3) (Hit, bool)
}

// SurfaceQueryFunc adapts a function into a SurfaceQuery.
type SurfaceQueryFunc func(origin, direction mgl64.Vec3) (Hit, bool)

// NearestIntersection invokes the wrapped function.
func (f SurfaceQueryFunc) NearestIntersection(origin, direction mgl64.Vec3) (Hit, bool) {
	if f == nil {
		return Hit{}, false
	}
	return f(origin, direction)
}

// EmptyScene is a SurfaceQuery without surfaces.
var EmptyScene SurfaceQuery = SurfaceQueryFunc(func(mgl64.Vec3, mgl64.Vec3) (Hit, bool) {
	return Hit{}, false
})
