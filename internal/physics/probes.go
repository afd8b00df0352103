package physics

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// Probe is a fixed ray direction cast from the ball center.
type Probe struct {
	Name      string
	Direction mgl64.Vec3
}

var invSqrt2 = 1 / math.Sqrt2

// Probe order is significant: the first probe that reports contact wins.
var (
	downwardProbes = [...]Probe{
		{Name: "down", Direction: mgl64.Vec3{0, -1, 0}},
		{Name: "down-right", Direction: mgl64.Vec3{invSqrt2, -invSqrt2, 0}},
		{Name: "down-left", Direction: mgl64.Vec3{-invSqrt2, -invSqrt2, 0}},
		{Name: "down-forward", Direction: mgl64.Vec3{0, -invSqrt2, invSqrt2}},
		{Name: "down-back", Direction: mgl64.Vec3{0, -invSqrt2, -invSqrt2}},
	}
	upwardProbes = [...]Probe{
		{Name: "up", Direction: mgl64.Vec3{0, 1, 0}},
		{Name: "up-right", Direction: mgl64.Vec3{invSqrt2, invSqrt2, 0}},
		{Name: "up-left", Direction: mgl64.Vec3{-invSqrt2, invSqrt2, 0}},
	}
)

// DownwardProbes returns the floor probes in evaluation order.
func DownwardProbes() []Probe {
	out := make([]Probe, len(downwardProbes))
	copy(out, downwardProbes[:])
	return out
}

// UpwardProbes returns the ceiling probes in evaluation order.
func UpwardProbes() []Probe {
	out := make([]Probe, len(upwardProbes))
	copy(out, upwardProbes[:])
	return out
}
