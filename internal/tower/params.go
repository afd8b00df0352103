package tower

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"towerdrop/broker/internal/simulation"
)

const (
	// DefaultHeight is the height of the central core.
	DefaultHeight = 100.0
	// DefaultCoreRadius is the radius of the central core.
	DefaultCoreRadius = 12.0
	// DefaultPlatformRadius is the outer radius of each platform.
	DefaultPlatformRadius = 21.0
	// DefaultPlatformThickness is the vertical extent of each platform below its top face.
	DefaultPlatformThickness = 3.0
	// DefaultSpacing is the vertical distance between platform tops.
	DefaultSpacing = 9.0
	// DefaultArcDegrees is the angular extent of each platform; the rest is a gap.
	DefaultArcDegrees = 320.0
	// RotationStep is the tower rotation applied per left/right input.
	RotationStep = 0.05
)

// Params describes the tower geometry.
type Params struct {
	Height            float64                 `json:"height"`
	CoreRadius        float64                 `json:"core_radius"`
	PlatformRadius    float64                 `json:"platform_radius"`
	PlatformThickness float64                 `json:"platform_thickness"`
	Spacing           float64                 `json:"spacing"`
	ArcDegrees        float64                 `json:"arc_degrees"`
	Seed              int64                   `json:"seed"`
	Trace             simulation.TraceOptions `json:"-"`
}

// DefaultParams returns the stock tower with the provided heading seed.
func DefaultParams(seed int64) Params {
	return Params{
		Height:            DefaultHeight,
		CoreRadius:        DefaultCoreRadius,
		PlatformRadius:    DefaultPlatformRadius,
		PlatformThickness: DefaultPlatformThickness,
		Spacing:           DefaultSpacing,
		ArcDegrees:        DefaultArcDegrees,
		Seed:              seed,
		Trace:             simulation.TraceOptions{MaxDistance: 250, MaxSteps: 200, Epsilon: 1e-4},
	}
}

// Validate reports every invalid field in one error.
func (p Params) Validate() error {
	var problems []string
	check := func(name string, v float64) {
		if !(v > 0) || math.IsInf(v, 0) {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %v", name, v))
		}
	}
	check("height", p.Height)
	check("core radius", p.CoreRadius)
	check("platform radius", p.PlatformRadius)
	check("platform thickness", p.PlatformThickness)
	check("spacing", p.Spacing)
	if !(p.ArcDegrees > 0 && p.ArcDegrees <= 360) {
		problems = append(problems, fmt.Sprintf("arc must be within (0,360], got %v", p.ArcDegrees))
	}
	if p.PlatformRadius <= p.CoreRadius {
		problems = append(problems, "platform radius must exceed core radius")
	}
	if p.Trace.MaxSteps <= 0 || !(p.Trace.MaxDistance > 0) || !(p.Trace.Epsilon > 0) {
		problems = append(problems, "trace options must be positive")
	}
	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

// Levels returns the height of every platform top face, bottom to top.
func (p Params) Levels() []float64 {
	if !(p.Spacing > 0) {
		return nil
	}
	var levels []float64
	for level := -p.Height/2 + 2; level < p.Height/2; level += p.Spacing {
		levels = append(levels, level)
	}
	return levels
}
