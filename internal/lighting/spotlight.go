// Package lighting keeps the spotlight settings that viewers render with.
package lighting

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Spotlight is the full set of adjustable spotlight parameters.
type Spotlight struct {
	Color     string  `json:"color"`
	Intensity float64 `json:"intensity"`
	Distance  float64 `json:"distance"`
	Angle     float64 `json:"angle"`
	Penumbra  float64 `json:"penumbra"`
	Decay     float64 `json:"decay"`
	Focus     float64 `json:"focus"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Shadows   bool    `json:"shadows"`
}

// Defaults returns the stock spotlight.
func Defaults() Spotlight {
	return Spotlight{
		Color:     "#ffffff",
		Intensity: 500,
		Distance:  200,
		Angle:     math.Pi / 4,
		Penumbra:  0.1,
		Decay:     2,
		Focus:     1,
		X:         20,
		Y:         60,
		Z:         30,
		Shadows:   true,
	}
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Color     *string  `json:"color,omitempty"`
	Intensity *float64 `json:"intensity,omitempty"`
	Distance  *float64 `json:"distance,omitempty"`
	Angle     *float64 `json:"angle,omitempty"`
	Penumbra  *float64 `json:"penumbra,omitempty"`
	Decay     *float64 `json:"decay,omitempty"`
	Focus     *float64 `json:"focus,omitempty"`
	X         *float64 `json:"x,omitempty"`
	Y         *float64 `json:"y,omitempty"`
	Z         *float64 `json:"z,omitempty"`
	Shadows   *bool    `json:"shadows,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p Patch) IsEmpty() bool {
	return p == Patch{}
}

type bound struct {
	name     string
	min, max float64
}

var (
	intensityRange = bound{"intensity", 0, 500}
	distanceRange  = bound{"distance", 0, 200}
	angleRange     = bound{"angle", 0, math.Pi / 3}
	penumbraRange  = bound{"penumbra", 0, 1}
	decayRange     = bound{"decay", 1, 2}
	focusRange     = bound{"focus", 0, 1}
	xRange         = bound{"x", -50, 50}
	yRange         = bound{"y", -50, 150}
	zRange         = bound{"z", -50, 50}
)

// ErrEmptyPatch is returned when a patch carries no fields.
var ErrEmptyPatch = errors.New("lighting patch is empty")

// NormalizeColor accepts #rgb, #rrggbb or 0xrrggbb and returns lowercase #rrggbb.
func NormalizeColor(raw string) (string, error) {
	value := strings.TrimSpace(raw)
	if rest, ok := strings.CutPrefix(strings.ToLower(value), "0x"); ok {
		value = "#" + rest
	}
	c, err := colorful.Hex(value)
	if err != nil {
		return "", fmt.Errorf("color %q: %w", raw, err)
	}
	return c.Hex(), nil
}

// Merge applies p onto base, validating every touched field. Nothing is applied when any
// field is invalid.
func (p Patch) Merge(base Spotlight) (Spotlight, error) {
	next := base
	var problems []string
	if p.Color != nil {
		color, err := NormalizeColor(*p.Color)
		if err != nil {
			problems = append(problems, err.Error())
		} else {
			next.Color = color
		}
	}
	apply := func(value *float64, r bound, target *float64) {
		if value == nil {
			return
		}
		v := *value
		if math.IsNaN(v) || v < r.min || v > r.max {
			problems = append(problems, fmt.Sprintf("%s must be within [%g,%g], got %v", r.name, r.min, r.max, v))
			return
		}
		*target = v
	}
	apply(p.Intensity, intensityRange, &next.Intensity)
	apply(p.Distance, distanceRange, &next.Distance)
	apply(p.Angle, angleRange, &next.Angle)
	apply(p.Penumbra, penumbraRange, &next.Penumbra)
	apply(p.Decay, decayRange, &next.Decay)
	apply(p.Focus, focusRange, &next.Focus)
	apply(p.X, xRange, &next.X)
	apply(p.Y, yRange, &next.Y)
	apply(p.Z, zRange, &next.Z)
	if p.Shadows != nil {
		next.Shadows = *p.Shadows
	}
	if len(problems) > 0 {
		return base, errors.New(strings.Join(problems, "; "))
	}
	return next, nil
}

// Store guards the live spotlight settings.
type Store struct {
	mu      sync.RWMutex
	current Spotlight
	version uint64
}

// NewStore starts from the defaults with the optional patch applied.
func NewStore(initial Patch) (*Store, error) {
	current, err := initial.Merge(Defaults())
	if err != nil {
		return nil, fmt.Errorf("initial lighting: %w", err)
	}
	return &Store{current: current}, nil
}

// Apply validates and applies a patch, returning the new settings and version.
func (s *Store) Apply(p Patch) (Spotlight, uint64, error) {
	if p.IsEmpty() {
		return s.Snapshot(), s.Version(), ErrEmptyPatch
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := p.Merge(s.current)
	if err != nil {
		return s.current, s.version, err
	}
	s.current = next
	s.version++
	return next, s.version, nil
}

// Snapshot returns a copy of the current settings.
func (s *Store) Snapshot() Spotlight {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Version increments on every successful Apply.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Restore replaces the settings and version wholesale, e.g. from a persisted snapshot.
// Nothing changes when spot fails validation.
func (s *Store) Restore(spot Spotlight, version uint64) error {
	patch := Patch{
		Color: &spot.Color, Intensity: &spot.Intensity, Distance: &spot.Distance, Angle: &spot.Angle,
		Penumbra: &spot.Penumbra, Decay: &spot.Decay, Focus: &spot.Focus,
		X: &spot.X, Y: &spot.Y, Z: &spot.Z, Shadows: &spot.Shadows,
	}
	next, err := patch.Merge(Defaults())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = next
	s.version = version
	return nil
}
