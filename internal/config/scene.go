package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scene holds optional overrides for the simulated world. Unset fields keep the built-in
// defaults of the ball, tower and lighting packages.
type Scene struct {
	Ball     BallScene     `yaml:"ball"`
	Tower    TowerScene    `yaml:"tower"`
	Lighting LightingScene `yaml:"lighting"`
}

// BallScene overrides ball construction parameters.
type BallScene struct {
	Spawn                 []float64 `yaml:"spawn"`
	Radius                *float64  `yaml:"radius"`
	Gravity               *float64  `yaml:"gravity"`
	Bounce                *float64  `yaml:"bounce"`
	GroundY               *float64  `yaml:"ground_y"`
	SkipCeilingAfterFloor bool      `yaml:"skip_ceiling_after_floor"`
}

// TowerScene overrides tower geometry.
type TowerScene struct {
	Height            *float64 `yaml:"height"`
	CoreRadius        *float64 `yaml:"core_radius"`
	PlatformRadius    *float64 `yaml:"platform_radius"`
	PlatformThickness *float64 `yaml:"platform_thickness"`
	Spacing           *float64 `yaml:"spacing"`
	ArcDegrees        *float64 `yaml:"arc_degrees"`
	Seed              *int64   `yaml:"seed"`
	IncludeGround     bool     `yaml:"include_ground"`
}

// LightingScene overrides the initial spotlight settings.
type LightingScene struct {
	Color     *string  `yaml:"color"`
	Intensity *float64 `yaml:"intensity"`
	Distance  *float64 `yaml:"distance"`
	Angle     *float64 `yaml:"angle"`
	Penumbra  *float64 `yaml:"penumbra"`
	Decay     *float64 `yaml:"decay"`
	Focus     *float64 `yaml:"focus"`
	X         *float64 `yaml:"x"`
	Y         *float64 `yaml:"y"`
	Z         *float64 `yaml:"z"`
	Shadows   *bool    `yaml:"shadows"`
}

// LoadScene reads and validates a YAML scene file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scene: %w", err)
	}
	return ParseScene(data)
}

// ParseScene decodes a YAML scene document. Unknown keys are rejected.
func ParseScene(data []byte) (*Scene, error) {
	scene := &Scene{}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(scene); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode scene: %w", err)
	}
	if err := scene.Validate(); err != nil {
		return nil, err
	}
	return scene, nil
}

// Validate reports every out-of-range override in one error.
func (s *Scene) Validate() error {
	if s == nil {
		return nil
	}
	var problems []string

	if s.Ball.Spawn != nil {
		if len(s.Ball.Spawn) != 3 {
			problems = append(problems, fmt.Sprintf("ball.spawn must have 3 components, got %d", len(s.Ball.Spawn)))
		} else {
			for _, v := range s.Ball.Spawn {
				if !finite(v) {
					problems = append(problems, "ball.spawn must be finite")
					break
				}
			}
		}
	}
	if s.Ball.Radius != nil && !(finite(*s.Ball.Radius) && *s.Ball.Radius > 0) {
		problems = append(problems, "ball.radius must be positive")
	}
	if s.Ball.Gravity != nil && !finite(*s.Ball.Gravity) {
		problems = append(problems, "ball.gravity must be finite")
	}
	if s.Ball.Bounce != nil && !(*s.Ball.Bounce > 0 && *s.Ball.Bounce < 1) {
		problems = append(problems, "ball.bounce must be within (0,1)")
	}
	if s.Ball.GroundY != nil && !finite(*s.Ball.GroundY) {
		problems = append(problems, "ball.ground_y must be finite")
	}

	positive := map[string]*float64{
		"tower.height":             s.Tower.Height,
		"tower.core_radius":        s.Tower.CoreRadius,
		"tower.platform_radius":    s.Tower.PlatformRadius,
		"tower.platform_thickness": s.Tower.PlatformThickness,
		"tower.spacing":            s.Tower.Spacing,
	}
	for _, key := range []string{"tower.height", "tower.core_radius", "tower.platform_radius", "tower.platform_thickness", "tower.spacing"} {
		if v := positive[key]; v != nil && !(finite(*v) && *v > 0) {
			problems = append(problems, fmt.Sprintf("%s must be positive", key))
		}
	}
	if s.Tower.ArcDegrees != nil && !(*s.Tower.ArcDegrees > 0 && *s.Tower.ArcDegrees <= 360) {
		problems = append(problems, "tower.arc_degrees must be within (0,360]")
	}
	if s.Tower.CoreRadius != nil && s.Tower.PlatformRadius != nil && *s.Tower.PlatformRadius <= *s.Tower.CoreRadius {
		problems = append(problems, "tower.platform_radius must exceed tower.core_radius")
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
