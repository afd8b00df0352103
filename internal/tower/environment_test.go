package tower

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/physics"
)

func TestGroundPlaneIntersections(t *testing.T) {
	ground := GroundPlane{Y: -40}

	hit, ok := ground.NearestIntersection(mgl64.Vec3{3, 0, 4}, mgl64.Vec3{0, -1, 0})
	require.True(t, ok)
	assert.InDelta(t, 40, hit.Distance, 1e-12)
	assert.Equal(t, mgl64.Vec3{3, -40, 4}, hit.Point)

	hit, ok = ground.NearestIntersection(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{1, -1, 0})
	require.True(t, ok)
	assert.InDelta(t, 40*1.4142135623730951, hit.Distance, 1e-9)

	_, ok = ground.NearestIntersection(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{1, 0, 0})
	assert.False(t, ok)
	_, ok = ground.NearestIntersection(mgl64.Vec3{0, 0, 0}, mgl64.Vec3{0, 1, 0})
	assert.False(t, ok)
	_, ok = ground.NearestIntersection(mgl64.Vec3{0, -50, 0}, mgl64.Vec3{0, 1, 0})
	assert.True(t, ok)
}

func TestEnvironmentReturnsNearest(t *testing.T) {
	env := NewEnvironment(GroundPlane{Y: -20}, nil, GroundPlane{Y: -10})
	assert.Equal(t, 2, env.Len())

	hit, ok := env.NearestIntersection(mgl64.Vec3{}, mgl64.Vec3{0, -1, 0})
	require.True(t, ok)
	assert.InDelta(t, 10, hit.Distance, 1e-12)

	_, ok = env.NearestIntersection(mgl64.Vec3{}, mgl64.Vec3{0, 1, 0})
	assert.False(t, ok)

	var empty *Environment
	_, ok = empty.NearestIntersection(mgl64.Vec3{}, mgl64.Vec3{0, -1, 0})
	assert.False(t, ok)
}

func TestEnvironmentCombinesTowerAndGround(t *testing.T) {
	tw := buildTower(t, func(p *Params) { p.ArcDegrees = 360 })
	env := NewEnvironment(tw, GroundPlane{Y: -40})

	hit, ok := env.NearestIntersection(mgl64.Vec3{0, 50, 16}, mgl64.Vec3{0, -1, 0})
	require.True(t, ok)
	assert.InDelta(t, 42, hit.Point.Y(), 1e-3)

	hit, ok = env.NearestIntersection(mgl64.Vec3{0, 0, 40}, mgl64.Vec3{0, -1, 0})
	require.True(t, ok)
	assert.InDelta(t, -40, hit.Point.Y(), 1e-9)
}

func TestSpawnScenarioResolvesThroughGroundPlane(t *testing.T) {
	ball, err := physics.NewBallSimulator(NewEnvironment(GroundPlane{Y: -40}))
	require.NoError(t, err)
	const frame = 1.0 / 60.0

	for i := 0; i < 1000; i++ {
		before := ball.Velocity().Y()
		report := ball.Step(frame)
		if report.Floor == nil {
			require.False(t, report.Grounded)
			continue
		}
		//1.- The floor pass catches the ball before the clamp needs to.
		assert.Equal(t, 267, i)
		assert.Equal(t, "down", report.Floor.Probe.Name)
		assert.False(t, report.Grounded)
		assert.Nil(t, report.Ceiling)
		assert.Equal(t, -38.0, ball.Position().Y())
		assert.Equal(t, 16.0, ball.Position().Z())
		pre := before + -9.81*frame
		assert.InDelta(t, -pre*0.7, ball.Velocity().Y(), 1e-12)
		return
	}
	t.Fatal("ball never reached the ground plane")
}
