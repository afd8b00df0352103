package terminalviewer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/gopxl/beep"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/physics"
	"towerdrop/broker/internal/tower"
)

type recordingSound struct {
	strengths []float64
}

func (r *recordingSound) Bounce(strength float64) {
	r.strengths = append(r.strengths, strength)
}

func newSimulationScreen(t *testing.T) tcell.SimulationScreen {
	t.Helper()
	screen := tcell.NewSimulationScreen("UTF-8")
	require.NoError(t, screen.Init())
	screen.SetSize(80, 24)
	t.Cleanup(screen.Fini)
	return screen
}

func newTestViewer(t *testing.T, screen tcell.Screen, mutate func(*tower.Params, *physics.Config), opts ...Option) *Viewer {
	t.Helper()
	params := tower.DefaultParams(7)
	ball := physics.DefaultConfig()
	if mutate != nil {
		mutate(&params, &ball)
	}
	viewer, err := New(screen, params, ball, opts...)
	require.NoError(t, err)
	return viewer
}

func rowText(screen tcell.Screen, row int) string {
	width, _ := screen.Size()
	var b strings.Builder
	for col := 0; col < width; col++ {
		r, _, _, _ := screen.GetContent(col, row)
		b.WriteRune(r)
	}
	return b.String()
}

func TestArrowKeysRotateTower(t *testing.T) {
	screen := newSimulationScreen(t)
	viewer := newTestViewer(t, screen, nil)

	assert.True(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyRight, 0, tcell.ModNone)))
	assert.True(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyRight, 0, tcell.ModNone)))
	assert.InDelta(t, 2*tower.RotationStep, viewer.Angle(), 1e-12)

	assert.True(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyLeft, 0, tcell.ModNone)))
	assert.True(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyRune, 'a', tcell.ModNone)))
	assert.InDelta(t, 0, viewer.Angle(), 1e-12)
}

func TestResetAndQuitKeys(t *testing.T) {
	screen := newSimulationScreen(t)
	viewer := newTestViewer(t, screen, nil)
	for i := 0; i < 20; i++ {
		viewer.Step(time.Second / 60)
	}
	assert.True(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone)))
	assert.Equal(t, physics.DefaultSpawn, viewer.Position())

	assert.False(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyRune, 'q', tcell.ModNone)))
	assert.False(t, viewer.HandleEvent(tcell.NewEventKey(tcell.KeyEscape, 0, tcell.ModNone)))
}

func TestDrawShowsBallAndStatus(t *testing.T) {
	screen := newSimulationScreen(t)
	viewer := newTestViewer(t, screen, func(params *tower.Params, ball *physics.Config) {
		params.ArcDegrees = 360
		ball.Position = mgl64.Vec3{0, 36, 16}
	})
	viewer.Step(time.Second / 60)
	viewer.Draw()

	assert.Contains(t, rowText(screen, 0), "tick 1")
	assert.Contains(t, rowText(screen, 0), "angle 0.00")
	r, _, _, _ := screen.GetContent(40, 12)
	assert.Equal(t, 'O', r)

	//1.- Full-disc platforms cross the slice above and below the ball.
	found := false
	for row := 1; row < 24 && !found; row++ {
		found = strings.ContainsRune(rowText(screen, row), '█')
	}
	assert.True(t, found, "expected tower cells in the projection")
}

func TestBounceTriggersSound(t *testing.T) {
	screen := newSimulationScreen(t)
	sound := &recordingSound{}
	viewer := newTestViewer(t, screen, func(params *tower.Params, ball *physics.Config) {
		params.ArcDegrees = 360
		ball.Position = mgl64.Vec3{0, 46, 16}
	}, WithSound(sound))

	for i := 0; i < 120 && len(sound.strengths) == 0; i++ {
		viewer.Step(time.Second / 60)
	}
	require.NotEmpty(t, sound.strengths)
	assert.Greater(t, sound.strengths[0], 0.0)
	assert.LessOrEqual(t, sound.strengths[0], 1.0)
	assert.Equal(t, len(sound.strengths), viewer.Bounces())
}

func TestRunStopsOnQuitKey(t *testing.T) {
	screen := newSimulationScreen(t)
	viewer := newTestViewer(t, screen, nil)
	screen.InjectKey(tcell.KeyRune, 'q', tcell.ModNone)

	done := make(chan error, 1)
	go func() { done <- viewer.Run(context.Background(), 60) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("viewer did not stop on quit key")
	}
}

func TestRunStopsOnContext(t *testing.T) {
	screen := newSimulationScreen(t)
	viewer := newTestViewer(t, screen, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, viewer.Run(ctx, 120))
	assert.Error(t, viewer.Run(context.Background(), 0))
}

func TestClickStreamerLength(t *testing.T) {
	rate := beep.SampleRate(8000)
	click, err := clickStreamer(rate, 0.5)
	require.NoError(t, err)
	buf := make([][2]float64, 64)
	total := 0
	peak := 0.0
	for {
		n, ok := click.Stream(buf)
		for _, sample := range buf[:n] {
			if sample[0] > peak {
				peak = sample[0]
			}
		}
		total += n
		if !ok {
			break
		}
	}
	assert.Equal(t, rate.N(clickDuration), total)
	assert.Greater(t, peak, 0.0)
	assert.LessOrEqual(t, peak, 0.5+1e-9)
}
