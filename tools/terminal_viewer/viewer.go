// Package terminalviewer runs a local simulation and renders a side view of the tower in the
// terminal.
package terminalviewer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/go-gl/mathgl/mgl64"

	"towerdrop/broker/internal/physics"
	"towerdrop/broker/internal/tower"
)

const (
	// columnUnits is the world width covered by one terminal cell; cells are about twice as
	// tall as they are wide.
	columnUnits = 0.5
	rowUnits    = 1.0
	// bounceThreshold is the rebound speed below which contacts stay silent.
	bounceThreshold = 1.0
)

var (
	styleHUD      = tcell.StyleDefault.Foreground(tcell.ColorWhite).Bold(true)
	styleCore     = tcell.StyleDefault.Foreground(tcell.ColorGray)
	stylePlatform = tcell.StyleDefault.Foreground(tcell.ColorTeal)
	styleBall     = tcell.StyleDefault.Foreground(tcell.ColorYellow).Bold(true)
	styleGround   = tcell.StyleDefault.Foreground(tcell.ColorGreen)
)

// Sound plays feedback for ball contacts.
type Sound interface {
	// Bounce is called on a floor contact with strength in (0,1].
	Bounce(strength float64)
}

type silentSound struct{}

func (silentSound) Bounce(float64) {}

// Option customises a Viewer.
type Option func(*Viewer)

// WithSound enables bounce feedback.
func WithSound(sound Sound) Option {
	return func(v *Viewer) {
		if sound != nil {
			v.sound = sound
		}
	}
}

// Viewer owns a tower, a ball and the screen they are drawn on.
type Viewer struct {
	screen tcell.Screen
	tower  *tower.Tower
	ball   *physics.BallSimulator
	sound  Sound

	tick    uint64
	last    physics.StepReport
	bounces int
}

// New builds the world and binds it to screen. The screen must already be initialised.
func New(screen tcell.Screen, params tower.Params, ball physics.Config, opts ...Option) (*Viewer, error) {
	if screen == nil {
		return nil, fmt.Errorf("screen is required")
	}
	t, err := tower.New(params)
	if err != nil {
		return nil, err
	}
	env := tower.NewEnvironment(t, tower.GroundPlane{Y: ball.GroundY})
	sim, err := physics.NewBallSimulatorFromConfig(env, ball)
	if err != nil {
		return nil, err
	}
	v := &Viewer{screen: screen, tower: t, ball: sim, sound: silentSound{}}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

// HandleEvent applies one input event and reports whether the viewer should keep running.
func (v *Viewer) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		switch ev.Key() {
		case tcell.KeyEscape, tcell.KeyCtrlC:
			return false
		case tcell.KeyLeft:
			v.tower.Rotate(-tower.RotationStep)
		case tcell.KeyRight:
			v.tower.Rotate(tower.RotationStep)
		case tcell.KeyRune:
			switch ev.Rune() {
			case 'q':
				return false
			case 'r':
				v.ball.Respawn()
			case 'a':
				v.tower.Rotate(-tower.RotationStep)
			case 'd':
				v.tower.Rotate(tower.RotationStep)
			}
		}
	case *tcell.EventResize:
		v.screen.Sync()
	}
	return true
}

// Step advances the simulation and triggers bounce feedback.
func (v *Viewer) Step(dt time.Duration) {
	report := v.ball.Step(dt.Seconds())
	if report.Skipped {
		return
	}
	v.tick++
	v.last = report
	if report.Floor != nil || report.Grounded {
		//1.- The rebound speed after the contact decides how loud the click is.
		speed := math.Abs(v.ball.Velocity().Y())
		if speed > bounceThreshold {
			v.bounces++
			v.sound.Bounce(math.Min(1, speed/20))
		}
	}
}

// Draw renders the slice of the tower at the ball's depth, the ball and a status line.
func (v *Viewer) Draw() {
	v.screen.Clear()
	width, height := v.screen.Size()
	if width <= 0 || height <= 1 {
		v.screen.Show()
		return
	}
	pos := v.ball.Position()
	params := v.tower.Params()
	centerCol, centerRow := width/2, height/2

	for row := 1; row < height; row++ {
		y := pos.Y() + float64(centerRow-row)*rowUnits
		for col := 0; col < width; col++ {
			x := float64(col-centerCol) * columnUnits
			if y < v.ball.GroundY() {
				v.screen.SetContent(col, row, '▒', nil, styleGround)
				continue
			}
			if v.tower.SampleWorld(mgl64.Vec3{x, y, pos.Z()}) > 0 {
				continue
			}
			style := stylePlatform
			if math.Hypot(x, pos.Z()) <= params.CoreRadius {
				style = styleCore
			}
			v.screen.SetContent(col, row, '█', nil, style)
		}
	}
	ballCol := centerCol + int(math.Round(pos.X()/columnUnits))
	if ballCol >= 0 && ballCol < width {
		v.screen.SetContent(ballCol, centerRow, 'O', nil, styleBall)
	}
	v.drawText(0, 0, v.status(), styleHUD)
	v.screen.Show()
}

func (v *Viewer) status() string {
	pos := v.ball.Position()
	contact := "-"
	switch {
	case v.last.Floor != nil:
		contact = "floor:" + v.last.Floor.Probe.Name
	case v.last.Ceiling != nil:
		contact = "ceiling:" + v.last.Ceiling.Probe.Name
	case v.last.Grounded:
		contact = "ground"
	}
	return fmt.Sprintf("tick %d  angle %.2f  height %.2f  contact %s  bounces %d  [←/→ rotate, r reset, q quit]",
		v.tick, v.tower.Angle(), pos.Y(), contact, v.bounces)
}

func (v *Viewer) drawText(x, y int, text string, style tcell.Style) {
	width, _ := v.screen.Size()
	for _, r := range text {
		if x >= width {
			return
		}
		v.screen.SetContent(x, y, r, nil, style)
		x++
	}
}

// Run steps and draws at tickHz until ctx ends or the user quits.
func (v *Viewer) Run(ctx context.Context, tickHz int) error {
	if tickHz <= 0 {
		return fmt.Errorf("tick rate must be positive")
	}
	step := time.Second / time.Duration(tickHz)
	ticker := time.NewTicker(step)
	defer ticker.Stop()

	events := make(chan tcell.Event, 16)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			ev := v.screen.PollEvent()
			if ev == nil {
				return
			}
			select {
			case events <- ev:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			if !v.HandleEvent(ev) {
				return nil
			}
		case <-ticker.C:
			v.Step(step)
			v.Draw()
		}
	}
}

// Angle reports the current tower rotation.
func (v *Viewer) Angle() float64 { return v.tower.Angle() }

// Position reports the ball centre.
func (v *Viewer) Position() mgl64.Vec3 { return v.ball.Position() }

// Bounces counts audible floor contacts.
func (v *Viewer) Bounces() int { return v.bounces }
