package terminalviewer

import (
	"math"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/effects"
	"github.com/gopxl/beep/generators"
	"github.com/gopxl/beep/speaker"
)

const (
	sampleRate    = beep.SampleRate(44100)
	clickDuration = 40 * time.Millisecond
)

// BeepSound plays a short tone through the system speaker on every bounce.
type BeepSound struct {
	rate beep.SampleRate
}

// NewBeepSound initialises the speaker. Callers should fall back to silence on error.
func NewBeepSound() (*BeepSound, error) {
	if err := speaker.Init(sampleRate, sampleRate.N(time.Second/10)); err != nil {
		return nil, err
	}
	return &BeepSound{rate: sampleRate}, nil
}

// Bounce plays a click whose pitch and volume follow strength.
func (b *BeepSound) Bounce(strength float64) {
	if b == nil {
		return
	}
	click, err := clickStreamer(b.rate, strength)
	if err != nil {
		return
	}
	speaker.Play(click)
}

// Close releases the audio device.
func (b *BeepSound) Close() {
	if b == nil {
		return
	}
	speaker.Close()
}

// clickStreamer builds a short sine burst; harder bounces are higher and louder.
func clickStreamer(rate beep.SampleRate, strength float64) (beep.Streamer, error) {
	strength = math.Max(0, math.Min(1, strength))
	sine, err := generators.SineTone(rate, 220+660*strength)
	if err != nil {
		return nil, err
	}
	click := beep.Take(rate.N(clickDuration), sine)
	if strength <= 0 {
		return &effects.Volume{Streamer: click, Base: 2, Volume: 0, Silent: true}, nil
	}
	return &effects.Volume{Streamer: click, Base: 2, Volume: math.Log2(strength)}, nil
}
