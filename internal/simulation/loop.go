package simulation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// StepFunc advances the simulation by one fixed timestep.
type StepFunc func(step time.Duration)

// LoopOption customises a Loop.
type LoopOption func(*Loop)

// WithMaxCatchUp caps how many fixed steps run for a single wall-clock tick. Backlog beyond
// the cap is dropped so a stalled process does not fast-forward the ball.
func WithMaxCatchUp(steps int) LoopOption {
	return func(l *Loop) {
		if steps > 0 {
			l.maxCatchUp = steps
		}
	}
}

// WithTickMonitor records the wall-clock cost of every step.
func WithTickMonitor(monitor *TickMonitor) LoopOption {
	return func(l *Loop) {
		l.monitor = monitor
	}
}

// Loop drives a fixed timestep simulation at the configured target frequency.
type Loop struct {
	step       time.Duration
	stepFunc   StepFunc
	maxCatchUp int
	monitor    *TickMonitor
	steps      atomic.Uint64
	dropped    atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewLoop configures a loop that targets the provided steps per second.
func NewLoop(targetHz float64, step StepFunc, opts ...LoopOption) *Loop {
	if targetHz <= 0 {
		targetHz = 60
	}
	if step == nil {
		step = func(time.Duration) {}
	}
	interval := time.Duration(float64(time.Second) / targetHz)
	if interval <= 0 {
		interval = time.Second / 60
	}
	loop := &Loop{step: interval, stepFunc: step, maxCatchUp: 5}
	for _, opt := range opts {
		if opt != nil {
			opt(loop)
		}
	}
	return loop
}

// Start begins ticking until the context is cancelled or Stop is invoked.
func (l *Loop) Start(ctx context.Context) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	go l.run(ctx, l.done)
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.step)
	defer ticker.Stop()
	last := time.Now()
	accumulator := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			//1.- Accumulate elapsed wall time since the previous tick.
			accumulator += now.Sub(last)
			last = now
			//2.- Run whole fixed steps while catching up, bounded by the catch-up cap.
			ran := 0
			for accumulator >= l.step && ran < l.maxCatchUp {
				l.runStep()
				accumulator -= l.step
				ran++
			}
			//3.- Discard the backlog that exceeded the cap.
			if accumulator >= l.step {
				l.dropped.Add(uint64(accumulator / l.step))
				accumulator %= l.step
			}
		}
	}
}

func (l *Loop) runStep() {
	started := time.Now()
	l.stepFunc(l.step)
	l.steps.Add(1)
	if l.monitor != nil {
		l.monitor.Observe(time.Since(started))
	}
}

// Stop cancels the loop and waits for the goroutine to exit.
func (l *Loop) Stop() {
	if l == nil {
		return
	}
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// StepDuration exposes the configured timestep.
func (l *Loop) StepDuration() time.Duration {
	if l == nil {
		return 0
	}
	return l.step
}

// Steps reports how many fixed steps have run.
func (l *Loop) Steps() uint64 {
	if l == nil {
		return 0
	}
	return l.steps.Load()
}

// DroppedSteps reports how many steps were discarded by the catch-up cap.
func (l *Loop) DroppedSteps() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}
