package input

import (
	"sync"
	"time"

	"towerdrop/broker/internal/logging"
)

// Clock exposes the current time for rate limiting decisions.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function into a Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (c ClockFunc) Now() time.Time { return c() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config controls the freshness and throughput gates applied to commands.
type Config struct {
	// MaxAge drops commands whose capture timestamp is older than this.
	MaxAge time.Duration
	// MinInterval drops commands arriving faster than this per client.
	MinInterval time.Duration
}

// DropReason enumerates why a command was rejected by the gate.
type DropReason string

const (
	DropReasonNone        DropReason = ""
	DropReasonSequence    DropReason = "sequence"
	DropReasonStale       DropReason = "stale"
	DropReasonRateLimited DropReason = "rate_limit"
)

// String returns the textual representation of the drop reason.
func (r DropReason) String() string { return string(r) }

// Decision summarises whether a command passed the gate.
type Decision struct {
	Accepted bool
	Reason   DropReason
	Delay    time.Duration
}

// Envelope carries the command metadata the gate evaluates.
type Envelope struct {
	ClientID   string
	SequenceID uint64
	SentAt     time.Time
}

// EnvelopeOf extracts the gate metadata from a command.
func EnvelopeOf(cmd Command) Envelope {
	return Envelope{ClientID: cmd.ClientID, SequenceID: cmd.SequenceID, SentAt: cmd.SentAt()}
}

type clientState struct {
	lastSequence uint64
	lastAccepted time.Time
}

// DropCounters aggregates per-reason drop counts.
type DropCounters struct {
	Sequence    uint64 `json:"sequence"`
	Stale       uint64 `json:"stale"`
	RateLimited uint64 `json:"rate_limited"`
}

// Total sums every drop reason.
func (c DropCounters) Total() uint64 {
	return c.Sequence + c.Stale + c.RateLimited
}

func (c *DropCounters) add(reason DropReason) {
	switch reason {
	case DropReasonSequence:
		c.Sequence++
	case DropReasonStale:
		c.Stale++
	case DropReasonRateLimited:
		c.RateLimited++
	}
}

// Gate validates sequencing, freshness and throughput for inbound commands.
type Gate struct {
	mu      sync.Mutex
	cfg     Config
	clock   Clock
	logger  *logging.Logger
	clients map[string]*clientState
	drops   map[string]DropCounters
	totals  DropCounters
}

// Option customises gate construction.
type Option func(*Gate)

// WithClock overrides the clock used for latency calculations.
func WithClock(clock Clock) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// NewGate constructs a gate. Non-positive durations disable the matching check.
func NewGate(cfg Config, logger *logging.Logger, opts ...Option) *Gate {
	if cfg.MaxAge < 0 {
		cfg.MaxAge = 0
	}
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if logger == nil {
		logger = logging.L()
	}
	gate := &Gate{
		cfg:     cfg,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*clientState),
		drops:   make(map[string]DropCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(gate)
		}
	}
	return gate
}

// Evaluate applies sequencing, freshness and throughput guards to the envelope.
func (g *Gate) Evaluate(env Envelope) Decision {
	decision := Decision{Accepted: true}
	if g == nil || env.ClientID == "" {
		return decision
	}
	now := g.clock.Now()
	if !env.SentAt.IsZero() {
		if delay := now.Sub(env.SentAt); delay > 0 {
			decision.Delay = delay
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.clients[env.ClientID]
	if state == nil {
		state = &clientState{}
		g.clients[env.ClientID] = state
	}

	//1.- Sequence ids must strictly increase per client.
	switch {
	case env.SequenceID == 0 || env.SequenceID <= state.lastSequence:
		decision.Reason = DropReasonSequence
	//2.- Capture timestamps older than MaxAge are stale.
	case g.cfg.MaxAge > 0 && decision.Delay > g.cfg.MaxAge:
		decision.Reason = DropReasonStale
	//3.- The first command always passes the interval check.
	case g.cfg.MinInterval > 0 && !state.lastAccepted.IsZero() && now.Sub(state.lastAccepted) < g.cfg.MinInterval:
		decision.Reason = DropReasonRateLimited
	}

	if decision.Reason != DropReasonNone {
		decision.Accepted = false
		counters := g.drops[env.ClientID]
		counters.add(decision.Reason)
		g.drops[env.ClientID] = counters
		g.totals.add(decision.Reason)
		g.logger.Debug("command dropped",
			logging.String("client_id", env.ClientID),
			logging.String("reason", decision.Reason.String()),
			logging.Uint64("sequence_id", env.SequenceID),
			logging.Duration("delay", decision.Delay),
		)
		return decision
	}

	state.lastSequence = env.SequenceID
	state.lastAccepted = now
	return decision
}

// Forget clears sequencing state and counters for a disconnected client.
func (g *Gate) Forget(clientID string) {
	if g == nil || clientID == "" {
		return
	}
	g.mu.Lock()
	delete(g.clients, clientID)
	delete(g.drops, clientID)
	g.mu.Unlock()
}

// Metrics returns a copy of the per-client drop counters.
func (g *Gate) Metrics() map[string]DropCounters {
	if g == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.drops) == 0 {
		return nil
	}
	clone := make(map[string]DropCounters, len(g.drops))
	for id, counters := range g.drops {
		clone[id] = counters
	}
	return clone
}

// Totals returns drop counters aggregated over the gate's lifetime, including forgotten clients.
func (g *Gate) Totals() DropCounters {
	if g == nil {
		return DropCounters{}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.totals
}
