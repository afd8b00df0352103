package input

import (
	"errors"
	"sync"
	"time"

	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

// ValidationReason identifies why a command was rejected by the validator.
type ValidationReason string

const (
	ValidationReasonNone           ValidationReason = ""
	ValidationReasonMalformed      ValidationReason = "malformed"
	ValidationReasonRotateSteps    ValidationReason = "rotate_steps"
	ValidationReasonResetCooldown  ValidationReason = "reset_cooldown"
	ValidationReasonLightingRange  ValidationReason = "lighting_range"
	ValidationReasonCooldownActive ValidationReason = "cooldown_active"
)

// Policy configures per-command limits and the punishment for repeated violations.
type Policy struct {
	// MaxRotateSteps bounds how many rotation increments one command may request.
	MaxRotateSteps int
	// ResetInterval is the minimum time between accepted resets per client.
	ResetInterval time.Duration

	InvalidBurstLimit  int
	InvalidBurstWindow time.Duration
	CooldownDuration   time.Duration
	MaxCooldownStrikes int
}

// DefaultPolicy is the baseline for interactive viewers.
var DefaultPolicy = Policy{
	MaxRotateSteps:     20,
	ResetInterval:      time.Second,
	InvalidBurstLimit:  5,
	InvalidBurstWindow: time.Second,
	CooldownDuration:   500 * time.Millisecond,
	MaxCooldownStrikes: 3,
}

// ValidationDecision summarises the result of a Validate call.
type ValidationDecision struct {
	Accepted   bool
	Reason     ValidationReason
	Warn       bool
	Disconnect bool
	Cooldown   time.Duration
}

// ValidationCounters aggregates per-client violation statistics.
type ValidationCounters struct {
	Violations  map[ValidationReason]uint64 `json:"violations,omitempty"`
	Cooldowns   uint64                      `json:"cooldowns"`
	Disconnects uint64                      `json:"disconnects"`
}

type validatorState struct {
	lastReset     time.Time
	firstInvalid  time.Time
	invalidCount  int
	cooldownUntil time.Time
	strikes       int
}

// ValidatorOption customises validator construction.
type ValidatorOption func(*Validator)

// WithValidatorClock overrides the clock used for cooldown windows.
func WithValidatorClock(clock Clock) ValidatorOption {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// Validator enforces command limits and escalates repeat offenders to cooldowns and
// disconnects.
type Validator struct {
	mu      sync.Mutex
	policy  Policy
	clock   Clock
	logger  *logging.Logger
	clients map[string]*validatorState
	metrics map[string]ValidationCounters
}

// NewValidator builds a validator; zero policy fields fall back to DefaultPolicy.
func NewValidator(policy Policy, logger *logging.Logger, opts ...ValidatorOption) *Validator {
	if policy.MaxRotateSteps <= 0 {
		policy.MaxRotateSteps = DefaultPolicy.MaxRotateSteps
	}
	if policy.ResetInterval < 0 {
		policy.ResetInterval = 0
	}
	if policy.InvalidBurstLimit <= 0 {
		policy.InvalidBurstLimit = DefaultPolicy.InvalidBurstLimit
	}
	if policy.InvalidBurstWindow <= 0 {
		policy.InvalidBurstWindow = DefaultPolicy.InvalidBurstWindow
	}
	if policy.CooldownDuration <= 0 {
		policy.CooldownDuration = DefaultPolicy.CooldownDuration
	}
	if policy.MaxCooldownStrikes <= 0 {
		policy.MaxCooldownStrikes = DefaultPolicy.MaxCooldownStrikes
	}
	if logger == nil {
		logger = logging.L()
	}
	v := &Validator{
		policy:  policy,
		clock:   systemClock{},
		logger:  logger,
		clients: make(map[string]*validatorState),
		metrics: make(map[string]ValidationCounters),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate checks the command against the policy and records the outcome. Accepted resets
// start the reset cooldown.
func (v *Validator) Validate(cmd Command) ValidationDecision {
	if v == nil {
		return ValidationDecision{Accepted: true}
	}
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.clients[cmd.ClientID]
	if state == nil {
		state = &validatorState{}
		v.clients[cmd.ClientID] = state
	}

	if now.Before(state.cooldownUntil) {
		return ValidationDecision{Reason: ValidationReasonCooldownActive, Cooldown: state.cooldownUntil.Sub(now)}
	}

	reason := v.checkLocked(cmd, state, now)
	if reason != ValidationReasonNone {
		return v.registerViolationLocked(cmd.ClientID, state, now, reason)
	}
	state.invalidCount = 0
	state.firstInvalid = time.Time{}
	if cmd.Type == KindReset {
		state.lastReset = now
	}
	return ValidationDecision{Accepted: true}
}

// Malformed records a command that could not be decoded so it counts toward cooldowns.
func (v *Validator) Malformed(clientID string) ValidationDecision {
	if v == nil || clientID == "" {
		return ValidationDecision{Reason: ValidationReasonMalformed}
	}
	now := v.clock.Now()
	v.mu.Lock()
	defer v.mu.Unlock()
	state := v.clients[clientID]
	if state == nil {
		state = &validatorState{}
		v.clients[clientID] = state
	}
	return v.registerViolationLocked(clientID, state, now, ValidationReasonMalformed)
}

func (v *Validator) checkLocked(cmd Command, state *validatorState, now time.Time) ValidationReason {
	if err := cmd.Check(); err != nil {
		return ValidationReasonMalformed
	}
	switch cmd.Type {
	case KindRotate:
		if cmd.Steps > v.policy.MaxRotateSteps {
			return ValidationReasonRotateSteps
		}
	case KindReset:
		if v.policy.ResetInterval > 0 && !state.lastReset.IsZero() && now.Sub(state.lastReset) < v.policy.ResetInterval {
			return ValidationReasonResetCooldown
		}
	case KindLighting:
		if _, err := cmd.Lighting.Merge(lighting.Defaults()); err != nil {
			return ValidationReasonLightingRange
		}
	}
	return ValidationReasonNone
}

func (v *Validator) registerViolationLocked(clientID string, state *validatorState, now time.Time, reason ValidationReason) ValidationDecision {
	counters := v.metrics[clientID]
	if counters.Violations == nil {
		counters.Violations = make(map[ValidationReason]uint64)
	}
	counters.Violations[reason]++

	decision := ValidationDecision{Reason: reason}
	if state.invalidCount == 0 || now.Sub(state.firstInvalid) > v.policy.InvalidBurstWindow {
		state.firstInvalid = now
		state.invalidCount = 1
	} else {
		state.invalidCount++
	}
	decision.Warn = v.policy.InvalidBurstLimit-state.invalidCount == 1
	if state.invalidCount >= v.policy.InvalidBurstLimit {
		//1.- Enough violations inside the window: start a cooldown and count a strike.
		state.cooldownUntil = now.Add(v.policy.CooldownDuration)
		state.invalidCount = 0
		state.firstInvalid = time.Time{}
		state.strikes++
		counters.Cooldowns++
		decision.Cooldown = v.policy.CooldownDuration
		//2.- Too many strikes asks the transport to drop the client.
		if state.strikes >= v.policy.MaxCooldownStrikes {
			decision.Disconnect = true
			counters.Disconnects++
		}
		v.logger.Debug("command validator cooldown",
			logging.String("client_id", clientID),
			logging.String("reason", string(reason)),
			logging.Int("strikes", state.strikes),
			logging.Duration("cooldown", v.policy.CooldownDuration),
		)
	}
	v.metrics[clientID] = counters
	return decision
}

// Forget clears all state for the specified client.
func (v *Validator) Forget(clientID string) {
	if v == nil || clientID == "" {
		return
	}
	v.mu.Lock()
	delete(v.clients, clientID)
	delete(v.metrics, clientID)
	v.mu.Unlock()
}

// Metrics returns a deep copy of per-client counters.
func (v *Validator) Metrics() map[string]ValidationCounters {
	if v == nil {
		return nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if len(v.metrics) == 0 {
		return nil
	}
	snapshot := make(map[string]ValidationCounters, len(v.metrics))
	for id, counters := range v.metrics {
		clone := ValidationCounters{Cooldowns: counters.Cooldowns, Disconnects: counters.Disconnects}
		if len(counters.Violations) > 0 {
			clone.Violations = make(map[ValidationReason]uint64, len(counters.Violations))
			for reason, count := range counters.Violations {
				clone.Violations[reason] = count
			}
		}
		snapshot[id] = clone
	}
	return snapshot
}

// ErrRejected wraps validator and gate rejections for transport callers.
var ErrRejected = errors.New("command rejected")
