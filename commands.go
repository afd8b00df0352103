package main

import (
	"sync"

	"towerdrop/broker/internal/auth"
	"towerdrop/broker/internal/input"
	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

const (
	reasonUnauthorised = "unauthorised"
	reasonMalformed    = "malformed"
	reasonApply        = "apply_failed"
)

// CommandOutcome reports how one viewer command was handled.
type CommandOutcome struct {
	Accepted   bool
	Reason     string
	SequenceID uint64
	// Disconnect asks the transport to drop the sender after repeated violations.
	Disconnect bool
	Err        error
}

// commandSession is the part of Session the pipeline drives.
type commandSession interface {
	Enqueue(cmd input.Command) error
	ApplyLighting(patch lighting.Patch) (lighting.Spotlight, uint64, error)
}

// commandPipeline decodes, authorises, validates and gates commands before they reach the
// session. Websocket and gRPC commands share one pipeline and one sequence window per client.
type commandPipeline struct {
	session   commandSession
	validator *input.Validator
	gate      *input.Gate
	log       *logging.Logger

	mu    sync.Mutex
	drops map[string]uint64
}

func newCommandPipeline(session commandSession, validator *input.Validator, gate *input.Gate, logger *logging.Logger) *commandPipeline {
	if logger == nil {
		logger = logging.L()
	}
	return &commandPipeline{
		session:   session,
		validator: validator,
		gate:      gate,
		log:       logger,
		drops:     make(map[string]uint64),
	}
}

// Submit runs one raw JSON command from an authenticated client.
func (p *commandPipeline) Submit(clientID string, role auth.Role, raw []byte) CommandOutcome {
	cmd, err := input.DecodeCommandFor(raw, clientID)
	if err != nil {
		decision := p.validator.Malformed(clientID)
		p.drop(reasonMalformed)
		return CommandOutcome{Reason: reasonMalformed, Disconnect: decision.Disconnect, Err: err}
	}
	outcome := CommandOutcome{SequenceID: cmd.SequenceID}

	//1.- Viewers may watch but only controllers steer the session.
	if !role.CanControl() {
		p.drop(reasonUnauthorised)
		outcome.Reason = reasonUnauthorised
		return outcome
	}

	//2.- Policy checks precede the gate; rejected commands never advance the sequence window.
	if decision := p.validator.Validate(cmd); !decision.Accepted {
		reason := string(decision.Reason)
		p.drop(reason)
		outcome.Reason = reason
		outcome.Disconnect = decision.Disconnect
		return outcome
	}
	if decision := p.gate.Evaluate(input.EnvelopeOf(cmd)); !decision.Accepted {
		reason := decision.Reason.String()
		p.drop(reason)
		outcome.Reason = reason
		return outcome
	}

	//3.- Lighting applies immediately; motion waits for the next step boundary.
	switch cmd.Type {
	case input.KindLighting:
		if _, _, err := p.session.ApplyLighting(*cmd.Lighting); err != nil {
			p.drop(reasonApply)
			outcome.Reason = reasonApply
			outcome.Err = err
			return outcome
		}
	default:
		if err := p.session.Enqueue(cmd); err != nil {
			p.drop(reasonApply)
			outcome.Reason = reasonApply
			outcome.Err = err
			return outcome
		}
	}
	outcome.Accepted = true
	return outcome
}

func (p *commandPipeline) drop(reason string) {
	if reason == "" {
		return
	}
	p.mu.Lock()
	p.drops[reason]++
	p.mu.Unlock()
}

// Drops returns rejection counts keyed by reason.
func (p *commandPipeline) Drops() map[string]uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]uint64, len(p.drops))
	for reason, count := range p.drops {
		out[reason] = count
	}
	return out
}

// Forget releases per-client state once a client disconnects.
func (p *commandPipeline) Forget(clientID string) {
	p.validator.Forget(clientID)
	p.gate.Forget(clientID)
}
