package input

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

func rotate(seq uint64, steps int) Command {
	return Command{Type: KindRotate, ClientID: "viewer", SequenceID: seq, Direction: DirectionRight, Steps: steps}
}

func TestValidatorAcceptsWithinPolicy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	v := NewValidator(DefaultPolicy, logging.NewTestLogger(), WithValidatorClock(clock))

	assert.True(t, v.Validate(rotate(1, 3)).Accepted)
	assert.True(t, v.Validate(Command{Type: KindReset, ClientID: "viewer", SequenceID: 2}).Accepted)
	intensity := 10.0
	assert.True(t, v.Validate(Command{Type: KindLighting, ClientID: "viewer", SequenceID: 3, Lighting: &lighting.Patch{Intensity: &intensity}}).Accepted)
	assert.Nil(t, v.Metrics())
}

func TestValidatorRejectsOutOfPolicy(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	v := NewValidator(DefaultPolicy, logging.NewTestLogger(), WithValidatorClock(clock))

	assert.Equal(t, ValidationReasonRotateSteps, v.Validate(rotate(1, 50)).Reason)

	assert.True(t, v.Validate(Command{Type: KindReset, ClientID: "viewer", SequenceID: 2}).Accepted)
	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, ValidationReasonResetCooldown, v.Validate(Command{Type: KindReset, ClientID: "viewer", SequenceID: 3}).Reason)
	clock.Advance(time.Second)
	assert.True(t, v.Validate(Command{Type: KindReset, ClientID: "viewer", SequenceID: 4}).Accepted)

	bad := 9000.0
	decision := v.Validate(Command{Type: KindLighting, ClientID: "viewer", SequenceID: 5, Lighting: &lighting.Patch{Distance: &bad}})
	assert.Equal(t, ValidationReasonLightingRange, decision.Reason)

	counters := v.Metrics()["viewer"]
	assert.Equal(t, uint64(1), counters.Violations[ValidationReasonRotateSteps])
	assert.Equal(t, uint64(1), counters.Violations[ValidationReasonResetCooldown])
}

func TestValidatorEscalatesToCooldownAndDisconnect(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	policy := DefaultPolicy
	policy.InvalidBurstLimit = 2
	policy.MaxCooldownStrikes = 2
	v := NewValidator(policy, logging.NewTestLogger(), WithValidatorClock(clock))

	first := v.Validate(rotate(1, 99))
	assert.True(t, first.Warn)
	second := v.Validate(rotate(2, 99))
	assert.Equal(t, policy.CooldownDuration, second.Cooldown)
	assert.False(t, second.Disconnect)

	during := v.Validate(rotate(3, 1))
	assert.Equal(t, ValidationReasonCooldownActive, during.Reason)

	clock.Advance(policy.CooldownDuration)
	v.Malformed("viewer")
	final := v.Malformed("viewer")
	assert.True(t, final.Disconnect)

	counters := v.Metrics()["viewer"]
	assert.Equal(t, uint64(2), counters.Cooldowns)
	assert.Equal(t, uint64(1), counters.Disconnects)

	v.Forget("viewer")
	assert.Nil(t, v.Metrics())
	assert.True(t, v.Validate(rotate(4, 1)).Accepted)
}
