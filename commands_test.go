package main

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"towerdrop/broker/internal/auth"
	"towerdrop/broker/internal/input"
	"towerdrop/broker/internal/lighting"
	"towerdrop/broker/internal/logging"
)

type recordingSession struct {
	queued   []input.Command
	lighting []lighting.Patch
	applyErr error
}

func (r *recordingSession) Enqueue(cmd input.Command) error {
	r.queued = append(r.queued, cmd)
	return nil
}

func (r *recordingSession) ApplyLighting(patch lighting.Patch) (lighting.Spotlight, uint64, error) {
	if r.applyErr != nil {
		return lighting.Spotlight{}, 0, r.applyErr
	}
	r.lighting = append(r.lighting, patch)
	return lighting.Defaults(), uint64(len(r.lighting)), nil
}

func newTestPipeline(session commandSession) *commandPipeline {
	logger := logging.NewTestLogger()
	return newCommandPipeline(session,
		input.NewValidator(input.DefaultPolicy, logger),
		input.NewGate(input.Config{}, logger),
		logger,
	)
}

func TestCommandPipelineQueuesRotation(t *testing.T) {
	session := &recordingSession{}
	pipeline := newTestPipeline(session)

	outcome := pipeline.Submit("viewer-1", auth.RoleController, []byte(`{"type":"rotate","sequence_id":1,"direction":"left","steps":2}`))
	require.True(t, outcome.Accepted)
	assert.Equal(t, uint64(1), outcome.SequenceID)
	require.Len(t, session.queued, 1)
	assert.Equal(t, "viewer-1", session.queued[0].ClientID)
	assert.Equal(t, -2, session.queued[0].RotationSteps())
}

func TestCommandPipelineStampsConnectionIdentity(t *testing.T) {
	session := &recordingSession{}
	pipeline := newTestPipeline(session)

	outcome := pipeline.Submit("conn-a", auth.RoleController, []byte(`{"type":"reset","client_id":"someone-else","sequence_id":4}`))
	require.True(t, outcome.Accepted)
	require.Len(t, session.queued, 1)
	assert.Equal(t, "conn-a", session.queued[0].ClientID)
}

func TestCommandPipelineRejectsViewers(t *testing.T) {
	session := &recordingSession{}
	pipeline := newTestPipeline(session)

	outcome := pipeline.Submit("viewer-1", auth.RoleViewer, []byte(`{"type":"reset","sequence_id":1}`))
	assert.False(t, outcome.Accepted)
	assert.Equal(t, reasonUnauthorised, outcome.Reason)
	assert.Empty(t, session.queued)
	assert.Equal(t, uint64(1), pipeline.Drops()[reasonUnauthorised])
}

func TestCommandPipelineReportsMalformedPayloads(t *testing.T) {
	pipeline := newTestPipeline(&recordingSession{})

	outcome := pipeline.Submit("viewer-1", auth.RoleController, []byte(`{"type":"jump","sequence_id":1}`))
	assert.False(t, outcome.Accepted)
	assert.Equal(t, reasonMalformed, outcome.Reason)
	assert.ErrorIs(t, outcome.Err, input.ErrUnknownKind)

	outcome = pipeline.Submit("viewer-1", auth.RoleController, []byte(`not json`))
	assert.Equal(t, reasonMalformed, outcome.Reason)
	assert.Equal(t, uint64(2), pipeline.Drops()[reasonMalformed])
}

func TestCommandPipelineDisconnectsRepeatOffenders(t *testing.T) {
	pipeline := newTestPipeline(&recordingSession{})
	disconnected := false
	for i := 0; i < 100 && !disconnected; i++ {
		disconnected = pipeline.Submit("spammer", auth.RoleController, []byte(`{}`)).Disconnect
	}
	assert.True(t, disconnected)
}

func TestCommandPipelineDropsReplayedSequence(t *testing.T) {
	session := &recordingSession{}
	pipeline := newTestPipeline(session)

	raw := []byte(`{"type":"rotate","sequence_id":9,"direction":"right"}`)
	require.True(t, pipeline.Submit("viewer-1", auth.RoleController, raw).Accepted)
	outcome := pipeline.Submit("viewer-1", auth.RoleController, raw)
	assert.False(t, outcome.Accepted)
	assert.Equal(t, input.DropReasonSequence.String(), outcome.Reason)
	assert.Len(t, session.queued, 1)

	//1.- Forgetting the client resets its sequence window.
	pipeline.Forget("viewer-1")
	assert.True(t, pipeline.Submit("viewer-1", auth.RoleController, raw).Accepted)
}

func TestCommandPipelineAppliesLightingImmediately(t *testing.T) {
	session := &recordingSession{}
	pipeline := newTestPipeline(session)

	outcome := pipeline.Submit("viewer-1", auth.RoleController, []byte(`{"type":"lighting","sequence_id":1,"lighting":{"intensity":42}}`))
	require.True(t, outcome.Accepted)
	require.Len(t, session.lighting, 1)
	require.NotNil(t, session.lighting[0].Intensity)
	assert.Equal(t, 42.0, *session.lighting[0].Intensity)
	assert.Empty(t, session.queued)

	session.applyErr = errors.New("out of range")
	outcome = pipeline.Submit("viewer-1", auth.RoleController, []byte(`{"type":"lighting","sequence_id":2,"lighting":{"intensity":43}}`))
	assert.False(t, outcome.Accepted)
	assert.Equal(t, reasonApply, outcome.Reason)
	assert.EqualError(t, outcome.Err, "out of range")
}
