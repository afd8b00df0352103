package main

import (
	"context"
	"errors"

	"towerdrop/broker/internal/auth"
	grpcstream "towerdrop/broker/internal/grpc"
)

const grpcSubscriberBuffer = 8

// grpcBridge exposes the session and command pipeline to the gRPC service. Callers that got
// past the transport security are trusted as controllers.
type grpcBridge struct {
	session  *Session
	commands *commandPipeline
}

func newGRPCBridge(session *Session, commands *commandPipeline) *grpcBridge {
	return &grpcBridge{session: session, commands: commands}
}

// SubscribeFrames registers a frame subscriber that is released when ctx ends or cancel runs.
func (g *grpcBridge) SubscribeFrames(ctx context.Context) (<-chan grpcstream.FrameEvent, func(), error) {
	if g == nil || g.session == nil {
		return nil, func() {}, errors.New("session unavailable")
	}
	//1.- Buffer a few frames; the service conflates to the newest anyway.
	ch, cancel := g.session.Subscribe(grpcSubscriberBuffer)
	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return ch, cancel, nil
}

// SubmitCommand runs one command through the shared validation pipeline.
func (g *grpcBridge) SubmitCommand(ctx context.Context, submission *grpcstream.CommandSubmission) grpcstream.CommandResult {
	if g == nil || g.commands == nil {
		return grpcstream.CommandResult{Err: errors.New("commands unavailable")}
	}
	if submission == nil {
		return grpcstream.CommandResult{Err: errors.New("empty submission")}
	}
	if err := ctx.Err(); err != nil {
		return grpcstream.CommandResult{Err: err}
	}
	outcome := g.commands.Submit(submission.ClientID, auth.RoleController, submission.Payload)
	return grpcstream.CommandResult{
		Accepted:   outcome.Accepted,
		Reason:     outcome.Reason,
		SequenceID: outcome.SequenceID,
		Err:        outcome.Err,
	}
}

var _ grpcstream.BrokerBridge = (*grpcBridge)(nil)
