package grpc

import "context"

// FrameEvent transports one encoded simulation frame alongside its tick.
type FrameEvent struct {
	Tick uint64
	// Payload is the frame as a JSON object.
	Payload []byte
}

// FrameSource exposes subscription semantics for the frame fan-out.
type FrameSource interface {
	SubscribeFrames(ctx context.Context) (<-chan FrameEvent, func(), error)
}

// CommandSubmission carries a JSON command into the broker pipeline.
type CommandSubmission struct {
	ClientID string
	Payload  []byte
}

// CommandResult summarises how a command submission was handled by the broker.
type CommandResult struct {
	Accepted bool
	// Reason names why a command was dropped or rejected.
	Reason     string
	SequenceID uint64
	Err        error
}

// CommandSink ingests commands into the broker's validation pipeline.
type CommandSink interface {
	SubmitCommand(ctx context.Context, submission *CommandSubmission) CommandResult
}

// BrokerBridge aggregates the dependencies required by the gRPC service.
type BrokerBridge interface {
	FrameSource
	CommandSink
}
