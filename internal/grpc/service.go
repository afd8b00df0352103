package grpc

import (
	"context"
	"errors"
	"strings"
	"time"

	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"towerdrop/broker/internal/logging"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "towerdrop.v1.SimulationService"
	// StreamFramesMethod is the full method name of the frame stream.
	StreamFramesMethod = "/" + ServiceName + "/StreamFrames"
	// SendCommandMethod is the full method name of the command RPC.
	SendCommandMethod = "/" + ServiceName + "/SendCommand"
	// ClientIDMetadataKey supplies a client id when the command omits one.
	ClientIDMetadataKey = "x-towerdrop-client"

	defaultStreamRateHz   = 20
	commandProcessTimeout = 40 * time.Millisecond
)

// SimulationServer is the server API of the simulation service.
type SimulationServer interface {
	StreamFrames(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
	SendCommand(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Option customises the behaviour of the gRPC streaming service.
type Option func(*Service)

// tickerFactory constructs cancellable tick channels for throttled streaming.
type tickerFactory func(time.Duration) (<-chan time.Time, func())

// WithStreamRate caps how many frames per second each subscriber receives.
func WithStreamRate(hz int) Option {
	return func(s *Service) {
		if hz > 0 {
			s.streamHz = hz
		}
	}
}

// WithTickerFactory overrides the throttling ticker factory (used in tests).
func WithTickerFactory(factory tickerFactory) Option {
	return func(s *Service) {
		if factory != nil {
			s.newTicker = factory
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger
		}
	}
}

// Service implements SimulationServer on top of the broker bridge.
type Service struct {
	broker    BrokerBridge
	newTicker tickerFactory
	streamHz  int
	log       *logging.Logger
}

// NewService wires the gRPC service to the broker bridge and optional settings.
func NewService(broker BrokerBridge, opts ...Option) *Service {
	service := &Service{broker: broker, newTicker: defaultTickerFactory, streamHz: defaultStreamRateHz, log: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&ServiceDesc, s)
}

func defaultTickerFactory(interval time.Duration) (<-chan time.Time, func()) {
	ticker := time.NewTicker(interval)
	return ticker.C, ticker.Stop
}

// StreamFrames relays simulation frames to a subscriber at the throttled rate. Frames that
// arrive between ticks are conflated so each tick sends the newest one. The request may carry
// "max_hz" to lower the rate further.
func (s *Service) StreamFrames(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.broker == nil {
		return status.Error(codes.FailedPrecondition, "streaming unavailable")
	}
	ctx := stream.Context()
	//1.- Subscribe to the broker frame fan-out so we receive future updates.
	frameCh, cancel, err := s.broker.SubscribeFrames(ctx)
	if err != nil {
		return status.Errorf(codes.Internal, "subscribe frames: %v", err)
	}
	defer cancel()

	hz := s.streamHz
	if requested := int(req.GetFields()["max_hz"].GetNumberValue()); requested > 0 && requested < hz {
		hz = requested
	}
	tickCh, stop := s.newTicker(time.Second / time.Duration(hz))
	defer stop()

	logger := s.log.With(logging.String("component", "grpc_stream"), logging.Int("hz", hz))
	logger.Debug("frame stream opened")
	defer logger.Debug("frame stream closed")

	var (
		pending *FrameEvent
		closed  bool
	)
	for {
		select {
		case <-ctx.Done():
			//2.- Surface context cancellation so clients can retry.
			if errors.Is(ctx.Err(), context.Canceled) {
				return status.Error(codes.Canceled, "stream cancelled")
			}
			return status.Error(codes.DeadlineExceeded, "stream deadline exceeded")
		case event, ok := <-frameCh:
			if !ok {
				closed = true
				frameCh = nil
				if pending == nil {
					return nil
				}
				continue
			}
			pending = &event
		case <-tickCh:
			if pending == nil {
				if closed {
					return nil
				}
				continue
			}
			//3.- Send the newest frame and forget anything older.
			frame, err := frameStruct(*pending)
			pending = nil
			if err != nil {
				logger.Warn("dropping undecodable frame", logging.Error(err))
				continue
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
			if closed {
				return nil
			}
		}
	}
}

func frameStruct(event FrameEvent) (*structpb.Struct, error) {
	frame := &structpb.Struct{}
	if err := protojson.Unmarshal(event.Payload, frame); err != nil {
		return nil, err
	}
	if frame.Fields == nil {
		frame.Fields = map[string]*structpb.Value{}
	}
	if _, ok := frame.Fields["tick"]; !ok {
		frame.Fields["tick"] = structpb.NewNumberValue(float64(event.Tick))
	}
	return frame, nil
}

// SendCommand forwards one command into the broker pipeline and reports the outcome.
func (s *Service) SendCommand(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.broker == nil {
		return nil, status.Error(codes.FailedPrecondition, "commands unavailable")
	}
	if req == nil || len(req.GetFields()) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty command")
	}
	clientID := strings.TrimSpace(req.GetFields()["client_id"].GetStringValue())
	if clientID == "" {
		//1.- Fall back to call metadata so thin clients can omit the id from every command.
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(ClientIDMetadataKey); len(values) > 0 {
				clientID = strings.TrimSpace(values[0])
			}
		}
		if clientID == "" {
			return nil, status.Error(codes.InvalidArgument, "client_id is required")
		}
		req = proto.Clone(req).(*structpb.Struct)
		req.Fields["client_id"] = structpb.NewStringValue(clientID)
	}
	payload, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode command: %v", err)
	}

	//2.- Guard the broker call so clients receive feedback within the tick budget.
	cmdCtx, cancel := context.WithTimeout(ctx, commandProcessTimeout)
	defer cancel()
	result := s.broker.SubmitCommand(cmdCtx, &CommandSubmission{ClientID: clientID, Payload: payload})
	if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
		return nil, status.Error(codes.DeadlineExceeded, "command timed out")
	}
	if result.Err != nil {
		return nil, status.Error(codes.InvalidArgument, result.Err.Error())
	}
	ack, err := structpb.NewStruct(map[string]any{
		"accepted":    result.Accepted,
		"reason":      result.Reason,
		"sequence_id": float64(result.SequenceID),
	})
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode ack: %v", err)
	}
	return ack, nil
}

// ServiceDesc describes the simulation service for manual registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimulationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SendCommand", Handler: sendCommandHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamFrames", Handler: streamFramesHandler, ServerStreams: true},
	},
	Metadata: "towerdrop/v1/simulation.proto",
}

func sendCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimulationServer).SendCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: SendCommandMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SimulationServer).SendCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func streamFramesHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(SimulationServer).StreamFrames(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var _ SimulationServer = (*Service)(nil)
