package timesync

import (
	"time"

	grpc "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "towerdrop.v1.TimeSyncService"
	// StreamTimeSyncMethod is the full method name of the sample stream.
	StreamTimeSyncMethod = "/" + ServiceName + "/StreamTimeSync"

	defaultClientID = "grpc-client"
)

// Server is the server API of the time sync service.
type Server interface {
	StreamTimeSync(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

// Sample pairs the broker wall clock with the simulated clock.
type Sample struct {
	ServerMs    int64
	SimulatedMs int64
	Tick        uint64
	// OffsetMs is how far the simulation trails wall time since the loop started.
	OffsetMs int64
}

// clockProvider captures the session methods required for time sync measurements.
type clockProvider interface {
	LogTimeDrift(channel, target string, offsetMs int64)
	TimeSyncSnapshot() Sample
}

// Service exposes gRPC access to the periodic time synchronisation stream.
type Service struct {
	clock    clockProvider
	interval time.Duration
}

// NewService wires the session clock into the gRPC time sync transport.
func NewService(clock clockProvider, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Second
	}
	return &Service{clock: clock, interval: interval}
}

// Register attaches the service to a gRPC server.
func (s *Service) Register(registrar grpc.ServiceRegistrar) {
	registrar.RegisterService(&ServiceDesc, s)
}

// StreamTimeSync pushes periodic drift samples to connected gRPC clients. The request may
// carry "client_id" to label drift logs.
func (s *Service) StreamTimeSync(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	if s == nil || s.clock == nil {
		return status.Error(codes.Unavailable, "time sync service unavailable")
	}
	clientID := defaultClientID
	if id := req.GetFields()["client_id"].GetStringValue(); id != "" {
		clientID = id
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	//1.- Emit an initial sample immediately to minimise startup skew.
	if err := s.sendSample(stream, clientID); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return stream.Context().Err()
		case <-ticker.C:
			//2.- Stream successive updates at the configured cadence.
			if err := s.sendSample(stream, clientID); err != nil {
				return err
			}
		}
	}
}

func (s *Service) sendSample(stream grpc.ServerStreamingServer[structpb.Struct], clientID string) error {
	sample := s.clock.TimeSyncSnapshot()
	update, err := structpb.NewStruct(map[string]any{
		"server_timestamp_ms":    float64(sample.ServerMs),
		"simulated_timestamp_ms": float64(sample.SimulatedMs),
		"tick":                   float64(sample.Tick),
		"recommended_offset_ms":  float64(sample.OffsetMs),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "encode sample: %v", err)
	}
	if err := stream.Send(update); err != nil {
		return err
	}
	s.clock.LogTimeDrift("grpc", clientID, sample.OffsetMs)
	return nil
}

// ServiceDesc describes the time sync service for manual registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Server)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamTimeSync", Handler: streamTimeSyncHandler, ServerStreams: true},
	},
	Metadata: "towerdrop/v1/timesync.proto",
}

func streamTimeSyncHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(Server).StreamTimeSync(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
}

var _ Server = (*Service)(nil)
