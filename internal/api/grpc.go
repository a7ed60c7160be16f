package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	goa "goa.design/goa/v3/pkg"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"medlabel/internal/services"
)

const (
	// CommandServiceName is the fully qualified gRPC service name
	CommandServiceName = "medlabel.v1.CommandService"
	// ExecuteCommandMethod is the full method path of ExecuteCommand
	ExecuteCommandMethod = "/" + CommandServiceName + "/ExecuteCommand"
)

// CommandServiceServer is the server API of the command service. Messages
// are google.protobuf.Struct values carrying the JSON request and response.
type CommandServiceServer interface {
	ExecuteCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var commandServiceDesc = grpc.ServiceDesc{
	ServiceName: CommandServiceName,
	HandlerType: (*CommandServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ExecuteCommand",
			Handler:    executeCommandHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "medlabel/v1/command.proto",
}

func executeCommandHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(CommandServiceServer).ExecuteCommand(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: ExecuteCommandMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(CommandServiceServer).ExecuteCommand(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// CommandServer adapts the command service to gRPC
type CommandServer struct {
	commands *services.CommandService
}

// NewCommandServer creates the gRPC command server
func NewCommandServer(commands *services.CommandService) *CommandServer {
	return &CommandServer{commands: commands}
}

// ExecuteCommand implements CommandServiceServer
func (s *CommandServer) ExecuteCommand(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req services.ExecuteRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid request: %v", err)
	}

	resp, err := s.commands.Execute(ctx, &req)
	if err != nil {
		var serr *goa.ServiceError
		switch {
		case errors.As(err, &serr) && !serr.Fault:
			return nil, status.Error(codes.InvalidArgument, err.Error())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil, status.FromContextError(err).Err()
		}
		return nil, status.Error(codes.Internal, err.Error())
	}

	out, err := toStruct(resp)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

// NewGRPCServer creates a gRPC server with the command and health services
// registered
func NewGRPCServer(commands *services.CommandService, logger *log.Logger) *grpc.Server {
	srv := grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(logger)),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	srv.RegisterService(&commandServiceDesc, NewCommandServer(commands))

	hs := health.NewServer()
	hs.SetServingStatus(CommandServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv
}

func loggingInterceptor(logger *log.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Printf("gRPC %s code=%s took=%s", info.FullMethod, status.Code(err), time.Since(start).Round(time.Microsecond))
		return resp, err
	}
}

// CommandClient calls the command service of a remote server
type CommandClient struct {
	conn grpc.ClientConnInterface
}

// NewCommandClient creates a command client on an existing connection
func NewCommandClient(conn grpc.ClientConnInterface) *CommandClient {
	return &CommandClient{conn: conn}
}

// Execute sends a command batch
func (c *CommandClient) Execute(ctx context.Context, req *services.ExecuteRequest, opts ...grpc.CallOption) (*services.ExecuteResponse, error) {
	in, err := toStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, ExecuteCommandMethod, in, out, opts...); err != nil {
		return nil, err
	}
	var resp services.ExecuteResponse
	if err := fromStruct(out, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &resp, nil
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
