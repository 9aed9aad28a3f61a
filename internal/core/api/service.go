// Package api provides the gRPC rules service.
//
// Messages are protobuf well-known types: requests and responses are
// google.protobuf.Struct documents, so clients need no generated code.
// The service is registered under serverrules.v1.Rules.
package api

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/serverrules/internal/rules"
	"github.com/solatis/serverrules/internal/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "serverrules.v1.Rules"

// Full method names, as seen by interceptors.
const (
	MethodExecute   = "/" + ServiceName + "/Execute"
	MethodListRules = "/" + ServiceName + "/ListRules"
	MethodReload    = "/" + ServiceName + "/Reload"
)

// RulesServer is the server API of serverrules.v1.Rules.
type RulesServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListRules(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Reload(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// Engines provides the engines requests run against. Implemented by *rules.Manager.
type Engines interface {
	Engine(ctx context.Context, applyTime types.ApplyTime, partition types.PartitionKey) (*rules.Engine, error)
	ReloadPartition(ctx context.Context, partition types.PartitionKey) ([]rules.EngineReport, error)
}

// Auditor records executions. Implemented by *db.AuditLog.
type Auditor interface {
	Record(ctx context.Context, c rules.Completion) error
}

// RulesService implements RulesServer.
// Thin orchestration layer delegating to the rules engines and the audit log.
type RulesService struct {
	engines    Engines
	audit      Auditor
	logger     *slog.Logger
	applyTimes map[types.ApplyTime]bool // nil = any
}

var _ RulesServer = (*RulesService)(nil)

// NewRulesService creates the service. audit may be nil to disable the
// audit trail.
func NewRulesService(engines Engines, audit Auditor, logger *slog.Logger) (*RulesService, error) {
	if engines == nil {
		return nil, errors.New("engines cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RulesService{engines: engines, audit: audit, logger: logger}, nil
}

// AllowApplyTimes restricts requests to the given apply times. Each apply
// time a request names creates an engine, so public deployments should set
// this. No arguments lifts the restriction.
func (s *RulesService) AllowApplyTimes(ats ...types.ApplyTime) {
	if len(ats) == 0 {
		s.applyTimes = nil
		return
	}
	s.applyTimes = make(map[types.ApplyTime]bool, len(ats))
	for _, at := range ats {
		s.applyTimes[at] = true
	}
}

// engine returns the engine for at and the caller's partition.
func (s *RulesService) engine(ctx context.Context, at types.ApplyTime, partition types.PartitionKey) (*rules.Engine, error) {
	if s.applyTimes != nil && !s.applyTimes[at] {
		return nil, invalidArgument("unknown apply_time %q", at)
	}
	e, err := s.engines.Engine(ctx, at, partition)
	if err != nil {
		return nil, toStatus(err)
	}
	return e, nil
}

// RegisterRulesServer registers srv with s.
func RegisterRulesServer(s grpc.ServiceRegistrar, srv RulesServer) {
	s.RegisterService(&serviceDesc, srv)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RulesServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler: unaryHandler(MethodExecute, func() proto.Message { return new(structpb.Struct) },
				func(srv RulesServer, ctx context.Context, req proto.Message) (any, error) {
					return srv.Execute(ctx, req.(*structpb.Struct))
				}),
		},
		{
			MethodName: "ListRules",
			Handler: unaryHandler(MethodListRules, func() proto.Message { return new(structpb.Struct) },
				func(srv RulesServer, ctx context.Context, req proto.Message) (any, error) {
					return srv.ListRules(ctx, req.(*structpb.Struct))
				}),
		},
		{
			MethodName: "Reload",
			Handler: unaryHandler(MethodReload, func() proto.Message { return new(emptypb.Empty) },
				func(srv RulesServer, ctx context.Context, req proto.Message) (any, error) {
					return srv.Reload(ctx, req.(*emptypb.Empty))
				}),
		},
	},
	Metadata: "serverrules/v1/rules.proto",
}

// unaryHandler builds the method handler protoc-gen-go-grpc would generate.
func unaryHandler(
	fullMethod string,
	newReq func() proto.Message,
	call func(RulesServer, context.Context, proto.Message) (any, error),
) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(RulesServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(RulesServer), ctx, req.(proto.Message))
		}
		return interceptor(ctx, in, info, handler)
	}
}
