package server

import (
	"context"
	"encoding/json"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/joseph-ayodele/specsheet-validator/internal/common"
	"github.com/joseph-ayodele/specsheet-validator/internal/entity"
	"github.com/joseph-ayodele/specsheet-validator/internal/progress"
)

const AnalysisServiceName = "validator.v1.AnalysisService"

// Analysis is the application surface the transports expose. Errors are gRPC status errors.
type Analysis interface {
	Enqueue(ctx context.Context, subjectID string) (*entity.Job, error)
	Progress(ctx context.Context, token string) (progress.Snapshot, error)
	ListRuns(ctx context.Context, filter entity.RunFilter) ([]*entity.Run, error)
	ExportRunsXLSX(ctx context.Context, filter entity.RunFilter) ([]byte, error)
}

// AnalysisServer is the server API for validator.v1.AnalysisService. Messages are the
// well-known structpb/wrapperspb types so no generated code is needed.
type AnalysisServer interface {
	Enqueue(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	GetProgress(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListRuns(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportRuns(context.Context, *structpb.Struct) (*wrapperspb.BytesValue, error)
}

func unary[Req proto.Message](method string, newReq func() Req, call func(AnalysisServer, context.Context, Req) (proto.Message, error)) grpc.MethodHandler {
	fullMethod := "/" + AnalysisServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := newReq()
		if err := dec(in); err != nil {
			return nil, err
		}
		s := srv.(AnalysisServer)
		if interceptor == nil {
			return call(s, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(Req))
		})
	}
}

var AnalysisServiceDesc = grpc.ServiceDesc{
	ServiceName: AnalysisServiceName,
	HandlerType: (*AnalysisServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Enqueue",
			Handler: unary("Enqueue", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s AnalysisServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
					return s.Enqueue(ctx, in)
				}),
		},
		{
			MethodName: "GetProgress",
			Handler: unary("GetProgress", func() *wrapperspb.StringValue { return new(wrapperspb.StringValue) },
				func(s AnalysisServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
					return s.GetProgress(ctx, in)
				}),
		},
		{
			MethodName: "ListRuns",
			Handler: unary("ListRuns", func() *structpb.Struct { return new(structpb.Struct) },
				func(s AnalysisServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
					return s.ListRuns(ctx, in)
				}),
		},
		{
			MethodName: "ExportRuns",
			Handler: unary("ExportRuns", func() *structpb.Struct { return new(structpb.Struct) },
				func(s AnalysisServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
					return s.ExportRuns(ctx, in)
				}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "validator/v1/analysis.proto",
}

func RegisterAnalysisServer(s grpc.ServiceRegistrar, srv AnalysisServer) {
	s.RegisterService(&AnalysisServiceDesc, srv)
}

// AnalysisService adapts the application service to the gRPC surface.
type AnalysisService struct {
	svc    Analysis
	logger *slog.Logger
}

func NewAnalysisService(svc Analysis, logger *slog.Logger) *AnalysisService {
	if logger == nil {
		logger = slog.Default()
	}
	return &AnalysisService{svc: svc, logger: logger}
}

func (s *AnalysisService) Enqueue(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	job, err := s.svc.Enqueue(ctx, req.GetValue())
	if err != nil {
		s.logger.Warn("grpc.enqueue.failed", "subject_id", req.GetValue(), "error", err)
		return nil, common.ToGRPCError(err)
	}
	return toStruct(job)
}

func (s *AnalysisService) GetProgress(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	snap, err := s.svc.Progress(ctx, req.GetValue())
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	return toStruct(snap)
}

func (s *AnalysisService) ListRuns(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	filter, err := ParseRunFilter(structField(req))
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	runs, err := s.svc.ListRuns(ctx, filter)
	if err != nil {
		s.logger.Error("grpc.list_runs.failed", "error", err)
		return nil, common.ToGRPCError(err)
	}
	if runs == nil {
		runs = []*entity.Run{}
	}
	return toStruct(map[string]any{"runs": runs})
}

func (s *AnalysisService) ExportRuns(ctx context.Context, req *structpb.Struct) (*wrapperspb.BytesValue, error) {
	filter, err := ParseRunFilter(structField(req))
	if err != nil {
		return nil, common.ToGRPCError(err)
	}
	b, err := s.svc.ExportRunsXLSX(ctx, filter)
	if err != nil {
		s.logger.Error("grpc.export_runs.failed", "error", err)
		return nil, common.ToGRPCError(err)
	}
	return wrapperspb.Bytes(b), nil
}

// toStruct converts any JSON-encodable value into a protobuf Struct.
func toStruct(v any) (*structpb.Struct, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(b, out); err != nil {
		return nil, common.InternalErrorf("encode response: %v", err)
	}
	return out, nil
}

// AnalysisClient calls validator.v1.AnalysisService.
type AnalysisClient struct {
	cc grpc.ClientConnInterface
}

func NewAnalysisClient(cc grpc.ClientConnInterface) *AnalysisClient {
	return &AnalysisClient{cc: cc}
}

func (c *AnalysisClient) invoke(ctx context.Context, method string, in, out proto.Message, opts ...grpc.CallOption) error {
	return c.cc.Invoke(ctx, "/"+AnalysisServiceName+"/"+method, in, out, opts...)
}

func (c *AnalysisClient) Enqueue(ctx context.Context, subjectID string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "Enqueue", wrapperspb.String(subjectID), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AnalysisClient) GetProgress(ctx context.Context, token string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "GetProgress", wrapperspb.String(token), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AnalysisClient) ListRuns(ctx context.Context, filter map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(filter)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.invoke(ctx, "ListRuns", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AnalysisClient) ExportRuns(ctx context.Context, filter map[string]any, opts ...grpc.CallOption) ([]byte, error) {
	in, err := structpb.NewStruct(filter)
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := c.invoke(ctx, "ExportRuns", in, out, opts...); err != nil {
		return nil, err
	}
	return out.GetValue(), nil
}
