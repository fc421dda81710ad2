package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/splitz/internal/service"
)

const (
	EvaluationServiceName = "splitz.v1.EvaluationService"
	EvaluateMethod        = "/" + EvaluationServiceName + "/Evaluate"
	EvaluateBatchMethod   = "/" + EvaluationServiceName + "/EvaluateBatch"
)

// EvaluationServiceServer is the gRPC evaluation surface. Messages are
// google.protobuf.Struct values carrying the same JSON shapes as the HTTP API.
type EvaluationServiceServer interface {
	Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var evaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: unaryStructHandler(EvaluateMethod, EvaluationServiceServer.Evaluate)},
		{MethodName: "EvaluateBatch", Handler: unaryStructHandler(EvaluateBatchMethod, EvaluationServiceServer.EvaluateBatch)},
	},
	Metadata: "splitz/v1/evaluation.proto",
}

// RegisterEvaluationService registers srv on registrar.
func RegisterEvaluationService(registrar grpc.ServiceRegistrar, srv EvaluationServiceServer) {
	registrar.RegisterService(&evaluationServiceDesc, srv)
}

func unaryStructHandler(
	fullMethod string,
	call func(EvaluationServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(EvaluationServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(EvaluationServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// GRPCServer evaluates flags over gRPC for the tenant bound to the caller's
// API key.
type GRPCServer struct {
	service Service
}

func NewGRPCServer(svc Service) *GRPCServer {
	if svc == nil {
		panic("service is nil")
	}

	return &GRPCServer{service: svc}
}

func (s *GRPCServer) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	var request evaluateBatchEntry
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if strings.TrimSpace(request.FlagKey) == "" {
		return nil, status.Error(codes.InvalidArgument, "flag_key is required")
	}

	result, err := s.service.Evaluate(ctx, tenantID, request.FlagKey, evaluationContextFromUser(request.User))
	if err != nil {
		return nil, toGRPCError(err)
	}

	return encodeStruct(toEvaluationResponse(result))
}

func (s *GRPCServer) EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	tenantID, err := tenantFromContext(ctx)
	if err != nil {
		return nil, toGRPCError(err)
	}

	var request struct {
		Requests []evaluateBatchEntry `json:"requests"`
	}
	if err := decodeStruct(req, &request); err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid request")
	}
	if len(request.Requests) == 0 {
		return nil, status.Error(codes.InvalidArgument, "requests is required")
	}

	batch := make([]service.EvaluationRequest, 0, len(request.Requests))
	for idx, item := range request.Requests {
		if strings.TrimSpace(item.FlagKey) == "" {
			return nil, status.Errorf(codes.InvalidArgument, "requests[%d].flag_key is required", idx)
		}
		batch = append(batch, service.EvaluationRequest{
			FlagKey: item.FlagKey,
			Context: evaluationContextFromUser(item.User),
		})
	}

	results := s.service.EvaluateBatch(ctx, tenantID, batch)
	return encodeStruct(evaluateBatchResponse{Results: toBatchResponse(results)})
}

// decodeStruct round-trips msg through JSON so gRPC requests decode with the
// same rules as HTTP bodies, numbers included.
func decodeStruct(msg *structpb.Struct, dst any) error {
	if msg == nil {
		return errors.New("request is nil")
	}
	payload, err := protojson.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request must contain a single object")
	}
	return nil
}

func encodeStruct(v any) (*structpb.Struct, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(payload, out); err != nil {
		return nil, status.Error(codes.Internal, "internal server error")
	}
	return out, nil
}

func toGRPCError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, errUnauthenticated):
		return status.Error(codes.Unauthenticated, "unauthenticated")
	case errors.Is(err, service.ErrKeyRequired),
		errors.Is(err, service.ErrTenantRequired),
		errors.Is(err, service.ErrInvalidRules),
		errors.Is(err, service.ErrInvalidVariants),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrInvalidSegment),
		errors.Is(err, service.ErrInvalidAuditFilter):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrSegmentNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrSegmentExists):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request canceled")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "deadline exceeded")
	default:
		return status.Error(codes.Internal, "internal server error")
	}
}
