package grpc_test

import (
	"context"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	splitz "github.com/matt-riley/splitz/clients/go"
	splitzgrpc "github.com/matt-riley/splitz/clients/go/grpc"
)

// fakeEvaluationService answers Evaluate and EvaluateBatch with canned
// Structs and records what it received.
type fakeEvaluationService struct {
	lastAuth string
	lastReq  *structpb.Struct
	response *structpb.Struct
	err      error
}

type evaluationServer interface {
	handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func (f *fakeEvaluationService) handle(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if values := md.Get("authorization"); len(values) > 0 {
			f.lastAuth = values[0]
		}
	}
	f.lastReq = req
	return f.response, f.err
}

func structHandler(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	return srv.(evaluationServer).handle(ctx, in)
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: "splitz.v1.EvaluationService",
	HandlerType: (*evaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: structHandler},
		{MethodName: "EvaluateBatch", Handler: structHandler},
	},
}

func newTestClient(t *testing.T, fake *fakeEvaluationService) *splitzgrpc.Client {
	t.Helper()

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	server.RegisterService(&testServiceDesc, fake)
	go func() { _ = server.Serve(listener) }()
	t.Cleanup(server.Stop)

	client, err := splitzgrpc.NewGRPCClient(splitzgrpc.Config{
		Address: "passthrough:///bufnet",
		APIKey:  "key1.secret",
		DialOpts: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return listener.DialContext(ctx)
			}),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		},
	})
	if err != nil {
		t.Fatalf("NewGRPCClient() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	return s
}

func TestEvaluate(t *testing.T) {
	fake := &fakeEvaluationService{}
	fake.response = mustStruct(t, map[string]any{
		"variant": "treatment",
		"reason":  "rule_match",
		"rule_id": "canadians",
		"details": map[string]any{"bucket": 0.7382102},
	})
	client := newTestClient(t, fake)

	got, err := client.Evaluate(context.Background(), "checkout", splitz.User{"id": "u1", "country": "CA"})
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if fake.lastAuth != "Bearer key1.secret" {
		t.Errorf("authorization = %q, want bearer token", fake.lastAuth)
	}
	fields := fake.lastReq.GetFields()
	if fields["flag_key"].GetStringValue() != "checkout" {
		t.Errorf("flag_key = %v, want checkout", fields["flag_key"])
	}
	if fields["user"].GetStructValue().GetFields()["country"].GetStringValue() != "CA" {
		t.Errorf("user = %v, want country CA", fields["user"])
	}
	if got.VariantKey() != "treatment" || got.Reason != "rule_match" || got.RuleID != "canadians" || got.Bucket != 0.7382102 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestEvaluateFlagOff(t *testing.T) {
	fake := &fakeEvaluationService{}
	fake.response = mustStruct(t, map[string]any{
		"variant": nil,
		"reason":  "flag_off",
		"rule_id": nil,
		"details": map[string]any{"bucket": 0.5},
	})
	client := newTestClient(t, fake)

	got, err := client.Evaluate(context.Background(), "checkout", nil)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if got.Variant != nil || got.Reason != "flag_off" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestEvaluateError(t *testing.T) {
	fake := &fakeEvaluationService{err: status.Error(codes.NotFound, "flag not found")}
	client := newTestClient(t, fake)

	_, err := client.Evaluate(context.Background(), "missing", nil)
	if status.Code(err) != codes.NotFound {
		t.Fatalf("Evaluate() code = %v, want %v", status.Code(err), codes.NotFound)
	}
}

func TestEvaluateBatch(t *testing.T) {
	fake := &fakeEvaluationService{}
	fake.response = mustStruct(t, map[string]any{
		"results": []any{
			map[string]any{
				"flag_key": "checkout",
				"result":   map[string]any{"variant": "control", "reason": "default_variant", "details": map[string]any{"bucket": 0.1}},
			},
			map[string]any{"flag_key": "missing", "error": "flag not found"},
		},
	})
	client := newTestClient(t, fake)

	got, err := client.EvaluateBatch(context.Background(), []splitz.EvaluateRequest{
		{FlagKey: "checkout", User: splitz.User{"id": "u1"}},
		{FlagKey: "missing"},
	})
	if err != nil {
		t.Fatalf("EvaluateBatch() error = %v", err)
	}

	if n := len(fake.lastReq.GetFields()["requests"].GetListValue().GetValues()); n != 2 {
		t.Errorf("sent %d requests, want 2", n)
	}
	if len(got) != 2 {
		t.Fatalf("results = %d, want 2", len(got))
	}
	if got[0].FlagKey != "checkout" || got[0].VariantKey() != "control" {
		t.Errorf("results[0] = %+v", got[0])
	}
	if got[1].FlagKey != "missing" || got[1].Error != "flag not found" {
		t.Errorf("results[1] = %+v", got[1])
	}
}
