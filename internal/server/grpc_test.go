package server

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/middleware"
	"github.com/matt-riley/splitz/internal/service"
)

func tenantContext() context.Context {
	return middleware.NewContextWithTenantID(context.Background(), testTenant)
}

func mustStruct(t *testing.T, v map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(v)
	if err != nil {
		t.Fatalf("NewStruct() error = %v", err)
	}
	return s
}

func TestGRPCServerEvaluate(t *testing.T) {
	var gotCtx core.EvaluationContext
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error) {
			if tenantID != testTenant || flagKey != "checkout" {
				t.Fatalf("Evaluate(%q, %q), want (%q, checkout)", tenantID, flagKey, testTenant)
			}
			gotCtx = evalCtx
			return core.EvaluationResult{
				Variant: stringPtr("treatment"),
				Reason:  core.ReasonRuleMatch,
				RuleID:  "canadians",
				Details: core.EvaluationDetails{Bucket: 0.7382102},
			}, nil
		},
	}

	req := mustStruct(t, map[string]any{
		"flag_key": "checkout",
		"user":     map[string]any{"id": "u1", "country": "CA"},
	})
	res, err := NewGRPCServer(svc).Evaluate(tenantContext(), req)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if gotCtx.UserID != "u1" || gotCtx.Attributes["country"] != "CA" {
		t.Fatalf("evaluation context = %#v, want u1 in CA", gotCtx)
	}
	fields := res.GetFields()
	if got := fields["variant"].GetStringValue(); got != "treatment" {
		t.Fatalf("variant = %q, want treatment", got)
	}
	if got := fields["reason"].GetStringValue(); got != string(core.ReasonRuleMatch) {
		t.Fatalf("reason = %q, want %q", got, core.ReasonRuleMatch)
	}
	if got := fields["rule_id"].GetStringValue(); got != "canadians" {
		t.Fatalf("rule_id = %q, want canadians", got)
	}
	if got := fields["details"].GetStructValue().GetFields()["bucket"].GetNumberValue(); got != 0.7382102 {
		t.Fatalf("bucket = %v, want 0.7382102", got)
	}
}

func TestGRPCServerEvaluateFlagOffHasNullVariant(t *testing.T) {
	svc := &fakeService{
		evaluateFunc: func(context.Context, string, string, core.EvaluationContext) (core.EvaluationResult, error) {
			return core.EvaluationResult{Reason: core.ReasonFlagOff}, nil
		},
	}

	res, err := NewGRPCServer(svc).Evaluate(tenantContext(), mustStruct(t, map[string]any{"flag_key": "checkout"}))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if _, ok := res.GetFields()["variant"].GetKind().(*structpb.Value_NullValue); !ok {
		t.Fatalf("variant = %v, want null", res.GetFields()["variant"])
	}
}

func TestGRPCServerEvaluateErrors(t *testing.T) {
	tests := []struct {
		name     string
		ctx      context.Context
		req      map[string]any
		err      error
		wantCode codes.Code
	}{
		{name: "no tenant", ctx: context.Background(), req: map[string]any{"flag_key": "checkout"}, wantCode: codes.Unauthenticated},
		{name: "missing flag key", ctx: tenantContext(), req: map[string]any{"user": map[string]any{"id": "u1"}}, wantCode: codes.InvalidArgument},
		{name: "unknown field", ctx: tenantContext(), req: map[string]any{"flag_key": "checkout", "tenant": "other"}, wantCode: codes.InvalidArgument},
		{name: "unknown flag", ctx: tenantContext(), req: map[string]any{"flag_key": "checkout"}, err: service.ErrFlagNotFound, wantCode: codes.NotFound},
		{name: "storage failure", ctx: tenantContext(), req: map[string]any{"flag_key": "checkout"}, err: errors.New("boom"), wantCode: codes.Internal},
		{name: "canceled", ctx: tenantContext(), req: map[string]any{"flag_key": "checkout"}, err: context.Canceled, wantCode: codes.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{
				evaluateFunc: func(context.Context, string, string, core.EvaluationContext) (core.EvaluationResult, error) {
					if tt.err == nil {
						t.Fatal("Evaluate should not be called")
					}
					return core.EvaluationResult{}, tt.err
				},
			}

			_, err := NewGRPCServer(svc).Evaluate(tt.ctx, mustStruct(t, tt.req))
			if status.Code(err) != tt.wantCode {
				t.Fatalf("Evaluate() code = %v, want %v", status.Code(err), tt.wantCode)
			}
		})
	}
}

func TestGRPCServerEvaluateBatch(t *testing.T) {
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, _ string, flagKey string, _ core.EvaluationContext) (core.EvaluationResult, error) {
			if flagKey == "missing" {
				return core.EvaluationResult{}, service.ErrFlagNotFound
			}
			return core.EvaluationResult{Variant: stringPtr("control"), Reason: core.ReasonDefaultVariant}, nil
		},
	}

	req := mustStruct(t, map[string]any{
		"requests": []any{
			map[string]any{"flag_key": "checkout", "user": map[string]any{"id": "u1"}},
			map[string]any{"flag_key": "missing", "user": map[string]any{"id": "u1"}},
		},
	})
	res, err := NewGRPCServer(svc).EvaluateBatch(tenantContext(), req)
	if err != nil {
		t.Fatalf("EvaluateBatch() error = %v", err)
	}

	results := res.GetFields()["results"].GetListValue().GetValues()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	first := results[0].GetStructValue().GetFields()
	if got := first["result"].GetStructValue().GetFields()["variant"].GetStringValue(); got != "control" {
		t.Fatalf("results[0].variant = %q, want control", got)
	}
	second := results[1].GetStructValue().GetFields()
	if got := second["error"].GetStringValue(); got != "flag not found" {
		t.Fatalf("results[1].error = %q, want flag not found", got)
	}

	if _, err := NewGRPCServer(svc).EvaluateBatch(tenantContext(), mustStruct(t, map[string]any{})); status.Code(err) != codes.InvalidArgument {
		t.Fatalf("empty batch code = %v, want %v", status.Code(err), codes.InvalidArgument)
	}
}

type staticValidator struct {
	token    string
	tenantID string
}

func (v staticValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if token != v.token {
		return "", errors.New("invalid token")
	}
	return v.tenantID, nil
}

func TestGRPCEvaluationServiceOverConnection(t *testing.T) {
	svc := &fakeService{
		evaluateFunc: func(_ context.Context, tenantID, _ string, _ core.EvaluationContext) (core.EvaluationResult, error) {
			return core.EvaluationResult{Variant: stringPtr(tenantID), Reason: core.ReasonDefaultVariant}, nil
		},
	}

	listener := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(
		middleware.UnaryBearerAuthInterceptor(staticValidator{token: "key1.secret", tenantID: testTenant}),
	))
	RegisterEvaluationService(grpcServer, NewGRPCServer(svc))
	go func() { _ = grpcServer.Serve(listener) }()
	t.Cleanup(grpcServer.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	req := mustStruct(t, map[string]any{"flag_key": "checkout", "user": map[string]any{"id": "u1"}})

	t.Run("authenticated", func(t *testing.T) {
		ctx := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer key1.secret")
		res := new(structpb.Struct)
		if err := conn.Invoke(ctx, EvaluateMethod, req, res); err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		if got := res.GetFields()["variant"].GetStringValue(); got != testTenant {
			t.Fatalf("variant = %q, want tenant from the API key", got)
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		err := conn.Invoke(context.Background(), EvaluateMethod, req, new(structpb.Struct))
		if status.Code(err) != codes.Unauthenticated {
			t.Fatalf("Invoke() code = %v, want %v", status.Code(err), codes.Unauthenticated)
		}
	})
}
