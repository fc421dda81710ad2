// Package grpc provides a gRPC client for the splitz variant flag service.
//
// The service exchanges google.protobuf.Struct messages, so no generated stubs
// are needed.
package grpc

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	splitz "github.com/matt-riley/splitz/clients/go"
)

const (
	evaluateMethod      = "/splitz.v1.EvaluationService/Evaluate"
	evaluateBatchMethod = "/splitz.v1.EvaluationService/EvaluateBatch"
)

// Config holds configuration for the gRPC client.
type Config struct {
	// Address is the host:port of the splitz gRPC server, e.g. "localhost:9090".
	Address string
	// APIKey is the bearer token in "id.secret" format.
	APIKey string
	// DialOpts are additional gRPC dial options (e.g. TLS credentials).
	// If empty, insecure credentials are used.
	DialOpts []grpc.DialOption
}

// Client implements splitz.Evaluator over gRPC.
type Client struct {
	cfg  Config
	conn *grpc.ClientConn
}

var _ splitz.Evaluator = (*Client)(nil)

// NewGRPCClient creates a client for the splitz gRPC server. Call Close()
// when done.
func NewGRPCClient(cfg Config) (*Client, error) {
	opts := []grpc.DialOption{}
	if len(cfg.DialOpts) > 0 {
		opts = append(opts, cfg.DialOpts...)
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("splitz: grpc dial: %w", err)
	}
	return &Client{cfg: cfg, conn: conn}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// authCtx injects the bearer token into outgoing gRPC metadata.
func (c *Client) authCtx(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.cfg.APIKey)
}

func (c *Client) Evaluate(ctx context.Context, flagKey string, user splitz.User) (splitz.Result, error) {
	req, err := structpb.NewStruct(map[string]any{
		"flag_key": flagKey,
		"user":     map[string]any(user),
	})
	if err != nil {
		return splitz.Result{}, fmt.Errorf("splitz: encode request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), evaluateMethod, req, resp); err != nil {
		return splitz.Result{}, fmt.Errorf("splitz: Evaluate: %w", err)
	}
	return structToResult(flagKey, resp), nil
}

// EvaluateBatch evaluates every request in one call. A failed item is
// reported in its Result's Error field.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []splitz.EvaluateRequest) ([]splitz.Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	items := make([]any, len(reqs))
	for i, r := range reqs {
		items[i] = map[string]any{"flag_key": r.FlagKey, "user": map[string]any(r.User)}
	}
	req, err := structpb.NewStruct(map[string]any{"requests": items})
	if err != nil {
		return nil, fmt.Errorf("splitz: encode request: %w", err)
	}

	resp := new(structpb.Struct)
	if err := c.conn.Invoke(c.authCtx(ctx), evaluateBatchMethod, req, resp); err != nil {
		return nil, fmt.Errorf("splitz: EvaluateBatch: %w", err)
	}

	values := resp.GetFields()["results"].GetListValue().GetValues()
	results := make([]splitz.Result, len(values))
	for i, value := range values {
		fields := value.GetStructValue().GetFields()
		flagKey := fields["flag_key"].GetStringValue()
		if result := fields["result"].GetStructValue(); result != nil {
			results[i] = structToResult(flagKey, result)
			continue
		}
		results[i] = splitz.Result{FlagKey: flagKey, Error: fields["error"].GetStringValue()}
	}
	return results, nil
}

func structToResult(flagKey string, s *structpb.Struct) splitz.Result {
	fields := s.GetFields()
	result := splitz.Result{
		FlagKey: flagKey,
		Reason:  fields["reason"].GetStringValue(),
		RuleID:  fields["rule_id"].GetStringValue(),
		Bucket:  fields["details"].GetStructValue().GetFields()["bucket"].GetNumberValue(),
	}
	if v, ok := fields["variant"].GetKind().(*structpb.Value_StringValue); ok {
		variant := v.StringValue
		result.Variant = &variant
	}
	return result
}
