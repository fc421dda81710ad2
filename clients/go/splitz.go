// Package splitz provides client interfaces and domain types for the splitz
// variant flag service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import splitzhttp "github.com/matt-riley/splitz/clients/go/http"
//	import splitzgrpc "github.com/matt-riley/splitz/clients/go/grpc"
//
// The tenant is never part of a request; it is the tenant bound to the API key.
package splitz

import (
	"context"
	"time"
)

// FlagManager covers CRUD operations on flags.
type FlagManager interface {
	CreateFlag(ctx context.Context, flag Flag) (Flag, error)
	GetFlag(ctx context.Context, key string) (Flag, error)
	ListFlags(ctx context.Context) ([]Flag, error)
	UpdateFlag(ctx context.Context, flag Flag) (Flag, error)
	DeleteFlag(ctx context.Context, key string) error
}

// Evaluator resolves variants for users.
type Evaluator interface {
	Evaluate(ctx context.Context, flagKey string, user User) (Result, error)
	EvaluateBatch(ctx context.Context, reqs []EvaluateRequest) ([]Result, error)
}

const (
	StateOn  = "on"
	StateOff = "off"
)

// Flag is the domain representation of a flag.
type Flag struct {
	Key         string    `json:"key"`
	Description string    `json:"description"`
	State       string    `json:"state"`
	Variants    []Variant `json:"variants"`
	Rules       []Rule    `json:"rules"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

type Variant struct {
	Key    string  `json:"key"`
	Weight float64 `json:"weight"`
}

// Rule is a targeting rule. Rules are tried in order and the first match wins.
type Rule struct {
	ID       string    `json:"id"`
	Order    int       `json:"order,omitempty"`
	When     Condition `json:"when"`
	Rollout  *Rollout  `json:"rollout,omitempty"`
	Variants []Variant `json:"variants,omitempty"`
}

// Condition matches when every Attr entry equals the user's attribute and, if
// Segment is set, the user belongs to at least one of the named segments.
type Condition struct {
	Attr    map[string]any `json:"attr,omitempty"`
	Segment []string       `json:"segment,omitempty"`
}

type Rollout struct {
	Percentage   *float64  `json:"percentage,omitempty"`
	Distribution []Variant `json:"distribution,omitempty"`
}

// User carries the evaluation attributes. The "id" entry is the bucketing key.
type User map[string]any

// EvaluateRequest is a single item of a batch evaluation.
type EvaluateRequest struct {
	FlagKey string `json:"flag_key"`
	User    User   `json:"user,omitempty"`
}

// Result is the outcome of a single evaluation. Variant is nil when the flag
// is off. In batch results Error is set instead when the item failed.
type Result struct {
	FlagKey string
	Variant *string
	Reason  string
	RuleID  string
	Bucket  float64
	Error   string
}

// VariantKey returns the selected variant, or "" when there is none.
func (r Result) VariantKey() string {
	if r.Variant == nil {
		return ""
	}
	return *r.Variant
}
