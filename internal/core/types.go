package core

// State is the on/off switch of a flag.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// Reason explains which branch of the evaluation produced a result.
type Reason string

const (
	ReasonFlagOff        Reason = "flag_off"
	ReasonRuleMatch      Reason = "rule_match"
	ReasonDefaultVariant Reason = "default_variant"
	ReasonFallback       Reason = "fallback"
)

// ControlVariant is returned whenever a distribution cannot produce a variant.
const ControlVariant = "control"

// AnonymousUserID is bucketed in place of an empty user id.
const AnonymousUserID = "anonymous"

type Variant struct {
	Key    string  `json:"key"`
	Weight float64 `json:"weight"`
}

// Condition is the "when" clause of a rule. Every Attr entry must match and at
// least one Segment must contain the user.
type Condition struct {
	Attr    map[string]any `json:"attr,omitempty"`
	Segment []string       `json:"segment,omitempty"`
}

type Rollout struct {
	Percentage   *float64  `json:"percentage,omitempty"`
	Distribution []Variant `json:"distribution,omitempty"`
}

type Rule struct {
	ID       string    `json:"id"`
	Order    int       `json:"order,omitempty"`
	When     Condition `json:"when"`
	Rollout  *Rollout  `json:"rollout,omitempty"`
	Variants []Variant `json:"variants,omitempty"`
}

// Flag is the evaluation-time view of a flag. Rules are evaluated in slice
// order; Rule.Order is not consulted.
type Flag struct {
	Key      string    `json:"key"`
	State    State     `json:"state"`
	Variants []Variant `json:"variants"`
	Rules    []Rule    `json:"rules,omitempty"`
}

// SegmentClause matches when every attribute equals the context value.
type SegmentClause struct {
	Attributes map[string]any `json:"attributes"`
}

// Segment is a tenant-scoped, reusable user predicate. A user belongs to the
// segment when any clause matches.
type Segment struct {
	Key     string          `json:"key"`
	Clauses []SegmentClause `json:"rules"`
}

type EvaluationContext struct {
	UserID     string         `json:"id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type EvaluationDetails struct {
	Bucket float64 `json:"bucket"`
}

// EvaluationResult is the outcome of evaluating one flag for one user.
// Variant is nil only when the flag is off.
type EvaluationResult struct {
	Variant *string           `json:"variant"`
	Reason  Reason            `json:"reason"`
	RuleID  string            `json:"rule_id,omitempty"`
	Details EvaluationDetails `json:"details"`
}

// VariantKey returns the selected variant or "" when the flag is off.
func (r EvaluationResult) VariantKey() string {
	if r.Variant == nil {
		return ""
	}
	return *r.Variant
}
