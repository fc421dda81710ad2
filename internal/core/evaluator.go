package core

import (
	mapset "github.com/deckarep/golang-set/v2"
)

// Evaluate resolves flag for the user described by evalCtx.
//
// Rules are tried in slice order and the first one that survives attribute,
// segment, and rollout checks wins. segments is the tenant's segment list; a
// nil slice means no segment data is available, in which case rules that name
// segments never match. Evaluate never fails: malformed rules are skipped and
// unusable distributions fall back to the control variant.
func Evaluate(flag Flag, tenant string, evalCtx EvaluationContext, segments []Segment) EvaluationResult {
	userID := evalCtx.UserID
	if userID == "" {
		userID = AnonymousUserID
	}
	bucket := Bucket(tenant, flag.Key, userID)
	details := EvaluationDetails{Bucket: bucket}

	if flag.State == StateOff {
		return EvaluationResult{Reason: ReasonFlagOff, Details: details}
	}

	var memberships mapset.Set[string]
	for _, rule := range flag.Rules {
		if !attributesMatch(rule.When.Attr, evalCtx.Attributes) {
			continue
		}

		if len(rule.When.Segment) > 0 {
			if segments == nil {
				continue
			}
			if memberships == nil {
				memberships = segmentMemberships(segments, evalCtx.Attributes)
			}
			if !memberships.ContainsAny(rule.When.Segment...) {
				continue
			}
		}

		if rule.Rollout != nil && rule.Rollout.Percentage != nil && bucket*100 >= *rule.Rollout.Percentage {
			continue
		}

		distribution := ruleDistribution(rule)
		if len(distribution) == 0 {
			continue
		}

		variant, _ := SelectVariant(bucket, distribution)
		return EvaluationResult{
			Variant: &variant,
			Reason:  ReasonRuleMatch,
			RuleID:  rule.ID,
			Details: details,
		}
	}

	variant, ok := SelectVariant(bucket, flag.Variants)
	if !ok {
		fallback := ControlVariant
		return EvaluationResult{Variant: &fallback, Reason: ReasonFallback, Details: details}
	}

	return EvaluationResult{Variant: &variant, Reason: ReasonDefaultVariant, Details: details}
}

// UsesSegments reports whether any rule of flag targets segments, which tells
// callers whether segment data is worth loading.
func UsesSegments(flag Flag) bool {
	for _, rule := range flag.Rules {
		if len(rule.When.Segment) > 0 {
			return true
		}
	}
	return false
}

// SegmentMemberships returns the keys of every segment the attributes belong to.
func SegmentMemberships(segments []Segment, attributes map[string]any) []string {
	return segmentMemberships(segments, attributes).ToSlice()
}

func segmentMemberships(segments []Segment, attributes map[string]any) mapset.Set[string] {
	members := mapset.NewThreadUnsafeSet[string]()
	for _, segment := range segments {
		for _, clause := range segment.Clauses {
			if attributesMatch(clause.Attributes, attributes) {
				members.Add(segment.Key)
				break
			}
		}
	}
	return members
}

// ruleDistribution returns the rollout distribution when set, otherwise the
// rule's own variants. An empty result marks the rule as malformed.
func ruleDistribution(rule Rule) []Variant {
	if rule.Rollout != nil && len(rule.Rollout.Distribution) > 0 {
		return rule.Rollout.Distribution
	}
	return rule.Variants
}

func attributesMatch(required map[string]any, attributes map[string]any) bool {
	for key, want := range required {
		got, ok := attributes[key]
		if !ok || !valuesEqual(got, want) {
			return false
		}
	}
	return true
}
