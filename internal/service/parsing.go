package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/repository"
)

const maxWeight = 100

// decodeStrict decodes payload into v, keeping JSON numbers as json.Number so
// attribute values compare exactly, and rejecting trailing data.
func decodeStrict(payload []byte, v any) error {
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		return err
	}
	if decoder.More() {
		return fmt.Errorf("unexpected data after JSON value")
	}
	return nil
}

func parseState(state string) (core.State, error) {
	switch core.State(state) {
	case core.StateOn, core.StateOff:
		return core.State(state), nil
	default:
		return "", fmt.Errorf("%w: %q (want on or off)", ErrInvalidState, state)
	}
}

func parseVariantsJSON(payload json.RawMessage) ([]core.Variant, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}

	var variants []core.Variant
	if err := decodeStrict(payload, &variants); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVariants, err)
	}
	if err := validateVariants(variants); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVariants, err)
	}

	return variants, nil
}

func validateVariants(variants []core.Variant) error {
	for i, variant := range variants {
		if strings.TrimSpace(variant.Key) == "" {
			return fmt.Errorf("variant %d: key is required", i)
		}
		if variant.Weight < 0 || variant.Weight > maxWeight {
			return fmt.Errorf("variant %q: weight %v out of range [0,100]", variant.Key, variant.Weight)
		}
	}
	return nil
}

func parseRulesJSON(payload json.RawMessage) ([]core.Rule, error) {
	rules := make([]core.Rule, 0)
	if len(bytes.TrimSpace(payload)) == 0 {
		return rules, nil
	}

	if err := decodeStrict(payload, &rules); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	if rules == nil {
		rules = make([]core.Rule, 0)
	}

	for _, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
		}
	}

	return rules, nil
}

func validateRule(rule core.Rule) error {
	if err := validateVariants(rule.Variants); err != nil {
		return fmt.Errorf("rule %q: %v", rule.ID, err)
	}
	if rule.Rollout == nil {
		return nil
	}
	if p := rule.Rollout.Percentage; p != nil && (*p < 0 || *p > maxWeight) {
		return fmt.Errorf("rule %q: percentage %v out of range [0,100]", rule.ID, *p)
	}
	if err := validateVariants(rule.Rollout.Distribution); err != nil {
		return fmt.Errorf("rule %q: distribution: %v", rule.ID, err)
	}
	return nil
}

// parseFlag converts a stored flag into its evaluation form.
func parseFlag(flag repository.Flag) (core.Flag, error) {
	state, err := parseState(flag.State)
	if err != nil {
		return core.Flag{}, err
	}
	variants, err := parseVariantsJSON(flag.Variants)
	if err != nil {
		return core.Flag{}, err
	}
	rules, err := parseRulesJSON(flag.Rules)
	if err != nil {
		return core.Flag{}, err
	}

	return core.Flag{
		Key:      flag.Key,
		State:    state,
		Variants: variants,
		Rules:    rules,
	}, nil
}

type segmentCriteria struct {
	Rules []core.SegmentClause `json:"rules"`
}

func parseSegmentCriteria(payload json.RawMessage) ([]core.SegmentClause, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, fmt.Errorf("%w: criteria is required", ErrInvalidSegment)
	}

	var criteria segmentCriteria
	if err := decodeStrict(payload, &criteria); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
	}

	return criteria.Rules, nil
}

// toCoreSegments converts stored segments, dropping any whose criteria no
// longer decode. The result is never nil so callers can tell "no segments"
// apart from "segments unavailable".
func toCoreSegments(stored []repository.Segment) ([]core.Segment, []string) {
	segments := make([]core.Segment, 0, len(stored))
	var skipped []string
	for _, segment := range stored {
		clauses, err := parseSegmentCriteria(segment.Criteria)
		if err != nil {
			skipped = append(skipped, segment.Key)
			continue
		}
		segments = append(segments, core.Segment{Key: segment.Key, Clauses: clauses})
	}
	return segments, skipped
}
