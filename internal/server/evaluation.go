package server

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/middleware"
	"github.com/matt-riley/splitz/internal/service"
)

var errUnauthenticated = errors.New("unauthenticated")

// evaluationResponse is the wire form of one evaluation. It is shared by the
// HTTP and gRPC transports.
type evaluationResponse struct {
	FlagKey string                 `json:"flag_key,omitempty"`
	Variant *string                `json:"variant"`
	Reason  core.Reason            `json:"reason"`
	RuleID  *string                `json:"rule_id"`
	Details core.EvaluationDetails `json:"details"`
}

type batchItemResponse struct {
	FlagKey string              `json:"flag_key"`
	Result  *evaluationResponse `json:"result,omitempty"`
	Error   string              `json:"error,omitempty"`
}

func toEvaluationResponse(result core.EvaluationResult) evaluationResponse {
	response := evaluationResponse{
		Variant: result.Variant,
		Reason:  result.Reason,
		Details: result.Details,
	}
	if result.RuleID != "" {
		ruleID := result.RuleID
		response.RuleID = &ruleID
	}
	return response
}

// evaluationContextFromUser maps the request's user object onto the rule
// engine's context: the "id" field becomes the bucketing id and every field,
// id included, is available to attribute conditions.
func evaluationContextFromUser(user map[string]any) core.EvaluationContext {
	evalCtx := core.EvaluationContext{Attributes: user}
	switch id := user["id"].(type) {
	case nil:
	case string:
		evalCtx.UserID = id
	default:
		evalCtx.UserID = fmt.Sprint(id)
	}
	return evalCtx
}

func tenantFromContext(ctx context.Context) (string, error) {
	tenantID, ok := middleware.TenantIDFromContext(ctx)
	if !ok || strings.TrimSpace(tenantID) == "" {
		return "", errUnauthenticated
	}
	return tenantID, nil
}

func toBatchResponse(results []service.BatchResult) []batchItemResponse {
	items := make([]batchItemResponse, 0, len(results))
	for _, result := range results {
		item := batchItemResponse{FlagKey: result.FlagKey}
		if result.Err != nil {
			item.Error = serviceErrorMessage(result.Err)
		} else {
			response := toEvaluationResponse(result.Result)
			item.Result = &response
		}
		items = append(items, item)
	}
	return items
}
