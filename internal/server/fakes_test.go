package server

import (
	"context"
	"net/http"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/middleware"
	"github.com/matt-riley/splitz/internal/repository"
	"github.com/matt-riley/splitz/internal/service"
)

const testTenant = "acme"

func withTenant(req *http.Request) *http.Request {
	return req.WithContext(middleware.NewContextWithTenantID(req.Context(), testTenant))
}

func stringPtr(s string) *string { return &s }

type fakeService struct {
	evaluateFunc      func(ctx context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error)
	evaluateBatchFunc func(ctx context.Context, tenantID string, requests []service.EvaluationRequest) []service.BatchResult
	createFlagFunc    func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	updateFlagFunc    func(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	getFlagFunc       func(ctx context.Context, tenantID, key string) (repository.Flag, error)
	listFlagsFunc     func(ctx context.Context, tenantID string) ([]repository.Flag, error)
	deleteFlagFunc    func(ctx context.Context, tenantID, key string) error
	createSegmentFunc func(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	updateSegmentFunc func(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	getSegmentFunc    func(ctx context.Context, tenantID, key string) (repository.Segment, error)
	listSegmentsFunc  func(ctx context.Context, tenantID string) ([]repository.Segment, error)
	deleteSegmentFunc func(ctx context.Context, tenantID, key string) error
	listAuditFunc     func(ctx context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error)
}

func (f *fakeService) Evaluate(ctx context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error) {
	if f.evaluateFunc == nil {
		return core.EvaluationResult{}, service.ErrFlagNotFound
	}
	return f.evaluateFunc(ctx, tenantID, flagKey, evalCtx)
}

func (f *fakeService) EvaluateBatch(ctx context.Context, tenantID string, requests []service.EvaluationRequest) []service.BatchResult {
	if f.evaluateBatchFunc != nil {
		return f.evaluateBatchFunc(ctx, tenantID, requests)
	}
	results := make([]service.BatchResult, 0, len(requests))
	for _, request := range requests {
		result, err := f.Evaluate(ctx, tenantID, request.FlagKey, request.Context)
		results = append(results, service.BatchResult{FlagKey: request.FlagKey, Result: result, Err: err})
	}
	return results
}

func (f *fakeService) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.createFlagFunc == nil {
		return flag, nil
	}
	return f.createFlagFunc(ctx, flag)
}

func (f *fakeService) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if f.updateFlagFunc == nil {
		return flag, nil
	}
	return f.updateFlagFunc(ctx, flag)
}

func (f *fakeService) GetFlag(ctx context.Context, tenantID, key string) (repository.Flag, error) {
	if f.getFlagFunc == nil {
		return repository.Flag{}, service.ErrFlagNotFound
	}
	return f.getFlagFunc(ctx, tenantID, key)
}

func (f *fakeService) ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error) {
	if f.listFlagsFunc == nil {
		return nil, nil
	}
	return f.listFlagsFunc(ctx, tenantID)
}

func (f *fakeService) DeleteFlag(ctx context.Context, tenantID, key string) error {
	if f.deleteFlagFunc == nil {
		return nil
	}
	return f.deleteFlagFunc(ctx, tenantID, key)
}

func (f *fakeService) CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error) {
	if f.createSegmentFunc == nil {
		return segment, nil
	}
	return f.createSegmentFunc(ctx, segment)
}

func (f *fakeService) UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error) {
	if f.updateSegmentFunc == nil {
		return segment, nil
	}
	return f.updateSegmentFunc(ctx, segment)
}

func (f *fakeService) GetSegment(ctx context.Context, tenantID, key string) (repository.Segment, error) {
	if f.getSegmentFunc == nil {
		return repository.Segment{}, service.ErrSegmentNotFound
	}
	return f.getSegmentFunc(ctx, tenantID, key)
}

func (f *fakeService) ListSegments(ctx context.Context, tenantID string) ([]repository.Segment, error) {
	if f.listSegmentsFunc == nil {
		return nil, nil
	}
	return f.listSegmentsFunc(ctx, tenantID)
}

func (f *fakeService) DeleteSegment(ctx context.Context, tenantID, key string) error {
	if f.deleteSegmentFunc == nil {
		return nil
	}
	return f.deleteSegmentFunc(ctx, tenantID, key)
}

func (f *fakeService) ListAudit(ctx context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error) {
	if f.listAuditFunc == nil {
		return nil, nil
	}
	return f.listAuditFunc(ctx, tenantID, filter)
}

type fakePinger struct {
	err error
}

func (p fakePinger) Ping(context.Context) error { return p.err }
