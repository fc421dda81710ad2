package server

import (
	"context"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/repository"
	"github.com/matt-riley/splitz/internal/service"
)

type Service interface {
	Evaluate(ctx context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error)
	EvaluateBatch(ctx context.Context, tenantID string, requests []service.EvaluationRequest) []service.BatchResult
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, tenantID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, tenantID, key string) error
	CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	GetSegment(ctx context.Context, tenantID, key string) (repository.Segment, error)
	ListSegments(ctx context.Context, tenantID string) ([]repository.Segment, error)
	DeleteSegment(ctx context.Context, tenantID, key string) error
	ListAudit(ctx context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error)
}

// Pinger reports whether storage is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

var (
	_ Service = (*service.Service)(nil)
	_ Pinger  = (*repository.PostgresRepository)(nil)
)
