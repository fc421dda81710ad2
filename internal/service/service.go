// Package service holds the flag evaluation facade and the management
// operations behind the HTTP, gRPC, and CLI surfaces.
//
// Evaluator reads flags through a TTL cache and hands them to the core rule
// engine. Service wraps a repository with validation, cache invalidation after
// every committed write, and a best-effort audit trail.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/logging"
	"github.com/matt-riley/splitz/internal/middleware"
	"github.com/matt-riley/splitz/internal/repository"
)

const (
	bestEffortTimeout = 2 * time.Second
	systemActor       = "system"

	EntityFlag    = "flag"
	EntitySegment = "segment"

	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

var (
	ErrFlagNotFound       = errors.New("flag not found")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrFlagExists         = errors.New("flag already exists")
	ErrSegmentExists      = errors.New("segment already exists")
	ErrInvalidRules       = errors.New("invalid rules")
	ErrInvalidVariants    = errors.New("invalid variants")
	ErrInvalidState       = errors.New("invalid state")
	ErrInvalidSegment     = errors.New("invalid segment")
	ErrInvalidAuditFilter = errors.New("invalid audit filter")
	ErrTenantRequired     = errors.New("tenant is required")
	ErrKeyRequired        = errors.New("key is required")
)

// Repository is the storage the management service writes through.
type Repository interface {
	FlagReader
	SegmentReader
	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, tenantID, key string) error
	CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error)
	GetSegment(ctx context.Context, tenantID, key string) (repository.Segment, error)
	DeleteSegment(ctx context.Context, tenantID, key string) error
	InsertAuditEntry(ctx context.Context, entry repository.AuditEntry) error
	ListAuditEntries(ctx context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error)
}

// EvaluationRequest is one item of a batch evaluation.
type EvaluationRequest struct {
	FlagKey string
	Context core.EvaluationContext
}

// BatchResult pairs a requested flag with its result or the error that
// prevented evaluation.
type BatchResult struct {
	FlagKey string
	Result  core.EvaluationResult
	Err     error
}

type Service struct {
	repo      Repository
	evaluator *Evaluator
	logger    *slog.Logger
}

// New wires a Service and its Evaluator over repo. Segment targeting is always
// enabled because repo can list segments.
func New(repo Repository, opts ...EvaluatorOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	evaluator := NewEvaluator(repo, append([]EvaluatorOption{WithSegments(repo)}, opts...)...)

	return &Service{
		repo:      repo,
		evaluator: evaluator,
		logger:    evaluator.logger,
	}, nil
}

// Evaluator exposes the evaluation facade shared by the transports.
func (s *Service) Evaluator() *Evaluator {
	return s.evaluator
}

func (s *Service) Evaluate(ctx context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error) {
	return s.evaluator.Evaluate(ctx, tenantID, flagKey, evalCtx)
}

// EvaluateBatch evaluates every request independently. A failing item does
// not stop the batch; its error is reported in the matching BatchResult.
func (s *Service) EvaluateBatch(ctx context.Context, tenantID string, requests []EvaluationRequest) []BatchResult {
	results := make([]BatchResult, 0, len(requests))
	for _, request := range requests {
		result, err := s.evaluator.Evaluate(ctx, tenantID, request.FlagKey, request.Context)
		results = append(results, BatchResult{FlagKey: request.FlagKey, Result: result, Err: err})
	}
	return results
}

// CreateFlag stores a new flag. When a live flag with the same key exists the
// stored record is returned together with ErrFlagExists and nothing changes.
func (s *Service) CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateFlag(flag); err != nil {
		return repository.Flag{}, err
	}

	existing, err := s.repo.GetFlag(ctx, flag.TenantID, flag.Key)
	switch {
	case err == nil:
		return existing, ErrFlagExists
	case !repository.IsNotFound(err):
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a race with a concurrent create.
			if existing, getErr := s.repo.GetFlag(ctx, flag.TenantID, flag.Key); getErr == nil {
				return existing, ErrFlagExists
			}
		}
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	s.evaluator.Invalidate(created.TenantID, created.Key)
	s.recordAuditBestEffort(ctx, created.TenantID, EntityFlag, created.Key, ActionCreate, nil, created)

	return created, nil
}

func (s *Service) UpdateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error) {
	if err := validateFlag(flag); err != nil {
		return repository.Flag{}, err
	}

	before, err := s.GetFlag(ctx, flag.TenantID, flag.Key)
	if err != nil {
		return repository.Flag{}, err
	}

	updated, err := s.repo.UpdateFlag(ctx, flag)
	if err != nil {
		if repository.IsNotFound(err) {
			s.evaluator.Invalidate(flag.TenantID, flag.Key)
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("update flag: %w", err)
	}

	s.evaluator.Invalidate(updated.TenantID, updated.Key)
	s.recordAuditBestEffort(ctx, updated.TenantID, EntityFlag, updated.Key, ActionUpdate, before, updated)

	return updated, nil
}

func (s *Service) GetFlag(ctx context.Context, tenantID, key string) (repository.Flag, error) {
	if err := requireTenantAndKey(tenantID, key); err != nil {
		return repository.Flag{}, err
	}

	flag, err := s.repo.GetFlag(ctx, tenantID, key)
	if err != nil {
		if repository.IsNotFound(err) {
			return repository.Flag{}, ErrFlagNotFound
		}
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

func (s *Service) ListFlags(ctx context.Context, tenantID string) ([]repository.Flag, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}

	flags, err := s.repo.ListFlags(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}

	return flags, nil
}

// DeleteFlag soft-deletes a flag. Evaluations see it as missing immediately.
func (s *Service) DeleteFlag(ctx context.Context, tenantID, key string) error {
	before, err := s.GetFlag(ctx, tenantID, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteFlag(ctx, tenantID, key); err != nil {
		if repository.IsNotFound(err) {
			s.evaluator.Invalidate(tenantID, key)
			return ErrFlagNotFound
		}
		return fmt.Errorf("delete flag: %w", err)
	}

	s.evaluator.Invalidate(tenantID, key)
	s.recordAuditBestEffort(ctx, tenantID, EntityFlag, key, ActionDelete, before, nil)

	return nil
}

// ListAudit returns audit entries newest first. The limit is clamped to
// [1, repository.MaxAuditLimit] with repository.DefaultAuditLimit for zero.
func (s *Service) ListAudit(ctx context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}
	switch filter.Entity {
	case "", EntityFlag, EntitySegment:
	default:
		return nil, fmt.Errorf("%w: unknown entity %q", ErrInvalidAuditFilter, filter.Entity)
	}
	if filter.Start != nil && filter.End != nil && filter.End.Before(*filter.Start) {
		return nil, fmt.Errorf("%w: end_ts is before start_ts", ErrInvalidAuditFilter)
	}
	filter.Limit = repository.ClampAuditLimit(filter.Limit)

	entries, err := s.repo.ListAuditEntries(ctx, tenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}

	return entries, nil
}

func (s *Service) recordAuditBestEffort(ctx context.Context, tenantID, entity, key, action string, before, after any) {
	// The mutation has already committed; the audit insert must not undo or
	// fail it.
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	if err := s.recordAudit(auditCtx, tenantID, entity, key, action, before, after); err != nil {
		logging.FromContext(ctx, s.logger).WarnContext(ctx, "audit write failed",
			slog.String("entity", entity),
			slog.String("entity_key", key),
			slog.String("action", action),
			slog.Any("error", err),
		)
	}
}

func (s *Service) recordAudit(ctx context.Context, tenantID, entity, key, action string, before, after any) error {
	entry := repository.AuditEntry{
		TenantID:  tenantID,
		Actor:     actorFromContext(ctx),
		Entity:    entity,
		EntityKey: key,
		Action:    action,
	}

	var err error
	if entry.Before, err = marshalSnapshot(before); err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	if entry.After, err = marshalSnapshot(after); err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}

	if err := s.repo.InsertAuditEntry(ctx, entry); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

func actorFromContext(ctx context.Context) string {
	if keyID, ok := middleware.APIKeyIDFromContext(ctx); ok && keyID != "" {
		return keyID
	}
	return systemActor
}

func marshalSnapshot(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func requireTenantAndKey(tenantID, key string) error {
	if strings.TrimSpace(tenantID) == "" {
		return ErrTenantRequired
	}
	if strings.TrimSpace(key) == "" {
		return ErrKeyRequired
	}
	return nil
}

func validateFlag(flag repository.Flag) error {
	if err := requireTenantAndKey(flag.TenantID, flag.Key); err != nil {
		return err
	}
	_, err := parseFlag(flag)
	return err
}
