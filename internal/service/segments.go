package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/matt-riley/splitz/internal/repository"
)

// CreateSegment stores a new segment. An existing segment with the same key is
// returned unchanged together with ErrSegmentExists.
func (s *Service) CreateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error) {
	if err := validateSegment(segment); err != nil {
		return repository.Segment{}, err
	}

	existing, err := s.repo.GetSegment(ctx, segment.TenantID, segment.Key)
	switch {
	case err == nil:
		return existing, ErrSegmentExists
	case !repository.IsNotFound(err):
		return repository.Segment{}, fmt.Errorf("get segment: %w", err)
	}

	created, err := s.repo.CreateSegment(ctx, segment)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			if existing, getErr := s.repo.GetSegment(ctx, segment.TenantID, segment.Key); getErr == nil {
				return existing, ErrSegmentExists
			}
		}
		return repository.Segment{}, fmt.Errorf("create segment: %w", err)
	}

	s.evaluator.InvalidateSegments(created.TenantID)
	s.recordAuditBestEffort(ctx, created.TenantID, EntitySegment, created.Key, ActionCreate, nil, created)

	return created, nil
}

func (s *Service) UpdateSegment(ctx context.Context, segment repository.Segment) (repository.Segment, error) {
	if err := validateSegment(segment); err != nil {
		return repository.Segment{}, err
	}

	before, err := s.GetSegment(ctx, segment.TenantID, segment.Key)
	if err != nil {
		return repository.Segment{}, err
	}

	updated, err := s.repo.UpdateSegment(ctx, segment)
	if err != nil {
		if repository.IsNotFound(err) {
			s.evaluator.InvalidateSegments(segment.TenantID)
			return repository.Segment{}, ErrSegmentNotFound
		}
		return repository.Segment{}, fmt.Errorf("update segment: %w", err)
	}

	s.evaluator.InvalidateSegments(updated.TenantID)
	s.recordAuditBestEffort(ctx, updated.TenantID, EntitySegment, updated.Key, ActionUpdate, before, updated)

	return updated, nil
}

func (s *Service) GetSegment(ctx context.Context, tenantID, key string) (repository.Segment, error) {
	if err := requireTenantAndKey(tenantID, key); err != nil {
		return repository.Segment{}, err
	}

	segment, err := s.repo.GetSegment(ctx, tenantID, key)
	if err != nil {
		if repository.IsNotFound(err) {
			return repository.Segment{}, ErrSegmentNotFound
		}
		return repository.Segment{}, fmt.Errorf("get segment: %w", err)
	}

	return segment, nil
}

func (s *Service) ListSegments(ctx context.Context, tenantID string) ([]repository.Segment, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, ErrTenantRequired
	}

	segments, err := s.repo.ListSegments(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	return segments, nil
}

// DeleteSegment removes a segment. Rules that still name it stop matching.
func (s *Service) DeleteSegment(ctx context.Context, tenantID, key string) error {
	before, err := s.GetSegment(ctx, tenantID, key)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteSegment(ctx, tenantID, key); err != nil {
		if repository.IsNotFound(err) {
			s.evaluator.InvalidateSegments(tenantID)
			return ErrSegmentNotFound
		}
		return fmt.Errorf("delete segment: %w", err)
	}

	s.evaluator.InvalidateSegments(tenantID)
	s.recordAuditBestEffort(ctx, tenantID, EntitySegment, key, ActionDelete, before, nil)

	return nil
}

func validateSegment(segment repository.Segment) error {
	if err := requireTenantAndKey(segment.TenantID, segment.Key); err != nil {
		return err
	}
	_, err := parseSegmentCriteria(segment.Criteria)
	return err
}
