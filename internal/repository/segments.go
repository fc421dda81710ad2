package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const segmentColumns = `tenant_id, key, description, criteria, created_at, updated_at`

func (r *PostgresRepository) CreateSegment(ctx context.Context, segment Segment) (Segment, error) {
	created, err := scanSegment(r.pool.QueryRow(ctx, `
		INSERT INTO segments (tenant_id, key, description, criteria)
		VALUES ($1, $2, $3, $4)
		RETURNING `+segmentColumns,
		segment.TenantID,
		segment.Key,
		segment.Description,
		ensureJSON(segment.Criteria, `{"rules":[]}`),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("create segment: %w", mapUniqueViolation(err))
	}

	return created, nil
}

func (r *PostgresRepository) UpdateSegment(ctx context.Context, segment Segment) (Segment, error) {
	updated, err := scanSegment(r.pool.QueryRow(ctx, `
		UPDATE segments
		SET description = $3,
		    criteria = $4,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND key = $2
		RETURNING `+segmentColumns,
		segment.TenantID,
		segment.Key,
		segment.Description,
		ensureJSON(segment.Criteria, `{"rules":[]}`),
	))
	if err != nil {
		return Segment{}, fmt.Errorf("update segment: %w", err)
	}

	return updated, nil
}

func (r *PostgresRepository) GetSegment(ctx context.Context, tenantID, key string) (Segment, error) {
	segment, err := scanSegment(r.pool.QueryRow(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE tenant_id = $1 AND key = $2
	`, tenantID, key))
	if err != nil {
		return Segment{}, fmt.Errorf("get segment: %w", err)
	}

	return segment, nil
}

// ListSegments returns every segment of a tenant ordered by key.
func (r *PostgresRepository) ListSegments(ctx context.Context, tenantID string) ([]Segment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+segmentColumns+`
		FROM segments
		WHERE tenant_id = $1
		ORDER BY key
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	defer rows.Close()

	segments := make([]Segment, 0)
	for rows.Next() {
		segment, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, segment)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list segments rows: %w", err)
	}

	return segments, nil
}

// DeleteSegment removes a segment. Flags that still reference it simply stop
// matching on it.
func (r *PostgresRepository) DeleteSegment(ctx context.Context, tenantID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM segments WHERE tenant_id = $1 AND key = $2`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete segment: %w", err)
	}

	return requireRowsAffected("delete segment", commandTag)
}

func scanSegment(row pgx.Row) (Segment, error) {
	var segment Segment
	err := row.Scan(
		&segment.TenantID,
		&segment.Key,
		&segment.Description,
		&segment.Criteria,
		&segment.CreatedAt,
		&segment.UpdatedAt,
	)
	return segment, err
}
