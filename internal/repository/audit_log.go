package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

// AuditEntry records one committed mutation of a flag or segment.
type AuditEntry struct {
	ID        int64           `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Actor     string          `json:"actor"`
	Entity    string          `json:"entity"`
	EntityKey string          `json:"entity_key"`
	Action    string          `json:"action"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Timestamp time.Time       `json:"ts"`
}

// AuditFilter narrows ListAuditEntries. Zero fields do not filter.
type AuditFilter struct {
	Entity    string
	EntityKey string
	Start     *time.Time
	End       *time.Time
	Limit     int
}

func (r *PostgresRepository) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, actor, entity, entity_key, action, before, after)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		entry.TenantID,
		entry.Actor,
		entry.Entity,
		entry.EntityKey,
		entry.Action,
		nullableJSON(entry.Before),
		nullableJSON(entry.After),
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries returns a tenant's audit entries, newest first.
func (r *PostgresRepository) ListAuditEntries(ctx context.Context, tenantID string, filter AuditFilter) ([]AuditEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, actor, entity, entity_key, action, before, after, ts
		FROM audit_log
		WHERE tenant_id = @tenant_id
		  AND (@entity::text IS NULL OR entity = @entity)
		  AND (@entity_key::text IS NULL OR entity_key = @entity_key)
		  AND (@start_ts::timestamptz IS NULL OR ts >= @start_ts)
		  AND (@end_ts::timestamptz IS NULL OR ts <= @end_ts)
		ORDER BY ts DESC, id DESC
		LIMIT @limit
	`, auditQueryArgs(tenantID, filter))
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditEntry, 0)
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(
			&e.ID,
			&e.TenantID,
			&e.Actor,
			&e.Entity,
			&e.EntityKey,
			&e.Action,
			&e.Before,
			&e.After,
			&e.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit entries rows: %w", err)
	}
	return entries, nil
}

func auditQueryArgs(tenantID string, filter AuditFilter) pgx.NamedArgs {
	return pgx.NamedArgs{
		"tenant_id":  tenantID,
		"entity":     optionalText(filter.Entity),
		"entity_key": optionalText(filter.EntityKey),
		"start_ts":   filter.Start,
		"end_ts":     filter.End,
		"limit":      ClampAuditLimit(filter.Limit),
	}
}

// ClampAuditLimit maps a requested page size into [1, MaxAuditLimit],
// defaulting non-positive values to DefaultAuditLimit.
func ClampAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultAuditLimit
	case limit > MaxAuditLimit:
		return MaxAuditLimit
	default:
		return limit
	}
}

func optionalText(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func nullableJSON(input json.RawMessage) any {
	if len(input) == 0 {
		return nil
	}
	return input
}
