// Package repository provides persistence for tenant-scoped flags, segments,
// API keys, and the audit log. PostgresRepository backs the server; the YAML
// FileRepository serves offline evaluation from the CLI.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolationCode = "23505"

// ErrDuplicate is returned when an insert collides with a live row that has
// the same tenant and key.
var ErrDuplicate = errors.New("duplicate key")

// IsNotFound reports whether err means the requested row does not exist.
// Every store in this package wraps pgx.ErrNoRows for that case.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// Flag is the stored form of a flag. Variants and Rules are kept as raw JSON;
// the service layer decodes them into core types.
type Flag struct {
	TenantID    string          `json:"-"`
	Key         string          `json:"key"`
	Description string          `json:"description"`
	State       string          `json:"state"`
	Variants    json.RawMessage `json:"variants"`
	Rules       json.RawMessage `json:"rules"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DeletedAt   *time.Time      `json:"deleted_at,omitempty"`
}

// Segment is a stored segment. Criteria holds {"rules":[{"attributes":{...}}]}.
type Segment struct {
	TenantID    string          `json:"-"`
	Key         string          `json:"key"`
	Description string          `json:"description"`
	Criteria    json.RawMessage `json:"criteria"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PostgresRepository implements flag, segment, API key, and audit persistence
// on a pgxpool connection pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Ping checks that the database is reachable.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	if err := r.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

const flagColumns = `tenant_id, key, description, state, variants, rules, created_at, updated_at, deleted_at`

// CreateFlag inserts a new flag. A live flag with the same tenant and key
// yields ErrDuplicate.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	created, err := scanFlag(r.pool.QueryRow(ctx, `
		INSERT INTO flags (tenant_id, key, description, state, variants, rules)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+flagColumns,
		flag.TenantID,
		flag.Key,
		flag.Description,
		flag.State,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", mapUniqueViolation(err))
	}

	return created, nil
}

// UpdateFlag replaces the mutable fields of a live flag. Returns pgx.ErrNoRows
// (wrapped) if the flag does not exist or was deleted.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag) (Flag, error) {
	updated, err := scanFlag(r.pool.QueryRow(ctx, `
		UPDATE flags
		SET description = $3,
		    state = $4,
		    variants = $5,
		    rules = $6,
		    updated_at = NOW()
		WHERE tenant_id = $1 AND key = $2 AND deleted_at IS NULL
		RETURNING `+flagColumns,
		flag.TenantID,
		flag.Key,
		flag.Description,
		flag.State,
		ensureJSON(flag.Variants, "[]"),
		ensureJSON(flag.Rules, "[]"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	return updated, nil
}

// GetFlag returns the live flag for tenantID and key. Soft-deleted flags are
// invisible. Returns pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, tenantID, key string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE tenant_id = $1 AND key = $2 AND deleted_at IS NULL
	`, tenantID, key))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns a tenant's live flags ordered by key.
func (r *PostgresRepository) ListFlags(ctx context.Context, tenantID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+`
		FROM flags
		WHERE tenant_id = $1 AND deleted_at IS NULL
		ORDER BY key
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag soft-deletes a live flag by stamping deleted_at. The key can be
// reused afterwards. Returns pgx.ErrNoRows (wrapped) if there is nothing to delete.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, tenantID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE flags SET deleted_at = NOW(), updated_at = NOW()
		WHERE tenant_id = $1 AND key = $2 AND deleted_at IS NULL
	`, tenantID, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	return requireRowsAffected("delete flag", commandTag)
}

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.TenantID,
		&flag.Key,
		&flag.Description,
		&flag.State,
		&flag.Variants,
		&flag.Rules,
		&flag.CreatedAt,
		&flag.UpdatedAt,
		&flag.DeletedAt,
	)
	return flag, err
}

func requireRowsAffected(operation string, commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", operation, pgx.ErrNoRows)
	}

	return nil
}

func mapUniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	return err
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
