package repository

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIKey is the non-secret metadata of a stored key. The bcrypt hash never
// leaves the package except through ValidateAPIKey.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// ValidateAPIKey returns the stored hash and tenant ID for a non-revoked key ID.
// Callers compare the secret against the hash.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var tenantID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, tenant_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &tenantID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, tenantID, nil
}

// CreateAPIKey mints a key for tenantID and stores a bcrypt hash of its
// secret. The bearer token is "<id>.<secret>"; the secret is returned exactly
// once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, tenantID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, tenantID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns the tenant's non-revoked keys, oldest first.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, tenantID string) ([]APIKey, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, name, created_at, revoked_at
		FROM api_keys
		WHERE tenant_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKey, 0)
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.CreatedAt, &k.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey stamps revoked_at on a live key. Returns pgx.ErrNoRows
// (wrapped) if the key does not exist or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL
	`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	return requireRowsAffected("revoke api key", commandTag)
}
