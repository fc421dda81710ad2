// Package middleware provides the authentication, request logging, and rate
// limiting layers shared by the splitz HTTP and gRPC transports.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/crypto/bcrypt"
)

const (
	apiKeyHashCost = bcrypt.DefaultCost

	// DefaultAPIKeyCacheTTL is how long a successfully validated token is
	// trusted without another bcrypt comparison.
	DefaultAPIKeyCacheTTL = 30 * time.Second

	maxCachedAPIKeys = 10000
)

var (
	errInvalidTokenFormat = errors.New("invalid token format")
	errInvalidToken       = errors.New("invalid token")
)

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// APIKeyLookup returns the stored hash and tenant of a non-revoked key ID.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

// APIKeyValidator resolves "<id>.<secret>" bearer tokens to tenant IDs.
//
// Successful validations are cached under the SHA-256 of the token so the
// bcrypt comparison runs at most once per TTL. Failures are never cached, and
// a revoked key stays usable until its cached entry expires.
type APIKeyValidator struct {
	lookup APIKeyLookup
	cache  *ttlcache.Cache[string, string]
}

// NewAPIKeyValidator builds a validator. A non-positive ttl disables caching.
// Call Stop to release the cache's expiry goroutine.
func NewAPIKeyValidator(lookup APIKeyLookup, ttl time.Duration) *APIKeyValidator {
	v := &APIKeyValidator{lookup: lookup}
	if ttl > 0 {
		v.cache = ttlcache.New(
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithCapacity[string, string](maxCachedAPIKeys),
			ttlcache.WithDisableTouchOnHit[string, string](),
		)
		go v.cache.Start()
	}
	return v
}

// ValidateToken implements TokenValidator.
func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errInvalidTokenFormat
	}

	cacheKey := tokenFingerprint(token)
	if v.cache != nil {
		if item := v.cache.Get(cacheKey); item != nil {
			return item.Value(), nil
		}
	}

	keyHash, tenantID, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errInvalidToken
	}

	if v.cache != nil {
		v.cache.Set(cacheKey, tenantID, ttlcache.DefaultTTL)
	}

	return tenantID, nil
}

// Stop halts the cache's expiry goroutine.
func (v *APIKeyValidator) Stop() {
	if v != nil && v.cache != nil {
		v.cache.Stop()
	}
}

func tokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
