package core

import (
	"crypto/sha256"
	"encoding/binary"
)

// bucketModulus gives buckets seven decimal digits of resolution.
const bucketModulus = 10_000_000

// Bucket maps (tenant, flag key, user id) to a stable value in [0,1).
//
// The value is derived from the first 60 bits (15 hex digits) of
// SHA-256("tenant:flagKey:userID"), reduced modulo bucketModulus. It must stay
// byte-for-byte stable: changing it reshuffles every user of every rollout.
func Bucket(tenant, flagKey, userID string) float64 {
	sum := sha256.Sum256([]byte(tenant + ":" + flagKey + ":" + userID))
	n := binary.BigEndian.Uint64(sum[:8]) >> 4
	return float64(n%bucketModulus) / bucketModulus
}
