package cache

import "strconv"

// Tenant IDs are length-prefixed so a tenant containing ':' can never produce
// another tenant's key or prefix.
func tenantSegment(tenantID string) string {
	return strconv.Itoa(len(tenantID)) + ":" + tenantID + ":"
}

// FlagKey is the cache key of one tenant's flag.
func FlagKey(tenantID, flagKey string) string {
	return "flag:" + tenantSegment(tenantID) + flagKey
}

// TenantFlagsPrefix matches every cached flag of a tenant and nothing else.
func TenantFlagsPrefix(tenantID string) string {
	return "flag:" + tenantSegment(tenantID)
}

// SegmentsKey is the cache key of a tenant's segment list.
func SegmentsKey(tenantID string) string {
	return "segments:" + tenantSegment(tenantID)
}
