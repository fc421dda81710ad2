package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/matt-riley/splitz/internal/repository"
)

type fakeRepository struct {
	mu       sync.Mutex
	flags    map[string]repository.Flag
	segments map[string]repository.Segment
	audit    []repository.AuditEntry

	getFlagCalls      int
	listSegmentsCalls int

	getFlagErr      error
	listSegmentsErr error
	createFlagErr   error
	auditErr        error

	// getFlagGate and listSegmentsGate, when set, block the call until they
	// are closed or the call's context ends.
	getFlagGate      chan struct{}
	listSegmentsGate chan struct{}
}

func waitGate(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		flags:    make(map[string]repository.Flag),
		segments: make(map[string]repository.Segment),
	}
}

func fakeKey(tenantID, key string) string {
	return tenantID + "/" + key
}

func notFound(what string) error {
	return fmt.Errorf("get %s: %w", what, pgx.ErrNoRows)
}

func (r *fakeRepository) putFlag(flag repository.Flag) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[fakeKey(flag.TenantID, flag.Key)] = flag
}

func (r *fakeRepository) putSegment(segment repository.Segment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.segments[fakeKey(segment.TenantID, segment.Key)] = segment
}

func (r *fakeRepository) calls() (getFlag, listSegments int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getFlagCalls, r.listSegmentsCalls
}

func (r *fakeRepository) auditEntries() []repository.AuditEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repository.AuditEntry(nil), r.audit...)
}

func (r *fakeRepository) GetFlag(ctx context.Context, tenantID, key string) (repository.Flag, error) {
	r.mu.Lock()
	r.getFlagCalls++
	gate := r.getFlagGate
	r.mu.Unlock()

	if err := waitGate(ctx, gate); err != nil {
		return repository.Flag{}, fmt.Errorf("get flag: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getFlagErr != nil {
		return repository.Flag{}, r.getFlagErr
	}
	flag, ok := r.flags[fakeKey(tenantID, key)]
	if !ok || flag.DeletedAt != nil {
		return repository.Flag{}, notFound("flag")
	}
	return flag, nil
}

func (r *fakeRepository) CreateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createFlagErr != nil {
		return repository.Flag{}, r.createFlagErr
	}
	if existing, ok := r.flags[fakeKey(flag.TenantID, flag.Key)]; ok && existing.DeletedAt == nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", repository.ErrDuplicate)
	}
	now := time.Now().UTC()
	flag.CreatedAt, flag.UpdatedAt = now, now
	r.flags[fakeKey(flag.TenantID, flag.Key)] = flag
	return flag, nil
}

func (r *fakeRepository) UpdateFlag(_ context.Context, flag repository.Flag) (repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.flags[fakeKey(flag.TenantID, flag.Key)]
	if !ok || existing.DeletedAt != nil {
		return repository.Flag{}, notFound("flag")
	}
	flag.CreatedAt = existing.CreatedAt
	flag.UpdatedAt = time.Now().UTC()
	r.flags[fakeKey(flag.TenantID, flag.Key)] = flag
	return flag, nil
}

func (r *fakeRepository) ListFlags(_ context.Context, tenantID string) ([]repository.Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags := make([]repository.Flag, 0)
	for _, flag := range r.flags {
		if flag.TenantID == tenantID && flag.DeletedAt == nil {
			flags = append(flags, flag)
		}
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Key < flags[j].Key })
	return flags, nil
}

func (r *fakeRepository) DeleteFlag(_ context.Context, tenantID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag, ok := r.flags[fakeKey(tenantID, key)]
	if !ok || flag.DeletedAt != nil {
		return notFound("flag")
	}
	now := time.Now().UTC()
	flag.DeletedAt = &now
	r.flags[fakeKey(tenantID, key)] = flag
	return nil
}

func (r *fakeRepository) CreateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[fakeKey(segment.TenantID, segment.Key)]; ok {
		return repository.Segment{}, fmt.Errorf("create segment: %w", repository.ErrDuplicate)
	}
	r.segments[fakeKey(segment.TenantID, segment.Key)] = segment
	return segment, nil
}

func (r *fakeRepository) UpdateSegment(_ context.Context, segment repository.Segment) (repository.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[fakeKey(segment.TenantID, segment.Key)]; !ok {
		return repository.Segment{}, notFound("segment")
	}
	r.segments[fakeKey(segment.TenantID, segment.Key)] = segment
	return segment, nil
}

func (r *fakeRepository) GetSegment(_ context.Context, tenantID, key string) (repository.Segment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	segment, ok := r.segments[fakeKey(tenantID, key)]
	if !ok {
		return repository.Segment{}, notFound("segment")
	}
	return segment, nil
}

func (r *fakeRepository) ListSegments(ctx context.Context, tenantID string) ([]repository.Segment, error) {
	r.mu.Lock()
	r.listSegmentsCalls++
	gate := r.listSegmentsGate
	r.mu.Unlock()

	if err := waitGate(ctx, gate); err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listSegmentsErr != nil {
		return nil, r.listSegmentsErr
	}
	var segments []repository.Segment
	for _, segment := range r.segments {
		if segment.TenantID == tenantID {
			segments = append(segments, segment)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Key < segments[j].Key })
	return segments, nil
}

func (r *fakeRepository) DeleteSegment(_ context.Context, tenantID, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.segments[fakeKey(tenantID, key)]; !ok {
		return notFound("segment")
	}
	delete(r.segments, fakeKey(tenantID, key))
	return nil
}

func (r *fakeRepository) InsertAuditEntry(ctx context.Context, entry repository.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.auditErr != nil {
		return r.auditErr
	}
	entry.ID = int64(len(r.audit) + 1)
	entry.Timestamp = time.Now().UTC()
	r.audit = append(r.audit, entry)
	return nil
}

func (r *fakeRepository) ListAuditEntries(_ context.Context, tenantID string, filter repository.AuditFilter) ([]repository.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := make([]repository.AuditEntry, 0)
	for i := len(r.audit) - 1; i >= 0 && len(entries) < filter.Limit; i-- {
		entry := r.audit[i]
		if entry.TenantID != tenantID {
			continue
		}
		if filter.Entity != "" && entry.Entity != filter.Entity {
			continue
		}
		if filter.EntityKey != "" && entry.EntityKey != filter.EntityKey {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type fakeRecorder struct {
	mu            sync.Mutex
	reasons       map[string]int
	hits          map[string]int
	misses        map[string]int
	invalidations map[string]int
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		reasons:       make(map[string]int),
		hits:          make(map[string]int),
		misses:        make(map[string]int),
		invalidations: make(map[string]int),
	}
}

func (r *fakeRecorder) RecordEvaluation(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons[reason]++
}

func (r *fakeRecorder) RecordCacheLookup(cache string, hit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if hit {
		r.hits[cache]++
		return
	}
	r.misses[cache]++
}

func (r *fakeRecorder) RecordCacheInvalidation(cache string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidations[cache]++
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func checkoutRecord(tenantID string) repository.Flag {
	return repository.Flag{
		TenantID: tenantID,
		Key:      "checkout",
		State:    "on",
		Variants: json.RawMessage(`[{"key":"control","weight":50},{"key":"treatment","weight":50}]`),
		Rules:    json.RawMessage(`[]`),
	}
}

func segmentRecord(tenantID, key, criteria string) repository.Segment {
	return repository.Segment{TenantID: tenantID, Key: key, Criteria: json.RawMessage(criteria)}
}
