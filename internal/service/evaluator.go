package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/matt-riley/splitz/internal/cache"
	"github.com/matt-riley/splitz/internal/core"
	"github.com/matt-riley/splitz/internal/logging"
	"github.com/matt-riley/splitz/internal/repository"
	"github.com/matt-riley/splitz/internal/tracing"
)

const (
	DefaultFlagCacheTTL    = 15 * time.Second
	DefaultSegmentCacheTTL = 120 * time.Second

	// sharedLoadTimeout bounds a storage load shared by concurrent misses. The
	// load is detached from any single caller's cancellation.
	sharedLoadTimeout = 5 * time.Second

	flagCacheName    = "flag"
	segmentCacheName = "segment"
)

// FlagReader loads one live flag. A missing or soft-deleted flag is reported
// with an error for which repository.IsNotFound is true.
type FlagReader interface {
	GetFlag(ctx context.Context, tenantID, key string) (repository.Flag, error)
}

// SegmentReader lists every segment of a tenant.
type SegmentReader interface {
	ListSegments(ctx context.Context, tenantID string) ([]repository.Segment, error)
}

// Recorder receives evaluation and cache events. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordEvaluation(reason string)
	RecordCacheLookup(cache string, hit bool)
	RecordCacheInvalidation(cache string)
}

type nopRecorder struct{}

func (nopRecorder) RecordEvaluation(string)        {}
func (nopRecorder) RecordCacheLookup(string, bool) {}
func (nopRecorder) RecordCacheInvalidation(string) {}

// Evaluator resolves flags for users through a TTL read-through cache. It is
// safe for concurrent use.
type Evaluator struct {
	flags    FlagReader
	segments SegmentReader

	flagCache    *cache.Cache[core.Flag]
	segmentCache *cache.Cache[[]core.Segment]
	loads        singleflight.Group

	logger   *slog.Logger
	recorder Recorder
	tracer   trace.Tracer
}

type EvaluatorOption func(*evaluatorOptions)

type evaluatorOptions struct {
	segments        SegmentReader
	flagCacheTTL    time.Duration
	segmentCacheTTL time.Duration
	shards          int
	now             func() time.Time
	logger          *slog.Logger
	recorder        Recorder
}

// WithSegments enables segment targeting backed by reader.
func WithSegments(reader SegmentReader) EvaluatorOption {
	return func(o *evaluatorOptions) { o.segments = reader }
}

func WithFlagCacheTTL(ttl time.Duration) EvaluatorOption {
	return func(o *evaluatorOptions) {
		if ttl > 0 {
			o.flagCacheTTL = ttl
		}
	}
}

func WithSegmentCacheTTL(ttl time.Duration) EvaluatorOption {
	return func(o *evaluatorOptions) {
		if ttl > 0 {
			o.segmentCacheTTL = ttl
		}
	}
}

func WithCacheShards(n int) EvaluatorOption {
	return func(o *evaluatorOptions) { o.shards = n }
}

// WithClock drives cache expiry from now instead of time.Now.
func WithClock(now func() time.Time) EvaluatorOption {
	return func(o *evaluatorOptions) { o.now = now }
}

func WithLogger(logger *slog.Logger) EvaluatorOption {
	return func(o *evaluatorOptions) { o.logger = logger }
}

func WithRecorder(recorder Recorder) EvaluatorOption {
	return func(o *evaluatorOptions) { o.recorder = recorder }
}

// NewEvaluator builds an Evaluator reading flags from flags.
func NewEvaluator(flags FlagReader, opts ...EvaluatorOption) *Evaluator {
	o := evaluatorOptions{
		flagCacheTTL:    DefaultFlagCacheTTL,
		segmentCacheTTL: DefaultSegmentCacheTTL,
		shards:          cache.DefaultShards,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.recorder == nil {
		o.recorder = nopRecorder{}
	}

	cacheOpts := []cache.Option{cache.WithShards(o.shards), cache.WithClock(o.now)}

	return &Evaluator{
		flags:        flags,
		segments:     o.segments,
		flagCache:    cache.New[core.Flag](o.flagCacheTTL, cacheOpts...),
		segmentCache: cache.New[[]core.Segment](o.segmentCacheTTL, cacheOpts...),
		logger:       o.logger,
		recorder:     o.recorder,
		tracer:       tracing.Tracer(),
	}
}

// Evaluate resolves flagKey for the user in evalCtx. It returns
// ErrFlagNotFound when the tenant has no live flag with that key and ctx's
// error when the caller gives up first; any other error comes from storage.
// The result is exactly what the rule engine produced.
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, flagKey string, evalCtx core.EvaluationContext) (core.EvaluationResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return core.EvaluationResult{}, ErrTenantRequired
	}
	if strings.TrimSpace(flagKey) == "" {
		return core.EvaluationResult{}, ErrKeyRequired
	}

	ctx, span := e.tracer.Start(ctx, "splitz.evaluate", trace.WithAttributes(
		attribute.String("splitz.tenant", tenantID),
		attribute.String("splitz.flag_key", flagKey),
	))
	defer span.End()

	flag, err := e.flag(ctx, tenantID, flagKey)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return core.EvaluationResult{}, err
	}

	var segments []core.Segment
	if core.UsesSegments(flag) {
		segments = e.tenantSegments(ctx, tenantID)
		if err := ctx.Err(); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return core.EvaluationResult{}, err
		}
	}

	result := core.Evaluate(flag, tenantID, evalCtx, segments)
	e.recorder.RecordEvaluation(string(result.Reason))
	span.SetAttributes(
		attribute.String("splitz.reason", string(result.Reason)),
		attribute.String("splitz.variant", result.VariantKey()),
		attribute.Float64("splitz.bucket", result.Details.Bucket),
	)

	return result, nil
}

// Invalidate drops the cached flag so the next evaluation reads storage.
func (e *Evaluator) Invalidate(tenantID, flagKey string) {
	key := cache.FlagKey(tenantID, flagKey)
	e.flagCache.Delete(key)
	e.loads.Forget(key)
	e.recorder.RecordCacheInvalidation(flagCacheName)
}

// InvalidateTenant drops every cached flag of a tenant and returns how many
// entries were removed.
func (e *Evaluator) InvalidateTenant(tenantID string) int {
	removed := e.flagCache.InvalidatePrefix(cache.TenantFlagsPrefix(tenantID))
	e.recorder.RecordCacheInvalidation(flagCacheName)
	return removed
}

// InvalidateSegments drops the tenant's cached segment list.
func (e *Evaluator) InvalidateSegments(tenantID string) {
	key := cache.SegmentsKey(tenantID)
	e.segmentCache.Delete(key)
	e.loads.Forget(key)
	e.recorder.RecordCacheInvalidation(segmentCacheName)
}

func (e *Evaluator) flag(ctx context.Context, tenantID, flagKey string) (core.Flag, error) {
	key := cache.FlagKey(tenantID, flagKey)
	if flag, ok := e.flagCache.Get(key); ok {
		e.recorder.RecordCacheLookup(flagCacheName, true)
		return flag, nil
	}
	e.recorder.RecordCacheLookup(flagCacheName, false)

	v, err := e.load(ctx, key, func(loadCtx context.Context) (any, error) {
		stored, err := e.flags.GetFlag(loadCtx, tenantID, flagKey)
		if err != nil {
			if repository.IsNotFound(err) {
				return core.Flag{}, ErrFlagNotFound
			}
			return core.Flag{}, fmt.Errorf("get flag %q: %w", flagKey, err)
		}

		flag, err := parseFlag(stored)
		if err != nil {
			return core.Flag{}, fmt.Errorf("decode flag %q: %w", flagKey, err)
		}

		e.flagCache.Set(key, flag)
		return flag, nil
	})
	if err != nil {
		return core.Flag{}, err
	}

	return v.(core.Flag), nil
}

// tenantSegments returns the tenant's segments, or nil when segment data is
// unavailable. Failures are logged and never fail the evaluation.
func (e *Evaluator) tenantSegments(ctx context.Context, tenantID string) []core.Segment {
	if e.segments == nil {
		return nil
	}

	key := cache.SegmentsKey(tenantID)
	if segments, ok := e.segmentCache.Get(key); ok {
		e.recorder.RecordCacheLookup(segmentCacheName, true)
		return segments
	}
	e.recorder.RecordCacheLookup(segmentCacheName, false)

	v, err := e.load(ctx, key, func(loadCtx context.Context) (any, error) {
		stored, err := e.segments.ListSegments(loadCtx, tenantID)
		if err != nil {
			return nil, err
		}

		segments, skipped := toCoreSegments(stored)
		if len(skipped) > 0 {
			logging.FromContext(loadCtx, e.logger).WarnContext(loadCtx, "skipping segments with malformed criteria",
				slog.String("tenant_id", tenantID),
				slog.Any("segments", skipped),
			)
		}

		e.segmentCache.Set(key, segments)
		return segments, nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logging.FromContext(ctx, e.logger).WarnContext(ctx, "segment lookup failed; evaluating without segments",
			slog.String("tenant_id", tenantID),
			slog.Any("error", err),
		)
		return nil
	}

	return v.([]core.Segment)
}

// load collapses concurrent misses for key into one call of fn. fn keeps ctx's
// values but not its cancellation and is bounded by sharedLoadTimeout; each
// caller stops waiting when its own ctx ends.
func (e *Evaluator) load(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	loadCtx := context.WithoutCancel(ctx)
	ch := e.loads.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(loadCtx, sharedLoadTimeout)
		defer cancel()
		return fn(loadCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		return res.Val, res.Err
	}
}
