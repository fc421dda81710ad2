package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/matt-riley/splitz/internal/logging"
	"github.com/matt-riley/splitz/internal/metrics"
	"github.com/matt-riley/splitz/internal/repository"
	"github.com/matt-riley/splitz/internal/service"
)

const (
	defaultMaxJSONBodyBytes = 1 << 20
	readinessTimeout        = 2 * time.Second
)

var errJSONBodyTooLarge = errors.New("json request body too large")

// HTTPServer serves the JSON API. Every /v1 handler expects the tenant to be
// present in the request context; wrap the handler with bearer auth.
type HTTPServer struct {
	service          Service
	pinger           Pinger
	metrics          *metrics.Metrics
	logger           *slog.Logger
	maxJSONBodyBytes int64
}

type HTTPOption func(*HTTPServer)

// WithMaxJSONBodySize caps request bodies. Non-positive values keep the
// 1 MiB default.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(s *HTTPServer) {
		if n > 0 {
			s.maxJSONBodyBytes = n
		}
	}
}

// WithMetrics instruments every route and serves the registry at /metrics.
func WithMetrics(m *metrics.Metrics) HTTPOption {
	return func(s *HTTPServer) { s.metrics = m }
}

// WithReadiness makes /readyz ping p.
func WithReadiness(p Pinger) HTTPOption {
	return func(s *HTTPServer) { s.pinger = p }
}

func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(s *HTTPServer) { s.logger = logger }
}

type evaluateRequest struct {
	FlagKey  string               `json:"flag_key,omitempty"`
	User     map[string]any       `json:"user,omitempty"`
	Requests []evaluateBatchEntry `json:"requests,omitempty"`
}

type evaluateBatchEntry struct {
	FlagKey string         `json:"flag_key"`
	User    map[string]any `json:"user"`
}

type evaluateBatchResponse struct {
	Results []batchItemResponse `json:"results"`
}

func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}

	server := &HTTPServer{
		service:          svc,
		logger:           slog.Default(),
		maxJSONBodyBytes: defaultMaxJSONBodyBytes,
	}
	for _, opt := range opts {
		opt(server)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", server.handleEvaluate)
	mux.HandleFunc("POST /v1/flags", server.handleCreateFlag)
	mux.HandleFunc("GET /v1/flags", server.handleListFlags)
	mux.HandleFunc("GET /v1/flags/{key}", server.handleGetFlag)
	mux.HandleFunc("PUT /v1/flags/{key}", server.handleUpdateFlag)
	mux.HandleFunc("DELETE /v1/flags/{key}", server.handleDeleteFlag)
	mux.HandleFunc("POST /v1/segments", server.handleCreateSegment)
	mux.HandleFunc("GET /v1/segments", server.handleListSegments)
	mux.HandleFunc("GET /v1/segments/{key}", server.handleGetSegment)
	mux.HandleFunc("PUT /v1/segments/{key}", server.handleUpdateSegment)
	mux.HandleFunc("DELETE /v1/segments/{key}", server.handleDeleteSegment)
	mux.HandleFunc("GET /v1/audit", server.handleListAudit)
	mux.HandleFunc("GET /healthz", server.handleHealthz)
	mux.HandleFunc("GET /readyz", server.handleReadyz)

	if server.metrics == nil {
		return mux
	}
	mux.Handle("GET /metrics", server.metrics.Handler())
	return server.metrics.HTTPMiddleware(mux)
}

func (s *HTTPServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var request evaluateRequest
	if err := s.decodeJSONBody(w, r, &request); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	switch {
	case len(request.Requests) > 0 && strings.TrimSpace(request.FlagKey) != "":
		writeJSONError(w, http.StatusBadRequest, "use either flag_key or requests")
	case len(request.Requests) > 0:
		batch := make([]service.EvaluationRequest, 0, len(request.Requests))
		for idx, item := range request.Requests {
			if strings.TrimSpace(item.FlagKey) == "" {
				writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("requests[%d].flag_key is required", idx))
				return
			}
			batch = append(batch, service.EvaluationRequest{
				FlagKey: item.FlagKey,
				Context: evaluationContextFromUser(item.User),
			})
		}
		results := s.service.EvaluateBatch(r.Context(), tenantID, batch)
		writeJSON(w, http.StatusOK, evaluateBatchResponse{Results: toBatchResponse(results)})
	case strings.TrimSpace(request.FlagKey) != "":
		result, err := s.service.Evaluate(r.Context(), tenantID, request.FlagKey, evaluationContextFromUser(request.User))
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toEvaluationResponse(result))
	default:
		writeJSONError(w, http.StatusBadRequest, "flag_key or requests is required")
	}
}

func (s *HTTPServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	flag.TenantID = tenantID

	created, err := s.service.CreateFlag(r.Context(), flag)
	switch {
	case errors.Is(err, service.ErrFlagExists):
		writeJSON(w, http.StatusOK, created)
	case err != nil:
		s.writeServiceError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, created)
	}
}

func (s *HTTPServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	flag, err := s.service.GetFlag(r.Context(), tenantID, key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, flag)
}

func (s *HTTPServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	flags, err := s.service.ListFlags(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, flags)
}

func (s *HTTPServer) handleUpdateFlag(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	var flag repository.Flag
	if err := s.decodeJSONBody(w, r, &flag); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(flag.Key) != "" && flag.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	flag.Key = key
	flag.TenantID = tenantID

	updated, err := s.service.UpdateFlag(r.Context(), flag)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteFlag(r.Context(), tenantID, key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleCreateSegment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	var segment repository.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	segment.TenantID = tenantID

	created, err := s.service.CreateSegment(r.Context(), segment)
	switch {
	case errors.Is(err, service.ErrSegmentExists):
		writeJSON(w, http.StatusOK, created)
	case err != nil:
		s.writeServiceError(w, r, err)
	default:
		writeJSON(w, http.StatusCreated, created)
	}
}

func (s *HTTPServer) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	segment, err := s.service.GetSegment(r.Context(), tenantID, key)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, segment)
}

func (s *HTTPServer) handleListSegments(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	segments, err := s.service.ListSegments(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, segments)
}

func (s *HTTPServer) handleUpdateSegment(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	var segment repository.Segment
	if err := s.decodeJSONBody(w, r, &segment); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	if strings.TrimSpace(segment.Key) != "" && segment.Key != key {
		writeJSONError(w, http.StatusBadRequest, "path key and body key must match")
		return
	}
	segment.Key = key
	segment.TenantID = tenantID

	updated, err := s.service.UpdateSegment(r.Context(), segment)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

func (s *HTTPServer) handleDeleteSegment(w http.ResponseWriter, r *http.Request) {
	tenantID, key, ok := s.requireTenantAndKey(w, r)
	if !ok {
		return
	}

	if err := s.service.DeleteSegment(r.Context(), tenantID, key); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleListAudit(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return
	}

	filter, err := parseAuditFilter(r.URL.Query())
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := s.service.ListAudit(r.Context(), tenantID, filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			logging.FromContext(r.Context(), s.logger).WarnContext(r.Context(), "readiness check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID, err := tenantFromContext(r.Context())
	if err != nil {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return tenantID, true
}

func (s *HTTPServer) requireTenantAndKey(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID, ok := s.requireTenant(w, r)
	if !ok {
		return "", "", false
	}
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "key is required")
		return "", "", false
	}
	return tenantID, key, true
}

func parseAuditFilter(query map[string][]string) (repository.AuditFilter, error) {
	get := func(name string) string {
		if values := query[name]; len(values) > 0 {
			return strings.TrimSpace(values[0])
		}
		return ""
	}

	filter := repository.AuditFilter{
		Entity:    get("entity"),
		EntityKey: get("entity_key"),
	}

	for name, dst := range map[string]**time.Time{"start_ts": &filter.Start, "end_ts": &filter.End} {
		raw := get(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return repository.AuditFilter{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
		}
		*dst = &ts
	}

	if raw := get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > repository.MaxAuditLimit {
			return repository.AuditFilter{}, fmt.Errorf("limit must be between 1 and %d", repository.MaxAuditLimit)
		}
		filter.Limit = limit
	}

	return filter, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := serviceErrorStatus(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), s.logger).ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err),
		)
	}
	writeJSONError(w, status, serviceErrorMessage(err))
}

func serviceErrorStatus(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidRules),
		errors.Is(err, service.ErrInvalidVariants),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrInvalidSegment),
		errors.Is(err, service.ErrInvalidAuditFilter),
		errors.Is(err, service.ErrKeyRequired),
		errors.Is(err, service.ErrTenantRequired):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrFlagNotFound), errors.Is(err, service.ErrSegmentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrFlagExists), errors.Is(err, service.ErrSegmentExists):
		return http.StatusConflict
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// serviceErrorMessage returns a client-safe message. Validation errors keep
// their detail; storage errors are hidden.
func serviceErrorMessage(err error) string {
	switch {
	case errors.Is(err, service.ErrInvalidRules),
		errors.Is(err, service.ErrInvalidVariants),
		errors.Is(err, service.ErrInvalidState),
		errors.Is(err, service.ErrInvalidSegment),
		errors.Is(err, service.ErrInvalidAuditFilter),
		errors.Is(err, service.ErrKeyRequired),
		errors.Is(err, service.ErrTenantRequired),
		errors.Is(err, service.ErrFlagNotFound),
		errors.Is(err, service.ErrSegmentNotFound),
		errors.Is(err, service.ErrFlagExists),
		errors.Is(err, service.ErrSegmentExists):
		return err.Error()
	case errors.Is(err, context.Canceled):
		return "request canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "request timed out"
	default:
		return "internal server error"
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errJSONBodyTooLarge) {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *HTTPServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxJSONBodyBytes))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()

	if err := decoder.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}

	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return normalizeJSONDecodeError(err)
	}

	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}
	return err
}
