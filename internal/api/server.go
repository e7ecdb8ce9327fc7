package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"job-orchestrator/internal/concurrency"
	"job-orchestrator/internal/dispatch"
	"job-orchestrator/internal/models"
	"job-orchestrator/internal/plan"
	"job-orchestrator/internal/quota"
	"job-orchestrator/internal/ratelimit"
	"job-orchestrator/internal/scheduler"
	"job-orchestrator/internal/store"
	"job-orchestrator/internal/telemetry"
	"job-orchestrator/internal/tenant"
)

const ownerHeader = "X-Owner-ID"

// Admitter is the job admission path behind POST /jobs.
type Admitter interface {
	Enqueue(ctx context.Context, req dispatch.Request) (models.Job, error)
	Cancel(ctx context.Context, id string) (models.Job, error)
}

// DeadLetters lists terminally failed job ids.
type DeadLetters interface {
	DLQPeek(ctx context.Context, count int64) ([]string, error)
}

// Config wires the HTTP handlers. Limiter, Quotas and Slots may be nil.
type Config struct {
	Jobs    Admitter
	Store   store.Store
	DLQ     DeadLetters
	Types   dispatch.TypeChecker
	Tenants tenant.Resolver
	Catalog *plan.Catalog
	Quotas  *quota.Manager
	Slots   *concurrency.Limiter
	Limiter *ratelimit.TokenBucket
	Logger  *slog.Logger
	Now     func() time.Time
}

// Server wires HTTP handlers for the producer API.
type Server struct {
	jobs    Admitter
	store   store.Store
	dlq     DeadLetters
	types   dispatch.TypeChecker
	tenants tenant.Resolver
	catalog *plan.Catalog
	quotas  *quota.Manager
	slots   *concurrency.Limiter
	limiter *ratelimit.TokenBucket
	logger  *slog.Logger
	now     func() time.Time
}

// New constructs the API server.
func New(cfg Config) *Server {
	s := &Server{
		jobs:    cfg.Jobs,
		store:   cfg.Store,
		dlq:     cfg.DLQ,
		types:   cfg.Types,
		tenants: cfg.Tenants,
		catalog: cfg.Catalog,
		quotas:  cfg.Quotas,
		slots:   cfg.Slots,
		limiter: cfg.Limiter,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.catalog == nil {
		s.catalog = plan.DefaultCatalog()
	}
	return s
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/jobs/{id}/events", s.handleEvents)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)

		r.Get("/tenants/{tenant}/quotas/{name}", s.handleQuotaUsage)
		r.Delete("/tenants/{tenant}/quotas/{name}", s.handleQuotaReset)
		r.Get("/tenants/{tenant}/concurrency", s.handleConcurrency)

		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
	})
	return r
}

// rateLimit applies the token bucket per owner, or per remote address for
// anonymous callers.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}
		key := "owner:" + r.Header.Get(ownerHeader)
		if key == "owner:" {
			key = "addr:" + remoteHost(r)
		}
		d, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			s.logger.Error("rate limit check failed", slog.String("error", err.Error()))
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: "rate limit error"})
			return
		}
		if !d.Allowed {
			telemetry.RateLimitRejects.Inc()
			secs := int(math.Ceil(d.RetryAfter.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "rate limited", Reason: "rate_limit", RetryAfterSeconds: &secs})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type enqueueRequest struct {
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	ScheduledFor *time.Time     `json:"scheduled_for"`
	DelaySeconds int            `json:"delay_seconds"`
	MaxRetries   *int           `json:"max_retries"`
	ParentJobID  string         `json:"parent_job_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	if req.Type == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "type is required"})
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "max_retries must not be negative"})
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	scheduledFor := req.ScheduledFor
	if req.DelaySeconds > 0 {
		at := s.now().Add(time.Duration(req.DelaySeconds) * time.Second)
		scheduledFor = &at
	}

	job, err := s.jobs.Enqueue(r.Context(), dispatch.Request{
		Type:         req.Type,
		Payload:      req.Payload,
		Trigger:      models.TriggerAPI,
		Owner:        r.Header.Get(ownerHeader),
		ParentJobID:  req.ParentJobID,
		ScheduledFor: scheduledFor,
		MaxRetries:   req.MaxRetries,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	evs, err := s.store.ListEvents(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns the DLQ contents (IDs only).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if v, err := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	items, err := s.dlq.DLQPeek(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// tenantFor resolves the path owner to the tenant that meters it.
func (s *Server) tenantFor(w http.ResponseWriter, r *http.Request) (tenant.Tenant, bool) {
	owner := chi.URLParam(r, "tenant")
	if s.tenants == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tenant not found"})
		return tenant.Tenant{}, false
	}
	t, ok, err := s.tenants.Resolve(r.Context(), owner)
	if err != nil {
		s.writeError(w, err)
		return tenant.Tenant{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "tenant not found"})
		return tenant.Tenant{}, false
	}
	return t, true
}

func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "quotas disabled"})
		return
	}
	t, ok := s.tenantFor(w, r)
	if !ok {
		return
	}
	u, err := s.quotas.Usage(r.Context(), t, chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant":           u.Tenant,
		"quota":            u.Quota,
		"used":             u.Used,
		"limit":            u.Limit,
		"defined":          u.Defined,
		"reset_in_seconds": int64(u.ResetIn.Seconds()),
	})
}

func (s *Server) handleQuotaReset(w http.ResponseWriter, r *http.Request) {
	if s.quotas == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "quotas disabled"})
		return
	}
	t, ok := s.tenantFor(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.quotas.Reset(r.Context(), t, name); err != nil {
		s.writeError(w, err)
		return
	}
	s.logger.Info("quota reset", slog.String("tenant", t.ID), slog.String("quota", name))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	if s.slots == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "concurrency limits disabled"})
		return
	}
	t, ok := s.tenantFor(w, r)
	if !ok {
		return
	}
	workflowType := r.URL.Query().Get("type")
	active, perType, err := s.slots.Active(r.Context(), t.ID, workflowType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body := map[string]any{
		"tenant": t.ID,
		"tier":   t.Tier,
		"active": active,
		"limit":  s.catalog.TenantLimit(t.Tier),
	}
	if workflowType != "" {
		body["type"] = workflowType
		body["type_active"] = perType
		body["type_limit"] = s.catalog.WorkflowLimit(t.Tier, workflowType)
	}
	writeJSON(w, http.StatusOK, body)
}

type scheduleRequest struct {
	Name       string         `json:"name"`
	JobType    string         `json:"job_type"`
	Expression string         `json:"expression"`
	Payload    map[string]any `json:"payload"`
	MaxRetries int            `json:"max_retries"`
	Enabled    *bool          `json:"enabled"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json"})
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	switch {
	case req.Name == "":
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "name is required"})
		return
	case req.JobType == "":
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "job_type is required"})
		return
	case s.types != nil && !s.types.Has(req.JobType):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown job type " + strconv.Quote(req.JobType)})
		return
	case req.MaxRetries < 0:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "max_retries must not be negative"})
		return
	}
	if err := scheduler.ValidateExpression(req.Expression); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	sc := models.Schedule{
		ID:         uuid.NewString(),
		Name:       req.Name,
		JobType:    req.JobType,
		Expression: strings.TrimSpace(req.Expression),
		Payload:    req.Payload,
		MaxRetries: req.MaxRetries,
		Enabled:    req.Enabled == nil || *req.Enabled,
		CreatedAt:  s.now().UTC(),
	}
	if sc.Payload == nil {
		sc.Payload = map[string]any{}
	}
	if owner := r.Header.Get(ownerHeader); owner != "" {
		sc.Owner = &owner
	}
	if err := s.store.CreateSchedule(r.Context(), sc); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sc)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	list, err := s.store.ListSchedules(r.Context(), enabledOnly)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": list})
}

type errorBody struct {
	Error             string `json:"error"`
	Reason            string `json:"reason,omitempty"`
	RetryAfterSeconds *int   `json:"retry_after_seconds,omitempty"`
}

// writeError maps domain errors onto status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case dispatch.IsAdmissionDenied(err):
		reason := "concurrency"
		if errors.Is(err, quota.ErrExceeded) {
			reason = "quota"
		}
		wait, _ := dispatch.RetryAfter(err)
		secs := int(math.Ceil(wait.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error(), Reason: reason, RetryAfterSeconds: &secs})
	case errors.Is(err, dispatch.ErrUnknownJobType):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, store.ErrDuplicate):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
	default:
		s.logger.Error("request failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error"})
	}
}

func remoteHost(r *http.Request) string {
	if i := strings.LastIndexByte(r.RemoteAddr, ':'); i > 0 {
		return r.RemoteAddr[:i]
	}
	return r.RemoteAddr
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
