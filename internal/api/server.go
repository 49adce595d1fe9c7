package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"content-pipeline/internal/auth"
	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
	"content-pipeline/internal/pipeline"
	"content-pipeline/internal/ratelimit"
	"content-pipeline/internal/telemetry"
)

const maxCallbackBytes = 1 << 20

// Pipeline is the orchestrator surface the API exposes.
type Pipeline interface {
	Advance(ctx context.Context) (pipeline.AdvanceResult, error)
	SyncPool(ctx context.Context) (models.SyncResult, error)
	GetItem(ctx context.Context, id string) (models.WorkItem, error)
	ForceFail(ctx context.Context, id string, expected models.Stage, reason string) (models.WorkItem, error)
	Redrive(ctx context.Context, id string) (models.WorkItem, error)
	HandleCallback(ctx context.Context, vendor string, raw []byte) (pipeline.CallbackResult, error)
}

// OpsStore serves the read and maintenance endpoints. *store.Store implements it.
type OpsStore interface {
	AuditTrail(ctx context.Context, workItemID string) ([]models.AuditLog, error)
	ListUnresolvedDeadLetters(ctx context.Context, f models.DeadLetterFilter) ([]models.DeadLetter, error)
	DeadLetterStats(ctx context.Context) (models.DeadLetterStats, error)
	ResolveDeadLetter(ctx context.Context, id, notes string) (models.DeadLetter, error)
	PurgeDeadLetters(ctx context.Context, olderThan time.Duration, includeUnresolved bool) (int64, error)
}

// Limiter throttles the advance trigger. *ratelimit.TokenBucket implements it.
type Limiter interface {
	Take(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the operator API and vendor callbacks.
type Server struct {
	cfg      config.Config
	pipeline Pipeline
	store    OpsStore
	limiter  Limiter
	tokens   *auth.TokenService
	log      *zap.Logger
}

// New constructs the API server. A nil limiter disables advance throttling.
func New(cfg config.Config, p Pipeline, st OpsStore, limiter Limiter, tokens *auth.TokenService, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		pipeline: p,
		store:    st,
		limiter:  limiter,
		tokens:   tokens,
		log:      log.With(zap.String("component", "api")),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.accessLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	r.Post("/callbacks/{vendor}", s.handleCallback)

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/advance", s.handleAdvance)
		r.Post("/pool/sync", s.handleSyncPool)
		r.Get("/items/{id}", s.handleGetItem)
		r.Post("/items/{id}/fail", s.handleForceFail)
		r.Post("/items/{id}/redrive", s.handleRedrive)
		r.Get("/dlq", s.handleListDLQ)
		r.Get("/dlq/stats", s.handleDLQStats)
		r.Post("/dlq/{id}/resolve", s.handleResolve)
		r.Post("/dlq/purge", s.handlePurge)
	})
	return r
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	vendor := chi.URLParam(r, "vendor")
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "callback body too large")
		return
	}
	res, err := s.pipeline.HandleCallback(r.Context(), vendor, raw)
	if errors.Is(err, pipeline.ErrUnknownVendor) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error("callback not persisted", zap.String("vendor", vendor), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "callback not persisted")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(res)})
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), ratelimit.AdvanceKey)
		if err != nil {
			s.log.Error("advance rate limit", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "rate limit error")
			return
		}
		if !d.Allowed {
			telemetry.AdvanceRejects.Inc()
			if d.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Round(time.Second)/time.Second)))
			}
			writeJSON(w, http.StatusOK, pipeline.AdvanceResult{Reason: "rate_limited"})
			return
		}
	}
	res, err := s.pipeline.Advance(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSyncPool(w http.ResponseWriter, r *http.Request) {
	res, err := s.pipeline.SyncPool(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type itemResponse struct {
	Item   models.WorkItem   `json:"item"`
	Status string            `json:"status"`
	Audit  []models.AuditLog `json:"audit,omitempty"`
}

func (s *Server) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.pipeline.GetItem(r.Context(), id)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	resp := itemResponse{Item: item, Status: item.Status()}
	if r.URL.Query().Get("audit") == "true" {
		if resp.Audit, err = s.store.AuditTrail(r.Context(), id); err != nil {
			s.writeDomainError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type forceFailRequest struct {
	ExpectedStage string `json:"expected_stage"`
	Reason        string `json:"reason"`
}

func (s *Server) handleForceFail(w http.ResponseWriter, r *http.Request) {
	var req forceFailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	expected, ok := models.ParseStage(req.ExpectedStage)
	if !ok {
		writeError(w, http.StatusBadRequest, "expected_stage is required")
		return
	}
	item, err := s.pipeline.ForceFail(r.Context(), chi.URLParam(r, "id"), expected, req.Reason)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleRedrive(w http.ResponseWriter, r *http.Request) {
	item, err := s.pipeline.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, item)
}

func (s *Server) handleListDLQ(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := models.DeadLetterFilter{
		Vendor:     q.Get("vendor"),
		Kind:       models.DeadLetterKind(q.Get("kind")),
		WorkItemID: q.Get("work_item_id"),
	}
	if v := q.Get("step"); v != "" {
		step, ok := models.ParseStep(v)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid step")
			return
		}
		f.Step = step
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}
	entries, err := s.store.ListUnresolvedDeadLetters(r.Context(), f)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (s *Server) handleDLQStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.DeadLetterStats(r.Context())
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	dl, err := s.store.ResolveDeadLetter(r.Context(), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dl)
}

type purgeRequest struct {
	OlderThan         string `json:"older_than"`
	IncludeUnresolved bool   `json:"include_unresolved"`
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	olderThan := s.cfg.DLQRetention
	if req.OlderThan != "" {
		d, err := time.ParseDuration(req.OlderThan)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid older_than")
			return
		}
		olderThan = d
	}
	n, err := s.store.PurgeDeadLetters(r.Context(), olderThan, req.IncludeUnresolved)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

// requireToken enforces a valid bearer token.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.tokens == nil {
			next.ServeHTTP(w, r)
			return
		}
		parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusUnauthorized, "authorization header must be Bearer {token}")
			return
		}
		claims, err := s.tokens.Validate(strings.TrimSpace(parts[1]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		s.log.Debug("authenticated", zap.String("subject", claims.Subject), zap.String("path", r.URL.Path))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			return
		}
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrStaleTransition),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrDuplicateActiveItem):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
