// Package api exposes the verification pipeline over HTTP: the enqueue
// entry points used by the report CRUD service, outcome reads for
// moderation, and policy administration.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/intake"
	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/policy"
	"github.com/sells-group/report-verify/internal/store"
)

// Enqueuer is the intake surface the API calls.
type Enqueuer interface {
	EnqueueVerification(ctx context.Context, reportID, userID string, opts intake.Options) (model.Ticket, error)
	EnqueueMediaVerification(ctx context.Context, reportID, userID string) (model.Ticket, error)
	Rerun(ctx context.Context, reportID, actor string, tierOverride model.TierKey) (model.Ticket, error)
}

// Outcomes reads verification results.
type Outcomes interface {
	CurrentOutcome(ctx context.Context, reportID string) (*model.VerificationOutcome, error)
	ListOutcomes(ctx context.Context, reportID string) ([]model.VerificationOutcome, error)
	ListAudit(ctx context.Context, reportID string, limit int) ([]model.AuditEntry, error)
	Ping(ctx context.Context) error
}

// Policies reads and updates the policy.
type Policies interface {
	LoadCurrentPolicy(ctx context.Context) (*model.PolicyConfig, error)
	ApplyUpdate(ctx context.Context, u policy.Update, actor string) (*model.PolicyConfig, error)
}

// Options configures the router.
type Options struct {
	CORSOrigins []string
	// AdminToken guards /v1/admin routes via the X-Admin-Token header. Empty
	// disables the admin routes entirely.
	AdminToken string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// Server holds the handler dependencies.
type Server struct {
	intake   Enqueuer
	outcomes Outcomes
	policies Policies
	opts     Options
}

// New creates a Server.
func New(in Enqueuer, outcomes Outcomes, policies Policies, opts Options) *Server {
	return &Server{intake: in, outcomes: outcomes, policies: policies, opts: opts}
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := s.opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Admin-Token", "X-Actor", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/reports/{reportID}/verification", s.handleEnqueue)
		r.Post("/reports/{reportID}/media-verification", s.handleEnqueueMedia)
		r.Get("/reports/{reportID}/verification", s.handleGetOutcome)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/reports/{reportID}/rerun", s.handleRerun)
			r.Get("/reports/{reportID}/outcomes", s.handleListOutcomes)
			r.Get("/reports/{reportID}/audit", s.handleListAudit)
			r.Get("/policy", s.handleGetPolicy)
			r.Patch("/policy", s.handlePatchPolicy)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.outcomes.Ping(ctx); err != nil {
		zap.L().Warn("api: health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	UserID       string        `json:"user_id"`
	TierOverride model.TierKey `json:"tier_override,omitempty"`
}

type enqueueResponse struct {
	Status string        `json:"status"`
	Reason string        `json:"reason,omitempty"`
	Ticket *model.Ticket `json:"ticket,omitempty"`
}

// handleEnqueue is the submission path. It answers 202 whatever happens in
// the pipeline; a skipped request is still accepted from the caller's view.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ticket, err := s.intake.EnqueueVerification(r.Context(), chi.URLParam(r, "reportID"), req.UserID,
		intake.Options{TierOverride: req.TierOverride})
	writeEnqueueResult(w, r, ticket, err)
}

func (s *Server) handleEnqueueMedia(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ticket, err := s.intake.EnqueueMediaVerification(r.Context(), chi.URLParam(r, "reportID"), req.UserID)
	writeEnqueueResult(w, r, ticket, err)
}

func writeEnqueueResult(w http.ResponseWriter, r *http.Request, ticket model.Ticket, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "queued", Ticket: &ticket})
	case errors.Is(err, intake.ErrSystemDisabled):
		writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "skipped", Reason: "verification disabled"})
	case errors.Is(err, intake.ErrNotEligible):
		writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "skipped", Reason: "user not eligible"})
	default:
		zap.L().Warn("api: enqueue failed, report left for manual moderation",
			zap.String("report_id", chi.URLParam(r, "reportID")),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "skipped", Reason: "pipeline unavailable"})
	}
}

func (s *Server) handleGetOutcome(w http.ResponseWriter, r *http.Request) {
	o, err := s.outcomes.CurrentOutcome(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if o == nil {
		writeError(w, http.StatusNotFound, "no verification outcome")
		return
	}
	writeJSON(w, http.StatusOK, o)
}

type rerunRequest struct {
	TierOverride model.TierKey `json:"tier_override,omitempty"`
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	var req rerunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ticket, err := s.intake.Rerun(r.Context(), chi.URLParam(r, "reportID"), actor(r), req.TierOverride)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, enqueueResponse{Status: "queued", Ticket: &ticket})
	case errors.Is(err, intake.ErrSystemDisabled):
		writeError(w, http.StatusConflict, "verification disabled")
	default:
		writeStoreError(w, err)
	}
}

func (s *Server) handleListOutcomes(w http.ResponseWriter, r *http.Request) {
	outcomes, err := s.outcomes.ListOutcomes(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if outcomes == nil {
		outcomes = []model.VerificationOutcome{}
	}
	writeJSON(w, http.StatusOK, outcomes)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.outcomes.ListAudit(r.Context(), chi.URLParam(r, "reportID"), 100)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.policies.LoadCurrentPolicy(r.Context())
	if err != nil {
		writePolicyError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (s *Server) handlePatchPolicy(w http.ResponseWriter, r *http.Request) {
	var u policy.Update
	if !decodeBody(w, r, &u) {
		return
	}
	if u.Empty() {
		writeError(w, http.StatusBadRequest, "empty policy update")
		return
	}
	cfg, err := s.policies.ApplyUpdate(r.Context(), u, actor(r))
	if err != nil {
		writePolicyError(w, err)
		return
	}
	zap.L().Info("api: policy updated", zap.Int64("version", cfg.Version), zap.String("actor", actor(r)))
	writeJSON(w, http.StatusOK, cfg.Redacted())
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeError(w, http.StatusForbidden, "admin routes disabled: no admin token configured")
			return
		}
		if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Admin-Token")), []byte(s.opts.AdminToken)) != 1 {
			writeError(w, http.StatusForbidden, "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actor(r *http.Request) string {
	if a := r.Header.Get("X-Actor"); a != "" {
		return a
	}
	return "admin"
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	zap.L().Error("api: store error", zap.Error(err))
	writeError(w, http.StatusServiceUnavailable, "storage unavailable")
}

func writePolicyError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, policy.ErrInvalidPolicy):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, policy.ErrConfigUnavailable):
		writeError(w, http.StatusServiceUnavailable, "policy store unavailable")
	default:
		zap.L().Error("api: policy error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: write response", zap.Error(err))
	}
}
