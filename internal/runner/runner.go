// Package runner drives one verification request through the job state
// machine: claim, snapshot, evaluate, decide, commit, notify.
package runner

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/claim"
	"github.com/sells-group/report-verify/internal/decision"
	"github.com/sells-group/report-verify/internal/evaluator"
	"github.com/sells-group/report-verify/internal/metrics"
	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/notify"
	"github.com/sells-group/report-verify/internal/policy"
	"github.com/sells-group/report-verify/internal/provider"
	"github.com/sells-group/report-verify/internal/resilience"
	"github.com/sells-group/report-verify/internal/store"
	"github.com/sells-group/report-verify/internal/tier"
)

var tracer = otel.Tracer("github.com/sells-group/report-verify/internal/runner")

// Short-circuit reasons recorded in the audit log and metrics.
const (
	ReasonAlreadyDecided = "already_decided"
	ReasonStaleRerun     = "stale_rerun"
	ReasonModerated      = "moderated"
	ReasonSystemDisabled = "system_disabled"
)

// PolicyLoader returns the current policy snapshot.
type PolicyLoader interface {
	LoadCurrentPolicy(ctx context.Context) (*model.PolicyConfig, error)
}

// TierResolver picks the tier a request is scored under.
type TierResolver interface {
	ResolveTier(ctx context.Context, req model.VerificationRequest, cfg *model.PolicyConfig) (tier.Resolution, error)
}

// LevelRunner evaluates a tier's levels.
type LevelRunner interface {
	Run(ctx context.Context, report *model.Report, cfg *model.PolicyConfig, t model.TierConfig, ec evaluator.EvalContext) ([]model.LevelResult, error)
}

// Deps are the collaborators a Runner needs.
type Deps struct {
	Store      store.Store
	Policies   PolicyLoader
	Tiers      TierResolver
	Evaluators LevelRunner
	Locker     claim.Locker
	Emitter    notify.Emitter
	Metrics    *metrics.Metrics
}

// Config holds the runner's timing settings.
type Config struct {
	// ClaimTTL is the lifetime of the per-report claim. Default: 60s.
	ClaimTTL time.Duration
	// JobBudget bounds evaluation of one job. Default: 30s.
	JobBudget time.Duration
	// ConflictDelay is how long a job waits after losing a claim race.
	// Default: 2s.
	ConflictDelay time.Duration
	// EmitBudget bounds the notifications sent after a commit. Default: 15s.
	EmitBudget time.Duration
	Retry      resilience.RetryConfig
}

func (c Config) withDefaults() Config {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 60 * time.Second
	}
	if c.JobBudget <= 0 {
		c.JobBudget = 30 * time.Second
	}
	if c.ConflictDelay <= 0 {
		c.ConflictDelay = 2 * time.Second
	}
	if c.EmitBudget <= 0 {
		c.EmitBudget = 15 * time.Second
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = resilience.DefaultRetryConfig()
	}
	return c
}

// Runner processes claimed verification jobs.
type Runner struct {
	deps    Deps
	cfg     Config
	nowFunc func() time.Time
}

// New creates a Runner. A nil Emitter logs events only.
func New(deps Deps, cfg Config) *Runner {
	if deps.Emitter == nil {
		deps.Emitter = notify.LogEmitter{}
	}
	return &Runner{deps: deps, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

func (r *Runner) now() time.Time { return r.nowFunc().UTC() }

// Process runs job to a state. It returns JobCommitted when an outcome was
// written or deliberately skipped, JobQueued when the job was handed back
// untouched, and one of the failed states with the cause otherwise.
func (r *Runner) Process(ctx context.Context, job model.Job) (model.JobState, error) {
	req := job.Request
	ctx, span := tracer.Start(ctx, "runner.process", trace.WithAttributes(
		attribute.String("report.id", req.ReportID),
		attribute.String("job.id", req.ID),
		attribute.Int("job.attempt", req.Attempt),
		attribute.Bool("job.rerun", req.Rerun),
	))
	defer span.End()

	start := time.Now()
	state, err := r.process(ctx, job)
	r.deps.Metrics.ObserveJob(state, time.Since(start))

	span.SetAttributes(attribute.String("job.state", string(state)))
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	return state, err
}

func (r *Runner) process(ctx context.Context, job model.Job) (model.JobState, error) {
	req := job.Request
	log := zap.L().With(
		zap.String("report_id", req.ReportID),
		zap.String("job_id", req.ID),
		zap.Int("attempt", req.Attempt),
	)

	held, err := r.deps.Locker.Acquire(ctx, req.ReportID, r.cfg.ClaimTTL)
	if err != nil {
		if errors.Is(err, claim.ErrConcurrentClaimConflict) {
			log.Info("runner: report claimed by another worker, releasing job")
			r.deps.Metrics.ObserveClaimConflict()
			return r.release(ctx, job, r.cfg.ConflictDelay)
		}
		return r.fail(ctx, job, eris.Wrap(err, "runner: acquire claim"))
	}
	released := false
	release := func() {
		if released {
			return
		}
		released = true
		if err := r.deps.Locker.Release(context.WithoutCancel(ctx), held); err != nil {
			log.Warn("runner: release claim", zap.Error(err))
		}
	}
	defer release()

	report, err := r.deps.Store.GetReport(ctx, req.ReportID)
	if err != nil {
		return r.fail(ctx, job, eris.Wrap(err, "runner: load report"))
	}
	current, err := r.deps.Store.CurrentOutcome(ctx, req.ReportID)
	if err != nil {
		return r.fail(ctx, job, eris.Wrap(err, "runner: load current outcome"))
	}
	if reason := shortCircuitReason(req, report, current); reason != "" {
		return r.shortCircuit(ctx, job, reason, current)
	}

	cfg, err := r.deps.Policies.LoadCurrentPolicy(ctx)
	if err != nil {
		return r.fail(ctx, job, eris.Wrap(err, "runner: snapshot policy"))
	}
	if !cfg.SystemEnabled {
		return r.shortCircuit(ctx, job, ReasonSystemDisabled, current)
	}

	outcome, res, err := r.decide(ctx, req, report, cfg)
	if err != nil {
		return r.fail(ctx, job, err)
	}
	outcome.ID = uuid.NewString()
	outcome.ReportID = req.ReportID
	outcome.RequestID = req.ID
	outcome.Current = true

	err = r.deps.Store.CommitOutcome(ctx, store.CommitRequest{
		Outcome: outcome,
		Request: req,
		Status:  model.StatusFor(outcome.Decision, outcome.DecidedAt),
	})
	switch {
	case errors.Is(err, store.ErrAlreadyDecided):
		return r.shortCircuit(ctx, job, ReasonAlreadyDecided, nil)
	case errors.Is(err, store.ErrReportModerated):
		r.audit(ctx, model.AuditEntry{
			ReportID:       req.ReportID,
			RequestID:      req.ID,
			Kind:           model.AuditSuperseded,
			Decision:       outcome.Decision,
			CompositeScore: outcome.CompositeScore,
			TierKey:        outcome.TierKeyUsed,
			Message:        "report moderated while verification ran; outcome discarded",
		})
		r.deps.Metrics.ObserveShortCircuit(ReasonModerated)
		return r.complete(ctx, job)
	case err != nil:
		return r.fail(ctx, job, eris.Wrap(err, "runner: commit outcome"))
	}

	log.Info("runner: outcome committed",
		zap.String("decision", string(outcome.Decision)),
		zap.Float64("composite_score", outcome.CompositeScore),
		zap.String("tier_key", string(outcome.TierKeyUsed)),
	)
	r.deps.Metrics.ObserveDecision(outcome)
	// The outcome is durable; side effects run without the report claim.
	release()
	r.afterCommit(ctx, req, report, outcome, res)
	return r.complete(ctx, job)
}

// shortCircuitReason reports why req must not produce a new outcome, or "".
func shortCircuitReason(req model.VerificationRequest, report *model.Report, current *model.VerificationOutcome) string {
	if current != nil {
		if !req.Supersedes() {
			return ReasonAlreadyDecided
		}
		if current.DecidedAt.After(req.EnqueuedAt) {
			return ReasonStaleRerun
		}
	}
	if req.HeldByModeration(report.Status, report.ModeratedBy) {
		return ReasonModerated
	}
	return ""
}

// decide resolves the tier, runs the evaluators within the job budget and
// applies the decision engine.
func (r *Runner) decide(ctx context.Context, req model.VerificationRequest, report *model.Report, cfg *model.PolicyConfig) (model.VerificationOutcome, tier.Resolution, error) {
	res, err := r.deps.Tiers.ResolveTier(ctx, req, cfg)
	if err != nil {
		if errors.Is(err, tier.ErrNoEligibleTier) {
			zap.L().Warn("runner: no eligible tier, routing to review", zap.String("report_id", req.ReportID))
			return decision.NoTierOutcome(cfg.Version, r.now()), res, nil
		}
		return model.VerificationOutcome{}, res, eris.Wrap(err, "runner: resolve tier")
	}

	evalCtx, cancel := context.WithTimeout(ctx, r.cfg.JobBudget)
	defer cancel()
	results, err := r.deps.Evaluators.Run(evalCtx, report, cfg, res.Tier, evaluator.EvalContext{
		Now:           r.now(),
		TierKey:       res.Key,
		PolicyVersion: cfg.Version,
	})
	if err != nil {
		return model.VerificationOutcome{}, res, eris.Wrap(err, "runner: evaluate")
	}

	return decision.Decide(decision.Input{
		Results:       results,
		TierKey:       res.Key,
		Tier:          res.Tier,
		Levels:        cfg.Levels,
		Required:      cfg.RequiredLevels(res.Tier),
		PolicyVersion: cfg.Version,
		Now:           r.now(),
	}), res, nil
}

// afterCommit writes the decision audit entry and emits notifications.
// Failures are logged and dropped; the outcome is already durable.
func (r *Runner) afterCommit(ctx context.Context, req model.VerificationRequest, report *model.Report, o model.VerificationOutcome, res tier.Resolution) {
	r.audit(ctx, model.AuditEntry{
		ReportID:       req.ReportID,
		RequestID:      req.ID,
		Kind:           model.AuditDecision,
		Decision:       o.Decision,
		CompositeScore: o.CompositeScore,
		TierKey:        o.TierKeyUsed,
		Inputs: map[string]any{
			"level_results":  o.LevelResults,
			"policy_version": o.PolicyVersion,
			"tier_source":    res.Source,
			"source":         req.Source,
			"rerun":          req.Rerun,
		},
		Message: o.Note,
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EmitBudget)
	defer cancel()
	if err := r.deps.Emitter.Emit(ctx, notify.NewEvent(notify.KindVerificationNotification, report, o)); err != nil {
		zap.L().Warn("runner: user notification failed", zap.String("report_id", req.ReportID), zap.Error(err))
	}
	if report.IsEmergency && o.Decision == model.DecisionAutoVerified {
		if err := r.deps.Emitter.Emit(ctx, notify.NewEvent(notify.KindEmergencyAlert, report, o)); err != nil {
			zap.L().Warn("runner: emergency broadcast failed", zap.String("report_id", req.ReportID), zap.Error(err))
		}
	}
}

func (r *Runner) shortCircuit(ctx context.Context, job model.Job, reason string, current *model.VerificationOutcome) (model.JobState, error) {
	zap.L().Info("runner: short circuit",
		zap.String("report_id", job.Request.ReportID),
		zap.String("job_id", job.Request.ID),
		zap.String("reason", reason),
	)
	entry := model.AuditEntry{
		ReportID:  job.Request.ReportID,
		RequestID: job.Request.ID,
		Kind:      model.AuditShortCircuit,
		Message:   reason,
	}
	if current != nil {
		entry.Decision = current.Decision
		entry.CompositeScore = current.CompositeScore
		entry.TierKey = current.TierKeyUsed
	}
	r.audit(ctx, entry)
	r.deps.Metrics.ObserveShortCircuit(reason)
	return r.complete(ctx, job)
}

func (r *Runner) complete(ctx context.Context, job model.Job) (model.JobState, error) {
	if err := r.deps.Store.CompleteJob(context.WithoutCancel(ctx), job.Request.ID, job.ClaimToken); err != nil {
		// The outcome is committed; a re-claimed job short-circuits.
		zap.L().Warn("runner: complete job", zap.String("job_id", job.Request.ID), zap.Error(err))
	}
	return model.JobCommitted, nil
}

func (r *Runner) release(ctx context.Context, job model.Job, delay time.Duration) (model.JobState, error) {
	if err := r.deps.Store.ReleaseJob(context.WithoutCancel(ctx), job.Request.ID, job.ClaimToken, r.now().Add(delay)); err != nil {
		zap.L().Warn("runner: release job", zap.String("job_id", job.Request.ID), zap.Error(err))
	}
	return model.JobQueued, nil
}

// fail schedules a retry for transient causes with attempts left and
// otherwise records a terminal failure. The report itself is never touched.
func (r *Runner) fail(ctx context.Context, job model.Job, cause error) (model.JobState, error) {
	req := job.Request
	if ctx.Err() != nil {
		// Shutting down: hand the job back without spending the attempt.
		zap.L().Info("runner: interrupted, releasing job", zap.String("job_id", req.ID))
		state, _ := r.release(ctx, job, 0)
		return state, cause
	}
	bg := context.WithoutCancel(ctx)

	if Retryable(cause) && !r.cfg.Retry.Exhausted(req.Attempt) {
		next := r.now().Add(resilience.Backoff(req.Attempt, r.cfg.Retry))
		zap.L().Warn("runner: job failed, will retry",
			zap.String("report_id", req.ReportID),
			zap.String("job_id", req.ID),
			zap.Int("attempt", req.Attempt),
			zap.Time("available_at", next),
			zap.Error(cause),
		)
		if err := r.deps.Store.RetryJob(bg, req.ID, job.ClaimToken, next, cause.Error()); err != nil {
			zap.L().Warn("runner: schedule retry", zap.String("job_id", req.ID), zap.Error(err))
		}
		return model.JobFailedRetryable, cause
	}

	zap.L().Error("runner: job failed terminally",
		zap.String("report_id", req.ReportID),
		zap.String("job_id", req.ID),
		zap.Int("attempt", req.Attempt),
		zap.Error(cause),
	)
	if err := r.deps.Store.FailJob(bg, req.ID, job.ClaimToken, cause.Error()); err != nil {
		zap.L().Warn("runner: mark job failed", zap.String("job_id", req.ID), zap.Error(err))
	}
	r.audit(bg, model.AuditEntry{
		ReportID:  req.ReportID,
		RequestID: req.ID,
		Kind:      model.AuditTerminalFailure,
		Inputs:    map[string]any{"attempt": req.Attempt, "source": req.Source},
		Message:   cause.Error(),
	})
	return model.JobFailedTerminal, cause
}

func (r *Runner) audit(ctx context.Context, e model.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now()
	}
	if err := r.deps.Store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		zap.L().Warn("runner: append audit",
			zap.String("report_id", e.ReportID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
	}
}

// Retryable reports whether a job failure may succeed on a later attempt:
// storage and policy-store outages and other transient infrastructure
// errors. Evaluator configuration errors and missing reports are not.
func Retryable(err error) bool {
	if err == nil || provider.IsConfigError(err) || errors.Is(err, store.ErrNotFound) {
		return false
	}
	return errors.Is(err, store.ErrStorageFailure) ||
		errors.Is(err, policy.ErrConfigUnavailable) ||
		resilience.IsTransient(err)
}
