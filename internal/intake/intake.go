// Package intake is the submission-side entry into the verification
// pipeline. It decides whether a report is queued and never lets a pipeline
// problem reach the submitter.
package intake

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/metrics"
	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/policy"
)

var (
	// ErrSystemDisabled is returned when verification is switched off or the
	// policy cannot be read.
	ErrSystemDisabled = eris.New("intake: verification disabled")
	// ErrNotEligible is returned when the submitting user does not qualify
	// for automated verification.
	ErrNotEligible = eris.New("intake: user not eligible")
)

// PolicyLoader returns the current policy snapshot.
type PolicyLoader interface {
	LoadCurrentPolicy(ctx context.Context) (*model.PolicyConfig, error)
}

// Queue is the part of the store intake writes to.
type Queue interface {
	EnqueueJob(ctx context.Context, req model.VerificationRequest) (*model.Job, error)
	GetReport(ctx context.Context, reportID string) (*model.Report, error)
}

// Eligibility decides whether a user's submissions are verified
// automatically.
type Eligibility func(ctx context.Context, userID string, cfg *model.PolicyConfig) bool

// AnyKnownUser accepts every submission with a user id.
func AnyKnownUser(_ context.Context, userID string, _ *model.PolicyConfig) bool {
	return userID != ""
}

// Options controls a single enqueue.
type Options struct {
	TierOverride model.TierKey
	RequestedBy  string
}

// Intake gates and enqueues verification requests.
type Intake struct {
	policies PolicyLoader
	queue    Queue
	eligible Eligibility
	metrics  *metrics.Metrics
	nowFunc  func() time.Time
}

// Option configures an Intake.
type Option func(*Intake)

// WithEligibility replaces AnyKnownUser.
func WithEligibility(e Eligibility) Option {
	return func(i *Intake) { i.eligible = e }
}

// WithMetrics records enqueue results.
func WithMetrics(m *metrics.Metrics) Option {
	return func(i *Intake) { i.metrics = m }
}

// New creates an Intake.
func New(policies PolicyLoader, queue Queue, opts ...Option) *Intake {
	i := &Intake{policies: policies, queue: queue, eligible: AnyKnownUser, nowFunc: time.Now}
	for _, o := range opts {
		o(i)
	}
	return i
}

// EnqueueVerification queues a submission-path request when the system is
// enabled and the user is eligible.
func (i *Intake) EnqueueVerification(ctx context.Context, reportID, userID string, opts Options) (model.Ticket, error) {
	return i.enqueue(ctx, reportID, userID, model.SourceSubmission, false, opts)
}

// EnqueueMediaVerification queues a request from the media upload path.
// The same gates apply as for submissions. Unlike a repeated submission, the
// request re-scores a report that already has an outcome.
func (i *Intake) EnqueueMediaVerification(ctx context.Context, reportID, userID string) (model.Ticket, error) {
	return i.enqueue(ctx, reportID, userID, model.SourceMedia, false, Options{})
}

// Rerun queues an explicit administrator re-run that may replace the current
// outcome. Eligibility is skipped; the system switch still applies.
func (i *Intake) Rerun(ctx context.Context, reportID, actor string, tierOverride model.TierKey) (model.Ticket, error) {
	report, err := i.queue.GetReport(ctx, reportID)
	if err != nil {
		return model.Ticket{}, eris.Wrapf(err, "intake: rerun %s", reportID)
	}
	return i.enqueue(ctx, reportID, report.UserID, model.SourceAdmin, true,
		Options{TierOverride: tierOverride, RequestedBy: actor})
}

// Dispatch is the submission path's fire-and-forget call: the result is
// logged and deliberately dropped so the submission never fails because of
// the pipeline.
func (i *Intake) Dispatch(ctx context.Context, reportID, userID string) {
	ticket, err := i.EnqueueVerification(ctx, reportID, userID, Options{})
	switch {
	case err == nil:
		zap.L().Debug("intake: dispatched", zap.String("report_id", reportID), zap.String("job_id", ticket.JobID))
	case errors.Is(err, ErrSystemDisabled), errors.Is(err, ErrNotEligible):
		zap.L().Debug("intake: skipped", zap.String("report_id", reportID), zap.Error(err))
	default:
		zap.L().Warn("intake: enqueue failed, report left for manual moderation",
			zap.String("report_id", reportID), zap.Error(err))
	}
}

// DispatchMedia is Dispatch for the media upload path.
func (i *Intake) DispatchMedia(ctx context.Context, reportID, userID string) {
	if _, err := i.EnqueueMediaVerification(ctx, reportID, userID); err != nil &&
		!errors.Is(err, ErrSystemDisabled) && !errors.Is(err, ErrNotEligible) {
		zap.L().Warn("intake: media enqueue failed", zap.String("report_id", reportID), zap.Error(err))
	}
}

func (i *Intake) enqueue(ctx context.Context, reportID, userID string, source model.RequestSource, rerun bool, opts Options) (model.Ticket, error) {
	cfg, err := i.policies.LoadCurrentPolicy(ctx)
	if err != nil {
		// Fail safe: an unreadable policy means nothing is verified automatically.
		i.metrics.ObserveEnqueue(source, "config_unavailable")
		if errors.Is(err, policy.ErrConfigUnavailable) {
			return model.Ticket{}, eris.Wrapf(ErrSystemDisabled, "intake: %v", err)
		}
		return model.Ticket{}, eris.Wrap(err, "intake: load policy")
	}
	if !cfg.SystemEnabled {
		i.metrics.ObserveEnqueue(source, "disabled")
		return model.Ticket{}, ErrSystemDisabled
	}
	if !rerun && !i.eligible(ctx, userID, cfg) {
		i.metrics.ObserveEnqueue(source, "not_eligible")
		return model.Ticket{}, eris.Wrapf(ErrNotEligible, "intake: user %q", userID)
	}

	job, err := i.queue.EnqueueJob(ctx, model.VerificationRequest{
		ID:              uuid.NewString(),
		ReportID:        reportID,
		UserID:          userID,
		TierKeyOverride: opts.TierOverride,
		Rerun:           rerun,
		RequestedBy:     opts.RequestedBy,
		Source:          source,
		EnqueuedAt:      i.nowFunc().UTC(),
	})
	if err != nil {
		i.metrics.ObserveEnqueue(source, "error")
		return model.Ticket{}, eris.Wrapf(err, "intake: enqueue %s", reportID)
	}
	i.metrics.ObserveEnqueue(source, "enqueued")
	return model.Ticket{
		JobID:      job.Request.ID,
		ReportID:   job.Request.ReportID,
		EnqueuedAt: job.Request.EnqueuedAt,
	}, nil
}
