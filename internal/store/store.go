// Package store persists reports' verification state: outcomes, the job
// queue, the audit log and policy snapshots.
package store

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/resilience"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrAlreadyDecided is returned by CommitOutcome when the report already
	// has a current outcome the request may not replace.
	ErrAlreadyDecided = eris.New("store: report already decided")
	// ErrReportModerated is returned by CommitOutcome when a moderator set
	// the report status and the request is not an explicit rerun.
	ErrReportModerated = eris.New("store: report manually moderated")
	// ErrClaimLost is returned when a job update finds the job no longer
	// holds the caller's claim token.
	ErrClaimLost = eris.New("store: job claim lost")
	// ErrStorageFailure marks infrastructure failures. It is retryable.
	ErrStorageFailure = eris.New("store: storage failure")
)

// StorageError wraps a backend failure. It matches ErrStorageFailure with
// errors.Is and is transient for the retry machinery.
type StorageError struct {
	Err error
}

func (e *StorageError) Error() string { return "storage failure: " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return resilience.NewTransientError(e.Err, 0) }

// Is reports whether target is ErrStorageFailure.
func (e *StorageError) Is(target error) bool { return target == ErrStorageFailure }

func storageErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return eris.Wrap(&StorageError{Err: err}, op)
}

// NearbyQuery selects recent reports around a location.
type NearbyQuery struct {
	ExcludeID    string
	Latitude     float64
	Longitude    float64
	RadiusMeters float64
	Since        time.Time
	Limit        int
}

const metersPerDegree = 111_320.0

// bounds returns a lat/lng box that contains the query circle.
func (q NearbyQuery) bounds() (minLat, maxLat, minLng, maxLng float64) {
	dLat := q.RadiusMeters / metersPerDegree
	cos := math.Cos(q.Latitude * math.Pi / 180)
	if cos < 0.01 {
		cos = 0.01
	}
	dLng := q.RadiusMeters / (metersPerDegree * cos)
	return q.Latitude - dLat, q.Latitude + dLat, q.Longitude - dLng, q.Longitude + dLng
}

func (q NearbyQuery) limit() int {
	if q.Limit <= 0 {
		return 50
	}
	return q.Limit
}

// CommitRequest is everything CommitOutcome writes in one transaction.
type CommitRequest struct {
	Outcome model.VerificationOutcome
	Request model.VerificationRequest
	Status  model.StatusUpdate
}

// Store defines the persistence interface for the verification pipeline.
type Store interface {
	// Reports (owned by the CRUD system; read plus status writes only)
	GetReport(ctx context.Context, reportID string) (*model.Report, error)
	FindNearbyReports(ctx context.Context, q NearbyQuery) ([]model.Report, error)
	UserTier(ctx context.Context, userID string) (model.TierKey, error)
	AssignUserTiers(ctx context.Context, assignments []model.UserTierAssignment) (int64, error)

	// Outcomes
	CurrentOutcome(ctx context.Context, reportID string) (*model.VerificationOutcome, error)
	ListOutcomes(ctx context.Context, reportID string) ([]model.VerificationOutcome, error)
	CommitOutcome(ctx context.Context, req CommitRequest) error

	// Jobs
	EnqueueJob(ctx context.Context, req model.VerificationRequest) (*model.Job, error)
	ClaimJobs(ctx context.Context, token string, limit int, visibility time.Duration) ([]model.Job, error)
	CompleteJob(ctx context.Context, jobID, token string) error
	RetryJob(ctx context.Context, jobID, token string, availableAt time.Time, lastErr string) error
	ReleaseJob(ctx context.Context, jobID, token string, availableAt time.Time) error
	FailJob(ctx context.Context, jobID, token string, lastErr string) error
	GetJob(ctx context.Context, jobID string) (*model.Job, error)

	// Audit
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
	ListAudit(ctx context.Context, reportID string, limit int) ([]model.AuditEntry, error)

	// Policy
	LoadPolicy(ctx context.Context) (*model.PolicyConfig, error)
	SavePolicy(ctx context.Context, cfg *model.PolicyConfig) error
	PolicyHistory(ctx context.Context, limit int) ([]model.PolicyConfig, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// reportRef is the part of the report row the commit guard needs.
type reportRef struct {
	Status      model.ReportStatus
	ModeratedBy string
}

// currentRef is the part of the current outcome the commit guard needs.
type currentRef struct {
	ID        string
	DecidedAt time.Time
}

// checkCommit enforces, inside the commit transaction, that a request only
// replaces the current outcome when it is a rerun or media re-score enqueued
// after that outcome, and that automated runs never overwrite moderation.
func checkCommit(req CommitRequest, report reportRef, current *currentRef) error {
	if current != nil {
		if !req.Request.Supersedes() {
			return ErrAlreadyDecided
		}
		if current.DecidedAt.After(req.Request.EnqueuedAt) {
			return ErrAlreadyDecided
		}
	}
	if req.Request.HeldByModeration(report.Status, report.ModeratedBy) {
		return ErrReportModerated
	}
	return nil
}
