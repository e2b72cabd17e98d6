package model

import "time"

// RequestSource records which path enqueued a verification request.
type RequestSource string

const (
	SourceSubmission RequestSource = "submission"
	SourceMedia      RequestSource = "media"
	SourceAdmin      RequestSource = "admin"
)

// VerificationRequest is one unit of pipeline work. Attempt is the 1-based
// number of the current claim; it is 0 while the request waits in the queue
// for the first time.
type VerificationRequest struct {
	ID              string        `json:"id"`
	ReportID        string        `json:"report_id"`
	UserID          string        `json:"user_id"`
	TierKeyOverride TierKey       `json:"tier_key_override,omitempty"`
	Rerun           bool          `json:"rerun"`
	RequestedBy     string        `json:"requested_by,omitempty"`
	Source          RequestSource `json:"source"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	Attempt         int           `json:"attempt"`
}

// Supersedes reports whether the request may replace an existing outcome.
// Admin reruns and media uploads may; a repeated submission may not.
func (r VerificationRequest) Supersedes() bool {
	return r.Rerun || r.Source == SourceMedia
}

// HeldByModeration reports whether the request must leave a report alone
// because of moderation. Admin reruns are never held. Media re-scores are
// held once a moderator has acted or the report is resolved; verified and
// rejected alone do not hold them, since the pipeline writes those too.
func (r VerificationRequest) HeldByModeration(status ReportStatus, moderatedBy string) bool {
	switch {
	case r.Rerun:
		return false
	case r.Source == SourceMedia:
		return moderatedBy != "" || status == ReportStatusResolved
	default:
		return status.IsModerated()
	}
}

// JobState is the job runner state machine.
type JobState string

const (
	JobQueued          JobState = "queued"
	JobRunning         JobState = "running"
	JobCommitted       JobState = "committed"
	JobFailedRetryable JobState = "failed_retryable"
	JobFailedTerminal  JobState = "failed_terminal"
)

// Terminal reports whether the job will never run again.
func (s JobState) Terminal() bool {
	return s == JobCommitted || s == JobFailedTerminal
}

// Job is a queued verification request plus its claim bookkeeping.
type Job struct {
	Request      VerificationRequest `json:"request"`
	State        JobState            `json:"state"`
	ClaimToken   string              `json:"-"`
	ClaimedUntil *time.Time          `json:"claimed_until,omitempty"`
	AvailableAt  time.Time           `json:"available_at"`
	LastError    string              `json:"last_error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Ticket is handed back to callers that enqueue a request.
type Ticket struct {
	JobID      string    `json:"job_id"`
	ReportID   string    `json:"report_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// LevelStatus describes how an evaluator fared.
type LevelStatus string

const (
	LevelOK          LevelStatus = "ok"
	LevelDegraded    LevelStatus = "degraded"
	LevelUnavailable LevelStatus = "unavailable"
)

// LevelResult is one evaluator's verdict for one request.
type LevelResult struct {
	LevelKey LevelKey       `json:"level_key"`
	Score    float64        `json:"score"`
	Status   LevelStatus    `json:"status"`
	Detail   map[string]any `json:"detail,omitempty"`
}

// Unavailable builds the result recorded when a level could not be scored.
func Unavailable(k LevelKey, reason string) LevelResult {
	return LevelResult{
		LevelKey: k,
		Status:   LevelUnavailable,
		Detail:   map[string]any{"reason": reason},
	}
}

// Decision is the terminal verdict of a verification run.
type Decision string

const (
	DecisionAutoVerified Decision = "auto_verified"
	DecisionNeedsReview  Decision = "needs_review"
	DecisionRejected     Decision = "rejected"
)

// VerificationOutcome is the durable record of a run. Outcomes are
// append-only per report; Current marks the one moderation reads.
type VerificationOutcome struct {
	ID             string        `json:"id"`
	ReportID       string        `json:"report_id"`
	RequestID      string        `json:"request_id"`
	Decision       Decision      `json:"decision"`
	CompositeScore float64       `json:"composite_score"`
	TierKeyUsed    TierKey       `json:"tier_key_used,omitempty"`
	LevelResults   []LevelResult `json:"level_results"`
	PolicyVersion  int64         `json:"policy_version"`
	Note           string        `json:"note,omitempty"`
	DecidedAt      time.Time     `json:"decided_at"`
	Current        bool          `json:"current"`
}
