package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/report-verify/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix nanoseconds. It is meant for single-node deployments and
// tests; one connection serializes every transaction.
type SQLiteStore struct {
	db      *sql.DB
	nowFunc func() time.Time
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	latitude     REAL NOT NULL,
	longitude    REAL NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	incident_at  INTEGER NOT NULL,
	submitted_at INTEGER NOT NULL,
	media        TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'pending',
	is_verified  INTEGER NOT NULL DEFAULT 0,
	verified_at  INTEGER,
	priority     TEXT NOT NULL DEFAULT '',
	is_emergency INTEGER NOT NULL DEFAULT 0,
	moderated_by TEXT NOT NULL DEFAULT '',
	updated_at   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reports_location ON reports(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_reports_submitted_at ON reports(submitted_at);

CREATE TABLE IF NOT EXISTS user_tiers (
	user_id     TEXT PRIMARY KEY,
	tier_key    TEXT NOT NULL,
	assigned_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS verification_outcomes (
	id              TEXT PRIMARY KEY,
	report_id       TEXT NOT NULL REFERENCES reports(id),
	request_id      TEXT NOT NULL UNIQUE,
	decision        TEXT NOT NULL,
	composite_score REAL NOT NULL,
	tier_key        TEXT NOT NULL DEFAULT '',
	level_results   TEXT NOT NULL DEFAULT '[]',
	policy_version  INTEGER NOT NULL DEFAULT 0,
	note            TEXT NOT NULL DEFAULT '',
	decided_at      INTEGER NOT NULL,
	is_current      INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_current ON verification_outcomes(report_id) WHERE is_current = 1;
CREATE INDEX IF NOT EXISTS idx_outcomes_report ON verification_outcomes(report_id, decided_at);

CREATE TABLE IF NOT EXISTS verification_jobs (
	id            TEXT PRIMARY KEY,
	report_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	tier_override TEXT NOT NULL DEFAULT '',
	rerun         INTEGER NOT NULL DEFAULT 0,
	requested_by  TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	enqueued_at   INTEGER NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'queued',
	claim_token   TEXT,
	claimed_until INTEGER,
	available_at  INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON verification_jobs(state, available_at);

CREATE TABLE IF NOT EXISTS verification_audit (
	id              TEXT PRIMARY KEY,
	report_id       TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	decision        TEXT NOT NULL DEFAULT '',
	composite_score REAL NOT NULL DEFAULT 0,
	tier_key        TEXT NOT NULL DEFAULT '',
	inputs          TEXT,
	message         TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_report ON verification_audit(report_id, created_at);

CREATE TABLE IF NOT EXISTS policy_snapshots (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    INTEGER NOT NULL,
	config     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS policy_history (
	id         TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	config     TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return storageErr(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc().UTC()
	}
	return time.Now().UTC()
}

func nanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: nanos(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

type scannable interface {
	Scan(dest ...any) error
}

// --- Reports ---

// SaveReport inserts or replaces a report. The CRUD system owns reports in
// production; this exists for single-node setups and fixtures.
func (s *SQLiteStore) SaveReport(ctx context.Context, r model.Report) error {
	media, err := json.Marshal(r.Media)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal media")
	}
	if r.Status == "" {
		r.Status = model.ReportStatusPending
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.SubmittedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (`+reportColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   title = excluded.title, description = excluded.description, category = excluded.category,
		   latitude = excluded.latitude, longitude = excluded.longitude, address = excluded.address,
		   incident_at = excluded.incident_at, media = excluded.media, status = excluded.status,
		   is_verified = excluded.is_verified, verified_at = excluded.verified_at,
		   priority = excluded.priority, is_emergency = excluded.is_emergency,
		   moderated_by = excluded.moderated_by, updated_at = excluded.updated_at`,
		r.ID, r.UserID, r.Title, r.Description, r.Category, r.Latitude, r.Longitude, r.Address,
		nanos(r.IncidentAt), nanos(r.SubmittedAt), string(media), string(r.Status), r.IsVerified,
		nullNanos(r.VerifiedAt), r.Priority, r.IsEmergency, r.ModeratedBy, nanos(r.UpdatedAt),
	)
	return storageErr(err, "sqlite: save report")
}

// SetReportStatus records a manual moderation action.
func (s *SQLiteStore) SetReportStatus(ctx context.Context, reportID string, status model.ReportStatus, moderator string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE reports SET status = ?, moderated_by = ?, updated_at = ? WHERE id = ?`,
		string(status), moderator, nanos(s.now()), reportID,
	)
	if err != nil {
		return storageErr(err, "sqlite: set report status")
	}
	return checkRowsAffected(res, ErrNotFound, "report "+reportID)
}

// SetUserTier assigns a persistent tier to a user.
func (s *SQLiteStore) SetUserTier(ctx context.Context, userID string, tier model.TierKey) error {
	_, err := s.AssignUserTiers(ctx, []model.UserTierAssignment{{UserID: userID, TierKey: tier}})
	return err
}

// AssignUserTiers upserts tier assignments in one transaction.
func (s *SQLiteStore) AssignUserTiers(ctx context.Context, assignments []model.UserTierAssignment) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr(err, "sqlite: assign user tiers begin")
	}
	defer func() { _ = tx.Rollback() }()

	now := nanos(s.now())
	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO user_tiers (user_id, tier_key, assigned_at) VALUES (?, ?, ?)
			 ON CONFLICT (user_id) DO UPDATE SET tier_key = excluded.tier_key, assigned_at = excluded.assigned_at`,
			a.UserID, string(a.TierKey), now,
		); err != nil {
			return 0, storageErr(err, "sqlite: assign user tier "+a.UserID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr(err, "sqlite: assign user tiers commit")
	}
	return int64(len(assignments)), nil
}

func scanSQLiteReport(row scannable) (*model.Report, error) {
	var r model.Report
	var media string
	var incidentAt, submittedAt, updatedAt int64
	var verifiedAt sql.NullInt64
	if err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.Category,
		&r.Latitude, &r.Longitude, &r.Address, &incidentAt, &submittedAt, &media,
		&r.Status, &r.IsVerified, &verifiedAt, &r.Priority, &r.IsEmergency,
		&r.ModeratedBy, &updatedAt); err != nil {
		return nil, err
	}
	r.IncidentAt = fromNanos(incidentAt)
	r.SubmittedAt = fromNanos(submittedAt)
	r.UpdatedAt = fromNanos(updatedAt)
	r.VerifiedAt = timePtr(verifiedAt)
	if media != "" {
		if err := json.Unmarshal([]byte(media), &r.Media); err != nil {
			return nil, eris.Wrap(err, "unmarshal media")
		}
	}
	return &r, nil
}

func (s *SQLiteStore) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	r, err := scanSQLiteReport(s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = ?`, reportID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: report %s", reportID)
		}
		return nil, storageErr(err, "sqlite: get report")
	}
	return r, nil
}

func (s *SQLiteStore) FindNearbyReports(ctx context.Context, q NearbyQuery) ([]model.Report, error) {
	minLat, maxLat, minLng, maxLng := q.bounds()
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE id <> ? AND latitude BETWEEN ? AND ? AND longitude BETWEEN ? AND ?
		   AND submitted_at >= ?
		 ORDER BY submitted_at DESC
		 LIMIT ?`,
		q.ExcludeID, minLat, maxLat, minLng, maxLng, nanos(q.Since), q.limit(),
	)
	if err != nil {
		return nil, storageErr(err, "sqlite: find nearby reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		r, err := scanSQLiteReport(rows)
		if err != nil {
			return nil, storageErr(err, "sqlite: scan report")
		}
		out = append(out, *r)
	}
	return out, storageErr(rows.Err(), "sqlite: find nearby reports iterate")
}

func (s *SQLiteStore) UserTier(ctx context.Context, userID string) (model.TierKey, error) {
	var tier string
	err := s.db.QueryRowContext(ctx, `SELECT tier_key FROM user_tiers WHERE user_id = ?`, userID).Scan(&tier)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", storageErr(err, "sqlite: user tier")
	}
	return model.TierKey(tier), nil
}

// --- Outcomes ---

func scanSQLiteOutcome(row scannable) (*model.VerificationOutcome, error) {
	var o model.VerificationOutcome
	var results string
	var decidedAt int64
	if err := row.Scan(&o.ID, &o.ReportID, &o.RequestID, &o.Decision, &o.CompositeScore,
		&o.TierKeyUsed, &results, &o.PolicyVersion, &o.Note, &decidedAt, &o.Current); err != nil {
		return nil, err
	}
	o.DecidedAt = fromNanos(decidedAt)
	if err := json.Unmarshal([]byte(results), &o.LevelResults); err != nil {
		return nil, eris.Wrap(err, "unmarshal level results")
	}
	return &o, nil
}

func (s *SQLiteStore) CurrentOutcome(ctx context.Context, reportID string) (*model.VerificationOutcome, error) {
	o, err := scanSQLiteOutcome(s.db.QueryRowContext(ctx,
		`SELECT `+outcomeColumns+` FROM verification_outcomes WHERE report_id = ? AND is_current = 1`,
		reportID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "sqlite: current outcome")
	}
	return o, nil
}

func (s *SQLiteStore) ListOutcomes(ctx context.Context, reportID string) ([]model.VerificationOutcome, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+outcomeColumns+` FROM verification_outcomes WHERE report_id = ? ORDER BY decided_at DESC`,
		reportID)
	if err != nil {
		return nil, storageErr(err, "sqlite: list outcomes")
	}
	defer rows.Close()

	var out []model.VerificationOutcome
	for rows.Next() {
		o, err := scanSQLiteOutcome(rows)
		if err != nil {
			return nil, storageErr(err, "sqlite: scan outcome")
		}
		out = append(out, *o)
	}
	return out, storageErr(rows.Err(), "sqlite: list outcomes iterate")
}

func (s *SQLiteStore) CommitOutcome(ctx context.Context, req CommitRequest) error {
	o := req.Outcome
	results, err := json.Marshal(o.LevelResults)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal level results")
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "sqlite: commit outcome begin")
	}
	defer func() { _ = tx.Rollback() }()

	var report reportRef
	err = tx.QueryRowContext(ctx, `SELECT status, moderated_by FROM reports WHERE id = ?`, o.ReportID).Scan(&report.Status, &report.ModeratedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "sqlite: report %s", o.ReportID)
		}
		return storageErr(err, "sqlite: load report status")
	}

	var current *currentRef
	var ref currentRef
	var decidedAt int64
	err = tx.QueryRowContext(ctx,
		`SELECT id, decided_at FROM verification_outcomes WHERE report_id = ? AND is_current = 1`,
		o.ReportID,
	).Scan(&ref.ID, &decidedAt)
	switch {
	case err == nil:
		ref.DecidedAt = fromNanos(decidedAt)
		current = &ref
	case !errors.Is(err, sql.ErrNoRows):
		return storageErr(err, "sqlite: load current outcome")
	}

	if err := checkCommit(req, report, current); err != nil {
		return err
	}

	if current != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE verification_outcomes SET is_current = 0 WHERE id = ?`, current.ID,
		); err != nil {
			return storageErr(err, "sqlite: clear current outcome")
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO verification_outcomes (`+outcomeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
		o.ID, o.ReportID, o.RequestID, string(o.Decision), o.CompositeScore,
		string(o.TierKeyUsed), string(results), o.PolicyVersion, o.Note, nanos(o.DecidedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return eris.Wrapf(ErrAlreadyDecided, "sqlite: request %s", o.RequestID)
		}
		return storageErr(err, "sqlite: insert outcome")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE reports SET status = ?, is_verified = ?, verified_at = ?, updated_at = ? WHERE id = ?`,
		string(req.Status.Status), req.Status.IsVerified, nullNanos(req.Status.VerifiedAt),
		nanos(s.now()), o.ReportID,
	); err != nil {
		return storageErr(err, "sqlite: update report status")
	}

	return storageErr(tx.Commit(), "sqlite: commit outcome")
}

// --- Jobs ---

func scanSQLiteJob(row scannable) (*model.Job, error) {
	var j model.Job
	var token sql.NullString
	var enqueuedAt, availableAt, updatedAt int64
	var claimedUntil sql.NullInt64
	if err := row.Scan(&j.Request.ID, &j.Request.ReportID, &j.Request.UserID,
		&j.Request.TierKeyOverride, &j.Request.Rerun, &j.Request.RequestedBy, &j.Request.Source,
		&enqueuedAt, &j.Request.Attempt, &j.State, &token, &claimedUntil,
		&availableAt, &j.LastError, &updatedAt); err != nil {
		return nil, err
	}
	j.ClaimToken = token.String
	j.Request.EnqueuedAt = fromNanos(enqueuedAt)
	j.ClaimedUntil = timePtr(claimedUntil)
	j.AvailableAt = fromNanos(availableAt)
	j.UpdatedAt = fromNanos(updatedAt)
	return &j, nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, req model.VerificationRequest) (*model.Job, error) {
	now := s.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	req.Attempt = 0

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_jobs
		 (id, report_id, user_id, tier_override, rerun, requested_by, source, enqueued_at,
		  attempt, state, available_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 'queued', ?, ?)`,
		req.ID, req.ReportID, req.UserID, string(req.TierKeyOverride), req.Rerun,
		req.RequestedBy, string(req.Source), nanos(req.EnqueuedAt), nanos(now), nanos(now),
	)
	if err != nil {
		return nil, storageErr(err, "sqlite: enqueue job")
	}
	return &model.Job{Request: req, State: model.JobQueued, AvailableAt: now, UpdatedAt: now}, nil
}

func (s *SQLiteStore) ClaimJobs(ctx context.Context, token string, limit int, visibility time.Duration) ([]model.Job, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE verification_jobs
		 SET state = 'running', claim_token = ?, claimed_until = ?, attempt = attempt + 1, updated_at = ?
		 WHERE id IN (
			SELECT id FROM verification_jobs
			WHERE (state IN ('queued', 'failed_retryable') AND available_at <= ?)
			   OR (state = 'running' AND claimed_until < ?)
			ORDER BY available_at
			LIMIT ?)
		 RETURNING `+jobColumns,
		token, nanos(now.Add(visibility)), nanos(now), nanos(now), nanos(now), limit,
	)
	if err != nil {
		return nil, storageErr(err, "sqlite: claim jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, storageErr(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, storageErr(rows.Err(), "sqlite: claim jobs iterate")
}

func (s *SQLiteStore) finishJob(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(err, "sqlite: "+op)
	}
	return checkRowsAffected(res, ErrClaimLost, op)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, token string) error {
	return s.finishJob(ctx, "complete job",
		`UPDATE verification_jobs SET state = 'committed', claim_token = NULL, claimed_until = NULL, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		nanos(s.now()), jobID, token)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, jobID, token string, availableAt time.Time, lastErr string) error {
	return s.finishJob(ctx, "retry job",
		`UPDATE verification_jobs
		 SET state = 'failed_retryable', claim_token = NULL, claimed_until = NULL,
		     available_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		nanos(availableAt), lastErr, nanos(s.now()), jobID, token)
}

func (s *SQLiteStore) ReleaseJob(ctx context.Context, jobID, token string, availableAt time.Time) error {
	return s.finishJob(ctx, "release job",
		`UPDATE verification_jobs
		 SET state = 'queued', claim_token = NULL, claimed_until = NULL,
		     attempt = MAX(attempt - 1, 0), available_at = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		nanos(availableAt), nanos(s.now()), jobID, token)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, token string, lastErr string) error {
	return s.finishJob(ctx, "fail job",
		`UPDATE verification_jobs
		 SET state = 'failed_terminal', claim_token = NULL, claimed_until = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND claim_token = ?`,
		lastErr, nanos(s.now()), jobID, token)
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM verification_jobs WHERE id = ?`, jobID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", jobID)
		}
		return nil, storageErr(err, "sqlite: get job")
	}
	return j, nil
}

// --- Audit ---

func (s *SQLiteStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	var inputs sql.NullString
	if e.Inputs != nil {
		raw, err := json.Marshal(e.Inputs)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal audit inputs")
		}
		inputs = sql.NullString{String: string(raw), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO verification_audit
		 (id, report_id, request_id, kind, decision, composite_score, tier_key, inputs, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReportID, e.RequestID, string(e.Kind), string(e.Decision), e.CompositeScore,
		string(e.TierKey), inputs, e.Message, nanos(e.CreatedAt),
	)
	return storageErr(err, "sqlite: append audit")
}

func (s *SQLiteStore) ListAudit(ctx context.Context, reportID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, report_id, request_id, kind, decision, composite_score, tier_key, inputs, message, created_at
		 FROM verification_audit WHERE report_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		reportID, limit)
	if err != nil {
		return nil, storageErr(err, "sqlite: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var inputs sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.ReportID, &e.RequestID, &e.Kind, &e.Decision,
			&e.CompositeScore, &e.TierKey, &inputs, &e.Message, &createdAt); err != nil {
			return nil, storageErr(err, "sqlite: scan audit")
		}
		e.CreatedAt = fromNanos(createdAt)
		if inputs.Valid {
			if err := json.Unmarshal([]byte(inputs.String), &e.Inputs); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal audit inputs")
			}
		}
		out = append(out, e)
	}
	return out, storageErr(rows.Err(), "sqlite: list audit iterate")
}

// --- Policy ---

func (s *SQLiteStore) LoadPolicy(ctx context.Context) (*model.PolicyConfig, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT config FROM policy_snapshots WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "sqlite: load policy")
	}
	var cfg model.PolicyConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal policy")
	}
	return &cfg, nil
}

func (s *SQLiteStore) SavePolicy(ctx context.Context, cfg *model.PolicyConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal policy")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(err, "sqlite: save policy begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_snapshots (id, version, config, updated_at, updated_by)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET version = excluded.version, config = excluded.config,
		   updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		cfg.Version, string(raw), nanos(cfg.UpdatedAt), cfg.UpdatedBy,
	); err != nil {
		return storageErr(err, "sqlite: upsert policy snapshot")
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO policy_history (id, version, config, updated_at, updated_by) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), cfg.Version, string(raw), nanos(cfg.UpdatedAt), cfg.UpdatedBy,
	); err != nil {
		return storageErr(err, "sqlite: insert policy history")
	}
	return storageErr(tx.Commit(), "sqlite: save policy commit")
}

func (s *SQLiteStore) PolicyHistory(ctx context.Context, limit int) ([]model.PolicyConfig, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT config FROM policy_history ORDER BY version DESC, updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr(err, "sqlite: policy history")
	}
	defer rows.Close()

	var out []model.PolicyConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr(err, "sqlite: scan policy history")
		}
		var cfg model.PolicyConfig
		if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal policy history")
		}
		out = append(out, cfg)
	}
	return out, storageErr(rows.Err(), "sqlite: policy history iterate")
}

func checkRowsAffected(res sql.Result, sentinel error, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(sentinel, "sqlite: %s", what)
	}
	return nil
}
