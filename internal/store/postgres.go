package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/db"
	"github.com/sells-group/report-verify/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
	nowFunc func() time.Time
}

// NewPostgres connects a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg *db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller keeps ownership.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc().UTC()
	}
	return time.Now().UTC()
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS reports (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	title        TEXT NOT NULL DEFAULT '',
	description  TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	latitude     DOUBLE PRECISION NOT NULL,
	longitude    DOUBLE PRECISION NOT NULL,
	address      TEXT NOT NULL DEFAULT '',
	incident_at  TIMESTAMPTZ NOT NULL,
	submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	media        JSONB NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL DEFAULT 'pending',
	is_verified  BOOLEAN NOT NULL DEFAULT false,
	verified_at  TIMESTAMPTZ,
	priority     TEXT NOT NULL DEFAULT '',
	is_emergency BOOLEAN NOT NULL DEFAULT false,
	moderated_by TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_reports_location ON reports(latitude, longitude);
CREATE INDEX IF NOT EXISTS idx_reports_submitted_at ON reports(submitted_at);

CREATE TABLE IF NOT EXISTS user_tiers (
	user_id     TEXT PRIMARY KEY,
	tier_key    TEXT NOT NULL,
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS verification_outcomes (
	id              TEXT PRIMARY KEY,
	report_id       TEXT NOT NULL REFERENCES reports(id),
	request_id      TEXT NOT NULL UNIQUE,
	decision        TEXT NOT NULL,
	composite_score DOUBLE PRECISION NOT NULL,
	tier_key        TEXT NOT NULL DEFAULT '',
	level_results   JSONB NOT NULL DEFAULT '[]',
	policy_version  BIGINT NOT NULL DEFAULT 0,
	note            TEXT NOT NULL DEFAULT '',
	decided_at      TIMESTAMPTZ NOT NULL,
	is_current      BOOLEAN NOT NULL DEFAULT false
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_outcomes_current ON verification_outcomes(report_id) WHERE is_current;
CREATE INDEX IF NOT EXISTS idx_outcomes_report ON verification_outcomes(report_id, decided_at DESC);

CREATE TABLE IF NOT EXISTS verification_jobs (
	id            TEXT PRIMARY KEY,
	report_id     TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	tier_override TEXT NOT NULL DEFAULT '',
	rerun         BOOLEAN NOT NULL DEFAULT false,
	requested_by  TEXT NOT NULL DEFAULT '',
	source        TEXT NOT NULL,
	enqueued_at   TIMESTAMPTZ NOT NULL,
	attempt       INTEGER NOT NULL DEFAULT 0,
	state         TEXT NOT NULL DEFAULT 'queued',
	claim_token   TEXT,
	claimed_until TIMESTAMPTZ,
	available_at  TIMESTAMPTZ NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON verification_jobs(state, available_at);
CREATE INDEX IF NOT EXISTS idx_jobs_report ON verification_jobs(report_id);

CREATE TABLE IF NOT EXISTS verification_audit (
	id              TEXT PRIMARY KEY,
	report_id       TEXT NOT NULL DEFAULT '',
	request_id      TEXT NOT NULL DEFAULT '',
	kind            TEXT NOT NULL,
	decision        TEXT NOT NULL DEFAULT '',
	composite_score DOUBLE PRECISION NOT NULL DEFAULT 0,
	tier_key        TEXT NOT NULL DEFAULT '',
	inputs          JSONB,
	message         TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_report ON verification_audit(report_id, created_at DESC);

CREATE TABLE IF NOT EXISTS policy_snapshots (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	version    BIGINT NOT NULL,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS policy_history (
	id         TEXT PRIMARY KEY,
	version    BIGINT NOT NULL,
	config     JSONB NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	updated_by TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_policy_history_version ON policy_history(version DESC);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return storageErr(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Reports ---

const reportColumns = `id, user_id, title, description, category, latitude, longitude, address,
	incident_at, submitted_at, media, status, is_verified, verified_at, priority,
	is_emergency, moderated_by, updated_at`

func scanPostgresReport(row pgx.Row) (*model.Report, error) {
	var r model.Report
	var media []byte
	if err := row.Scan(&r.ID, &r.UserID, &r.Title, &r.Description, &r.Category,
		&r.Latitude, &r.Longitude, &r.Address, &r.IncidentAt, &r.SubmittedAt, &media,
		&r.Status, &r.IsVerified, &r.VerifiedAt, &r.Priority, &r.IsEmergency,
		&r.ModeratedBy, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(media) > 0 {
		if err := json.Unmarshal(media, &r.Media); err != nil {
			return nil, eris.Wrap(err, "unmarshal media")
		}
	}
	return &r, nil
}

func (s *PostgresStore) GetReport(ctx context.Context, reportID string) (*model.Report, error) {
	r, err := scanPostgresReport(s.pool.QueryRow(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: report %s", reportID)
		}
		return nil, storageErr(err, "postgres: get report")
	}
	return r, nil
}

func (s *PostgresStore) FindNearbyReports(ctx context.Context, q NearbyQuery) ([]model.Report, error) {
	minLat, maxLat, minLng, maxLng := q.bounds()
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE id <> $1 AND latitude BETWEEN $2 AND $3 AND longitude BETWEEN $4 AND $5
		   AND submitted_at >= $6
		 ORDER BY submitted_at DESC
		 LIMIT $7`,
		q.ExcludeID, minLat, maxLat, minLng, maxLng, q.Since.UTC(), q.limit(),
	)
	if err != nil {
		return nil, storageErr(err, "postgres: find nearby reports")
	}
	defer rows.Close()

	var out []model.Report
	for rows.Next() {
		r, err := scanPostgresReport(rows)
		if err != nil {
			return nil, storageErr(err, "postgres: scan report")
		}
		out = append(out, *r)
	}
	return out, storageErr(rows.Err(), "postgres: find nearby reports iterate")
}

func (s *PostgresStore) UserTier(ctx context.Context, userID string) (model.TierKey, error) {
	var tier string
	err := s.pool.QueryRow(ctx,
		`SELECT tier_key FROM user_tiers WHERE user_id = $1`, userID,
	).Scan(&tier)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", storageErr(err, "postgres: user tier")
	}
	return model.TierKey(tier), nil
}

// AssignUserTiers upserts tier assignments in bulk through COPY.
func (s *PostgresStore) AssignUserTiers(ctx context.Context, assignments []model.UserTierAssignment) (int64, error) {
	now := s.now()
	rows := make([][]any, len(assignments))
	for i, a := range assignments {
		rows[i] = []any{a.UserID, string(a.TierKey), now}
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "user_tiers",
		Columns:      []string{"user_id", "tier_key", "assigned_at"},
		ConflictKeys: []string{"user_id"},
	}, rows)
	return n, storageErr(err, "postgres: assign user tiers")
}

// --- Outcomes ---

const outcomeColumns = `id, report_id, request_id, decision, composite_score, tier_key,
	level_results, policy_version, note, decided_at, is_current`

func scanPostgresOutcome(row pgx.Row) (*model.VerificationOutcome, error) {
	var o model.VerificationOutcome
	var results []byte
	if err := row.Scan(&o.ID, &o.ReportID, &o.RequestID, &o.Decision, &o.CompositeScore,
		&o.TierKeyUsed, &results, &o.PolicyVersion, &o.Note, &o.DecidedAt, &o.Current); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(results, &o.LevelResults); err != nil {
		return nil, eris.Wrap(err, "unmarshal level results")
	}
	return &o, nil
}

func (s *PostgresStore) CurrentOutcome(ctx context.Context, reportID string) (*model.VerificationOutcome, error) {
	o, err := scanPostgresOutcome(s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM verification_outcomes WHERE report_id = $1 AND is_current`,
		reportID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "postgres: current outcome")
	}
	return o, nil
}

func (s *PostgresStore) ListOutcomes(ctx context.Context, reportID string) ([]model.VerificationOutcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM verification_outcomes WHERE report_id = $1 ORDER BY decided_at DESC`,
		reportID)
	if err != nil {
		return nil, storageErr(err, "postgres: list outcomes")
	}
	defer rows.Close()

	var out []model.VerificationOutcome
	for rows.Next() {
		o, err := scanPostgresOutcome(rows)
		if err != nil {
			return nil, storageErr(err, "postgres: scan outcome")
		}
		out = append(out, *o)
	}
	return out, storageErr(rows.Err(), "postgres: list outcomes iterate")
}

// CommitOutcome appends the outcome, moves the current pointer to it and
// writes the report status fields in one transaction. The report row lock
// serializes concurrent commits for the same report.
func (s *PostgresStore) CommitOutcome(ctx context.Context, req CommitRequest) error {
	o := req.Outcome
	results, err := json.Marshal(o.LevelResults)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal level results")
	}
	if o.ID == "" {
		o.ID = uuid.New().String()
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "postgres: commit outcome begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var report reportRef
	err = tx.QueryRow(ctx, `SELECT status, moderated_by FROM reports WHERE id = $1 FOR UPDATE`, o.ReportID).Scan(&report.Status, &report.ModeratedBy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return eris.Wrapf(ErrNotFound, "postgres: report %s", o.ReportID)
		}
		return storageErr(err, "postgres: lock report")
	}

	var current *currentRef
	var ref currentRef
	err = tx.QueryRow(ctx,
		`SELECT id, decided_at FROM verification_outcomes WHERE report_id = $1 AND is_current`,
		o.ReportID,
	).Scan(&ref.ID, &ref.DecidedAt)
	switch {
	case err == nil:
		current = &ref
	case !errors.Is(err, pgx.ErrNoRows):
		return storageErr(err, "postgres: load current outcome")
	}

	if err := checkCommit(req, report, current); err != nil {
		return err
	}

	if current != nil {
		if _, err := tx.Exec(ctx,
			`UPDATE verification_outcomes SET is_current = false WHERE id = $1`, current.ID,
		); err != nil {
			return storageErr(err, "postgres: clear current outcome")
		}
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO verification_outcomes (`+outcomeColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, true)`,
		o.ID, o.ReportID, o.RequestID, string(o.Decision), o.CompositeScore,
		string(o.TierKeyUsed), results, o.PolicyVersion, o.Note, o.DecidedAt.UTC(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return eris.Wrapf(ErrAlreadyDecided, "postgres: request %s", o.RequestID)
		}
		return storageErr(err, "postgres: insert outcome")
	}

	if _, err := tx.Exec(ctx,
		`UPDATE reports SET status = $1, is_verified = $2, verified_at = $3, updated_at = $4 WHERE id = $5`,
		string(req.Status.Status), req.Status.IsVerified, req.Status.VerifiedAt, s.now(), o.ReportID,
	); err != nil {
		return storageErr(err, "postgres: update report status")
	}

	return storageErr(tx.Commit(ctx), "postgres: commit outcome")
}

// --- Jobs ---

const jobColumns = `id, report_id, user_id, tier_override, rerun, requested_by, source,
	enqueued_at, attempt, state, claim_token, claimed_until, available_at, last_error, updated_at`

func scanPostgresJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var token *string
	if err := row.Scan(&j.Request.ID, &j.Request.ReportID, &j.Request.UserID,
		&j.Request.TierKeyOverride, &j.Request.Rerun, &j.Request.RequestedBy, &j.Request.Source,
		&j.Request.EnqueuedAt, &j.Request.Attempt, &j.State, &token, &j.ClaimedUntil,
		&j.AvailableAt, &j.LastError, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if token != nil {
		j.ClaimToken = *token
	}
	return &j, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, req model.VerificationRequest) (*model.Job, error) {
	now := s.now()
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.EnqueuedAt.IsZero() {
		req.EnqueuedAt = now
	}
	req.Attempt = 0

	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_jobs
		 (id, report_id, user_id, tier_override, rerun, requested_by, source, enqueued_at,
		  attempt, state, available_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 'queued', $9, $9)`,
		req.ID, req.ReportID, req.UserID, string(req.TierKeyOverride), req.Rerun,
		req.RequestedBy, string(req.Source), req.EnqueuedAt.UTC(), now,
	)
	if err != nil {
		return nil, storageErr(err, "postgres: enqueue job")
	}
	return &model.Job{Request: req, State: model.JobQueued, AvailableAt: now, UpdatedAt: now}, nil
}

// ClaimJobs claims up to limit runnable jobs for token. Jobs whose previous
// claim expired are runnable again; each claim counts as an attempt.
func (s *PostgresStore) ClaimJobs(ctx context.Context, token string, limit int, visibility time.Duration) ([]model.Job, error) {
	now := s.now()
	rows, err := s.pool.Query(ctx,
		`UPDATE verification_jobs
		 SET state = 'running', claim_token = $1, claimed_until = $2, attempt = attempt + 1, updated_at = $3
		 WHERE id IN (
			SELECT id FROM verification_jobs
			WHERE (state IN ('queued', 'failed_retryable') AND available_at <= $3)
			   OR (state = 'running' AND claimed_until < $3)
			ORDER BY available_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		token, now.Add(visibility), now, limit,
	)
	if err != nil {
		return nil, storageErr(err, "postgres: claim jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPostgresJob(rows)
		if err != nil {
			return nil, storageErr(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, storageErr(rows.Err(), "postgres: claim jobs iterate")
}

func (s *PostgresStore) finishJob(ctx context.Context, op, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return storageErr(err, "postgres: "+op)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrClaimLost, "postgres: %s", op)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, token string) error {
	return s.finishJob(ctx, "complete job",
		`UPDATE verification_jobs SET state = 'committed', claim_token = NULL, claimed_until = NULL, updated_at = $1
		 WHERE id = $2 AND claim_token = $3`,
		s.now(), jobID, token)
}

func (s *PostgresStore) RetryJob(ctx context.Context, jobID, token string, availableAt time.Time, lastErr string) error {
	return s.finishJob(ctx, "retry job",
		`UPDATE verification_jobs
		 SET state = 'failed_retryable', claim_token = NULL, claimed_until = NULL,
		     available_at = $1, last_error = $2, updated_at = $3
		 WHERE id = $4 AND claim_token = $5`,
		availableAt.UTC(), lastErr, s.now(), jobID, token)
}

// ReleaseJob hands a claimed job back without counting the attempt.
func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID, token string, availableAt time.Time) error {
	return s.finishJob(ctx, "release job",
		`UPDATE verification_jobs
		 SET state = 'queued', claim_token = NULL, claimed_until = NULL,
		     attempt = GREATEST(attempt - 1, 0), available_at = $1, updated_at = $2
		 WHERE id = $3 AND claim_token = $4`,
		availableAt.UTC(), s.now(), jobID, token)
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, token string, lastErr string) error {
	return s.finishJob(ctx, "fail job",
		`UPDATE verification_jobs
		 SET state = 'failed_terminal', claim_token = NULL, claimed_until = NULL, last_error = $1, updated_at = $2
		 WHERE id = $3 AND claim_token = $4`,
		lastErr, s.now(), jobID, token)
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	j, err := scanPostgresJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM verification_jobs WHERE id = $1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", jobID)
		}
		return nil, storageErr(err, "postgres: get job")
	}
	return j, nil
}

// --- Audit ---

func (s *PostgresStore) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	var inputs []byte
	if e.Inputs != nil {
		var err error
		if inputs, err = json.Marshal(e.Inputs); err != nil {
			return eris.Wrap(err, "postgres: marshal audit inputs")
		}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_audit
		 (id, report_id, request_id, kind, decision, composite_score, tier_key, inputs, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ReportID, e.RequestID, string(e.Kind), string(e.Decision), e.CompositeScore,
		string(e.TierKey), inputs, e.Message, e.CreatedAt.UTC(),
	)
	return storageErr(err, "postgres: append audit")
}

func (s *PostgresStore) ListAudit(ctx context.Context, reportID string, limit int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, report_id, request_id, kind, decision, composite_score, tier_key, inputs, message, created_at
		 FROM verification_audit WHERE report_id = $1 ORDER BY created_at DESC LIMIT $2`,
		reportID, limit)
	if err != nil {
		return nil, storageErr(err, "postgres: list audit")
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		var inputs []byte
		if err := rows.Scan(&e.ID, &e.ReportID, &e.RequestID, &e.Kind, &e.Decision,
			&e.CompositeScore, &e.TierKey, &inputs, &e.Message, &e.CreatedAt); err != nil {
			return nil, storageErr(err, "postgres: scan audit")
		}
		if len(inputs) > 0 {
			if err := json.Unmarshal(inputs, &e.Inputs); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal audit inputs")
			}
		}
		out = append(out, e)
	}
	return out, storageErr(rows.Err(), "postgres: list audit iterate")
}

// --- Policy ---

func (s *PostgresStore) LoadPolicy(ctx context.Context) (*model.PolicyConfig, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, `SELECT config FROM policy_snapshots WHERE id = 1`).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr(err, "postgres: load policy")
	}
	var cfg model.PolicyConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal policy")
	}
	return &cfg, nil
}

// SavePolicy replaces the current snapshot and appends it to the history.
func (s *PostgresStore) SavePolicy(ctx context.Context, cfg *model.PolicyConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal policy")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return storageErr(err, "postgres: save policy begin")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO policy_snapshots (id, version, config, updated_at, updated_by)
		 VALUES (1, $1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET version = $1, config = $2, updated_at = $3, updated_by = $4`,
		cfg.Version, raw, cfg.UpdatedAt.UTC(), cfg.UpdatedBy,
	); err != nil {
		return storageErr(err, "postgres: upsert policy snapshot")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO policy_history (id, version, config, updated_at, updated_by) VALUES ($1, $2, $3, $4, $5)`,
		uuid.New().String(), cfg.Version, raw, cfg.UpdatedAt.UTC(), cfg.UpdatedBy,
	); err != nil {
		return storageErr(err, "postgres: insert policy history")
	}
	return storageErr(tx.Commit(ctx), "postgres: save policy commit")
}

func (s *PostgresStore) PolicyHistory(ctx context.Context, limit int) ([]model.PolicyConfig, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx,
		`SELECT config FROM policy_history ORDER BY version DESC, updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, storageErr(err, "postgres: policy history")
	}
	defer rows.Close()

	var out []model.PolicyConfig
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, storageErr(err, "postgres: scan policy history")
		}
		var cfg model.PolicyConfig
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal policy history")
		}
		out = append(out, cfg)
	}
	return out, storageErr(rows.Err(), "postgres: policy history iterate")
}
