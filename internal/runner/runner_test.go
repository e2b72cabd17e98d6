package runner

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

// --- fakes ---

type fakePolicies struct {
	mu  sync.Mutex
	cfg *model.PolicyConfig
	err error
}

func (f *fakePolicies) LoadCurrentPolicy(context.Context) (*model.PolicyConfig, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.cfg.Clone(), nil
}

func (f *fakePolicies) set(cfg *model.PolicyConfig, err error) {
	f.mu.Lock()
	f.cfg, f.err = cfg, err
	f.mu.Unlock()
}

// scriptedLevels returns fixed scores for each required level.
type scriptedLevels struct {
	mu     sync.Mutex
	scores map[model.LevelKey]float64
	down   map[model.LevelKey]bool
	err    error
	delay  time.Duration
	calls  atomic.Int32
}

func newScriptedLevels(metadata, duplicate, content float64) *scriptedLevels {
	return &scriptedLevels{
		scores: map[model.LevelKey]float64{
			model.LevelMetadataConsistency:   metadata,
			model.LevelDuplicateDetection:    duplicate,
			model.LevelContentClassification: content,
			model.LevelImageIntegrity:        20,
		},
		down: map[model.LevelKey]bool{},
	}
}

func (s *scriptedLevels) Run(ctx context.Context, _ *model.Report, cfg *model.PolicyConfig, t model.TierConfig, _ evaluator.EvalContext) ([]model.LevelResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LevelResult
	for _, k := range cfg.RequiredLevels(t) {
		if s.down[k] {
			out = append(out, model.Unavailable(k, "provider unavailable"))
			continue
		}
		out = append(out, model.LevelResult{LevelKey: k, Score: s.scores[k], Status: model.LevelOK})
	}
	return out, s.err
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recordingEmitter) Emit(_ context.Context, ev notify.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEmitter) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// claimWatchingEmitter records whether the report claim was free while
// notifications were sent.
type claimWatchingEmitter struct {
	locker *claim.MemoryLocker
	mu     sync.Mutex
	free   []bool
}

func (c *claimWatchingEmitter) Emit(ctx context.Context, ev notify.Event) error {
	held, err := c.locker.Acquire(ctx, ev.ReportID, time.Second)
	c.mu.Lock()
	c.free = append(c.free, err == nil)
	c.mu.Unlock()
	if err == nil {
		return c.locker.Release(ctx, held)
	}
	return nil
}

// blockingEmitter waits for its context to end.
type blockingEmitter struct{ deadlines atomic.Int32 }

func (b *blockingEmitter) Emit(ctx context.Context, _ notify.Event) error {
	<-ctx.Done()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		b.deadlines.Add(1)
	}
	return ctx.Err()
}

// --- harness ---

type harness struct {
	st       *store.SQLiteStore
	policies *fakePolicies
	levels   *scriptedLevels
	locker   *claim.MemoryLocker
	emitter  *recordingEmitter
	metrics  *metrics.Metrics
	runner   *Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "runner.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	h := &harness{
		st:       st,
		policies: &fakePolicies{cfg: policy.Default()},
		levels:   newScriptedLevels(30, 25, 20),
		locker:   claim.NewMemoryLocker(),
		emitter:  &recordingEmitter{},
		metrics:  metrics.New(),
	}
	h.runner = New(Deps{
		Store:      st,
		Policies:   h.policies,
		Tiers:      tier.NewResolver(st),
		Evaluators: h.levels,
		Locker:     h.locker,
		Emitter:    h.emitter,
		Metrics:    h.metrics,
	}, Config{
		ClaimTTL:      time.Minute,
		JobBudget:     5 * time.Second,
		ConflictDelay: time.Millisecond,
		Retry: resilience.RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		},
	})
	return h
}

func (h *harness) seed(t *testing.T, id string, emergency bool) {
	t.Helper()
	at := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, h.st.SaveReport(context.Background(), model.Report{
		ID:          id,
		UserID:      "u1",
		Title:       "Fallen tree blocking road",
		Category:    "roads",
		Latitude:    40.7128,
		Longitude:   -74.0060,
		IncidentAt:  at,
		SubmittedAt: at.Add(5 * time.Minute),
		IsEmergency: emergency,
	}))
}

// enqueue adds a request and claims it, returning the claimed job.
func (h *harness) enqueue(t *testing.T, req model.VerificationRequest) model.Job {
	t.Helper()
	ctx := context.Background()
	if req.UserID == "" {
		req.UserID = "u1"
	}
	if req.Source == "" {
		req.Source = model.SourceSubmission
	}
	queued, err := h.st.EnqueueJob(ctx, req)
	require.NoError(t, err)
	return h.claim(t, queued.Request.ID)
}

func (h *harness) claim(t *testing.T, jobID string) model.Job {
	t.Helper()
	var claimed model.Job
	require.Eventually(t, func() bool {
		jobs, err := h.st.ClaimJobs(context.Background(), "tok-"+jobID, 10, time.Minute)
		require.NoError(t, err)
		for _, j := range jobs {
			if j.Request.ID == jobID {
				claimed = j
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return claimed
}

func (h *harness) auditKinds(t *testing.T, reportID string) []model.AuditKind {
	t.Helper()
	entries, err := h.st.ListAudit(context.Background(), reportID, 0)
	require.NoError(t, err)
	var out []model.AuditKind
	for _, e := range entries {
		out = append(out, e.Kind)
	}
	return out
}

// --- Process ---

func TestProcess_AutoVerifies(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	job := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})

	state, err := h.runner.Process(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	ctx := context.Background()
	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, model.DecisionAutoVerified, current.Decision)
	assert.Equal(t, 75.0, current.CompositeScore)
	assert.Equal(t, model.TierKey("standard"), current.TierKeyUsed)
	assert.Equal(t, job.Request.ID, current.RequestID)
	assert.Len(t, current.LevelResults, 3)

	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusVerified, report.Status)
	assert.True(t, report.IsVerified)
	require.NotNil(t, report.VerifiedAt)

	stored, err := h.st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, stored.State)

	assert.Equal(t, []model.AuditKind{model.AuditDecision}, h.auditKinds(t, "r1"))
	assert.Equal(t, []notify.Kind{notify.KindVerificationNotification}, h.emitter.kinds())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DecisionsTotal.WithLabelValues("auto_verified", "standard")))
}

func TestProcess_DecisionBands(t *testing.T) {
	tests := []struct {
		name                         string
		metadata, duplicate, content float64
		want                         model.Decision
		wantStatus                   model.ReportStatus
	}{
		{"review band", 30, 10, 5, model.DecisionNeedsReview, model.ReportStatusInvestigating},
		{"reject band", 10, 5, 5, model.DecisionRejected, model.ReportStatusRejected},
		{"review lower bound inclusive", 20, 10, 10, model.DecisionNeedsReview, model.ReportStatusInvestigating},
		{"auto lower bound inclusive", 30, 25, 10, model.DecisionAutoVerified, model.ReportStatusVerified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.levels = newScriptedLevels(tt.metadata, tt.duplicate, tt.content)
			h.runner.deps.Evaluators = h.levels
			h.seed(t, "r1", false)

			state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
			require.NoError(t, err)
			assert.Equal(t, model.JobCommitted, state)

			current, err := h.st.CurrentOutcome(context.Background(), "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, current.Decision)
			report, err := h.st.GetReport(context.Background(), "r1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, report.Status)
		})
	}
}

func TestProcess_PartialEvidenceCapsAtReview(t *testing.T) {
	h := newHarness(t)
	cfg := policy.Default()
	standard := cfg.Tiers["standard"]
	standard.AutoVerifyScore = 50
	cfg.Tiers["standard"] = standard
	h.policies.set(cfg, nil)
	h.levels.down[model.LevelContentClassification] = true
	h.seed(t, "r1", false)

	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNeedsReview, current.Decision)
	assert.Equal(t, 55.0, current.CompositeScore)
	assert.Equal(t, decision.NotePartialEvidence, current.Note)
	assert.Equal(t, model.LevelUnavailable, current.LevelResults[2].Status)
}

func TestProcess_ClaimReleasedBeforeNotifications(t *testing.T) {
	h := newHarness(t)
	watcher := &claimWatchingEmitter{locker: h.locker}
	h.runner.deps.Emitter = watcher
	h.seed(t, "r1", true)

	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)
	assert.Equal(t, []bool{true, true}, watcher.free)
}

func TestProcess_SlowNotificationsAreBounded(t *testing.T) {
	h := newHarness(t)
	blocker := &blockingEmitter{}
	h.runner.deps.Emitter = blocker
	h.runner.cfg.EmitBudget = 20 * time.Millisecond
	h.seed(t, "r1", false)

	start := time.Now()
	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, int32(1), blocker.deadlines.Load())

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAutoVerified, current.Decision)
}

func TestProcess_EmergencyBroadcastOnlyWhenAutoVerified(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "urgent", true)
	_, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "urgent"}))
	require.NoError(t, err)
	assert.ElementsMatch(t,
		[]notify.Kind{notify.KindVerificationNotification, notify.KindEmergencyAlert}, h.emitter.kinds())

	h2 := newHarness(t)
	h2.levels = newScriptedLevels(30, 10, 5)
	h2.runner.deps.Evaluators = h2.levels
	h2.seed(t, "urgent", true)
	_, err = h2.runner.Process(context.Background(), h2.enqueue(t, model.VerificationRequest{ReportID: "urgent"}))
	require.NoError(t, err)
	assert.Equal(t, []notify.Kind{notify.KindVerificationNotification}, h2.emitter.kinds())
}

func TestProcess_SecondRequestShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", true)
	ctx := context.Background()

	_, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	state, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	outcomes, err := h.st.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, int32(1), h.levels.calls.Load(), "evaluators run once")
	assert.Len(t, h.emitter.kinds(), 2, "notifications are not repeated")
	assert.ElementsMatch(t, []model.AuditKind{model.AuditDecision, model.AuditShortCircuit}, h.auditKinds(t, "r1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ShortCircuits.WithLabelValues(ReasonAlreadyDecided)))
}

func TestProcess_MediaUploadRescores(t *testing.T) {
	h := newHarness(t)
	h.levels = newScriptedLevels(30, 10, 5)
	h.runner.deps.Evaluators = h.levels
	h.seed(t, "r1", false)
	ctx := context.Background()

	_, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	before, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNeedsReview, before.Decision)

	// The photo lands after the first decision and lifts the scores.
	h.levels.mu.Lock()
	h.levels.scores[model.LevelDuplicateDetection] = 25
	h.levels.scores[model.LevelContentClassification] = 20
	h.levels.mu.Unlock()
	media := h.enqueue(t, model.VerificationRequest{ReportID: "r1", Source: model.SourceMedia})
	state, err := h.runner.Process(ctx, media)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, media.Request.ID, current.RequestID)
	assert.Equal(t, model.DecisionAutoVerified, current.Decision)
	assert.Equal(t, int32(2), h.levels.calls.Load())
	assert.Equal(t, []model.AuditKind{model.AuditDecision, model.AuditDecision}, h.auditKinds(t, "r1"))

	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusVerified, report.Status)
}

func TestProcess_MediaUploadAfterRejectionRescores(t *testing.T) {
	h := newHarness(t)
	h.levels = newScriptedLevels(10, 5, 5)
	h.runner.deps.Evaluators = h.levels
	h.seed(t, "r1", false)
	ctx := context.Background()

	_, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, model.ReportStatusRejected, report.Status)

	h.levels.mu.Lock()
	h.levels.scores[model.LevelMetadataConsistency] = 30
	h.levels.scores[model.LevelDuplicateDetection] = 25
	h.levels.scores[model.LevelContentClassification] = 20
	h.levels.mu.Unlock()
	_, err = h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1", Source: model.SourceMedia}))
	require.NoError(t, err)

	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionAutoVerified, current.Decision)
}

func TestProcess_MediaUploadHeldAfterModeration(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	_, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	require.NoError(t, h.st.SetReportStatus(ctx, "r1", model.ReportStatusRejected, "mod-2"))

	state, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1", Source: model.SourceMedia}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	outcomes, err := h.st.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, int32(1), h.levels.calls.Load())
	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusRejected, report.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ShortCircuits.WithLabelValues(ReasonModerated)))
}

func TestProcess_MediaUploadQueuedBeforeDecisionShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	first := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})
	media := h.enqueue(t, model.VerificationRequest{ReportID: "r1", Source: model.SourceMedia})
	_, err := h.runner.Process(ctx, first)
	require.NoError(t, err)

	state, err := h.runner.Process(ctx, media)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	outcomes, err := h.st.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ShortCircuits.WithLabelValues(ReasonStaleRerun)))
}

func TestProcess_RerunSupersedes(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	first := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})
	_, err := h.runner.Process(ctx, first)
	require.NoError(t, err)

	h.levels.mu.Lock()
	h.levels.scores[model.LevelDuplicateDetection] = 0
	h.levels.mu.Unlock()
	rerun := h.enqueue(t, model.VerificationRequest{
		ReportID: "r1", Rerun: true, Source: model.SourceAdmin, RequestedBy: "admin",
	})
	state, err := h.runner.Process(ctx, rerun)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	outcomes, err := h.st.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, rerun.Request.ID, current.RequestID)
	assert.Equal(t, model.DecisionNeedsReview, current.Decision)

	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusInvestigating, report.Status)
}

func TestProcess_StaleRerunShortCircuits(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	_, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)

	stale := h.enqueue(t, model.VerificationRequest{
		ReportID: "r1", Rerun: true, Source: model.SourceAdmin, EnqueuedAt: time.Now().UTC().Add(-time.Hour),
	})
	state, err := h.runner.Process(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	outcomes, err := h.st.ListOutcomes(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ShortCircuits.WithLabelValues(ReasonStaleRerun)))
}

func TestProcess_ModeratedReportUntouched(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()
	require.NoError(t, h.st.SetReportStatus(ctx, "r1", model.ReportStatusResolved, "mod-7"))

	state, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, current)
	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusResolved, report.Status)
	assert.Zero(t, h.levels.calls.Load())
	assert.Empty(t, h.emitter.kinds())
	assert.Equal(t, []model.AuditKind{model.AuditShortCircuit}, h.auditKinds(t, "r1"))
}

func TestProcess_ModeratedDuringRunDiscardsOutcome(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	moderate := &moderatingLevels{scriptedLevels: h.levels, st: h.st}
	h.runner.deps.Evaluators = moderate

	state, err := h.runner.Process(ctx, h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, current)
	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusRejected, report.Status)
	assert.Equal(t, []model.AuditKind{model.AuditSuperseded}, h.auditKinds(t, "r1"))
	assert.Empty(t, h.emitter.kinds())
}

// moderatingLevels has a moderator settle the report while levels run.
type moderatingLevels struct {
	*scriptedLevels
	st *store.SQLiteStore
}

func (m *moderatingLevels) Run(ctx context.Context, r *model.Report, cfg *model.PolicyConfig, t model.TierConfig, ec evaluator.EvalContext) ([]model.LevelResult, error) {
	if err := m.st.SetReportStatus(ctx, r.ID, model.ReportStatusRejected, "mod-1"); err != nil {
		return nil, err
	}
	return m.scriptedLevels.Run(ctx, r, cfg, t, ec)
}

func TestProcess_ClaimConflictReleasesJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()

	held, err := h.locker.Acquire(ctx, "r1", time.Minute)
	require.NoError(t, err)
	defer h.locker.Release(ctx, held) //nolint:errcheck

	job := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})
	state, err := h.runner.Process(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, state)

	stored, err := h.st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, stored.State)
	assert.Equal(t, 0, stored.Request.Attempt, "a lost claim race does not use an attempt")
	assert.Zero(t, h.levels.calls.Load())
	assert.Empty(t, h.auditKinds(t, "r1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ClaimConflicts))
}

func TestProcess_RetryableThenTerminal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	ctx := context.Background()
	h.policies.set(nil, eris.Wrap(policy.ErrConfigUnavailable, "policy: load current"))

	job := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})
	assert.Equal(t, 1, job.Request.Attempt)
	state, err := h.runner.Process(ctx, job)
	require.Error(t, err)
	assert.Equal(t, model.JobFailedRetryable, state)

	stored, err := h.st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailedRetryable, stored.State)
	assert.Contains(t, stored.LastError, "config unavailable")
	assert.Empty(t, h.auditKinds(t, "r1"))

	retry := h.claim(t, job.Request.ID)
	assert.Equal(t, 2, retry.Request.Attempt)
	state, err = h.runner.Process(ctx, retry)
	require.Error(t, err)
	assert.Equal(t, model.JobFailedTerminal, state)

	stored, err = h.st.GetJob(ctx, job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobFailedTerminal, stored.State)
	assert.Equal(t, []model.AuditKind{model.AuditTerminalFailure}, h.auditKinds(t, "r1"))

	report, err := h.st.GetReport(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.ReportStatusPending, report.Status)
	assert.False(t, report.IsVerified)
}

func TestProcess_EvaluatorConfigErrorIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	h.levels.err = eris.Wrap(provider.ErrUnknownCredential, "evaluator: content_classification")

	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, provider.ErrUnknownCredential))
	assert.Equal(t, model.JobFailedTerminal, state)

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, current)
	assert.Equal(t, []model.AuditKind{model.AuditTerminalFailure}, h.auditKinds(t, "r1"))
}

func TestProcess_MissingReportIsTerminal(t *testing.T) {
	h := newHarness(t)
	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "ghost"}))
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.Equal(t, model.JobFailedTerminal, state)
}

func TestProcess_NoEligibleTierRoutesToReview(t *testing.T) {
	h := newHarness(t)
	cfg := policy.Default()
	cfg.EnabledTierKeys = nil
	h.policies.set(cfg, nil)
	h.seed(t, "r1", false)

	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.DecisionNeedsReview, current.Decision)
	assert.Equal(t, decision.NoteNoEligibleTier, current.Note)
	assert.Empty(t, current.TierKeyUsed)
	assert.Zero(t, h.levels.calls.Load())
}

func TestProcess_UserTierAssignment(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	require.NoError(t, h.st.SetUserTier(context.Background(), "u1", "basic"))

	_, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.TierKey("basic"), current.TierKeyUsed)
	assert.Len(t, current.LevelResults, 2)
	assert.Equal(t, 55.0, current.CompositeScore)
}

func TestProcess_SystemDisabledShortCircuits(t *testing.T) {
	h := newHarness(t)
	cfg := policy.Default()
	cfg.SystemEnabled = false
	h.policies.set(cfg, nil)
	h.seed(t, "r1", false)

	state, err := h.runner.Process(context.Background(), h.enqueue(t, model.VerificationRequest{ReportID: "r1"}))
	require.NoError(t, err)
	assert.Equal(t, model.JobCommitted, state)

	current, err := h.st.CurrentOutcome(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, current)
	assert.Zero(t, h.levels.calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ShortCircuits.WithLabelValues(ReasonSystemDisabled)))
}

func TestProcess_ConcurrentRequestsCommitOnce(t *testing.T) {
	h := newHarness(t)
	h.levels.delay = 20 * time.Millisecond
	h.seed(t, "r1", true)

	a := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})
	b := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})

	var wg sync.WaitGroup
	for _, job := range []model.Job{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.runner.Process(context.Background(), job)
		}()
	}
	wg.Wait()

	outcomes, err := h.st.ListOutcomes(context.Background(), "r1")
	require.NoError(t, err)
	assert.Len(t, outcomes, 1)
	assert.ElementsMatch(t,
		[]notify.Kind{notify.KindVerificationNotification, notify.KindEmergencyAlert}, h.emitter.kinds())
}

func TestProcess_CancelledContextReleasesJob(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	job := h.enqueue(t, model.VerificationRequest{ReportID: "r1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.policies.set(nil, eris.Wrap(context.Canceled, "policy: load current"))

	state, err := h.runner.Process(ctx, job)
	require.Error(t, err)
	assert.Equal(t, model.JobQueued, state)

	stored, err := h.st.GetJob(context.Background(), job.Request.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobQueued, stored.State)
	assert.Equal(t, 0, stored.Request.Attempt)
}

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"storage", eris.Wrap(&store.StorageError{Err: errors.New("conn reset")}, "load"), true},
		{"policy store", eris.Wrap(policy.ErrConfigUnavailable, "load"), true},
		{"transient", resilience.NewTransientError(errors.New("503"), 503), true},
		{"not found", eris.Wrap(store.ErrNotFound, "report"), false},
		{"unknown credential", eris.Wrap(provider.ErrUnknownCredential, "x"), false},
		{"unknown provider", eris.Wrap(provider.ErrUnknownProvider, "x"), false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

// --- Pool ---

func TestPool_RunOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		h.seed(t, id, false)
		_, err := h.st.EnqueueJob(ctx, model.VerificationRequest{ReportID: id, UserID: "u1", Source: model.SourceSubmission})
		require.NoError(t, err)
	}

	p := NewPool(h.st, h.runner, PoolConfig{Concurrency: 2})
	n, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one claim per worker slot")
	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for _, id := range []string{"r1", "r2", "r3"} {
		current, err := h.st.CurrentOutcome(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, current, id)
	}

	n, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewPool_BatchNeverExceedsConcurrency(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		cfg  PoolConfig
		want int
	}{
		{"defaults", PoolConfig{}, 4},
		{"batch from concurrency", PoolConfig{Concurrency: 3}, 3},
		{"smaller batch kept", PoolConfig{Concurrency: 4, BatchSize: 2}, 2},
		{"oversized batch clamped", PoolConfig{Concurrency: 2, BatchSize: 8}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPool(h.st, h.runner, tt.cfg)
			assert.Equal(t, tt.want, p.cfg.BatchSize)
			assert.Equal(t, h.runner.cfg.ClaimTTL, p.cfg.Visibility)
		})
	}
}

type failingQueue struct{ err error }

func (f failingQueue) ClaimJobs(context.Context, string, int, time.Duration) ([]model.Job, error) {
	return nil, f.err
}

func TestPool_Run(t *testing.T) {
	h := newHarness(t)
	h.seed(t, "r1", false)
	_, err := h.st.EnqueueJob(context.Background(), model.VerificationRequest{ReportID: "r1", UserID: "u1", Source: model.SourceSubmission})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewPool(h.st, h.runner, PoolConfig{PollInterval: 5 * time.Millisecond}).Run(ctx) }()

	require.Eventually(t, func() bool {
		current, err := h.st.CurrentOutcome(context.Background(), "r1")
		return err == nil && current != nil
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestPool_Run_StorageErrorsKeepPolling(t *testing.T) {
	h := newHarness(t)
	q := failingQueue{err: eris.Wrap(&store.StorageError{Err: errors.New("db down")}, "claim")}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, NewPool(q, h.runner, PoolConfig{PollInterval: 5 * time.Millisecond}).Run(ctx))
}

func TestPool_Run_OtherErrorsStop(t *testing.T) {
	h := newHarness(t)
	q := failingQueue{err: errors.New("bad query")}
	err := NewPool(q, h.runner, PoolConfig{}).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad query")
}
