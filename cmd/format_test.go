package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/report-verify/internal/model"
)

func TestFormatTicket(t *testing.T) {
	var buf bytes.Buffer
	formatTicket(&buf, model.Ticket{
		JobID:      "job-1",
		ReportID:   "r1",
		EnqueuedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	})
	assert.Equal(t, "Queued job job-1 for report r1 at 2026-05-01T12:00:00Z\n", buf.String())
}

func TestFormatOutcomes(t *testing.T) {
	decided := time.Date(2026, 5, 1, 12, 30, 0, 0, time.UTC)
	outcomes := []model.VerificationOutcome{
		{
			Decision:       model.DecisionNeedsReview,
			CompositeScore: 55,
			TierKeyUsed:    "standard",
			PolicyVersion:  3,
			Note:           "partial evidence: auto verification withheld",
			DecidedAt:      decided,
			Current:        true,
			LevelResults: []model.LevelResult{
				{LevelKey: model.LevelMetadataConsistency, Score: 30, Status: model.LevelOK},
				model.Unavailable(model.LevelContentClassification, "provider timeout"),
			},
		},
		{
			Decision:       model.DecisionRejected,
			CompositeScore: 12.5,
			TierKeyUsed:    "basic",
			PolicyVersion:  2,
			DecidedAt:      decided.Add(-time.Hour),
		},
	}

	var buf bytes.Buffer
	formatOutcomes(&buf, outcomes)

	output := buf.String()
	assert.Contains(t, output, "DECISION")
	assert.Contains(t, output, "needs_review")
	assert.Contains(t, output, "55.0")
	assert.Contains(t, output, "rejected")
	assert.Contains(t, output, "12.5")
	assert.Contains(t, output, "2026-05-01 12:30:00")
	assert.Contains(t, output, "partial evidence")
	assert.Contains(t, output, "Levels (current):")
	assert.Contains(t, output, "content_classification")
	assert.Contains(t, output, "provider timeout")
}

func TestFormatAudit(t *testing.T) {
	var buf bytes.Buffer
	formatAudit(&buf, []model.AuditEntry{
		{Kind: model.AuditDecision, Decision: model.DecisionAutoVerified, CreatedAt: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)},
		{Kind: model.AuditShortCircuit, Message: "already_decided", CreatedAt: time.Date(2026, 5, 1, 9, 5, 0, 0, time.UTC)},
	})

	output := buf.String()
	assert.Contains(t, output, "KIND")
	assert.Contains(t, output, "decision")
	assert.Contains(t, output, "auto_verified")
	assert.Contains(t, output, "short_circuit")
	assert.Contains(t, output, "already_decided")
}

func TestFormatPolicyHistory(t *testing.T) {
	var buf bytes.Buffer
	formatPolicyHistory(&buf, []model.PolicyConfig{
		{
			Version:         2,
			SystemEnabled:   false,
			DefaultTierKey:  "basic",
			EnabledTierKeys: []model.TierKey{"basic", "strict"},
			UpdatedBy:       "ops@city",
			UpdatedAt:       time.Date(2026, 4, 30, 8, 15, 0, 0, time.UTC),
		},
	})

	output := buf.String()
	assert.Contains(t, output, "VERSION")
	assert.Contains(t, output, "false")
	assert.Contains(t, output, "basic,strict")
	assert.Contains(t, output, "ops@city")
	assert.Contains(t, output, "2026-04-30 08:15")
}
