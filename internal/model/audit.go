package model

import "time"

// AuditKind classifies audit log entries.
type AuditKind string

const (
	AuditDecision        AuditKind = "decision"
	AuditTerminalFailure AuditKind = "terminal_failure"
	AuditShortCircuit    AuditKind = "short_circuit"
	AuditSuperseded      AuditKind = "superseded"
	AuditPolicyChange    AuditKind = "policy_change"
)

// AuditEntry is an immutable record of something the pipeline decided or
// failed to decide.
type AuditEntry struct {
	ID             string         `json:"id"`
	ReportID       string         `json:"report_id,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	Kind           AuditKind      `json:"kind"`
	Decision       Decision       `json:"decision,omitempty"`
	CompositeScore float64        `json:"composite_score"`
	TierKey        TierKey        `json:"tier_key,omitempty"`
	Inputs         map[string]any `json:"inputs,omitempty"`
	Message        string         `json:"message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
