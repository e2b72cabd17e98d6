package model

import (
	"time"

	"github.com/twpayne/go-geom"
)

// ReportStatus is the moderation state of a citizen report.
type ReportStatus string

const (
	ReportStatusPending       ReportStatus = "pending"
	ReportStatusInvestigating ReportStatus = "investigating"
	ReportStatusVerified      ReportStatus = "verified"
	ReportStatusResolved      ReportStatus = "resolved"
	ReportStatusRejected      ReportStatus = "rejected"
)

// IsModerated reports whether the status is one a moderator settles on.
// Automated runs leave these alone unless an admin asked for a rerun.
func (s ReportStatus) IsModerated() bool {
	switch s {
	case ReportStatusVerified, ReportStatusResolved, ReportStatusRejected:
		return true
	default:
		return false
	}
}

// MediaItem is an attachment uploaded with a report. Capture metadata is
// optional and comes from the upload path (EXIF or device sensors).
type MediaItem struct {
	URL         string     `json:"url"`
	ContentType string     `json:"content_type,omitempty"`
	CapturedAt  *time.Time `json:"captured_at,omitempty"`
	Latitude    *float64   `json:"latitude,omitempty"`
	Longitude   *float64   `json:"longitude,omitempty"`
}

// HasLocation reports whether the media carries capture coordinates.
func (m MediaItem) HasLocation() bool {
	return m.Latitude != nil && m.Longitude != nil
}

// Point returns the capture location, or nil when unknown.
func (m MediaItem) Point() *geom.Point {
	if !m.HasLocation() {
		return nil
	}
	return geom.NewPointFlat(geom.XY, []float64{*m.Longitude, *m.Latitude}).SetSRID(4326)
}

// Report is the subset of a citizen report the verification pipeline reads.
// The surrounding CRUD system owns the record; the pipeline only writes the
// status, IsVerified and VerifiedAt fields.
type Report struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Category    string       `json:"category"`
	Latitude    float64      `json:"latitude"`
	Longitude   float64      `json:"longitude"`
	Address     string       `json:"address,omitempty"`
	IncidentAt  time.Time    `json:"incident_at"`
	SubmittedAt time.Time    `json:"submitted_at"`
	Media       []MediaItem  `json:"media,omitempty"`
	Status      ReportStatus `json:"status"`
	IsVerified  bool         `json:"is_verified"`
	VerifiedAt  *time.Time   `json:"verified_at,omitempty"`
	Priority    string       `json:"priority,omitempty"`
	IsEmergency bool         `json:"is_emergency"`
	ModeratedBy string       `json:"moderated_by,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Point returns the report location as an SRID 4326 point (x=lng, y=lat).
func (r *Report) Point() *geom.Point {
	return geom.NewPointFlat(geom.XY, []float64{r.Longitude, r.Latitude}).SetSRID(4326)
}

// StatusUpdate is the set of report fields a committed outcome writes.
type StatusUpdate struct {
	Status     ReportStatus `json:"status"`
	IsVerified bool         `json:"is_verified"`
	VerifiedAt *time.Time   `json:"verified_at,omitempty"`
}

// StatusFor maps a decision onto the report fields it sets.
func StatusFor(d Decision, decidedAt time.Time) StatusUpdate {
	switch d {
	case DecisionAutoVerified:
		at := decidedAt
		return StatusUpdate{Status: ReportStatusVerified, IsVerified: true, VerifiedAt: &at}
	case DecisionRejected:
		return StatusUpdate{Status: ReportStatusRejected}
	default:
		return StatusUpdate{Status: ReportStatusInvestigating}
	}
}
