// Package notify delivers the side effects of a committed verification:
// emergency broadcasts and notifications to the reporting user.
package notify

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/model"
)

// Kind is the type of side effect.
type Kind string

const (
	KindEmergencyAlert           Kind = "emergency_alert"
	KindVerificationNotification Kind = "verification_notification"
)

// Event is the payload handed to emitters.
type Event struct {
	Kind           Kind           `json:"kind"`
	ReportID       string         `json:"report_id"`
	UserID         string         `json:"user_id"`
	Title          string         `json:"title"`
	Category       string         `json:"category"`
	Latitude       float64        `json:"latitude"`
	Longitude      float64        `json:"longitude"`
	Address        string         `json:"address,omitempty"`
	Decision       model.Decision `json:"decision"`
	CompositeScore float64        `json:"composite_score"`
	TierKey        model.TierKey  `json:"tier_key,omitempty"`
	DecidedAt      time.Time      `json:"decided_at"`
}

// NewEvent builds an event for a committed outcome.
func NewEvent(kind Kind, r *model.Report, o model.VerificationOutcome) Event {
	return Event{
		Kind:           kind,
		ReportID:       r.ID,
		UserID:         r.UserID,
		Title:          r.Title,
		Category:       r.Category,
		Latitude:       r.Latitude,
		Longitude:      r.Longitude,
		Address:        r.Address,
		Decision:       o.Decision,
		CompositeScore: o.CompositeScore,
		TierKey:        o.TierKeyUsed,
		DecidedAt:      o.DecidedAt,
	}
}

// Emitter delivers events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// LogEmitter writes events to the log only.
type LogEmitter struct{}

func (LogEmitter) Emit(_ context.Context, ev Event) error {
	zap.L().Info("notify: event",
		zap.String("kind", string(ev.Kind)),
		zap.String("report_id", ev.ReportID),
		zap.String("user_id", ev.UserID),
		zap.String("decision", string(ev.Decision)),
	)
	return nil
}

// Multi sends each event to every emitter and joins their errors.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, e := range m {
		if err := e.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
