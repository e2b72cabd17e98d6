package evaluator

import (
	"context"
	"math"
	"time"

	"github.com/twpayne/go-geom"

	"github.com/sells-group/report-verify/internal/model"
)

const earthRadiusMeters = 6_371_000.0

// distanceMeters is the great-circle distance between two lng/lat points.
func distanceMeters(a, b *geom.Point) float64 {
	lat1, lat2 := a.Y()*math.Pi/180, b.Y()*math.Pi/180
	dLat := lat2 - lat1
	dLng := (b.X() - a.X()) * math.Pi / 180
	h := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(min(h, 1)))
}

// validPoint reports whether p is a plausible WGS84 location. Null island
// is treated as a missing fix.
func validPoint(p *geom.Point) bool {
	x, y := p.X(), p.Y()
	if math.IsNaN(x) || math.IsNaN(y) {
		return false
	}
	if y < -90 || y > 90 || x < -180 || x > 180 {
		return false
	}
	return x != 0 || y != 0
}

// MetadataOptions tunes the metadata consistency checks.
type MetadataOptions struct {
	// MaxIncidentAge is how long before submission an incident may have
	// happened. Default: 7 days.
	MaxIncidentAge time.Duration
	// ClockSkew tolerates device clocks running ahead. Default: 5 minutes.
	ClockSkew time.Duration
	// MediaRadiusMeters is how far from the report a photo may have been
	// taken. Default: 500.
	MediaRadiusMeters float64
	// MediaTimeWindow is how far capture time may drift from incident time.
	// Default: 6 hours.
	MediaTimeWindow time.Duration
}

func (o MetadataOptions) withDefaults() MetadataOptions {
	if o.MaxIncidentAge <= 0 {
		o.MaxIncidentAge = 7 * 24 * time.Hour
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = 5 * time.Minute
	}
	if o.MediaRadiusMeters <= 0 {
		o.MediaRadiusMeters = 500
	}
	if o.MediaTimeWindow <= 0 {
		o.MediaTimeWindow = 6 * time.Hour
	}
	return o
}

// Metadata checks that a report's location and times agree with each other
// and with the capture metadata of its media.
type Metadata struct {
	opts MetadataOptions
}

// NewMetadata creates the metadata consistency evaluator.
func NewMetadata(opts MetadataOptions) *Metadata {
	return &Metadata{opts: opts.withDefaults()}
}

func (m *Metadata) Key() model.LevelKey       { return model.LevelMetadataConsistency }
func (m *Metadata) Service() model.ServiceKey { return "" }

func (m *Metadata) Evaluate(_ context.Context, r *model.Report, ec EvalContext, _ model.ServiceConfig) (model.LevelResult, error) {
	now := ec.Now
	if now.IsZero() {
		now = time.Now()
	}

	loc := r.Point()
	failed := []string{}
	checks := 0
	check := func(name string, ok bool) {
		checks++
		if !ok {
			failed = append(failed, name)
		}
	}

	locOK := validPoint(loc)
	check("location_valid", locOK)
	check("incident_not_future", !r.IncidentAt.After(now.Add(m.opts.ClockSkew)))
	check("incident_before_submission", r.SubmittedAt.IsZero() || !r.IncidentAt.After(r.SubmittedAt.Add(m.opts.ClockSkew)))
	ref := r.SubmittedAt
	if ref.IsZero() {
		ref = now
	}
	check("incident_recent", ref.Sub(r.IncidentAt) <= m.opts.MaxIncidentAge)

	withMeta := 0
	for _, item := range r.Media {
		has := false
		if p := item.Point(); p != nil && locOK {
			has = true
			check("media_location", distanceMeters(loc, p) <= m.opts.MediaRadiusMeters)
		}
		if item.CapturedAt != nil {
			has = true
			drift := item.CapturedAt.Sub(r.IncidentAt)
			check("media_time", math.Abs(float64(drift)) <= float64(m.opts.MediaTimeWindow))
		}
		if has {
			withMeta++
		}
	}

	score := 0.0
	if locOK {
		score = ec.Level.MaxScore * float64(checks-len(failed)) / float64(checks)
	}
	status := model.LevelOK
	if withMeta == 0 {
		status = model.LevelDegraded
	}
	return model.LevelResult{
		LevelKey: m.Key(),
		Score:    score,
		Status:   status,
		Detail: map[string]any{
			"checks":          checks,
			"failed":          failed,
			"media_with_meta": withMeta,
		},
	}, nil
}
