package evaluator

import (
	"context"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/store"
)

// NearbyFinder looks up recent reports around a location.
type NearbyFinder interface {
	FindNearbyReports(ctx context.Context, q store.NearbyQuery) ([]model.Report, error)
}

// DuplicateOptions tunes duplicate detection.
type DuplicateOptions struct {
	// RadiusMeters bounds the search around the report. Default: 250.
	RadiusMeters float64
	// Window is how far back before the incident to look. Default: 48h.
	Window time.Duration
	// Threshold is the similarity at or above which a report is flagged as a
	// duplicate. Default: 0.6.
	Threshold float64
	// Limit caps the candidates fetched. Default: 50.
	Limit int
}

func (o DuplicateOptions) withDefaults() DuplicateOptions {
	if o.RadiusMeters <= 0 {
		o.RadiusMeters = 250
	}
	if o.Window <= 0 {
		o.Window = 48 * time.Hour
	}
	if o.Threshold <= 0 {
		o.Threshold = 0.6
	}
	if o.Limit <= 0 {
		o.Limit = 50
	}
	return o
}

// Duplicate scores how distinct a report is from recent reports nearby.
// The score shrinks as the closest match grows more similar.
type Duplicate struct {
	finder NearbyFinder
	opts   DuplicateOptions
}

// NewDuplicate creates the duplicate detection evaluator.
func NewDuplicate(finder NearbyFinder, opts DuplicateOptions) *Duplicate {
	return &Duplicate{finder: finder, opts: opts.withDefaults()}
}

func (d *Duplicate) Key() model.LevelKey       { return model.LevelDuplicateDetection }
func (d *Duplicate) Service() model.ServiceKey { return "" }

func (d *Duplicate) Evaluate(ctx context.Context, r *model.Report, ec EvalContext, _ model.ServiceConfig) (model.LevelResult, error) {
	nearby, err := d.finder.FindNearbyReports(ctx, store.NearbyQuery{
		ExcludeID:    r.ID,
		Latitude:     r.Latitude,
		Longitude:    r.Longitude,
		RadiusMeters: d.opts.RadiusMeters,
		Since:        r.IncidentAt.Add(-d.opts.Window),
		Limit:        d.opts.Limit,
	})
	if err != nil {
		res := model.Unavailable(d.Key(), "lookup failed")
		res.Detail["error"] = err.Error()
		return res, nil
	}

	mine := tokenSet(r.Title + " " + r.Description)
	loc := r.Point()
	best, bestID, considered := 0.0, "", 0
	for i := range nearby {
		other := &nearby[i]
		if distanceMeters(loc, other.Point()) > d.opts.RadiusMeters {
			continue
		}
		considered++
		sim := jaccard(mine, tokenSet(other.Title+" "+other.Description))
		if sim > best {
			best, bestID = sim, other.ID
		}
	}

	detail := map[string]any{
		"nearby":         considered,
		"max_similarity": best,
	}
	if best >= d.opts.Threshold {
		detail["duplicate_of"] = bestID
	}
	return model.LevelResult{
		LevelKey: d.Key(),
		Score:    ec.Level.MaxScore * (1 - best),
		Status:   model.LevelOK,
		Detail:   detail,
	}, nil
}

// foldText strips accents and case so "Café" and "cafe" compare equal.
func foldText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "near": {}, "there": {},
	"this": {}, "that": {}, "from": {}, "has": {}, "have": {}, "are": {},
	"was": {}, "were": {}, "been": {}, "very": {},
}

// tokenSet returns the distinct content words of s.
func tokenSet(s string) map[string]struct{} {
	words := strings.FieldsFunc(foldText(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len([]rune(w)) < 3 {
			continue
		}
		if _, stop := stopWords[w]; stop {
			continue
		}
		set[w] = struct{}{}
	}
	return set
}

// jaccard is |a ∩ b| / |a ∪ b|; two empty sets are not similar.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
