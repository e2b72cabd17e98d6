// Package decision turns level results into a verification decision. It is
// pure: the same input always yields the same outcome.
package decision

import (
	"math"
	"time"

	"github.com/sells-group/report-verify/internal/model"
)

// Notes recorded on outcomes the bands alone do not explain.
const (
	NotePartialEvidence = "partial evidence: auto verification withheld"
	NoteNoLevels        = "tier has no evaluable levels"
	NoteNoEligibleTier  = "no eligible tier"
)

// Input is everything Decide looks at.
type Input struct {
	Results []model.LevelResult
	TierKey model.TierKey
	Tier    model.TierConfig
	// Levels supplies each level's max score.
	Levels map[model.LevelKey]model.LevelConfig
	// Required is the tier's levels that are enabled, in tier order. Nil
	// means every level in Tier.LevelKeys.
	Required      []model.LevelKey
	PolicyVersion int64
	Now           time.Time
}

// Decide scores the required levels and picks the decision band.
//
// Each in-tier score is clamped to [0, maxScore] and summed. A required
// level that is unavailable or missing contributes nothing and caps the
// decision at needs_review. Bands are inclusive on their lower bound.
func Decide(in Input) model.VerificationOutcome {
	required := in.Required
	if required == nil {
		required = in.Tier.LevelKeys
	}

	out := model.VerificationOutcome{
		TierKeyUsed:   in.TierKey,
		PolicyVersion: in.PolicyVersion,
		DecidedAt:     in.Now,
		LevelResults:  make([]model.LevelResult, 0, len(required)),
	}

	if len(required) == 0 {
		out.Decision = model.DecisionNeedsReview
		out.Note = NoteNoLevels
		return out
	}

	byKey := make(map[model.LevelKey]model.LevelResult, len(in.Results))
	for _, r := range in.Results {
		if _, dup := byKey[r.LevelKey]; !dup {
			byKey[r.LevelKey] = r
		}
	}

	var composite float64
	partial := false
	for _, k := range required {
		r, ok := byKey[k]
		if !ok {
			r = model.Unavailable(k, "no result")
		}
		if r.Status == model.LevelUnavailable {
			r.Score = 0
			partial = true
		} else {
			r.Score = clamp(r.Score, in.Levels[k].MaxScore)
		}
		composite += r.Score
		out.LevelResults = append(out.LevelResults, r)
	}
	out.CompositeScore = round(composite)

	switch {
	case out.CompositeScore >= in.Tier.AutoVerifyScore:
		out.Decision = model.DecisionAutoVerified
	case out.CompositeScore >= in.Tier.ReviewScore:
		out.Decision = model.DecisionNeedsReview
	default:
		out.Decision = model.DecisionRejected
	}
	if partial && out.Decision == model.DecisionAutoVerified {
		out.Decision = model.DecisionNeedsReview
		out.Note = NotePartialEvidence
	}
	return out
}

// NoTierOutcome is the outcome recorded when no tier could be resolved.
func NoTierOutcome(policyVersion int64, now time.Time) model.VerificationOutcome {
	return model.VerificationOutcome{
		Decision:      model.DecisionNeedsReview,
		LevelResults:  []model.LevelResult{},
		PolicyVersion: policyVersion,
		Note:          NoteNoEligibleTier,
		DecidedAt:     now,
	}
}

func clamp(score, maxScore float64) float64 {
	if math.IsNaN(score) || score < 0 {
		return 0
	}
	if maxScore < 0 {
		maxScore = 0
	}
	return math.Min(score, maxScore)
}

// round drops float noise so that sums landing on a threshold compare equal.
func round(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
