// Package tier picks the tier a verification request is scored under.
package tier

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/model"
)

// ErrNoEligibleTier is returned when none of the candidate tiers is enabled.
var ErrNoEligibleTier = eris.New("tier: no eligible tier")

// Assignments looks up the persistent tier assigned to a user. An empty key
// means the user has no assignment.
type Assignments interface {
	UserTier(ctx context.Context, userID string) (model.TierKey, error)
}

// Resolver resolves tiers with the precedence override, user assignment,
// policy default. Each candidate is used only if enabled.
type Resolver struct {
	assignments Assignments
}

// NewResolver creates a Resolver. A nil Assignments skips the user step.
func NewResolver(a Assignments) *Resolver {
	return &Resolver{assignments: a}
}

// Resolution is the resolved tier and which step produced it.
type Resolution struct {
	Key    model.TierKey
	Tier   model.TierConfig
	Source string // "override", "user" or "default"
}

// ResolveTier returns the tier req is scored under according to policy.
func (r *Resolver) ResolveTier(ctx context.Context, req model.VerificationRequest, policy *model.PolicyConfig) (Resolution, error) {
	log := zap.L().With(zap.String("report_id", req.ReportID), zap.String("user_id", req.UserID))

	if k := req.TierKeyOverride; k != "" {
		if policy.TierEnabled(k) {
			return Resolution{Key: k, Tier: policy.Tiers[k], Source: "override"}, nil
		}
		log.Debug("tier: override not enabled, ignoring", zap.String("tier", string(k)))
	}

	if r.assignments != nil && req.UserID != "" {
		k, err := r.assignments.UserTier(ctx, req.UserID)
		switch {
		case err != nil:
			log.Warn("tier: user assignment lookup failed, using default", zap.Error(err))
		case k != "" && policy.TierEnabled(k):
			return Resolution{Key: k, Tier: policy.Tiers[k], Source: "user"}, nil
		case k != "":
			log.Debug("tier: assigned tier not enabled, ignoring", zap.String("tier", string(k)))
		}
	}

	if k := policy.DefaultTierKey; policy.TierEnabled(k) {
		return Resolution{Key: k, Tier: policy.Tiers[k], Source: "default"}, nil
	}

	return Resolution{}, eris.Wrapf(ErrNoEligibleTier, "tier: report %s", req.ReportID)
}
