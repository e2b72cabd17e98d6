package policy

import (
	"fmt"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/model"
)

// Validate checks the policy invariants and reports every violation at once.
func Validate(cfg *model.PolicyConfig) error {
	if cfg == nil {
		return eris.Wrap(ErrInvalidPolicy, "policy: nil config")
	}
	var problems []string

	for _, k := range sortedKeys(cfg.Levels) {
		if k == "" {
			problems = append(problems, "level key must not be empty")
		}
		if cfg.Levels[k].MaxScore < 0 {
			problems = append(problems, fmt.Sprintf("level %s: max_score must be >= 0", k))
		}
	}

	for _, k := range sortedKeys(cfg.Tiers) {
		t := cfg.Tiers[k]
		if k == "" {
			problems = append(problems, "tier key must not be empty")
		}
		if t.ReviewScore < 0 {
			problems = append(problems, fmt.Sprintf("tier %s: review_score must be >= 0", k))
		}
		if t.ReviewScore > t.AutoVerifyScore {
			problems = append(problems, fmt.Sprintf("tier %s: review_score %.2f exceeds auto_verify_score %.2f",
				k, t.ReviewScore, t.AutoVerifyScore))
		}
		seen := make(map[model.LevelKey]bool, len(t.LevelKeys))
		for _, lk := range t.LevelKeys {
			if _, ok := cfg.Levels[lk]; !ok {
				problems = append(problems, fmt.Sprintf("tier %s: unknown level %q", k, lk))
			}
			if seen[lk] {
				problems = append(problems, fmt.Sprintf("tier %s: level %q listed twice", k, lk))
			}
			seen[lk] = true
		}
	}

	for _, lk := range cfg.EnabledLevelKeys {
		if _, ok := cfg.Levels[lk]; !ok {
			problems = append(problems, fmt.Sprintf("enabled level %q is not defined", lk))
		}
	}
	for _, tk := range cfg.EnabledTierKeys {
		if _, ok := cfg.Tiers[tk]; !ok {
			problems = append(problems, fmt.Sprintf("enabled tier %q is not defined", tk))
		}
	}

	switch {
	case cfg.DefaultTierKey == "" && len(cfg.EnabledTierKeys) > 0:
		problems = append(problems, "default_tier_key is required when tiers are enabled")
	case cfg.DefaultTierKey != "" && !slices.Contains(cfg.EnabledTierKeys, cfg.DefaultTierKey):
		problems = append(problems, fmt.Sprintf("default tier %q is not enabled", cfg.DefaultTierKey))
	}

	for _, k := range sortedKeys(cfg.Services) {
		if s := cfg.Services[k]; s.Enabled && s.Provider == "" {
			problems = append(problems, fmt.Sprintf("service %s: enabled without a provider", k))
		}
	}

	if len(problems) > 0 {
		return eris.Wrapf(ErrInvalidPolicy, "policy: %s", strings.Join(problems, "; "))
	}
	return nil
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
