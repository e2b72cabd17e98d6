package model

import (
	"slices"
	"strings"
	"time"
)

// LevelKey identifies a scoring level (one independent scoring dimension).
type LevelKey string

// TierKey identifies a tier (a bundle of levels plus thresholds).
type TierKey string

// UserTierAssignment pins a user to a tier for every future request.
type UserTierAssignment struct {
	UserID  string  `json:"user_id" yaml:"user_id"`
	TierKey TierKey `json:"tier_key" yaml:"tier_key"`
}

// ServiceKey identifies an external verification service setting.
type ServiceKey string

// Built-in levels.
const (
	LevelMetadataConsistency   LevelKey = "metadata_consistency"
	LevelDuplicateDetection    LevelKey = "duplicate_detection"
	LevelContentClassification LevelKey = "content_classification"
	LevelImageIntegrity        LevelKey = "image_integrity"
)

// Built-in services.
const (
	ServiceContentClassifier ServiceKey = "content_classifier"
	ServiceImageForensics    ServiceKey = "image_forensics"
)

// LevelConfig describes one scoring level.
type LevelConfig struct {
	Label    string  `json:"label" yaml:"label" mapstructure:"label"`
	MaxScore float64 `json:"max_score" yaml:"max_score" mapstructure:"max_score"`
}

// TierConfig bundles an ordered set of levels with decision thresholds.
type TierConfig struct {
	Label           string     `json:"label" yaml:"label" mapstructure:"label"`
	AutoVerifyScore float64    `json:"auto_verify_score" yaml:"auto_verify_score" mapstructure:"auto_verify_score"`
	ReviewScore     float64    `json:"review_score" yaml:"review_score" mapstructure:"review_score"`
	LevelKeys       []LevelKey `json:"level_keys" yaml:"level_keys" mapstructure:"level_keys"`
}

// HasLevel reports whether the tier includes the level.
func (t TierConfig) HasLevel(k LevelKey) bool {
	return slices.Contains(t.LevelKeys, k)
}

// ServiceConfig configures an external provider used by one or more levels.
// Credential is either a literal secret or an "env:NAME" reference.
type ServiceConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Provider   string `json:"provider" yaml:"provider" mapstructure:"provider"`
	Credential string `json:"credential,omitempty" yaml:"credential,omitempty" mapstructure:"credential"`
}

// PolicyConfig is the versioned verification policy. Jobs work on a Clone
// taken when they start and never observe later edits.
type PolicyConfig struct {
	Version          int64                        `json:"version" yaml:"version,omitempty"`
	SystemEnabled    bool                         `json:"system_enabled" yaml:"system_enabled"`
	Levels           map[LevelKey]LevelConfig     `json:"levels" yaml:"levels"`
	Tiers            map[TierKey]TierConfig       `json:"tiers" yaml:"tiers"`
	EnabledLevelKeys []LevelKey                   `json:"enabled_level_keys" yaml:"enabled_level_keys"`
	EnabledTierKeys  []TierKey                    `json:"enabled_tier_keys" yaml:"enabled_tier_keys"`
	DefaultTierKey   TierKey                      `json:"default_tier_key" yaml:"default_tier_key"`
	Services         map[ServiceKey]ServiceConfig `json:"services" yaml:"services"`
	UpdatedAt        time.Time                    `json:"updated_at" yaml:"-"`
	UpdatedBy        string                       `json:"updated_by,omitempty" yaml:"-"`
}

// Clone returns a deep copy.
func (p *PolicyConfig) Clone() *PolicyConfig {
	if p == nil {
		return nil
	}
	c := *p
	c.Levels = make(map[LevelKey]LevelConfig, len(p.Levels))
	for k, v := range p.Levels {
		c.Levels[k] = v
	}
	c.Tiers = make(map[TierKey]TierConfig, len(p.Tiers))
	for k, v := range p.Tiers {
		v.LevelKeys = slices.Clone(v.LevelKeys)
		c.Tiers[k] = v
	}
	c.Services = make(map[ServiceKey]ServiceConfig, len(p.Services))
	for k, v := range p.Services {
		c.Services[k] = v
	}
	c.EnabledLevelKeys = slices.Clone(p.EnabledLevelKeys)
	c.EnabledTierKeys = slices.Clone(p.EnabledTierKeys)
	return &c
}

// LevelEnabled reports whether the level is globally enabled.
func (p *PolicyConfig) LevelEnabled(k LevelKey) bool {
	return slices.Contains(p.EnabledLevelKeys, k)
}

// TierEnabled reports whether the tier is enabled and defined.
func (p *PolicyConfig) TierEnabled(k TierKey) bool {
	if k == "" || !slices.Contains(p.EnabledTierKeys, k) {
		return false
	}
	_, ok := p.Tiers[k]
	return ok
}

// RequiredLevels returns the tier's levels that are globally enabled, in
// tier order. Only these are evaluated and scored for the tier.
func (p *PolicyConfig) RequiredLevels(t TierConfig) []LevelKey {
	out := make([]LevelKey, 0, len(t.LevelKeys))
	for _, k := range t.LevelKeys {
		if p.LevelEnabled(k) {
			out = append(out, k)
		}
	}
	return out
}

// Service returns the service config for key; missing services are disabled.
func (p *PolicyConfig) Service(k ServiceKey) ServiceConfig {
	return p.Services[k]
}

// Normalize sorts and de-duplicates the key sets so that equal policies
// serialize identically.
func (p *PolicyConfig) Normalize() {
	p.EnabledLevelKeys = dedupe(p.EnabledLevelKeys)
	p.EnabledTierKeys = dedupe(p.EnabledTierKeys)
}

// Redacted returns a copy safe to show to operators: literal credentials are
// masked, "env:" references are kept.
func (p *PolicyConfig) Redacted() *PolicyConfig {
	c := p.Clone()
	for k, s := range c.Services {
		if s.Credential != "" && !strings.HasPrefix(s.Credential, "env:") {
			s.Credential = "****"
		}
		c.Services[k] = s
	}
	return c
}

func dedupe[T ~string](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	out := slices.Clone(in)
	slices.Sort(out)
	return slices.Compact(out)
}
