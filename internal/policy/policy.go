// Package policy owns the verification policy: loading immutable snapshots,
// validating administrative updates and persisting them with history.
package policy

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/report-verify/internal/model"
)

var (
	// ErrConfigUnavailable is returned when the policy backend cannot be
	// read. Callers on the submission path treat it as "system disabled".
	ErrConfigUnavailable = eris.New("policy: config unavailable")
	// ErrInvalidPolicy is returned when an update violates policy invariants.
	ErrInvalidPolicy = eris.New("policy: invalid policy")
)

// Backend persists policy snapshots.
type Backend interface {
	LoadPolicy(ctx context.Context) (*model.PolicyConfig, error)
	SavePolicy(ctx context.Context, cfg *model.PolicyConfig) error
	AppendAudit(ctx context.Context, entry model.AuditEntry) error
}

// Service reads and updates the current policy.
type Service struct {
	backend  Backend
	fallback *model.PolicyConfig
	nowFunc  func() time.Time

	// mu serializes in-process updates; across processes the last write wins.
	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithFallback sets the policy served while nothing has been persisted.
func WithFallback(cfg *model.PolicyConfig) Option {
	return func(s *Service) {
		if cfg != nil {
			s.fallback = cfg.Clone()
		}
	}
}

// NewService creates a policy service. Without WithFallback, Default() is
// served until the first update is saved.
func NewService(backend Backend, opts ...Option) *Service {
	s := &Service{backend: backend, fallback: Default()}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) now() time.Time {
	if s.nowFunc != nil {
		return s.nowFunc().UTC()
	}
	return time.Now().UTC()
}

// LoadCurrentPolicy returns a private deep copy of the current policy.
// Mutating the result never affects other readers.
func (s *Service) LoadCurrentPolicy(ctx context.Context) (*model.PolicyConfig, error) {
	cfg, err := s.backend.LoadPolicy(ctx)
	if err != nil {
		return nil, eris.Wrapf(ErrConfigUnavailable, "policy: load current: %v", err)
	}
	if cfg == nil {
		return s.fallback.Clone(), nil
	}
	return cfg.Clone(), nil
}

// Update is a partial policy edit. Non-nil sections replace the current
// value wholesale; nil sections are left untouched. An empty, non-nil slice
// or map clears the section.
type Update struct {
	SystemEnabled    *bool                                    `json:"system_enabled,omitempty" yaml:"system_enabled,omitempty"`
	Levels           map[model.LevelKey]model.LevelConfig     `json:"levels,omitempty" yaml:"levels,omitempty"`
	Tiers            map[model.TierKey]model.TierConfig       `json:"tiers,omitempty" yaml:"tiers,omitempty"`
	EnabledLevelKeys []model.LevelKey                         `json:"enabled_level_keys,omitempty" yaml:"enabled_level_keys,omitempty"`
	EnabledTierKeys  []model.TierKey                          `json:"enabled_tier_keys,omitempty" yaml:"enabled_tier_keys,omitempty"`
	DefaultTierKey   *model.TierKey                           `json:"default_tier_key,omitempty" yaml:"default_tier_key,omitempty"`
	Services         map[model.ServiceKey]model.ServiceConfig `json:"services,omitempty" yaml:"services,omitempty"`
}

// Empty reports whether the update changes nothing.
func (u Update) Empty() bool {
	return u.SystemEnabled == nil && u.Levels == nil && u.Tiers == nil &&
		u.EnabledLevelKeys == nil && u.EnabledTierKeys == nil &&
		u.DefaultTierKey == nil && u.Services == nil
}

// ReplaceWith builds an update that replaces every section with cfg's.
func ReplaceWith(cfg *model.PolicyConfig) Update {
	c := cfg.Clone()
	enabled := c.SystemEnabled
	def := c.DefaultTierKey
	u := Update{
		SystemEnabled:    &enabled,
		Levels:           c.Levels,
		Tiers:            c.Tiers,
		EnabledLevelKeys: c.EnabledLevelKeys,
		EnabledTierKeys:  c.EnabledTierKeys,
		DefaultTierKey:   &def,
		Services:         c.Services,
	}
	if u.EnabledLevelKeys == nil {
		u.EnabledLevelKeys = []model.LevelKey{}
	}
	if u.EnabledTierKeys == nil {
		u.EnabledTierKeys = []model.TierKey{}
	}
	return u
}

func (u Update) apply(cfg *model.PolicyConfig) {
	c := model.PolicyConfig{Levels: u.Levels, Tiers: u.Tiers, Services: u.Services}
	copied := c.Clone()
	if u.SystemEnabled != nil {
		cfg.SystemEnabled = *u.SystemEnabled
	}
	if u.Levels != nil {
		cfg.Levels = copied.Levels
	}
	if u.Tiers != nil {
		cfg.Tiers = copied.Tiers
	}
	if u.Services != nil {
		cfg.Services = copied.Services
	}
	if u.EnabledLevelKeys != nil {
		cfg.EnabledLevelKeys = append([]model.LevelKey{}, u.EnabledLevelKeys...)
	}
	if u.EnabledTierKeys != nil {
		cfg.EnabledTierKeys = append([]model.TierKey{}, u.EnabledTierKeys...)
	}
	if u.DefaultTierKey != nil {
		cfg.DefaultTierKey = *u.DefaultTierKey
	}
}

// ApplyUpdate merges the update into the current policy, validates the
// result and persists it as a new version. Nothing is written when the
// merged policy is invalid.
func (s *Service) ApplyUpdate(ctx context.Context, u Update, actor string) (*model.PolicyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.LoadCurrentPolicy(ctx)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	u.apply(next)
	next.Normalize()
	if err := Validate(next); err != nil {
		return nil, err
	}

	next.Version = current.Version + 1
	next.UpdatedAt = s.now()
	next.UpdatedBy = actor
	if err := s.backend.SavePolicy(ctx, next); err != nil {
		return nil, eris.Wrap(err, "policy: save")
	}

	log := zap.L().With(zap.Int64("version", next.Version), zap.String("actor", actor))
	log.Info("policy: updated", zap.Bool("system_enabled", next.SystemEnabled))

	if err := s.backend.AppendAudit(ctx, model.AuditEntry{
		Kind: model.AuditPolicyChange,
		Inputs: map[string]any{
			"from_version": current.Version,
			"to_version":   next.Version,
			"actor":        actor,
		},
		Message:   "policy updated",
		CreatedAt: next.UpdatedAt,
	}); err != nil {
		log.Warn("policy: audit append failed", zap.Error(err))
	}

	return next.Clone(), nil
}

// Default returns the built-in policy.
func Default() *model.PolicyConfig {
	return &model.PolicyConfig{
		SystemEnabled: true,
		Levels: map[model.LevelKey]model.LevelConfig{
			model.LevelMetadataConsistency:   {Label: "Metadata consistency", MaxScore: 30},
			model.LevelDuplicateDetection:    {Label: "Duplicate detection", MaxScore: 25},
			model.LevelContentClassification: {Label: "Content classification", MaxScore: 25},
			model.LevelImageIntegrity:        {Label: "Image integrity", MaxScore: 20},
		},
		Tiers: map[model.TierKey]model.TierConfig{
			"basic": {
				Label:           "Basic",
				AutoVerifyScore: 45,
				ReviewScore:     25,
				LevelKeys:       []model.LevelKey{model.LevelMetadataConsistency, model.LevelDuplicateDetection},
			},
			"standard": {
				Label:           "Standard",
				AutoVerifyScore: 65,
				ReviewScore:     40,
				LevelKeys: []model.LevelKey{
					model.LevelMetadataConsistency, model.LevelDuplicateDetection, model.LevelContentClassification,
				},
			},
			"strict": {
				Label:           "Strict",
				AutoVerifyScore: 85,
				ReviewScore:     55,
				LevelKeys: []model.LevelKey{
					model.LevelMetadataConsistency, model.LevelDuplicateDetection,
					model.LevelContentClassification, model.LevelImageIntegrity,
				},
			},
		},
		EnabledLevelKeys: []model.LevelKey{
			model.LevelContentClassification, model.LevelDuplicateDetection,
			model.LevelImageIntegrity, model.LevelMetadataConsistency,
		},
		EnabledTierKeys: []model.TierKey{"basic", "standard", "strict"},
		DefaultTierKey:  "standard",
		Services: map[model.ServiceKey]model.ServiceConfig{
			model.ServiceContentClassifier: {Enabled: true, Provider: "anthropic", Credential: "env:ANTHROPIC_API_KEY"},
			model.ServiceImageForensics:    {Enabled: false, Provider: "http:forensics", Credential: "env:FORENSICS_API_KEY"},
		},
	}
}
