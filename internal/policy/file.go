package policy

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/report-verify/internal/model"
)

// LoadFile reads a policy document from a YAML file. The document has a
// top-level "policy" key. The result is normalized and validated.
func LoadFile(path string) (*model.PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "policy: read file %s", path)
	}

	var wrapper struct {
		Policy model.PolicyConfig `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "policy: parse file")
	}

	cfg := &wrapper.Policy
	cfg.Normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// UpdateFromFile replaces every policy section with the file's contents.
func (s *Service) UpdateFromFile(ctx context.Context, path, actor string) (*model.PolicyConfig, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return s.ApplyUpdate(ctx, ReplaceWith(cfg), actor)
}

// MarshalYAML renders cfg as a policy document LoadFile accepts.
func MarshalYAML(cfg *model.PolicyConfig) ([]byte, error) {
	out, err := yaml.Marshal(struct {
		Policy *model.PolicyConfig `yaml:"policy"`
	}{cfg})
	return out, eris.Wrap(err, "policy: marshal yaml")
}
