package provider

import (
	"github.com/sells-group/report-verify/internal/config"
	"github.com/sells-group/report-verify/internal/resilience"
	"github.com/sells-group/report-verify/pkg/anthropic"
)

// HTTPPrefix prefixes the keys of HTTP providers from configuration.
const HTTPPrefix = "http:"

// Build registers the Anthropic adapter and one HTTP adapter per configured
// provider. Each adapter gets its own breaker from breakers.
func Build(cfg *config.Config, breakers *resilience.ServiceBreakers) *Registry {
	reg := NewRegistry()

	var opts []anthropic.Option
	if cfg.Anthropic.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.Anthropic.BaseURL))
	}
	reg.Register(NewAnthropicAdapter(cfg.Anthropic.Model, breakers.Get(AnthropicName),
		func(apiKey string) anthropic.Client { return anthropic.NewClient(apiKey, opts...) }))

	for name, pc := range cfg.Providers {
		key := HTTPPrefix + name
		reg.Register(NewHTTPAdapter(key, HTTPOptions{
			BaseURL:    pc.BaseURL,
			RatePerSec: pc.RatePerSec,
			Burst:      pc.Burst,
			Breaker:    breakers.Get(key),
		}))
	}
	return reg
}
