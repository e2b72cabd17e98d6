// Package provider abstracts external verification services behind a
// uniform adapter contract selected by provider key.
package provider

import (
	"context"
	"errors"
	"net"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/report-verify/internal/model"
	"github.com/sells-group/report-verify/internal/resilience"
)

var (
	// ErrProviderUnavailable covers every provider failure that is not a timeout.
	ErrProviderUnavailable = eris.New("provider: unavailable")
	// ErrProviderTimeout is returned when a call exceeds its timeout.
	ErrProviderTimeout = eris.New("provider: timeout")
	// ErrUnknownCredential is returned when a credential reference cannot be resolved.
	ErrUnknownCredential = eris.New("provider: unknown credential")
	// ErrUnknownProvider is returned when no adapter is registered for a key.
	ErrUnknownProvider = eris.New("provider: unknown provider")
)

// Payload is the provider-specific request body.
type Payload map[string]any

// Response is a decoded provider reply.
type Response struct {
	Provider string
	Body     map[string]any
	Latency  time.Duration
}

// Adapter calls one external provider.
type Adapter interface {
	// Name returns the provider key services refer to.
	Name() string
	// Call sends payload using credential and gives up after timeout.
	// Errors match ErrProviderTimeout or ErrProviderUnavailable.
	Call(ctx context.Context, payload Payload, credential string, timeout time.Duration) (*Response, error)
}

// IsConfigError reports whether err is a configuration problem rather than
// a provider failure.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownCredential) || errors.Is(err, ErrUnknownProvider)
}

// ResolveCredential resolves "env:NAME" references from the environment and
// returns any other value as a literal secret.
func ResolveCredential(ref string) (string, error) {
	if ref == "" {
		return "", eris.Wrap(ErrUnknownCredential, "provider: empty credential")
	}
	name, ok := strings.CutPrefix(ref, "env:")
	if !ok {
		return ref, nil
	}
	v, found := os.LookupEnv(name)
	if !found || v == "" {
		return "", eris.Wrapf(ErrUnknownCredential, "provider: env %s is not set", name)
	}
	return v, nil
}

// Registry holds the adapters available to evaluators.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, replacing any adapter with the same name.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownProvider, "provider: %q", name)
	}
	return a, nil
}

// List returns the registered provider names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Invoke resolves the service's adapter and credential and performs the
// call. Configuration problems are returned before any network activity.
func (r *Registry) Invoke(ctx context.Context, svc model.ServiceConfig, payload Payload, timeout time.Duration) (*Response, error) {
	a, err := r.Get(svc.Provider)
	if err != nil {
		return nil, err
	}
	cred, err := ResolveCredential(svc.Credential)
	if err != nil {
		return nil, err
	}
	return a.Call(ctx, payload, cred, timeout)
}

// classify maps a raw call failure onto the provider error taxonomy.
func classify(name string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrProviderTimeout) || errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return eris.Wrapf(ErrProviderTimeout, "provider %s: %v", name, err)
	}
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return eris.Wrapf(ErrProviderUnavailable, "provider %s: circuit open", name)
	}
	return eris.Wrapf(ErrProviderUnavailable, "provider %s: %v", name, err)
}
