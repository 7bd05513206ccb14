package billing

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

// Provider is the adapter every billing backend implements. Adding a
// provider means adding one implementation and registering it; the ingestion
// pipeline never switches on provider names.
type Provider interface {
	// Name returns the provider name used in the webhook route
	Name() goentitle.Provider

	// SignatureHeader is the request header carrying the signature or token
	SignatureHeader() string

	// Verify checks the signature header against the exact raw request bytes
	Verify(rawBody []byte, header, secret string) bool

	// Normalize converts a verified payload into the provider-agnostic form
	Normalize(payload Payload, rawBody []byte) (*goentitle.NormalizedEvent, error)
}

type registration struct {
	provider Provider
	secret   string
}

// Registry is the lookup table from provider name to adapter and secret
type Registry struct {
	mu      sync.RWMutex
	entries map[goentitle.Provider]registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{entries: make(map[goentitle.Provider]registration)}
}

// Register adds or replaces a provider and its webhook secret
func (r *Registry) Register(p Provider, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[p.Name()] = registration{provider: p, secret: strings.TrimSpace(secret)}
}

// Lookup returns the adapter and secret for a provider name. An unknown name
// returns ErrUnsupportedProvider; a known provider without a secret returns
// ErrProviderNotConfigured.
func (r *Registry) Lookup(name string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.entries[goentitle.Provider(strings.ToLower(strings.TrimSpace(name)))]
	if !ok {
		return nil, "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	if reg.secret == "" {
		return reg.provider, "", fmt.Errorf("%w: %s webhook secret is empty", ErrProviderNotConfigured, reg.provider.Name())
	}
	return reg.provider, reg.secret, nil
}

// Providers returns the registered provider names in sorted order
func (r *Registry) Providers() []goentitle.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]goentitle.Provider, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// Validate reports every registered provider whose secret is missing, so a
// misconfigured deployment fails at startup instead of on the first webhook.
func (r *Registry) Validate() error {
	var missing []string
	for _, name := range r.Providers() {
		r.mu.RLock()
		secret := r.entries[name].secret
		r.mu.RUnlock()
		if secret == "" {
			missing = append(missing, string(name))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing webhook secret for %s", ErrProviderNotConfigured, strings.Join(missing, ", "))
	}
	return nil
}
