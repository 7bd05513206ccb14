package billing

import (
	"strings"
	"time"

	"github.com/mihaimyh/goentitle/pkg/goentitle"
)

const (
	// DefaultProjectsMarker selects the projects scope when found in a product name
	DefaultProjectsMarker = "projects"

	// DefaultLifetimeMarker marks one-time products that grant lifetime access
	DefaultLifetimeMarker = "lifetime"
)

// Config defines the standard configuration all provider adapters accept
type Config struct {
	// ProjectsMarker is matched case-insensitively against product, variant
	// and price names. A match routes the entitlement to the projects scope.
	ProjectsMarker string

	// LifetimeMarker is matched the same way for providers that cannot tell a
	// one-time purchase from a subscription order by payload shape alone.
	LifetimeMarker string

	// Now overrides the clock used for fail-closed cancellations (tests)
	Now func() time.Time
}

// DefaultConfig returns the adapter configuration used when fields are unset
func DefaultConfig() Config {
	return Config{
		ProjectsMarker: DefaultProjectsMarker,
		LifetimeMarker: DefaultLifetimeMarker,
		Now:            func() time.Time { return time.Now().UTC() },
	}
}

// WithDefaults fills unset fields from DefaultConfig
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.ProjectsMarker) == "" {
		c.ProjectsMarker = d.ProjectsMarker
	}
	if strings.TrimSpace(c.LifetimeMarker) == "" {
		c.LifetimeMarker = d.LifetimeMarker
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

// DetectScope returns ScopeProjects when any candidate contains the projects marker
func (c Config) DetectScope(candidates ...string) goentitle.Scope {
	if containsMarker(c.ProjectsMarker, candidates) {
		return goentitle.ScopeProjects
	}
	return goentitle.ScopePro
}

// IsLifetimeProduct reports whether any candidate contains the lifetime marker
func (c Config) IsLifetimeProduct(candidates ...string) bool {
	return containsMarker(c.LifetimeMarker, candidates)
}

func containsMarker(marker string, candidates []string) bool {
	marker = strings.ToLower(strings.TrimSpace(marker))
	if marker == "" {
		return false
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(c), marker) {
			return true
		}
	}
	return false
}
