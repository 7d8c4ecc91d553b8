package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// ErrHostNotAllowed is returned by HostMatcher.CheckURL for rejected targets.
var ErrHostNotAllowed = errors.New("host not allowed")

// HostMatcher handles glob pattern matching for navigation targets.
// Patterns are matched against the lowercased hostname with '.' as the
// separator, so "*.example.com" covers one label and "**.example.com" any
// depth.
type HostMatcher struct {
	allowedPatterns []glob.Glob
	deniedPatterns  []glob.Glob
}

// NewHostMatcher creates a new host matcher
func NewHostMatcher(allowed, denied []string) (*HostMatcher, error) {
	hm := &HostMatcher{}

	for _, pattern := range allowed {
		g, err := glob.Compile(strings.ToLower(strings.TrimSpace(pattern)), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid allowed host pattern '%s': %w", pattern, err)
		}
		hm.allowedPatterns = append(hm.allowedPatterns, g)
	}

	for _, pattern := range denied {
		g, err := glob.Compile(strings.ToLower(strings.TrimSpace(pattern)), '.')
		if err != nil {
			return nil, fmt.Errorf("invalid denied host pattern '%s': %w", pattern, err)
		}
		hm.deniedPatterns = append(hm.deniedPatterns, g)
	}

	return hm, nil
}

// Restricted reports whether any allowed pattern is configured.
func (hm *HostMatcher) Restricted() bool {
	return hm != nil && len(hm.allowedPatterns) > 0
}

// IsAllowed returns true if the host is allowed by the pattern rules
func (hm *HostMatcher) IsAllowed(host string) bool {
	if hm == nil {
		return true
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	// Denied patterns take precedence
	for _, pattern := range hm.deniedPatterns {
		if pattern.Match(host) {
			return false
		}
	}

	// If no allowed patterns specified, allow all (except denied)
	if len(hm.allowedPatterns) == 0 {
		return true
	}

	for _, pattern := range hm.allowedPatterns {
		if pattern.Match(host) {
			return true
		}
	}

	return false
}

// CheckURL applies the host rules to a navigation target. about:blank is
// always permitted; other host-less URLs (data:, file:) are permitted only
// when no allowed patterns are configured.
func (hm *HostMatcher) CheckURL(raw string) error {
	if raw == "about:blank" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHostNotAllowed, err)
	}
	host := u.Hostname()
	if host == "" {
		if hm.Restricted() {
			return fmt.Errorf("%w: %s URLs are not permitted by the allowlist", ErrHostNotAllowed, u.Scheme)
		}
		return nil
	}
	if !hm.IsAllowed(host) {
		return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
	}
	return nil
}
