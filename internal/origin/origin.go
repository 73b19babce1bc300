// Package origin decides whether a browser peer's Origin header is permitted.
// The policy combines a static allow-list from config with a runtime set that
// the tunnel supervisor populates when a public URL comes up.
package origin

import (
	"net"
	"net/url"
	"strings"
	"sync"
)

// Reasons returned by Check on denial.
const (
	ReasonMissing    = "origin missing or invalid"
	ReasonNotAllowed = "origin not allowed"
)

// RuntimeSet is a mutable set of allowed origins. Safe for concurrent use.
type RuntimeSet struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

// NewRuntimeSet creates an empty runtime allow-set.
func NewRuntimeSet() *RuntimeSet {
	return &RuntimeSet{set: make(map[string]struct{})}
}

// Add inserts an origin (normalized to lowercase).
func (s *RuntimeSet) Add(origin string) {
	s.mu.Lock()
	s.set[strings.ToLower(origin)] = struct{}{}
	s.mu.Unlock()
}

// Remove deletes an origin.
func (s *RuntimeSet) Remove(origin string) {
	s.mu.Lock()
	delete(s.set, strings.ToLower(origin))
	s.mu.Unlock()
}

// Clear empties the set.
func (s *RuntimeSet) Clear() {
	s.mu.Lock()
	s.set = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *RuntimeSet) contains(origin string) bool {
	s.mu.RLock()
	_, ok := s.set[origin]
	s.mu.RUnlock()
	return ok
}

// Policy evaluates Origin headers against the configured and runtime allow-sets.
type Policy struct {
	allowed map[string]struct{} // lowercased scheme://authority
	runtime *RuntimeSet
}

// NewPolicy builds a Policy from the configured allow-list. The runtime set
// may be shared with the tunnel supervisor; nil means no runtime additions.
func NewPolicy(allowedOrigins []string, runtime *RuntimeSet) *Policy {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	if runtime == nil {
		runtime = NewRuntimeSet()
	}
	return &Policy{allowed: allowed, runtime: runtime}
}

// Runtime returns the mutable runtime allow-set backing this policy.
func (p *Policy) Runtime() *RuntimeSet { return p.runtime }

// Check decides whether origin is permitted for a request addressed to
// requestHost. It returns "" on allow, or a denial reason.
//
// Rules, in order: malformed origin denies; configured allow-list; runtime
// set; origin authority equals the request host; both sides loopback.
func (p *Policy) Check(requestHost, origin string) string {
	o := strings.ToLower(strings.TrimSpace(origin))
	if o == "" || o == "null" {
		return ReasonMissing
	}
	u, err := url.Parse(o)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ReasonMissing
	}

	normalized := u.Scheme + "://" + u.Host
	if _, ok := p.allowed[normalized]; ok {
		return ""
	}
	if p.runtime.contains(normalized) {
		return ""
	}

	host := strings.ToLower(strings.TrimSpace(requestHost))
	if u.Host == host {
		return ""
	}
	if isLoopbackHost(u.Hostname()) && isLoopbackHost(hostnameOf(host)) {
		return ""
	}
	return ReasonNotAllowed
}

// hostnameOf strips an optional port from a host:port authority.
func hostnameOf(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return strings.Trim(host, "[]")
}

// isLoopbackHost reports whether name is localhost, 127/8, or ::1.
func isLoopbackHost(name string) bool {
	if name == "localhost" {
		return true
	}
	if ip := net.ParseIP(name); ip != nil {
		return ip.IsLoopback()
	}
	return false
}
