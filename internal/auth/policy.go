package auth

import (
	"net/http"
	"strings"
)

// Policy decides which role a request needs. Health and prometheus
// endpoints are exempt; everything under the API is role-guarded.
type Policy struct {
	exempt         map[string]struct{}
	exemptPrefixes []string
}

// NewDefaultPolicy builds a policy with the given exempt paths and
// path prefixes.
func NewDefaultPolicy(exemptPaths, exemptPrefixes []string) Policy {
	exempt := make(map[string]struct{}, len(exemptPaths))
	for _, p := range exemptPaths {
		exempt[p] = struct{}{}
	}
	return Policy{exempt: exempt, exemptPrefixes: exemptPrefixes}
}

// IsExempt reports whether the request skips authentication entirely.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.exempt[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.exemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves the role a request needs. Reads take a viewer,
// connection and lab operations take an operator, destroying recorded
// data takes an admin.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path

	switch {
	case strings.HasSuffix(path, "/connect"), strings.HasSuffix(path, "/disconnect"):
		return RoleOperator, true
	case strings.Contains(path, "/lab/"):
		return RoleOperator, true
	case strings.HasSuffix(path, "/data") && r.Method == http.MethodDelete:
		return RoleAdmin, true
	}

	if !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer, true
	}
	return RoleOperator, true
}
