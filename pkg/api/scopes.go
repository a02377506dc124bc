package api

import (
	"net/http"
	"strings"
)

// ScopeHeader carries the scopes granted to the caller. It is set by the
// authenticating proxy in front of the service.
const ScopeHeader = "X-Provisioner-Scopes"

const scopePrefix = "aws-provisioner:"

// scopeFunc returns the scopes of which the caller needs at least one
type scopeFunc func(r *http.Request) []string

func fixedScope(name string) scopeFunc {
	return func(*http.Request) []string {
		return []string{scopePrefix + name}
	}
}

// pathScopes builds scopes from verbs and a path parameter, e.g.
// view-worker-type:<name>
func pathScopes(param string, verbs ...string) scopeFunc {
	return func(r *http.Request) []string {
		value := r.PathValue(param)
		scopes := make([]string, len(verbs))
		for i, verb := range verbs {
			scopes[i] = scopePrefix + verb + ":" + value
		}
		return scopes
	}
}

// grantedScopes splits the scope header on commas and whitespace
func grantedScopes(r *http.Request) []string {
	var scopes []string
	for _, value := range r.Header.Values(ScopeHeader) {
		scopes = append(scopes, strings.FieldsFunc(value, func(c rune) bool {
			return c == ',' || c == ' ' || c == '\t'
		})...)
	}
	return scopes
}

// scopeSatisfied reports whether granted covers required. A granted
// scope ending in * covers every scope with that prefix.
func scopeSatisfied(granted []string, required string) bool {
	for _, g := range granted {
		if g == required {
			return true
		}
		if prefix, ok := strings.CutSuffix(g, "*"); ok && strings.HasPrefix(required, prefix) {
			return true
		}
	}
	return false
}

func (s *Server) requireScopes(scopes scopeFunc, next http.HandlerFunc) http.HandlerFunc {
	if scopes == nil || s.cfg.AuthDisabled {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		granted := grantedScopes(r)
		required := scopes(r)
		for _, scope := range required {
			if scopeSatisfied(granted, scope) {
				next(w, r)
				return
			}
		}
		writeJSON(w, http.StatusForbidden, ErrorResponse{
			Error:   CodeInsufficientScopes,
			Message: "one of the listed scopes is required",
			Reasons: required,
		})
	}
}
