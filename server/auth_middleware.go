package server

import (
	"net/http"
	"strings"

	"github.com/jrsteele09/campus-attendance/identity"
)

// RequireAuth is middleware that validates a Bearer token and stores the
// caller's Principal in the request context. Browsers cannot set headers on
// websocket upgrades, so an access_token query parameter is accepted too.
func (s *Server) RequireAuth() func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeJSONError(w, "unauthorized", "missing or malformed bearer token", http.StatusUnauthorized)
				return
			}

			principal, err := s.verifier.Verify(r.Context(), token)
			if err != nil {
				writeJSONError(w, "unauthorized", "invalid bearer token", http.StatusUnauthorized)
				return
			}

			next(w, r.WithContext(identity.WithPrincipal(r.Context(), principal)))
		}
	}
}

// RequireRole is middleware that rejects callers without the given role.
// Should be chained after RequireAuth to ensure a principal is present
func (s *Server) RequireRole(role identity.Role) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			principal, ok := identity.FromContext(r.Context())
			if !ok {
				writeJSONError(w, "unauthorized", "authentication required", http.StatusUnauthorized)
				return
			}
			if principal.Role != role {
				writeJSONError(w, "forbidden", string(role)+" role required", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		token := r.URL.Query().Get("access_token")
		return token, token != ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}

func principalFrom(r *http.Request) *identity.Principal {
	p, _ := identity.FromContext(r.Context())
	return p
}
