package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// requireClusterToken guards membership changes. An empty token leaves the
// routes open, which is only meant for local clusters.
func (s *Server) requireClusterToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.clusterToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := extractToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.clusterToken)) != 1 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "cluster token required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
