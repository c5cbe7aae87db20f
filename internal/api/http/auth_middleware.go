package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// requireAdmin checks the bearer token against the configured bcrypt hash.
// With no hash configured the admin surface stays closed.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" || len(s.adminTokenHash) == 0 {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing auth")
			return
		}
		if err := bcrypt.CompareHashAndPassword(s.adminTokenHash, []byte(token)); err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifyWebhook compares the secret the Bot API echoes on every webhook call.
func (s *Server) verifyWebhook(r *http.Request) bool {
	if s.webhookSecret == "" {
		return true
	}
	got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) == 1
}

func extractToken(r *http.Request) string {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(authz, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))
	}
	return ""
}
