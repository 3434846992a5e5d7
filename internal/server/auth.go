package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"path"
	"strings"
)

// AuthConfig carries the shared-token auth settings.
type AuthConfig struct {
	Token string
}

// newAuthMiddleware enforces the shared token on every API route. The token
// rides either as `Authorization: Bearer <token>` or as a `token` query
// parameter; the latter is what an NFC tag URL carries, since a tag cannot
// set headers.
func newAuthMiddleware(basePath string, cfg AuthConfig) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):           true,
		path.Join(basePath, "vapid-public-key"): true,
		path.Join(basePath, "openapi.json"):     true,
		"/docs": true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if open[r.URL.Path] || strings.HasPrefix(r.URL.Path, path.Join(basePath, "openapi")) {
				next.ServeHTTP(w, r)
				return
			}
			token := bearerToken(r)
			if token == "" {
				token = r.URL.Query().Get("token")
			}
			if cfg.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) != 1 {
				writeAuthError(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"code":    "unauthorized",
			"message": "missing or invalid token",
		},
	})
}
