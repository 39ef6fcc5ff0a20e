// Package auth implements the optional HTTP Basic perimeter. Credentials come
// from the environment; the password is either plain text or an argon2id PHC
// hash. All comparisons are constant-time.
package auth

import (
	"crypto/subtle"
	"log"
	"net/http"

	"gitea.jw6.us/james/calsync/internal/config"
)

// authExemptPaths bypass the perimeter so liveness probes work unauthenticated.
var authExemptPaths = map[string]bool{
	"/api/health": true,
}

// Middleware guards every route with Basic auth when configured. With no
// AUTH_USERNAME the middleware is a pass-through.
func Middleware(cfg *config.Config) func(http.Handler) http.Handler {
	enabled := cfg.AuthEnabled()
	switch {
	case !enabled:
		log.Printf("[INFO] HTTP Basic auth disabled (AUTH_USERNAME not set or no password configured)")
	case cfg.AuthPasswordHash != "":
		log.Printf("[INFO] HTTP Basic auth enabled for user %q (argon2 hash)", cfg.AuthUsername)
	default:
		log.Printf("[INFO] HTTP Basic auth enabled for user %q (plain text)", cfg.AuthUsername)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !enabled || authExemptPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok || !verify(cfg, user, pass) {
				w.Header().Set("WWW-Authenticate", `Basic realm="calsync"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func verify(cfg *config.Config, user, pass string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.AuthUsername)) == 1

	if cfg.AuthPasswordHash != "" {
		ok, err := VerifyArgon2id(cfg.AuthPasswordHash, pass)
		if err != nil {
			log.Printf("[ERROR] AUTH_PASSWORD_HASH is not a valid argon2id PHC hash: %v", err)
			return false
		}
		return userOK && ok
	}

	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(cfg.AuthPassword)) == 1
	return userOK && passOK
}
