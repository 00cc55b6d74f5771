package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"bottleline/config"
	"bottleline/logging"
)

// checkPassword verifies a password against a bcrypt hash.
func checkPassword(password, hash string) bool {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	return err == nil
}

// basicAuth requires HTTP basic credentials matching one of the configured
// users. With no users configured every request passes.
func basicAuth(cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg.Lock()
			users := append([]config.WebUser(nil), cfg.Web.Users...)
			cfg.Unlock()

			if len(users) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			username, password, ok := r.BasicAuth()
			if ok {
				for _, u := range users {
					if u.Username == username && checkPassword(password, u.PasswordHash) {
						next.ServeHTTP(w, r)
						return
					}
				}
				logging.DebugLog("api", "auth failed for %q from %s", username, r.RemoteAddr)
			}

			w.Header().Set("WWW-Authenticate", `Basic realm="bottleline"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}
