package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/rs/zerolog/log"
)

// InternalSecretHeader carries the shared secret for operator endpoints
const InternalSecretHeader = "X-Internal-Secret"

// EnsureInternalAuth validates the X-Internal-Secret header
func EnsureInternalAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			providedSecret := r.Header.Get(InternalSecretHeader)

			if secret == "" || subtle.ConstantTimeCompare([]byte(providedSecret), []byte(secret)) != 1 {
				log.Warn().Str("path", r.URL.Path).Str("remote_addr", r.RemoteAddr).Msg("Rejected request without valid internal secret")
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
