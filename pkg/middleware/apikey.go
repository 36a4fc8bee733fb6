package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/lyvio/billing-service/pkg/httputil"
	"github.com/lyvio/billing-service/pkg/observability"
)

// APIKeyMiddleware guards orchestration routes with a shared key, accepted
// either as X-API-Key or as a Bearer token. A server with no key configured
// refuses all guarded requests rather than silently allowing them.
type APIKeyMiddleware struct {
	key    string
	logger *observability.Logger
}

func NewAPIKeyMiddleware(key string, logger *observability.Logger) *APIKeyMiddleware {
	return &APIKeyMiddleware{key: key, logger: logger}
}

func (m *APIKeyMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.key == "" {
			m.logger.Error("Orchestration API key is not configured; refusing request")
			httputil.WriteErrorMessage(w, http.StatusInternalServerError, "orchestration access is not configured")
			return
		}

		provided := r.Header.Get("X-API-Key")
		if provided == "" {
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				provided = strings.TrimPrefix(auth, "Bearer ")
			}
		}

		if subtle.ConstantTimeCompare([]byte(provided), []byte(m.key)) != 1 {
			httputil.WriteUnauthorized(w, "invalid api key")
			return
		}

		next.ServeHTTP(w, r)
	})
}
