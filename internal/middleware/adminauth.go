package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/memelearn/service_layer/internal/errors"
	"github.com/memelearn/service_layer/internal/httputil"
	"github.com/memelearn/service_layer/internal/logging"
)

// AdminKeyHeader carries the operator key for maintenance endpoints.
const AdminKeyHeader = "X-Admin-Key"

// AdminAuth guards operator endpoints such as cache clearing with a shared
// key. With no key configured every request is refused.
type AdminAuth struct {
	key    []byte
	logger *logging.Logger
}

// NewAdminAuth creates the guard.
func NewAdminAuth(key string, logger *logging.Logger) *AdminAuth {
	return &AdminAuth{key: []byte(key), logger: logger}
}

// Handler returns the middleware handler.
func (a *AdminAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		given := []byte(r.Header.Get(AdminKeyHeader))
		if len(a.key) == 0 || subtle.ConstantTimeCompare(given, a.key) != 1 {
			a.logger.LogSecurityEvent(r.Context(), "admin_key_rejected", map[string]interface{}{
				"path":   r.URL.Path,
				"method": r.Method,
			})
			httputil.WriteError(w, errors.Unauthorized("Admin key required."))
			return
		}
		next.ServeHTTP(w, r)
	})
}
