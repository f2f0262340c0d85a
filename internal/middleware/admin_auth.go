package middleware

import (
	"net/http"

	"broker-api/internal/pkg/errors"
	"broker-api/internal/services"
)

// AdminMiddleware rejects principals without the ADMIN role. It must run
// after AuthMiddleware.
func AdminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := services.PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, errors.Wrap(errors.ErrUnauthorized, "authentication required"))
			return
		}
		if !principal.IsAdmin() {
			writeError(w, errors.Wrap(errors.ErrForbidden, "admin role required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
