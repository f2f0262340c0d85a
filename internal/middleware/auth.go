package middleware

import (
	"encoding/json"
	"net/http"
	"strings"

	"broker-api/internal/logger"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/services"

	"github.com/sirupsen/logrus"
)

// AuthMiddleware resolves the bearer JWT into a principal and stores it in
// the request context.
func AuthMiddleware(authService services.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := extractTokenFromHeader(r)
			if tokenString == "" {
				writeError(w, errors.Wrap(errors.ErrUnauthorized, "missing bearer token"))
				return
			}

			principal, err := authService.VerifyToken(r.Context(), tokenString)
			if err != nil {
				if !errors.Is(err, errors.ErrUnauthorized) {
					logger.Logger.WithFields(logrus.Fields{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Token verification failed")
				}
				writeError(w, err)
				return
			}

			ctx := services.WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractTokenFromHeader(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

func writeError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
		"code":  errors.Code(err),
	})
}
