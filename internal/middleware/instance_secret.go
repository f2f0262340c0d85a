package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"broker-api/internal/logger"
	"broker-api/internal/metrics"
	"broker-api/internal/pkg/errors"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// SecretVerifier checks the shared secret of an instance.
type SecretVerifier interface {
	VerifyInstanceSecret(ctx context.Context, instanceID, secret string) error
}

// InstanceSecretMiddleware guards a gateway with the instance's shared
// secret, presented as "Authorization: Bearer <secret>". Failures use the
// gateway envelope.
func InstanceSecretMiddleware(verifier SecretVerifier, instanceID string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := extractTokenFromHeader(r)
			if secret == "" {
				metrics.GatewayAuthFailures.WithLabelValues(instanceID).Inc()
				writeEnvelopeError(w, http.StatusUnauthorized, "instance secret is required")
				return
			}

			if err := verifier.VerifyInstanceSecret(r.Context(), instanceID, secret); err != nil {
				status := errors.HTTPStatus(err)
				if status == http.StatusInternalServerError {
					logger.Logger.WithFields(logrus.Fields{
						"error":    err,
						"instance": instanceID,
					}).Error("Instance secret check failed")
					writeEnvelopeError(w, status, "internal error")
					return
				}
				metrics.GatewayAuthFailures.WithLabelValues(instanceID).Inc()
				writeEnvelopeError(w, status, "invalid instance secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeEnvelopeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"message": message,
		"content": nil,
	})
}
