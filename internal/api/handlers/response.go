package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"broker-api/internal/logger"
	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/services"

	"github.com/sirupsen/logrus"
)

// maxBodyBytes bounds every decoded request body.
const maxBodyBytes = 1 << 20

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// respondWithError maps err onto its status code. Storage and internal
// failures are logged and reported without detail.
func respondWithError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Logger.WithFields(logrus.Fields{
			"error":  err,
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
		message = "internal error"
	}
	respondWithJSON(w, status, ErrorResponse{Error: message, Code: errors.Code(err)})
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		if errors.Is(err, errors.ErrInvalidInput) {
			return err
		}
		return errors.Invalid("invalid request body: " + err.Error())
	}
	return nil
}

func principal(r *http.Request) (models.Principal, error) {
	p, ok := services.PrincipalFromContext(r.Context())
	if !ok {
		return models.Principal{}, errors.Wrap(errors.ErrUnauthorized, "authentication required")
	}
	return *p, nil
}
