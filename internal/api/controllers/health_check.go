package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"gorm.io/gorm"
)

type HealthCheckResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Pinger is implemented by the optional stats cache.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthCheckHandler checks API health, the database connection and, when
// configured, the stats cache. A cache outage degrades but does not fail the
// check.
func HealthCheckHandler(db *gorm.DB, cache Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		response := HealthCheckResponse{
			Status: "API is running",
			Cache:  "Cache disabled",
		}

		sqlDB, err := db.DB()
		if err == nil {
			err = sqlDB.PingContext(ctx)
		}
		if err != nil {
			response.Database = "Database connection failed"
			respondWithJSON(w, http.StatusServiceUnavailable, response)
			return
		}
		response.Database = "Database connection is healthy"

		if cache != nil {
			if err := cache.Ping(ctx); err != nil {
				response.Cache = "Cache unreachable"
			} else {
				response.Cache = "Cache connection is healthy"
			}
		}

		respondWithJSON(w, http.StatusOK, response)
	}
}

// respondWithJSON sends a JSON response
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}
