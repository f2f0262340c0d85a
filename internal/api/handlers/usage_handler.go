package handlers

import (
	"net/http"
	"strconv"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"
	"broker-api/internal/services"
)

type UsageHandler struct {
	usageService services.UsageService
}

func NewUsageHandler(usageService services.UsageService) *UsageHandler {
	return &UsageHandler{
		usageService: usageService,
	}
}

func (h *UsageHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var in services.RecordInput
	if err := decodeJSON(r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}

	event, err := h.usageService.Record(r.Context(), in)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, event)
}

func (h *UsageHandler) ListUsage(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repository.UsageFilter{
		UserID:     query.Get("user_id"),
		InstanceID: query.Get("instance_id"),
		Type:       models.InstanceType(query.Get("type")),
	}
	if since := query.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			respondWithError(w, r, errors.Invalid("since must be an RFC3339 timestamp"))
			return
		}
		filter.Since = t
	}
	limit, _ := strconv.Atoi(query.Get("limit"))

	events, err := h.usageService.List(r.Context(), filter, limit)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, events)
}
