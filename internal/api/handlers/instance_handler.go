package handlers

import (
	"net/http"

	"broker-api/internal/models"
	"broker-api/internal/repository"
	"broker-api/internal/services"

	"github.com/gorilla/mux"
)

type InstanceHandler struct {
	instanceService services.InstanceService
}

func NewInstanceHandler(instanceService services.InstanceService) *InstanceHandler {
	return &InstanceHandler{
		instanceService: instanceService,
	}
}

func (h *InstanceHandler) CreateInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var in services.CreateInstanceInput
	if err := decodeJSON(r, &in); err != nil {
		respondWithError(w, r, err)
		return
	}

	instance, err := h.instanceService.Create(r.Context(), actor, in)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusCreated, instance)
}

func (h *InstanceHandler) GetInstance(w http.ResponseWriter, r *http.Request) {
	instance, err := h.instanceService.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, instance)
}

func (h *InstanceHandler) ListInstances(w http.ResponseWriter, r *http.Request) {
	filter := repository.InstanceFilter{
		Type: models.InstanceType(r.URL.Query().Get("type")),
	}

	instances, err := h.instanceService.List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, instances)
}

func (h *InstanceHandler) UpdateInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var patch services.InstancePatch
	if err := decodeJSON(r, &patch); err != nil {
		respondWithError(w, r, err)
		return
	}

	instance, err := h.instanceService.Update(r.Context(), actor, mux.Vars(r)["id"], patch)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, instance)
}
