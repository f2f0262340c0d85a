package handlers

import (
	"net/http"

	"broker-api/internal/repository"
	"broker-api/internal/services"

	"github.com/gorilla/mux"
)

type AbilityHandler struct {
	abilityService services.AbilityService
	authority      *services.TokenAuthority
}

func NewAbilityHandler(abilityService services.AbilityService, authority *services.TokenAuthority) *AbilityHandler {
	return &AbilityHandler{
		abilityService: abilityService,
		authority:      authority,
	}
}

// GrantAbilities answers 200 even when some instances failed; the report
// lists them.
func (h *AbilityHandler) GrantAbilities(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req services.GrantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	report, err := h.abilityService.GrantBatch(r.Context(), actor, req)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, report)
}

func (h *AbilityHandler) RevokeInstance(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var opts services.RevokeOptions
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &opts); err != nil {
			respondWithError(w, r, err)
			return
		}
	}

	affected, err := h.abilityService.RevokeInstance(r.Context(), actor, mux.Vars(r)["id"], opts)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"affected": affected,
		"deleted":  opts.Delete,
	})
}

func (h *AbilityHandler) ListAbilities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := repository.AbilityFilter{
		UserID:     query.Get("user_id"),
		InstanceID: query.Get("instance_id"),
	}

	abilities, err := h.abilityService.List(r.Context(), filter)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, abilities)
}

type editAbilityRequest struct {
	CanUse *bool `json:"can_use"`
}

func (h *AbilityHandler) EditAbility(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	var req editAbilityRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	ability, err := h.abilityService.Edit(r.Context(), actor, vars["userId"], vars["instanceId"], req.CanUse)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ability)
}

func (h *AbilityHandler) ResetToken(w http.ResponseWriter, r *http.Request) {
	actor, err := principal(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	vars := mux.Vars(r)
	ability, err := h.abilityService.ResetToken(r.Context(), actor, vars["userId"], vars["instanceId"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, ability)
}

type verifyTokenRequest struct {
	InstanceID string `json:"instance_id"`
	Token      string `json:"token"`
}

// VerifyToken resolves an ability token to its user for deep links and
// proxy authentication.
func (h *AbilityHandler) VerifyToken(w http.ResponseWriter, r *http.Request) {
	var req verifyTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, r, err)
		return
	}

	userID, err := h.authority.VerifyUserToken(r.Context(), req.InstanceID, req.Token)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]string{"user_id": userID})
}
