package handlers

import (
	"net/http"

	"broker-api/internal/models"
)

type docOperation struct {
	Summary string `json:"summary"`
	Auth    bool   `json:"auth"`
}

// Doc describes the routes of this gateway. It is only mounted outside
// production.
func (g *GatewayRouter) Doc(w http.ResponseWriter, r *http.Request) {
	paths := map[string]map[string]docOperation{
		"/ping": {
			"get": {Summary: "Liveness check", Auth: false},
		},
		"/user/{userId}": {
			"get":  {Summary: "Read the per-user state of an enabled ability", Auth: true},
			"post": {Summary: "Overwrite the per-user state", Auth: true},
		},
		"/report": {
			"post": {Summary: "Report the agent version", Auth: true},
		},
		"/usage": {
			"post": {Summary: "Record a usage event for this instance", Auth: true},
		},
	}
	if path := g.instType.AccountPath(); path != "" {
		paths[path] = map[string]docOperation{
			"get":  {Summary: "Read the instance config", Auth: true},
			"post": {Summary: "Replace the upstream account section of the config", Auth: true},
		}
	}

	respondWithEnvelope(w, http.StatusOK, "", map[string]interface{}{
		"instance_id": g.instanceID,
		"type":        g.instType,
		"base_path":   "/gateway/" + g.instanceID,
		"state":       models.DefaultAbilityState(g.instType),
		"auth":        "Authorization: Bearer <instance secret>",
		"paths":       paths,
	})
}
