package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"

	"broker-api/internal/logger"
	"broker-api/internal/middleware"
	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/services"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// GatewayPrefix is where per-instance gateways are mounted.
const GatewayPrefix = "/gateway/{instanceId}"

// Envelope is the uniform gateway response. A null content with no message
// means "no data"; a message always accompanies a failure.
type Envelope struct {
	Message string      `json:"message,omitempty"`
	Content interface{} `json:"content"`
}

func respondWithEnvelope(w http.ResponseWriter, code int, message string, content interface{}) {
	respondWithJSON(w, code, Envelope{Message: message, Content: content})
}

func respondWithEnvelopeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.Logger.WithFields(logrus.Fields{
			"error": err,
			"path":  r.URL.Path,
		}).Error("Gateway request failed")
		message = "internal error"
	}
	respondWithEnvelope(w, status, message, nil)
}

// GatewayDeps are the collaborators shared by every instance gateway.
type GatewayDeps struct {
	Instances services.InstanceService
	Abilities services.AbilityService
	Usage     services.UsageService
	Authority *services.TokenAuthority
	// ExposeDoc serves GET /doc without authentication.
	ExposeDoc bool
}

// GatewayRegistry owns the per-instance gateway routers for the lifetime of
// the process. Routers are built on the first request for an instance,
// dropped when its secret rotates and otherwise kept in sync with instance
// updates.
type GatewayRegistry struct {
	deps GatewayDeps

	mu      sync.Mutex
	routers map[string]*GatewayRouter
	// changes counts updates per instance so a router built from a read
	// that raced an update is rebuilt from a fresh one.
	changes map[string]uint64
}

func NewGatewayRegistry(deps GatewayDeps) *GatewayRegistry {
	reg := &GatewayRegistry{
		deps:    deps,
		routers: make(map[string]*GatewayRouter),
		changes: make(map[string]uint64),
	}
	deps.Instances.OnChange(reg.onInstanceChange)
	return reg
}

func (g *GatewayRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	instanceID := mux.Vars(r)["instanceId"]

	router, err := g.Router(r.Context(), instanceID)
	if err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}
	router.ServeHTTP(w, r)
}

// Router returns the cached router of instanceID, building it on a miss.
func (g *GatewayRegistry) Router(ctx context.Context, instanceID string) (*GatewayRouter, error) {
	for {
		g.mu.Lock()
		router, ok := g.routers[instanceID]
		seen := g.changes[instanceID]
		g.mu.Unlock()
		if ok {
			return router, nil
		}

		instance, err := g.deps.Instances.Get(ctx, instanceID)
		if err != nil {
			return nil, err
		}

		g.mu.Lock()
		if router, ok := g.routers[instanceID]; ok {
			g.mu.Unlock()
			return router, nil
		}
		if g.changes[instanceID] != seen {
			g.mu.Unlock()
			continue
		}
		router = newGatewayRouter(g.deps, instance)
		g.routers[instanceID] = router
		g.mu.Unlock()
		return router, nil
	}
}

// Evict drops the router of instanceID; the next request rebuilds it.
func (g *GatewayRegistry) Evict(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.routers, instanceID)
}

func (g *GatewayRegistry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.routers)
}

func (g *GatewayRegistry) onInstanceChange(old, updated *models.ServiceInstance) {
	g.mu.Lock()
	g.changes[updated.ID]++
	g.mu.Unlock()

	if old.Secret() != updated.Secret() {
		g.Evict(updated.ID)
		logger.LogEvent(logrus.InfoLevel, "Gateway evicted after secret rotation", logrus.Fields{
			"instance": updated.ID,
		})
		return
	}

	g.mu.Lock()
	router, ok := g.routers[updated.ID]
	g.mu.Unlock()
	if ok {
		router.setSnapshot(updated)
	}
}

// GatewayRouter is the HTTP surface of one instance.
type GatewayRouter struct {
	deps       GatewayDeps
	instanceID string
	instType   models.InstanceType
	router     *mux.Router

	mu       sync.RWMutex
	snapshot *models.ServiceInstance
}

func newGatewayRouter(deps GatewayDeps, instance *models.ServiceInstance) *GatewayRouter {
	g := &GatewayRouter{
		deps:       deps,
		instanceID: instance.ID,
		instType:   instance.Type,
		snapshot:   instance,
	}

	router := mux.NewRouter()
	base := router.PathPrefix("/gateway/" + instance.ID).Subrouter()
	base.HandleFunc("/ping", g.Ping).Methods("GET")
	if deps.ExposeDoc {
		base.HandleFunc("/doc", g.Doc).Methods("GET")
	}

	protected := base.NewRoute().Subrouter()
	protected.Use(middleware.InstanceSecretMiddleware(deps.Authority, instance.ID))
	protected.HandleFunc("/user/{userId}", g.GetUserState).Methods("GET")
	protected.HandleFunc("/user/{userId}", g.SetUserState).Methods("POST")
	protected.HandleFunc("/report", g.Report).Methods("POST")
	protected.HandleFunc("/usage", g.RecordUsage).Methods("POST")
	if path := instance.Type.AccountPath(); path != "" {
		protected.HandleFunc(path, g.GetAccount).Methods("GET")
		protected.HandleFunc(path, g.UpdateAccount).Methods("POST")
	}

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithEnvelope(w, http.StatusNotFound, "route not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithEnvelope(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	g.router = router
	return g
}

func (g *GatewayRouter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// Snapshot returns the instance as last seen by this router.
func (g *GatewayRouter) Snapshot() *models.ServiceInstance {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.snapshot
}

func (g *GatewayRouter) setSnapshot(instance *models.ServiceInstance) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.snapshot = instance
}

func (g *GatewayRouter) Ping(w http.ResponseWriter, r *http.Request) {
	respondWithEnvelope(w, http.StatusOK, "", "pong")
}

// GetUserState returns the caller's per-user state without its type tag.
func (g *GatewayRouter) GetUserState(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	ability, err := g.deps.Abilities.Get(r.Context(), userID, g.instanceID)
	if err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}
	if !ability.CanUse {
		respondWithEnvelope(w, http.StatusForbidden, "ability is disabled", nil)
		return
	}

	state := ability.State.State
	if state == nil || state.InstanceType() != g.instType {
		logger.Logger.WithFields(logrus.Fields{
			"instance": g.instanceID,
			"user":     userID,
		}).Error("Ability state is missing or of the wrong type")
		respondWithEnvelope(w, http.StatusInternalServerError, "ability state is missing or of the wrong type", nil)
		return
	}

	respondWithEnvelope(w, http.StatusOK, "", state)
}

// SetUserState overwrites the user's state. The body carries the state
// fields only; it is tagged with this instance's type.
func (g *GatewayRouter) SetUserState(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]

	state := models.NewAbilityState(g.instType)
	if state == nil {
		respondWithEnvelope(w, http.StatusUnprocessableEntity, string(g.instType)+" instances keep no per-user state", nil)
		return
	}
	if err := decodeGatewayBody(r, state); err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	if err := g.deps.Abilities.SetState(r.Context(), g.instanceID, userID, state); err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	respondWithEnvelope(w, http.StatusOK, "", nil)
}

// GetAccount returns the cached config of the instance.
func (g *GatewayRouter) GetAccount(w http.ResponseWriter, r *http.Request) {
	respondWithEnvelope(w, http.StatusOK, "", g.Snapshot().Config.Config)
}

// UpdateAccount replaces the upstream account section of the instance
// config. Any rejected update answers 400.
func (g *GatewayRouter) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithEnvelope(w, http.StatusBadRequest, "unreadable body", nil)
		return
	}

	updated, err := g.deps.Instances.UpdateAccount(r.Context(), g.instanceID, body)
	if err != nil {
		if errors.Is(err, errors.ErrInvalidInput) {
			respondWithEnvelope(w, http.StatusBadRequest, err.Error(), nil)
			return
		}
		respondWithEnvelopeError(w, r, err)
		return
	}

	g.setSnapshot(updated)
	respondWithEnvelope(w, http.StatusOK, "", nil)
}

type reportRequest struct {
	Version string `json:"version"`
}

func (g *GatewayRouter) Report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decodeGatewayBody(r, &req); err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	logger.LogEvent(logrus.InfoLevel, "Gateway agent report", logrus.Fields{
		"instance": g.instanceID,
		"type":     g.instType,
		"version":  req.Version,
		"ip":       r.RemoteAddr,
	})
	respondWithEnvelope(w, http.StatusOK, "", nil)
}

type gatewayUsageRequest struct {
	UserID *string         `json:"user_id"`
	Text   *string         `json:"text"`
	Detail json.RawMessage `json:"detail"`
}

// RecordUsage appends a usage event attributed to this instance. It answers
// only after the event is stored.
func (g *GatewayRouter) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req gatewayUsageRequest
	if err := decodeGatewayBody(r, &req); err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	detail, err := decodeDetail(g.instType, req.Detail)
	if err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	instanceID := g.instanceID
	event, err := g.deps.Usage.Record(r.Context(), services.RecordInput{
		UserID:     req.UserID,
		InstanceID: &instanceID,
		Type:       g.instType,
		Text:       req.Text,
		Detail:     models.DetailPayload{Detail: detail},
	})
	if err != nil {
		respondWithEnvelopeError(w, r, err)
		return
	}

	respondWithEnvelope(w, http.StatusCreated, "", map[string]string{"id": event.ID})
}

// decodeDetail accepts a detail with or without its "type" tag. A present
// tag must match t.
func decodeDetail(t models.InstanceType, raw json.RawMessage) (models.UsageDetail, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.Invalid("usage detail is required")
	}

	var head struct {
		Type models.InstanceType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, errors.Invalid("malformed usage detail: " + err.Error())
	}
	if head.Type != "" {
		var payload models.DetailPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, err
		}
		if err := models.CheckTag(t, payload.Detail); err != nil {
			return nil, err
		}
		return payload.Detail, nil
	}

	detail := models.NewUsageDetail(t)
	if err := json.Unmarshal(raw, detail); err != nil {
		return nil, errors.Invalid("malformed usage detail: " + err.Error())
	}
	return detail, nil
}

func decodeGatewayBody(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return errors.Invalid("invalid request body: " + err.Error())
	}
	return nil
}
