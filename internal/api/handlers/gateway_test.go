package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"broker-api/internal/models"
	"broker-api/internal/repository/repotest"
	"broker-api/internal/services"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAdmin = models.Principal{UserID: "admin", Role: models.RoleAdmin}

type gatewayFixture struct {
	store     *repotest.Store
	instances services.InstanceService
	registry  *GatewayRegistry
	router    *mux.Router
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()

	store := repotest.NewStore()
	store.AddUser("admin", models.RoleAdmin)
	auditLog := services.NewAuditLogService(store.AuditLogRepo())
	instances := services.NewInstanceService(store.Instances(), auditLog)

	registry := NewGatewayRegistry(GatewayDeps{
		Instances: instances,
		Abilities: services.NewAbilityService(store.AbilityRepo(), store.Instances(), store.Users(), auditLog),
		Usage:     services.NewUsageService(store.UsageEvents()),
		Authority: services.NewTokenAuthority(store.AbilityRepo(), store.Instances()),
		ExposeDoc: true,
	})
	router := mux.NewRouter()
	router.PathPrefix(GatewayPrefix).Subrouter().PathPrefix("/").Handler(registry)

	store.AddInstance(&models.ServiceInstance{
		ID:     "api",
		Type:   models.InstanceTypeMeteredAPI,
		Name:   "api",
		Config: models.ConfigPayload{Config: &models.MeteredAPIConfig{Secret: "s1"}},
	})
	store.AddInstance(&models.ServiceInstance{
		ID:     "claude",
		Type:   models.InstanceTypeClaudeShared,
		Name:   "claude",
		Config: models.ConfigPayload{Config: &models.ClaudeSharedConfig{Secret: "s2"}},
	})

	return &gatewayFixture{store: store, instances: instances, registry: registry, router: router}
}

func (f *gatewayFixture) do(method, path, secret string, body interface{}) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	envelope := map[string]json.RawMessage{}
	json.Unmarshal(rec.Body.Bytes(), &envelope)
	return rec, envelope
}

func TestGatewayPingAndDocNeedNoSecret(t *testing.T) {
	f := newGatewayFixture(t)

	rec, env := f.do("GET", "/gateway/api/ping", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `"pong"`, string(env["content"]))

	rec, _ = f.do("GET", "/gateway/api/doc", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayRequiresInstanceSecret(t *testing.T) {
	f := newGatewayFixture(t)

	rec, env := f.do("GET", "/gateway/api/user/u1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `null`, string(env["content"]))
	assert.NotEmpty(t, env["message"])

	rec, _ = f.do("GET", "/gateway/api/user/u1", "s2", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGatewayUnknownInstanceAndRoute(t *testing.T) {
	f := newGatewayFixture(t)

	rec, env := f.do("GET", "/gateway/missing/ping", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `null`, string(env["content"]))
	assert.Equal(t, 0, f.registry.Len())

	rec, _ = f.do("GET", "/gateway/api/nope", "s1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do("GET", "/gateway/claude/poe-account", "s2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGatewayGetUserState(t *testing.T) {
	f := newGatewayFixture(t)
	f.store.PutAbility(&models.UserInstanceAbility{
		UserID: "ok", InstanceID: "api", Token: "t1", CanUse: true,
		State: models.StatePayload{State: &models.MeteredAPIState{TagWhitelist: []string{"x"}}},
	})
	f.store.PutAbility(&models.UserInstanceAbility{
		UserID: "off", InstanceID: "api", Token: "t2", CanUse: false,
		State: models.StatePayload{State: &models.MeteredAPIState{TagWhitelist: []string{}}},
	})
	f.store.PutAbility(&models.UserInstanceAbility{UserID: "empty", InstanceID: "api", Token: "t3", CanUse: true})
	f.store.PutAbility(&models.UserInstanceAbility{
		UserID: "wrong", InstanceID: "api", Token: "t4", CanUse: true,
		State: models.StatePayload{State: &models.PoeState{}},
	})

	rec, env := f.do("GET", "/gateway/api/user/ok", "s1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"tag_whitelist":["x"]}`, string(env["content"]))
	_, hasMessage := env["message"]
	assert.False(t, hasMessage)

	cases := map[string]int{
		"nobody": http.StatusNotFound,
		"off":    http.StatusForbidden,
		"empty":  http.StatusInternalServerError,
		"wrong":  http.StatusInternalServerError,
	}
	for user, status := range cases {
		rec, env := f.do("GET", "/gateway/api/user/"+user, "s1", nil)
		assert.Equal(t, status, rec.Code, user)
		assert.JSONEq(t, `null`, string(env["content"]), user)
		assert.NotEmpty(t, env["message"], user)
	}
}

func TestGatewaySetUserState(t *testing.T) {
	f := newGatewayFixture(t)
	f.store.PutAbility(&models.UserInstanceAbility{UserID: "u1", InstanceID: "api", Token: "t1", CanUse: true})

	rec, _ := f.do("POST", "/gateway/api/user/u1", "s1", `{"tag_whitelist":["a","b"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, &models.MeteredAPIState{TagWhitelist: []string{"a", "b"}}, f.store.Abilities()[0].State.State)

	rec, _ = f.do("POST", "/gateway/api/user/ghost", "s1", `{"tag_whitelist":[]}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.do("POST", "/gateway/api/user/u1", "s1", `{"tag_whitelist":`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.do("POST", "/gateway/claude/user/u1", "s2", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestGatewayAccountUpdate(t *testing.T) {
	f := newGatewayFixture(t)

	rec, _ := f.do("POST", "/gateway/api/api-account", "s1", `{"remaining_tokens":42}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env := f.do("GET", "/gateway/api/api-account", "s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"secret":"s1","quota":{"remaining_tokens":42}}`, string(env["content"]))

	stored, err := f.instances.Get(context.Background(), "api")
	require.NoError(t, err)
	assert.EqualValues(t, 42, stored.Config.Config.(*models.MeteredAPIConfig).Quota.RemainingTokens)

	rec, env = f.do("POST", "/gateway/api/api-account", "s1", `{"remaining_tokens":"many"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `null`, string(env["content"]))
}

func TestGatewayRecordUsage(t *testing.T) {
	f := newGatewayFixture(t)

	rec, env := f.do("POST", "/gateway/api/usage", "s1", map[string]interface{}{
		"user_id": "u1",
		"detail":  map[string]interface{}{"model": "gpt", "total_tokens": 12},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var content map[string]string
	require.NoError(t, json.Unmarshal(env["content"], &content))
	assert.NotEmpty(t, content["id"])

	rec, _ = f.do("POST", "/gateway/api/usage", "s1", map[string]interface{}{
		"detail": map[string]interface{}{"type": "METERED_API", "model": "mini", "total_tokens": 3},
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	events := f.store.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "api", *events[0].InstanceID)
	assert.Equal(t, "u1", *events[0].UserID)
	assert.Equal(t, &models.MeteredAPIDetail{Model: "gpt", TotalTokens: 12}, events[0].Detail.Detail)
	assert.Nil(t, events[1].UserID)

	rec, _ = f.do("POST", "/gateway/api/usage", "s1", map[string]interface{}{
		"detail": map[string]interface{}{"type": "POE", "bot_id": "b"},
	})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec, _ = f.do("POST", "/gateway/api/usage", "s1", `{}`)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Len(t, f.store.Events(), 2)
}

func TestGatewayReport(t *testing.T) {
	f := newGatewayFixture(t)

	rec, _ := f.do("POST", "/gateway/api/report", "s1", `{"version":"1.2.3"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayEvictsRouterOnSecretRotation(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)

	rec, _ := f.do("POST", "/gateway/api/report", "s1", `{}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, f.registry.Len())

	_, err := f.instances.Update(ctx, testAdmin, "api", services.InstancePatch{
		Config: &models.ConfigPayload{Config: &models.MeteredAPIConfig{Secret: "rotated"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.registry.Len())

	rec, _ = f.do("POST", "/gateway/api/report", "s1", `{}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec, _ = f.do("POST", "/gateway/api/report", "rotated", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGatewayRefreshesSnapshotOnOtherChanges(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)

	router, err := f.registry.Router(ctx, "api")
	require.NoError(t, err)

	name := "renamed"
	_, err = f.instances.Update(ctx, testAdmin, "api", services.InstancePatch{Name: &name})
	require.NoError(t, err)

	same, err := f.registry.Router(ctx, "api")
	require.NoError(t, err)
	assert.Same(t, router, same)
	assert.Equal(t, "renamed", same.Snapshot().Name)
}

func TestDecodeDetail(t *testing.T) {
	detail, err := decodeDetail(models.InstanceTypePoe, json.RawMessage(`{"bot_id":"b","points":3}`))
	require.NoError(t, err)
	assert.Equal(t, &models.PoeDetail{BotID: "b", Points: 3}, detail)

	_, err = decodeDetail(models.InstanceTypePoe, nil)
	assert.Error(t, err)

	_, err = decodeDetail(models.InstanceTypePoe, json.RawMessage(`{"type":"CLAUDE_SHARED"}`))
	assert.Error(t, err)
}

// racingInstances applies an update right after the first Get has read the
// instance, as a concurrent admin edit would.
type racingInstances struct {
	services.InstanceService
	once   sync.Once
	update func()
	gets   int
}

func (r *racingInstances) Get(ctx context.Context, id string) (*models.ServiceInstance, error) {
	r.gets++
	instance, err := r.InstanceService.Get(ctx, id)
	r.once.Do(r.update)
	return instance, err
}

func TestGatewayRebuildsRouterWhenUpdateRacesBuild(t *testing.T) {
	ctx := context.Background()
	f := newGatewayFixture(t)

	name := "renamed"
	racing := &racingInstances{InstanceService: f.instances}
	racing.update = func() {
		_, err := f.instances.Update(ctx, testAdmin, "api", services.InstancePatch{Name: &name})
		require.NoError(t, err)
	}
	registry := NewGatewayRegistry(GatewayDeps{
		Instances: racing,
		Authority: services.NewTokenAuthority(f.store.AbilityRepo(), f.store.Instances()),
	})

	router, err := registry.Router(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "renamed", router.Snapshot().Name)
	assert.Equal(t, 2, racing.gets)
}
