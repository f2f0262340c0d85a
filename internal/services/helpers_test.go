package services

import (
	"testing"

	"broker-api/internal/models"
	"broker-api/internal/repository/repotest"
)

var (
	admin  = models.Principal{UserID: "admin", Role: models.RoleAdmin}
	member = models.Principal{UserID: "member", Role: models.RoleUser}
)

type testEnv struct {
	store     *repotest.Store
	instances InstanceService
	abilities AbilityService
	usage     UsageService
	authority *TokenAuthority
	auditLog  AuditLogService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := repotest.NewStore()
	store.AddUser("admin", models.RoleAdmin)
	store.AddUser("member", models.RoleUser)

	auditLog := NewAuditLogService(store.AuditLogRepo())
	return &testEnv{
		store:     store,
		instances: NewInstanceService(store.Instances(), auditLog),
		abilities: NewAbilityService(store.AbilityRepo(), store.Instances(), store.Users(), auditLog),
		usage:     NewUsageService(store.UsageEvents()),
		authority: NewTokenAuthority(store.AbilityRepo(), store.Instances()),
		auditLog:  auditLog,
	}
}

func (e *testEnv) addInstance(id string, t models.InstanceType, secret string) *models.ServiceInstance {
	cfg := models.NewInstanceConfig(t)
	switch c := cfg.(type) {
	case *models.ChatGPTSharedConfig:
		c.Secret = secret
	case *models.PoeConfig:
		c.Secret = secret
	case *models.MeteredAPIConfig:
		c.Secret = secret
	case *models.ClaudeSharedConfig:
		c.Secret = secret
	}
	instance := &models.ServiceInstance{
		ID:     id,
		Type:   t,
		Name:   "instance " + id,
		Config: models.ConfigPayload{Config: cfg},
	}
	e.store.AddInstance(instance)
	return instance
}

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
