package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"
)

type CreateInstanceInput struct {
	Type        models.InstanceType  `json:"type"`
	Name        string               `json:"name"`
	Description string               `json:"description"`
	URL         *string              `json:"url"`
	Config      models.ConfigPayload `json:"config"`
}

// InstancePatch holds the mutable metadata of an instance. Nil fields are
// left untouched; the type can never be patched.
type InstancePatch struct {
	Name        *string               `json:"name"`
	Description *string               `json:"description"`
	URL         *string               `json:"url"`
	Config      *models.ConfigPayload `json:"config"`
}

// InstanceListener observes committed instance updates.
type InstanceListener func(old, updated *models.ServiceInstance)

type InstanceService interface {
	Create(ctx context.Context, actor models.Principal, in CreateInstanceInput) (*models.ServiceInstance, error)
	Get(ctx context.Context, id string) (*models.ServiceInstance, error)
	List(ctx context.Context, filter repository.InstanceFilter) ([]models.ServiceInstance, error)
	Update(ctx context.Context, actor models.Principal, id string, patch InstancePatch) (*models.ServiceInstance, error)
	// UpdateAccount replaces the upstream account section of the config.
	// It is called by the instance's own gateway and fails with
	// ValidationFailed unless exactly one row changed.
	UpdateAccount(ctx context.Context, id string, account []byte) (*models.ServiceInstance, error)
	OnChange(listener InstanceListener)
}

type instanceService struct {
	repo     repository.InstanceRepository
	auditLog AuditLogService

	mu        sync.RWMutex
	listeners []InstanceListener
}

func NewInstanceService(repo repository.InstanceRepository, auditLog AuditLogService) InstanceService {
	return &instanceService{
		repo:     repo,
		auditLog: auditLog,
	}
}

func (s *instanceService) Create(ctx context.Context, actor models.Principal, in CreateInstanceInput) (*models.ServiceInstance, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	instance := &models.ServiceInstance{
		Type:        in.Type,
		Name:        strings.TrimSpace(in.Name),
		Description: in.Description,
		URL:         in.URL,
		Config:      in.Config,
	}
	if instance.Config.Config == nil {
		instance.Config.Config = models.NewInstanceConfig(in.Type)
	}
	if err := instance.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, instance); err != nil {
		return nil, err
	}

	audit(ctx, s.auditLog, actor, "instance.create", "instance", instance.ID, string(instance.Type))
	return instance, nil
}

func (s *instanceService) Get(ctx context.Context, id string) (*models.ServiceInstance, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *instanceService) List(ctx context.Context, filter repository.InstanceFilter) ([]models.ServiceInstance, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errors.Invalid("unknown instance type " + string(filter.Type))
	}
	return s.repo.List(ctx, filter)
}

func (s *instanceService) Update(ctx context.Context, actor models.Principal, id string, patch InstancePatch) (*models.ServiceInstance, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	old, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	updates := map[string]interface{}{}
	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, errors.Invalid("instance name is required")
		}
		updates["name"] = name
	}
	if patch.Description != nil {
		updates["description"] = *patch.Description
	}
	if patch.URL != nil {
		updates["url"] = *patch.URL
	}
	if patch.Config != nil {
		if patch.Config.Config == nil {
			return nil, errors.Invalid("config cannot be cleared")
		}
		if err := models.CheckTag(old.Type, patch.Config.Config); err != nil {
			return nil, err
		}
		updates["config"] = *patch.Config
	}
	if len(updates) == 0 {
		return old, nil
	}

	updated, err := s.apply(ctx, old, updates)
	if err != nil {
		return nil, err
	}

	audit(ctx, s.auditLog, actor, "instance.update", "instance", id, strings.Join(keys(updates), ","))
	return updated, nil
}

func (s *instanceService) UpdateAccount(ctx context.Context, id string, account []byte) (*models.ServiceInstance, error) {
	old, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cfg, ok := old.Config.Config.(models.AccountConfig)
	if !ok {
		return nil, errors.Invalid(fmt.Sprintf("%s instances have no upstream account", old.Type))
	}
	next, err := cfg.WithAccount(account)
	if err != nil {
		return nil, err
	}

	return s.apply(ctx, old, map[string]interface{}{"config": models.ConfigPayload{Config: next}})
}

func (s *instanceService) apply(ctx context.Context, old *models.ServiceInstance, updates map[string]interface{}) (*models.ServiceInstance, error) {
	rows, err := s.repo.Update(ctx, old.ID, updates)
	if err != nil {
		return nil, err
	}
	if rows != 1 {
		return nil, errors.Invalid(fmt.Sprintf("update of instance %s affected %d rows", old.ID, rows))
	}

	updated, err := s.repo.GetByID(ctx, old.ID)
	if err != nil {
		return nil, err
	}
	s.notify(old, updated)
	return updated, nil
}

func (s *instanceService) OnChange(listener InstanceListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, listener)
}

func (s *instanceService) notify(old, updated *models.ServiceInstance) {
	s.mu.RLock()
	listeners := append([]InstanceListener(nil), s.listeners...)
	s.mu.RUnlock()

	for _, listener := range listeners {
		listener(old, updated)
	}
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
