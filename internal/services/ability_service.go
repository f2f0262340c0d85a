package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"broker-api/internal/logger"
	"broker-api/internal/metrics"
	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"

	"github.com/sirupsen/logrus"
)

type GrantOptions struct {
	ActivateIfDisabled bool `json:"activate_if_disabled"`
	ResetState         bool `json:"reset_state"`
}

type GrantRequest struct {
	UserIDs     []string `json:"user_ids"`
	InstanceIDs []string `json:"instance_ids"`
	GrantOptions
}

// InstanceGrantResult is the outcome of a batch grant for one instance.
type InstanceGrantResult struct {
	InstanceID string `json:"instance_id"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`

	err error
}

func (r InstanceGrantResult) Err() error {
	return r.err
}

type GrantReport struct {
	Instances    []InstanceGrantResult `json:"instances"`
	UnknownUsers []string              `json:"unknown_users"`
}

// Failed returns the instances whose grant did not complete.
func (r *GrantReport) Failed() []InstanceGrantResult {
	var failed []InstanceGrantResult
	for _, res := range r.Instances {
		if res.err != nil {
			failed = append(failed, res)
		}
	}
	return failed
}

type RevokeOptions struct {
	Delete bool `json:"delete"`
}

type AbilityService interface {
	Get(ctx context.Context, userID, instanceID string) (*models.UserInstanceAbility, error)
	List(ctx context.Context, filter repository.AbilityFilter) ([]models.UserInstanceAbility, error)
	// GrantBatch upserts one ability per (user, instance) pair. Instances
	// fail independently; the report says which ones failed and why.
	GrantBatch(ctx context.Context, actor models.Principal, req GrantRequest) (*GrantReport, error)
	RevokeInstance(ctx context.Context, actor models.Principal, instanceID string, opts RevokeOptions) (int64, error)
	Edit(ctx context.Context, actor models.Principal, userID, instanceID string, canUse *bool) (*models.UserInstanceAbility, error)
	ResetToken(ctx context.Context, actor models.Principal, userID, instanceID string) (*models.UserInstanceAbility, error)
	// SetState overwrites the per-user state. The state must be tagged with
	// the instance's type.
	SetState(ctx context.Context, instanceID, userID string, state models.AbilityState) error
}

type abilityService struct {
	abilityRepo  repository.AbilityRepository
	instanceRepo repository.InstanceRepository
	userRepo     repository.UserRepository
	auditLog     AuditLogService
}

func NewAbilityService(
	abilityRepo repository.AbilityRepository,
	instanceRepo repository.InstanceRepository,
	userRepo repository.UserRepository,
	auditLog AuditLogService,
) AbilityService {
	return &abilityService{
		abilityRepo:  abilityRepo,
		instanceRepo: instanceRepo,
		userRepo:     userRepo,
		auditLog:     auditLog,
	}
}

func (s *abilityService) Get(ctx context.Context, userID, instanceID string) (*models.UserInstanceAbility, error) {
	return s.abilityRepo.Get(ctx, userID, instanceID)
}

func (s *abilityService) List(ctx context.Context, filter repository.AbilityFilter) ([]models.UserInstanceAbility, error) {
	return s.abilityRepo.List(ctx, filter)
}

func (s *abilityService) GrantBatch(ctx context.Context, actor models.Principal, req GrantRequest) (*GrantReport, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	userIDs := dedupe(req.UserIDs)
	instanceIDs := dedupe(req.InstanceIDs)
	if len(userIDs) == 0 || len(instanceIDs) == 0 {
		return nil, errors.Invalid("user_ids and instance_ids are required")
	}

	existingUsers, err := s.userRepo.ExistingIDs(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	users, unknown := partition(userIDs, existingUsers)

	instances, err := s.instanceRepo.GetByIDs(ctx, instanceIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.ServiceInstance, len(instances))
	for i := range instances {
		byID[instances[i].ID] = &instances[i]
	}

	report := &GrantReport{UnknownUsers: unknown}
	for _, instanceID := range instanceIDs {
		result := InstanceGrantResult{InstanceID: instanceID}

		instance, ok := byID[instanceID]
		if !ok {
			result.err = errors.NotFound("instance " + instanceID + " not found")
		} else if err := ctx.Err(); err != nil {
			result.err = err
		} else {
			result.err = s.grantInstance(ctx, instance, users, req.GrantOptions, &result)
		}

		metrics.AbilitiesGranted.WithLabelValues("created").Add(float64(result.Created))
		metrics.AbilitiesGranted.WithLabelValues("updated").Add(float64(result.Updated))
		metrics.AbilitiesGranted.WithLabelValues("unchanged").Add(float64(result.Unchanged))

		if result.err != nil {
			result.Error = result.err.Error()
			result.Code = errors.Code(result.err)
			logger.Logger.WithFields(logrus.Fields{
				"instance": instanceID,
				"error":    result.err,
			}).Warn("Grant failed for instance")
		}
		report.Instances = append(report.Instances, result)
	}

	audit(ctx, s.auditLog, actor, "ability.grant", "instance", strings.Join(instanceIDs, ","),
		fmt.Sprintf("users=%d activate=%t reset=%t", len(users), req.ActivateIfDisabled, req.ResetState))
	return report, nil
}

// grantInstance applies the grant to every user of one instance. Existing
// rows are read in bulk; each pair is then written with its own statement.
func (s *abilityService) grantInstance(ctx context.Context, instance *models.ServiceInstance, userIDs []string, opts GrantOptions, result *InstanceGrantResult) error {
	rows, err := s.abilityRepo.ListForUsers(ctx, instance.ID, userIDs)
	if err != nil {
		return err
	}
	existing := make(map[string]*models.UserInstanceAbility, len(rows))
	for i := range rows {
		existing[rows[i].UserID] = &rows[i]
	}

	for _, userID := range userIDs {
		if current, ok := existing[userID]; ok {
			changed, err := s.updateExisting(ctx, current, instance.Type, opts)
			if err != nil {
				return err
			}
			if changed {
				result.Updated++
			} else {
				result.Unchanged++
			}
			continue
		}

		created, changed, err := s.createOrUpdate(ctx, userID, instance.Type, instance.ID, opts)
		if err != nil {
			return err
		}
		switch {
		case created:
			result.Created++
		case changed:
			result.Updated++
		default:
			result.Unchanged++
		}
	}
	return nil
}

func (s *abilityService) updateExisting(ctx context.Context, current *models.UserInstanceAbility, t models.InstanceType, opts GrantOptions) (bool, error) {
	updates := planGrantUpdate(current, t, opts)
	if len(updates) == 0 {
		return false, nil
	}
	if _, err := s.abilityRepo.Update(ctx, current.UserID, current.InstanceID, updates); err != nil {
		return false, err
	}
	return true, nil
}

// createOrUpdate inserts a fresh ability. When a concurrent grant inserted
// the pair first, the row is re-read and updated inside one transaction.
func (s *abilityService) createOrUpdate(ctx context.Context, userID string, t models.InstanceType, instanceID string, opts GrantOptions) (created, changed bool, err error) {
	ability, err := newAbility(userID, instanceID, true, models.DefaultAbilityState(t))
	if err != nil {
		return false, false, err
	}

	created, err = s.abilityRepo.CreateIfAbsent(ctx, ability)
	if err != nil || created {
		return created, false, err
	}

	err = s.abilityRepo.WithTx(ctx, func(repo repository.AbilityRepository) error {
		current, err := repo.Get(ctx, userID, instanceID)
		if err != nil {
			return err
		}
		updates := planGrantUpdate(current, t, opts)
		if len(updates) == 0 {
			return nil
		}
		changed = true
		_, err = repo.Update(ctx, userID, instanceID, updates)
		return err
	})
	return false, changed, err
}

// planGrantUpdate decides which columns a grant rewrites on an existing row.
// A non-null state survives unless a reset is requested.
func planGrantUpdate(current *models.UserInstanceAbility, t models.InstanceType, opts GrantOptions) map[string]interface{} {
	updates := map[string]interface{}{}

	if current.State.IsNull() || opts.ResetState {
		if def := models.DefaultAbilityState(t); def != nil {
			updates["state"] = models.StatePayload{State: def}
		}
	}
	if !current.CanUse && opts.ActivateIfDisabled {
		updates["can_use"] = true
	}
	return updates
}

func newAbility(userID, instanceID string, canUse bool, state models.AbilityState) (*models.UserInstanceAbility, error) {
	token, err := generateSecureToken(abilityTokenBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ability token")
	}
	now := time.Now()
	return &models.UserInstanceAbility{
		UserID:     userID,
		InstanceID: instanceID,
		Token:      token,
		CanUse:     canUse,
		State:      models.StatePayload{State: state},
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

func (s *abilityService) RevokeInstance(ctx context.Context, actor models.Principal, instanceID string, opts RevokeOptions) (int64, error) {
	if err := requireAdmin(actor); err != nil {
		return 0, err
	}
	if _, err := s.instanceRepo.GetByID(ctx, instanceID); err != nil {
		return 0, err
	}

	var (
		affected int64
		err      error
		action   = "ability.disable"
	)
	if opts.Delete {
		action = "ability.delete"
		affected, err = s.abilityRepo.DeleteByInstance(ctx, instanceID)
	} else {
		affected, err = s.abilityRepo.DisableByInstance(ctx, instanceID)
	}
	if err != nil {
		return 0, err
	}

	audit(ctx, s.auditLog, actor, action, "instance", instanceID, fmt.Sprintf("rows=%d", affected))
	return affected, nil
}

func (s *abilityService) Edit(ctx context.Context, actor models.Principal, userID, instanceID string, canUse *bool) (*models.UserInstanceAbility, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if _, err := s.instanceRepo.GetByID(ctx, instanceID); err != nil {
		return nil, err
	}

	enabled := false
	if canUse != nil {
		enabled = *canUse
	}

	placeholder, err := newAbility(userID, instanceID, enabled, nil)
	if err != nil {
		return nil, err
	}
	created, err := s.abilityRepo.CreateIfAbsent(ctx, placeholder)
	if err != nil {
		return nil, err
	}
	if !created && canUse != nil {
		if _, err := s.abilityRepo.Update(ctx, userID, instanceID, map[string]interface{}{"can_use": enabled}); err != nil {
			return nil, err
		}
	}

	audit(ctx, s.auditLog, actor, "ability.edit", "ability", instanceID+"/"+userID, fmt.Sprintf("can_use=%t created=%t", enabled, created))
	return s.abilityRepo.Get(ctx, userID, instanceID)
}

func (s *abilityService) ResetToken(ctx context.Context, actor models.Principal, userID, instanceID string) (*models.UserInstanceAbility, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}

	token, err := generateSecureToken(abilityTokenBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ability token")
	}
	rows, err := s.abilityRepo.Update(ctx, userID, instanceID, map[string]interface{}{"token": token})
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, errors.NotFound("ability not found")
	}

	audit(ctx, s.auditLog, actor, "ability.token_reset", "ability", instanceID+"/"+userID, "")
	return s.abilityRepo.Get(ctx, userID, instanceID)
}

func (s *abilityService) SetState(ctx context.Context, instanceID, userID string, state models.AbilityState) error {
	if state == nil {
		return errors.Invalid("state is required")
	}
	instance, err := s.instanceRepo.GetByID(ctx, instanceID)
	if err != nil {
		return err
	}
	if err := models.CheckTag(instance.Type, state); err != nil {
		return err
	}

	rows, err := s.abilityRepo.Update(ctx, userID, instanceID, map[string]interface{}{
		"state": models.StatePayload{State: models.NormalizeState(state)},
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return errors.NotFound("ability not found")
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// partition splits ids into those present in known and the rest, keeping
// the order of ids.
func partition(ids, known []string) (present, missing []string) {
	set := make(map[string]struct{}, len(known))
	for _, id := range known {
		set[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := set[id]; ok {
			present = append(present, id)
		} else {
			missing = append(missing, id)
		}
	}
	return present, missing
}
