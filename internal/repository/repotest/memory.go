// Package repotest provides in-memory implementations of the repository
// interfaces for tests.
package repotest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"

	"github.com/google/uuid"
)

// Store holds every table behind one mutex.
type Store struct {
	mu        sync.Mutex
	users     map[string]*models.User
	instances map[string]*models.ServiceInstance
	abilities map[[2]string]*models.UserInstanceAbility
	events    []models.ResourceUsageEvent
	audit     []models.AuditLog

	// Fail makes the named operation return a storage error. Keys are
	// "<Repo>.<Method>" or "<Repo>.<Method>:<instanceID>".
	Fail map[string]bool
	// BeforeCreateAbility runs before CreateIfAbsent inserts, outside the
	// lock.
	BeforeCreateAbility func(a *models.UserInstanceAbility)

	SummarizeCalls int
	GroupCalls     int
}

func NewStore() *Store {
	return &Store{
		users:     map[string]*models.User{},
		instances: map[string]*models.ServiceInstance{},
		abilities: map[[2]string]*models.UserInstanceAbility{},
		Fail:      map[string]bool{},
	}
}

func (s *Store) failing(op string) error {
	if s.Fail[op] {
		return errors.Wrap(errors.ErrDatabaseError, op+" failed")
	}
	return nil
}

// AddUser inserts an active user with the given role.
func (s *Store) AddUser(id string, role models.UserRole) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = &models.User{ID: id, Username: id, Role: role, Active: true}
}

func (s *Store) DeactivateUser(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[id]; ok {
		u.Active = false
	}
}

// AddInstance inserts instance as is.
func (s *Store) AddInstance(instance *models.ServiceInstance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *instance
	s.instances[instance.ID] = &cp
}

// PutAbility inserts or replaces an ability row.
func (s *Store) PutAbility(a *models.UserInstanceAbility) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *a
	s.abilities[[2]string{a.UserID, a.InstanceID}] = &cp
}

func (s *Store) Abilities() []models.UserInstanceAbility {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.UserInstanceAbility, 0, len(s.abilities))
	for _, a := range s.abilities {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InstanceID != out[j].InstanceID {
			return out[i].InstanceID < out[j].InstanceID
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

func (s *Store) Events() []models.ResourceUsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ResourceUsageEvent(nil), s.events...)
}

func (s *Store) AuditLogs() []models.AuditLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditLog(nil), s.audit...)
}

func (s *Store) Users() repository.UserRepository            { return userRepo{s} }
func (s *Store) Instances() repository.InstanceRepository    { return instanceRepo{s} }
func (s *Store) AbilityRepo() repository.AbilityRepository   { return abilityRepo{s} }
func (s *Store) UsageEvents() repository.UsageEventRepository { return usageRepo{s} }
func (s *Store) UsageStats() repository.UsageStatsRepository { return statsRepo{s} }
func (s *Store) AuditLogRepo() repository.AuditLogRepository { return auditRepo{s} }

type userRepo struct{ s *Store }

func (r userRepo) GetByID(ctx context.Context, id string) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, errors.NotFound("user " + id + " not found")
	}
	cp := *u
	return &cp, nil
}

func (r userRepo) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if err := r.s.failing("Users.ExistingIDs"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for _, id := range ids {
		if u, ok := r.s.users[id]; ok && u.Active {
			out = append(out, id)
		}
	}
	return out, nil
}

type instanceRepo struct{ s *Store }

func (r instanceRepo) Create(ctx context.Context, instance *models.ServiceInstance) error {
	if err := r.s.failing("Instances.Create"); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.instances {
		if existing.Name == instance.Name {
			return errors.Wrap(errors.ErrAlreadyExists, "instance name already taken")
		}
	}
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now()
	instance.CreatedAt, instance.UpdatedAt = now, now
	cp := *instance
	r.s.instances[instance.ID] = &cp
	return nil
}

func (r instanceRepo) GetByID(ctx context.Context, id string) (*models.ServiceInstance, error) {
	if err := r.s.failing("Instances.GetByID"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	instance, ok := r.s.instances[id]
	if !ok {
		return nil, errors.NotFound("instance " + id + " not found")
	}
	cp := *instance
	return &cp, nil
}

func (r instanceRepo) GetByIDs(ctx context.Context, ids []string) ([]models.ServiceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceInstance
	for _, id := range ids {
		if instance, ok := r.s.instances[id]; ok {
			out = append(out, *instance)
		}
	}
	return out, nil
}

func (r instanceRepo) List(ctx context.Context, filter repository.InstanceFilter) ([]models.ServiceInstance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.ServiceInstance
	for _, instance := range r.s.instances {
		if filter.Type == "" || instance.Type == filter.Type {
			out = append(out, *instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r instanceRepo) Update(ctx context.Context, id string, updates map[string]interface{}) (int64, error) {
	if err := r.s.failing("Instances.Update"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	instance, ok := r.s.instances[id]
	if !ok {
		return 0, nil
	}
	cp := *instance
	for k, v := range updates {
		switch k {
		case "name":
			name := v.(string)
			for otherID, other := range r.s.instances {
				if otherID != id && other.Name == name {
					return 0, errors.Wrap(errors.ErrAlreadyExists, "instance name already taken")
				}
			}
			cp.Name = name
		case "description":
			cp.Description = v.(string)
		case "url":
			url := v.(string)
			cp.URL = &url
		case "config":
			cp.Config = v.(models.ConfigPayload)
		}
	}
	cp.UpdatedAt = time.Now()
	r.s.instances[id] = &cp
	return 1, nil
}

type abilityRepo struct{ s *Store }

func (r abilityRepo) Get(ctx context.Context, userID, instanceID string) (*models.UserInstanceAbility, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.abilities[[2]string{userID, instanceID}]
	if !ok {
		return nil, errors.NotFound("ability not found")
	}
	cp := *a
	return &cp, nil
}

func (r abilityRepo) GetByInstanceAndToken(ctx context.Context, instanceID, token string) (*models.UserInstanceAbility, error) {
	if err := r.s.failing("Abilities.GetByInstanceAndToken"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, a := range r.s.abilities {
		if a.InstanceID == instanceID && a.Token == token {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errors.NotFound("ability not found")
}

func (r abilityRepo) List(ctx context.Context, filter repository.AbilityFilter) ([]models.UserInstanceAbility, error) {
	var out []models.UserInstanceAbility
	for _, a := range r.s.Abilities() {
		if filter.UserID != "" && a.UserID != filter.UserID {
			continue
		}
		if filter.InstanceID != "" && a.InstanceID != filter.InstanceID {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

func (r abilityRepo) ListForUsers(ctx context.Context, instanceID string, userIDs []string) ([]models.UserInstanceAbility, error) {
	if err := r.s.failing("Abilities.ListForUsers:" + instanceID); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.UserInstanceAbility
	for _, userID := range userIDs {
		if a, ok := r.s.abilities[[2]string{userID, instanceID}]; ok {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r abilityRepo) CreateIfAbsent(ctx context.Context, ability *models.UserInstanceAbility) (bool, error) {
	if err := r.s.failing("Abilities.CreateIfAbsent:" + ability.InstanceID); err != nil {
		return false, err
	}
	if hook := r.s.BeforeCreateAbility; hook != nil {
		hook(ability)
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	key := [2]string{ability.UserID, ability.InstanceID}
	if _, ok := r.s.abilities[key]; ok {
		return false, nil
	}
	for _, a := range r.s.abilities {
		if a.Token == ability.Token {
			return false, errors.Wrap(errors.ErrAlreadyExists, "duplicate token")
		}
	}
	cp := *ability
	r.s.abilities[key] = &cp
	return true, nil
}

func (r abilityRepo) Update(ctx context.Context, userID, instanceID string, updates map[string]interface{}) (int64, error) {
	if err := r.s.failing("Abilities.Update"); err != nil {
		return 0, err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a, ok := r.s.abilities[[2]string{userID, instanceID}]
	if !ok {
		return 0, nil
	}
	cp := *a
	for k, v := range updates {
		switch k {
		case "can_use":
			cp.CanUse = v.(bool)
		case "token":
			cp.Token = v.(string)
		case "state":
			cp.State = v.(models.StatePayload)
		}
	}
	cp.UpdatedAt = time.Now()
	r.s.abilities[[2]string{userID, instanceID}] = &cp
	return 1, nil
}

func (r abilityRepo) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for key, a := range r.s.abilities {
		if a.InstanceID == instanceID {
			delete(r.s.abilities, key)
			n++
		}
	}
	return n, nil
}

func (r abilityRepo) DisableByInstance(ctx context.Context, instanceID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, a := range r.s.abilities {
		if a.InstanceID == instanceID && a.CanUse {
			a.CanUse = false
			n++
		}
	}
	return n, nil
}

func (r abilityRepo) WithTx(ctx context.Context, fn func(repo repository.AbilityRepository) error) error {
	return fn(r)
}

type usageRepo struct{ s *Store }

func (r usageRepo) Create(ctx context.Context, event *models.ResourceUsageEvent) error {
	if err := r.s.failing("UsageEvents.Create"); err != nil {
		return err
	}
	if err := event.Validate(); err != nil {
		return err
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.events = append(r.s.events, *event)
	return nil
}

func (r usageRepo) List(ctx context.Context, filter repository.UsageFilter, limit int) ([]models.ResourceUsageEvent, error) {
	events := r.s.matching(filter)
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.After(events[j].CreatedAt) })
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *Store) matching(filter repository.UsageFilter) []models.ResourceUsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ResourceUsageEvent
	for _, e := range s.events {
		if filter.Type != "" && e.Type != filter.Type {
			continue
		}
		if filter.UserID != "" && (e.UserID == nil || *e.UserID != filter.UserID) {
			continue
		}
		if filter.InstanceID != "" && (e.InstanceID == nil || *e.InstanceID != filter.InstanceID) {
			continue
		}
		if !filter.Since.IsZero() && e.CreatedAt.Before(filter.Since) {
			continue
		}
		out = append(out, e)
	}
	return out
}

type statsRepo struct{ s *Store }

func (r statsRepo) Summarize(ctx context.Context, filter repository.UsageFilter, sumFields []string) (*models.WindowStats, error) {
	if err := r.s.failing("UsageStats.Summarize"); err != nil {
		return nil, err
	}
	r.s.mu.Lock()
	r.s.SummarizeCalls++
	r.s.mu.Unlock()

	g := aggregate(r.s.matching(filter), sumFields)
	return &models.WindowStats{Count: g.Count, DistinctUsers: g.DistinctUsers, Sums: g.Sums}, nil
}

func (r statsRepo) Group(ctx context.Context, filter repository.UsageFilter, groupBy repository.GroupBy, sumFields []string) ([]models.GroupStat, error) {
	r.s.mu.Lock()
	r.s.GroupCalls++
	r.s.mu.Unlock()

	byLabel := map[string][]models.ResourceUsageEvent{}
	for _, e := range r.s.matching(filter) {
		label := ""
		if groupBy == repository.GroupByAccount {
			if e.InstanceID != nil {
				label = *e.InstanceID
			}
		} else {
			label = fmtField(detailFields(e)[filter.Type.ModelField()])
		}
		byLabel[label] = append(byLabel[label], e)
	}

	out := make([]models.GroupStat, 0, len(byLabel))
	for label, events := range byLabel {
		g := aggregate(events, sumFields)
		g.Label = label
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Label < out[j].Label
	})
	return out, nil
}

func aggregate(events []models.ResourceUsageEvent, sumFields []string) models.GroupStat {
	users := map[string]struct{}{}
	sums := make(map[string]int64, len(sumFields))
	for _, field := range sumFields {
		sums[field] = 0
	}
	for _, e := range events {
		if e.UserID != nil {
			users[*e.UserID] = struct{}{}
		}
		fields := detailFields(e)
		for _, field := range sumFields {
			if n, ok := fields[field].(float64); ok {
				sums[field] += int64(n)
			}
		}
	}
	return models.GroupStat{Count: int64(len(events)), DistinctUsers: int64(len(users)), Sums: sums}
}

func detailFields(e models.ResourceUsageEvent) map[string]interface{} {
	raw, _ := json.Marshal(e.Detail)
	fields := map[string]interface{}{}
	_ = json.Unmarshal(raw, &fields)
	return fields
}

func fmtField(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

type auditRepo struct{ s *Store }

func (r auditRepo) ListAuditLogs(ctx context.Context, q repository.AuditQuery) ([]models.AuditLog, int64, error) {
	var logs []models.AuditLog
	all := r.s.AuditLogs()
	for i := len(all) - 1; i >= 0; i-- {
		l := all[i]
		if (q.ActorID == "" || l.ActorID == q.ActorID) &&
			(q.EntityType == "" || l.EntityType == q.EntityType) &&
			(q.EntityID == "" || l.EntityID == q.EntityID) {
			logs = append(logs, l)
		}
	}
	total := int64(len(logs))
	start := (q.Page - 1) * q.PageSize
	if start >= len(logs) {
		return nil, total, nil
	}
	end := start + q.PageSize
	if end > len(logs) {
		end = len(logs)
	}
	return logs[start:end], total, nil
}

func (r auditRepo) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.audit = append(r.s.audit, *log)
	return nil
}
