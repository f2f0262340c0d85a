package repository

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// lookupChunk bounds the IN list of bulk reads.
const lookupChunk = 1000

type AbilityFilter struct {
	UserID     string
	InstanceID string
}

type AbilityRepository interface {
	Get(ctx context.Context, userID, instanceID string) (*models.UserInstanceAbility, error)
	GetByInstanceAndToken(ctx context.Context, instanceID, token string) (*models.UserInstanceAbility, error)
	List(ctx context.Context, filter AbilityFilter) ([]models.UserInstanceAbility, error)
	// ListForUsers reads the rows of instanceID that belong to userIDs.
	ListForUsers(ctx context.Context, instanceID string, userIDs []string) ([]models.UserInstanceAbility, error)
	// CreateIfAbsent inserts ability unless a row for the same pair exists
	// and reports whether it inserted.
	CreateIfAbsent(ctx context.Context, ability *models.UserInstanceAbility) (bool, error)
	Update(ctx context.Context, userID, instanceID string, updates map[string]interface{}) (int64, error)
	DeleteByInstance(ctx context.Context, instanceID string) (int64, error)
	DisableByInstance(ctx context.Context, instanceID string) (int64, error)
	// WithTx runs fn against a repository bound to one transaction.
	WithTx(ctx context.Context, fn func(repo AbilityRepository) error) error
}

type abilityRepository struct {
	db *gorm.DB
}

func NewAbilityRepository(db *gorm.DB) AbilityRepository {
	return &abilityRepository{db: db}
}

func (r *abilityRepository) Get(ctx context.Context, userID, instanceID string) (*models.UserInstanceAbility, error) {
	var ability models.UserInstanceAbility
	result := r.db.WithContext(ctx).First(&ability, "user_id = ? AND instance_id = ?", userID, instanceID)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("ability not found")
		}
		return nil, errors.Wrap(result.Error, "failed to get ability")
	}

	return &ability, nil
}

func (r *abilityRepository) GetByInstanceAndToken(ctx context.Context, instanceID, token string) (*models.UserInstanceAbility, error) {
	var ability models.UserInstanceAbility
	result := r.db.WithContext(ctx).First(&ability, "instance_id = ? AND token = ?", instanceID, token)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("ability not found")
		}
		return nil, errors.Wrap(result.Error, "failed to get ability by token")
	}

	return &ability, nil
}

func (r *abilityRepository) List(ctx context.Context, filter AbilityFilter) ([]models.UserInstanceAbility, error) {
	var abilities []models.UserInstanceAbility
	query := r.db.WithContext(ctx).Order("created_at ASC")
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.InstanceID != "" {
		query = query.Where("instance_id = ?", filter.InstanceID)
	}
	if err := query.Find(&abilities).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list abilities")
	}
	return abilities, nil
}

func (r *abilityRepository) ListForUsers(ctx context.Context, instanceID string, userIDs []string) ([]models.UserInstanceAbility, error) {
	abilities := make([]models.UserInstanceAbility, 0, len(userIDs))
	for start := 0; start < len(userIDs); start += lookupChunk {
		end := start + lookupChunk
		if end > len(userIDs) {
			end = len(userIDs)
		}

		var chunk []models.UserInstanceAbility
		err := r.db.WithContext(ctx).
			Where("instance_id = ? AND user_id IN ?", instanceID, userIDs[start:end]).
			Find(&chunk).Error
		if err != nil {
			return nil, errors.Wrap(err, "failed to read abilities")
		}
		abilities = append(abilities, chunk...)
	}
	return abilities, nil
}

func (r *abilityRepository) CreateIfAbsent(ctx context.Context, ability *models.UserInstanceAbility) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "instance_id"}},
			DoNothing: true,
		}).
		Create(ability)

	if result.Error != nil {
		return false, errors.Wrap(result.Error, "failed to create ability")
	}
	return result.RowsAffected == 1, nil
}

func (r *abilityRepository) Update(ctx context.Context, userID, instanceID string, updates map[string]interface{}) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.UserInstanceAbility{}).
		Where("user_id = ? AND instance_id = ?", userID, instanceID).
		Updates(updates)

	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to update ability")
	}

	return result.RowsAffected, nil
}

func (r *abilityRepository) DeleteByInstance(ctx context.Context, instanceID string) (int64, error) {
	result := r.db.WithContext(ctx).Delete(&models.UserInstanceAbility{}, "instance_id = ?", instanceID)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to delete abilities")
	}
	return result.RowsAffected, nil
}

func (r *abilityRepository) DisableByInstance(ctx context.Context, instanceID string) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.UserInstanceAbility{}).
		Where("instance_id = ? AND can_use = ?", instanceID, true).
		Update("can_use", false)
	if result.Error != nil {
		return 0, errors.Wrap(result.Error, "failed to disable abilities")
	}
	return result.RowsAffected, nil
}

func (r *abilityRepository) WithTx(ctx context.Context, fn func(repo AbilityRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&abilityRepository{db: tx})
	})
}
