package repository

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
)

type InstanceFilter struct {
	Type models.InstanceType
}

type InstanceRepository interface {
	Create(ctx context.Context, instance *models.ServiceInstance) error
	GetByID(ctx context.Context, id string) (*models.ServiceInstance, error)
	GetByIDs(ctx context.Context, ids []string) ([]models.ServiceInstance, error)
	List(ctx context.Context, filter InstanceFilter) ([]models.ServiceInstance, error)
	// Update applies updates to the row with id and reports how many rows
	// the statement touched.
	Update(ctx context.Context, id string, updates map[string]interface{}) (int64, error)
}

type instanceRepository struct {
	db *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) InstanceRepository {
	return &instanceRepository{db: db}
}

func (r *instanceRepository) Create(ctx context.Context, instance *models.ServiceInstance) error {
	result := r.db.WithContext(ctx).Create(instance)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return errors.Wrap(errors.ErrAlreadyExists, "instance name already taken")
		}
		if errors.Is(result.Error, errors.ErrInvalidInput) {
			return result.Error
		}
		return errors.Wrap(result.Error, "failed to create instance")
	}
	return nil
}

func (r *instanceRepository) GetByID(ctx context.Context, id string) (*models.ServiceInstance, error) {
	var instance models.ServiceInstance
	result := r.db.WithContext(ctx).First(&instance, "id = ?", id)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("instance " + id + " not found")
		}
		return nil, errors.Wrap(result.Error, "failed to get instance by ID")
	}

	return &instance, nil
}

func (r *instanceRepository) GetByIDs(ctx context.Context, ids []string) ([]models.ServiceInstance, error) {
	var instances []models.ServiceInstance
	if len(ids) == 0 {
		return instances, nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&instances).Error; err != nil {
		return nil, errors.Wrap(err, "failed to get instances")
	}
	return instances, nil
}

func (r *instanceRepository) List(ctx context.Context, filter InstanceFilter) ([]models.ServiceInstance, error) {
	var instances []models.ServiceInstance
	query := r.db.WithContext(ctx).Order("created_at ASC")
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if err := query.Find(&instances).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list instances")
	}
	return instances, nil
}

func (r *instanceRepository) Update(ctx context.Context, id string, updates map[string]interface{}) (int64, error) {
	result := r.db.WithContext(ctx).Model(&models.ServiceInstance{}).Where("id = ?", id).Updates(updates)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			return 0, errors.Wrap(errors.ErrAlreadyExists, "instance name already taken")
		}
		return 0, errors.Wrap(result.Error, "failed to update instance")
	}

	return result.RowsAffected, nil
}
