package repository

import (
	"context"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
)

type UsageFilter struct {
	UserID     string
	InstanceID string
	Type       models.InstanceType
	Since      time.Time
}

type UsageEventRepository interface {
	Create(ctx context.Context, event *models.ResourceUsageEvent) error
	List(ctx context.Context, filter UsageFilter, limit int) ([]models.ResourceUsageEvent, error)
}

type usageEventRepository struct {
	db *gorm.DB
}

func NewUsageEventRepository(db *gorm.DB) UsageEventRepository {
	return &usageEventRepository{db: db}
}

func (r *usageEventRepository) Create(ctx context.Context, event *models.ResourceUsageEvent) error {
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		if errors.Is(err, errors.ErrInvalidInput) {
			return err
		}
		return errors.Wrap(err, "failed to create usage event")
	}
	return nil
}

func (r *usageEventRepository) List(ctx context.Context, filter UsageFilter, limit int) ([]models.ResourceUsageEvent, error) {
	var events []models.ResourceUsageEvent
	query := applyUsageFilter(r.db.WithContext(ctx).Model(&models.ResourceUsageEvent{}), filter).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list usage events")
	}
	return events, nil
}

func applyUsageFilter(query *gorm.DB, filter UsageFilter) *gorm.DB {
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if filter.InstanceID != "" {
		query = query.Where("instance_id = ?", filter.InstanceID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	return query
}
