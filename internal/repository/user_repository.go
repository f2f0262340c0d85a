package repository

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
)

// UserRepository reads the externally owned users table.
type UserRepository interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	// ExistingIDs returns the subset of ids that belong to active users.
	ExistingIDs(ctx context.Context, ids []string) ([]string, error)
}

type userRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	result := r.db.WithContext(ctx).First(&user, "id = ?", id)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("user " + id + " not found")
		}
		return nil, errors.Wrap(result.Error, "failed to get user by ID")
	}

	return &user, nil
}

func (r *userRepository) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	existing := make([]string, 0, len(ids))
	for start := 0; start < len(ids); start += lookupChunk {
		end := start + lookupChunk
		if end > len(ids) {
			end = len(ids)
		}

		var chunk []string
		err := r.db.WithContext(ctx).Model(&models.User{}).
			Where("id IN ? AND active = ?", ids[start:end], true).
			Pluck("id", &chunk).Error
		if err != nil {
			return nil, errors.Wrap(err, "failed to check users")
		}
		existing = append(existing, chunk...)
	}
	return existing, nil
}
