package repository

import (
	"context"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"

	"gorm.io/gorm"
)

// AuditQuery selects one page of audit rows, newest first. Empty filters
// match everything.
type AuditQuery struct {
	ActorID    string
	EntityType string
	EntityID   string
	Page       int
	PageSize   int
}

type AuditLogRepository interface {
	ListAuditLogs(ctx context.Context, q AuditQuery) ([]models.AuditLog, int64, error)
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

type auditLogRepository struct {
	db *gorm.DB
}

func NewAuditLogRepository(db *gorm.DB) AuditLogRepository {
	return &auditLogRepository{
		db: db,
	}
}

func (r *auditLogRepository) scoped(ctx context.Context, q AuditQuery) *gorm.DB {
	tx := r.db.WithContext(ctx).Model(&models.AuditLog{})
	if q.ActorID != "" {
		tx = tx.Where("actor_id = ?", q.ActorID)
	}
	if q.EntityType != "" {
		tx = tx.Where("entity_type = ?", q.EntityType)
	}
	if q.EntityID != "" {
		tx = tx.Where("entity_id = ?", q.EntityID)
	}
	return tx
}

func (r *auditLogRepository) ListAuditLogs(ctx context.Context, q AuditQuery) ([]models.AuditLog, int64, error) {
	var total int64
	if err := r.scoped(ctx, q).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count audit logs")
	}

	var logs []models.AuditLog
	err := r.scoped(ctx, q).
		Order("timestamp DESC, id DESC").
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(&logs).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list audit logs")
	}
	return logs, total, nil
}

func (r *auditLogRepository) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	if err := r.db.WithContext(ctx).Create(log).Error; err != nil {
		return errors.Wrap(err, "failed to record audit entry")
	}
	return nil
}
