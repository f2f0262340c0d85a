package services

import (
	"context"
	"time"

	"broker-api/internal/logger"
	"broker-api/internal/models"
	"broker-api/internal/repository"

	"github.com/sirupsen/logrus"
)

type AuditLogService interface {
	GetAuditLogs(ctx context.Context, q repository.AuditQuery) ([]models.AuditLog, int64, error)
	CreateAuditLog(ctx context.Context, actorID, action, entityType, entityID, details string) error
}

type auditLogService struct {
	auditLogRepo repository.AuditLogRepository
}

func NewAuditLogService(auditLogRepo repository.AuditLogRepository) AuditLogService {
	return &auditLogService{
		auditLogRepo: auditLogRepo,
	}
}

func (s *auditLogService) GetAuditLogs(ctx context.Context, q repository.AuditQuery) ([]models.AuditLog, int64, error) {
	return s.auditLogRepo.ListAuditLogs(ctx, q)
}

func (s *auditLogService) CreateAuditLog(ctx context.Context, actorID, action, entityType, entityID, details string) error {
	log := &models.AuditLog{
		ActorID:    actorID,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Details:    details,
		Timestamp:  time.Now(),
	}
	return s.auditLogRepo.CreateAuditLog(ctx, log)
}

// audit writes an audit row and only logs when that fails; the audited
// mutation has already been committed.
func audit(ctx context.Context, s AuditLogService, actor models.Principal, action, entityType, entityID, details string) {
	if s == nil {
		return
	}
	if err := s.CreateAuditLog(ctx, actor.UserID, action, entityType, entityID, details); err != nil {
		logger.Logger.WithFields(logrus.Fields{
			"error":  err,
			"action": action,
			"entity": entityID,
		}).Error("Failed to write audit log")
	}
}
