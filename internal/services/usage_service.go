package services

import (
	"context"
	"time"

	"broker-api/internal/logger"
	"broker-api/internal/metrics"
	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
	"broker-api/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// maxUsageListLimit caps a single usage listing.
const maxUsageListLimit = 500

type RecordInput struct {
	UserID     *string              `json:"user_id"`
	InstanceID *string              `json:"instance_id"`
	Type       models.InstanceType  `json:"type"`
	Text       *string              `json:"text"`
	Detail     models.DetailPayload `json:"detail"`
}

type UsageService interface {
	// Record appends one usage event. It returns only once the row is
	// stored; storage failures are returned, never dropped.
	Record(ctx context.Context, in RecordInput) (*models.ResourceUsageEvent, error)
	List(ctx context.Context, filter repository.UsageFilter, limit int) ([]models.ResourceUsageEvent, error)
}

type usageService struct {
	repo repository.UsageEventRepository
	now  func() time.Time
}

func NewUsageService(repo repository.UsageEventRepository) UsageService {
	return &usageService{repo: repo, now: time.Now}
}

func (s *usageService) Record(ctx context.Context, in RecordInput) (*models.ResourceUsageEvent, error) {
	event := &models.ResourceUsageEvent{
		ID:         uuid.NewString(),
		UserID:     emptyToNil(in.UserID),
		InstanceID: emptyToNil(in.InstanceID),
		Type:       in.Type,
		Text:       in.Text,
		Detail:     in.Detail,
		CreatedAt:  s.now(),
	}
	if event.Text != nil {
		n := len(*event.Text)
		event.TextBytes = &n
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	if err := s.repo.Create(ctx, event); err != nil {
		logger.Logger.WithFields(logrus.Fields{
			"error": err,
			"type":  event.Type,
		}).Error("Failed to record usage event")
		return nil, err
	}

	metrics.UsageEventsRecorded.WithLabelValues(string(event.Type)).Inc()
	return event, nil
}

func (s *usageService) List(ctx context.Context, filter repository.UsageFilter, limit int) ([]models.ResourceUsageEvent, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, errors.Invalid("unknown usage type " + string(filter.Type))
	}
	if limit <= 0 || limit > maxUsageListLimit {
		limit = maxUsageListLimit
	}
	return s.repo.List(ctx, filter, limit)
}

func emptyToNil(s *string) *string {
	if s == nil || *s == "" {
		return nil
	}
	return s
}
