package models

import (
	"database/sql/driver"
	"time"

	"broker-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageDetail is the type-tagged detail of a usage event.
type UsageDetail interface {
	Tagged
}

type ChatGPTSharedDetail struct {
	Model        string `json:"model"`
	MessageCount int64  `json:"message_count"`
}

func (ChatGPTSharedDetail) InstanceType() InstanceType { return InstanceTypeChatGPTShared }

type PoeDetail struct {
	BotID  string `json:"bot_id"`
	ChatID string `json:"chat_id,omitempty"`
	Points int64  `json:"points"`
}

func (PoeDetail) InstanceType() InstanceType { return InstanceTypePoe }

type MeteredAPIDetail struct {
	Model            string `json:"model"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

func (MeteredAPIDetail) InstanceType() InstanceType { return InstanceTypeMeteredAPI }

type ClaudeSharedDetail struct {
	Model string `json:"model"`
}

func (ClaudeSharedDetail) InstanceType() InstanceType { return InstanceTypeClaudeShared }

func NewUsageDetail(t InstanceType) UsageDetail {
	switch t {
	case InstanceTypeChatGPTShared:
		return &ChatGPTSharedDetail{}
	case InstanceTypePoe:
		return &PoeDetail{}
	case InstanceTypeMeteredAPI:
		return &MeteredAPIDetail{}
	case InstanceTypeClaudeShared:
		return &ClaudeSharedDetail{}
	}
	return nil
}

// DetailPayload stores a UsageDetail in a jsonb column.
type DetailPayload struct {
	Detail UsageDetail
}

func (p DetailPayload) MarshalJSON() ([]byte, error) {
	if p.Detail == nil {
		return []byte("null"), nil
	}
	return encodeTagged(p.Detail)
}

func (p *DetailPayload) UnmarshalJSON(data []byte) error {
	v, err := decodeTagged(data, func(t InstanceType) Tagged {
		if d := NewUsageDetail(t); d != nil {
			return d
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Detail = nil
	if v != nil {
		p.Detail = v.(UsageDetail)
	}
	return nil
}

// Scan implements the sql.Scanner interface
func (p *DetailPayload) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return p.UnmarshalJSON(data)
}

// Value implements the driver.Valuer interface
func (p DetailPayload) Value() (driver.Value, error) {
	if p.Detail == nil {
		return nil, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// ResourceUsageEvent is one append-only consumption record.
type ResourceUsageEvent struct {
	ID         string        `gorm:"type:varchar(64);primaryKey" json:"id"`
	UserID     *string       `gorm:"type:varchar(64);index:idx_usage_user_created,priority:1" json:"user_id"`
	InstanceID *string       `gorm:"type:varchar(64);index:idx_usage_instance_created,priority:1" json:"instance_id"`
	Type       InstanceType  `gorm:"type:varchar(32);not null;index:idx_usage_type_created,priority:1" json:"type"`
	Text       *string       `gorm:"type:text" json:"text,omitempty"`
	TextBytes  *int          `json:"text_bytes,omitempty"`
	Detail     DetailPayload `gorm:"type:jsonb;not null" json:"detail"`
	CreatedAt  time.Time     `gorm:"not null;index:idx_usage_type_created,priority:2;index:idx_usage_user_created,priority:2;index:idx_usage_instance_created,priority:2" json:"created_at"`
}

func (ResourceUsageEvent) TableName() string {
	return "resource_usage_events"
}

// Validate checks the detail discriminant against the event type.
func (e *ResourceUsageEvent) Validate() error {
	if !e.Type.Valid() {
		return errors.Invalid("unknown usage type " + string(e.Type))
	}
	if e.Detail.Detail == nil {
		return errors.Invalid("usage detail is required")
	}
	return CheckTag(e.Type, e.Detail.Detail)
}

func (e *ResourceUsageEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.Text != nil && e.TextBytes == nil {
		n := len(*e.Text)
		e.TextBytes = &n
	}
	return e.Validate()
}
