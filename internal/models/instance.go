package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"broker-api/internal/pkg/errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InstanceConfig is the type-tagged configuration of a service instance.
type InstanceConfig interface {
	Tagged
	// GatewaySecret is the shared secret the upstream agent presents to
	// the instance's gateway.
	GatewaySecret() string
}

// AccountConfig is implemented by configs whose upstream account section can
// be replaced through the gateway.
type AccountConfig interface {
	InstanceConfig
	// WithAccount returns a copy of the config with the account section
	// decoded from data.
	WithAccount(data []byte) (InstanceConfig, error)
}

type ChatGPTAccount struct {
	Email     string     `json:"email"`
	Plus      bool       `json:"plus"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ChatGPTSharedConfig struct {
	Secret  string          `json:"secret"`
	Account *ChatGPTAccount `json:"account,omitempty"`
}

func (ChatGPTSharedConfig) InstanceType() InstanceType { return InstanceTypeChatGPTShared }
func (c ChatGPTSharedConfig) GatewaySecret() string   { return c.Secret }

func (c ChatGPTSharedConfig) WithAccount(data []byte) (InstanceConfig, error) {
	var account ChatGPTAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, errors.Invalid("malformed chatgpt account: " + err.Error())
	}
	c.Account = &account
	return &c, nil
}

type PoeAccount struct {
	Email       string     `json:"email"`
	PointsUsed  int64      `json:"points_used"`
	PointsTotal int64      `json:"points_total"`
	ResetAt     *time.Time `json:"reset_at,omitempty"`
}

type PoeConfig struct {
	Secret  string      `json:"secret"`
	Account *PoeAccount `json:"account,omitempty"`
}

func (PoeConfig) InstanceType() InstanceType { return InstanceTypePoe }
func (c PoeConfig) GatewaySecret() string   { return c.Secret }

func (c PoeConfig) WithAccount(data []byte) (InstanceConfig, error) {
	var account PoeAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, errors.Invalid("malformed poe account: " + err.Error())
	}
	c.Account = &account
	return &c, nil
}

type MeteredAPIQuota struct {
	RemainingTokens int64 `json:"remaining_tokens"`
}

type MeteredAPIConfig struct {
	Secret  string          `json:"secret"`
	BaseURL string          `json:"base_url,omitempty"`
	Quota   MeteredAPIQuota `json:"quota"`
}

func (MeteredAPIConfig) InstanceType() InstanceType { return InstanceTypeMeteredAPI }
func (c MeteredAPIConfig) GatewaySecret() string   { return c.Secret }

func (c MeteredAPIConfig) WithAccount(data []byte) (InstanceConfig, error) {
	var quota MeteredAPIQuota
	if err := json.Unmarshal(data, &quota); err != nil {
		return nil, errors.Invalid("malformed api quota: " + err.Error())
	}
	c.Quota = quota
	return &c, nil
}

type ClaudeSharedConfig struct {
	Secret string `json:"secret"`
}

func (ClaudeSharedConfig) InstanceType() InstanceType { return InstanceTypeClaudeShared }
func (c ClaudeSharedConfig) GatewaySecret() string   { return c.Secret }

// NewInstanceConfig returns an empty config variant for t, ready to be
// decoded into.
func NewInstanceConfig(t InstanceType) InstanceConfig {
	switch t {
	case InstanceTypeChatGPTShared:
		return &ChatGPTSharedConfig{}
	case InstanceTypePoe:
		return &PoeConfig{}
	case InstanceTypeMeteredAPI:
		return &MeteredAPIConfig{}
	case InstanceTypeClaudeShared:
		return &ClaudeSharedConfig{}
	}
	return nil
}

// ConfigPayload stores an InstanceConfig in a jsonb column.
type ConfigPayload struct {
	Config InstanceConfig
}

func (p ConfigPayload) MarshalJSON() ([]byte, error) {
	if p.Config == nil {
		return []byte("null"), nil
	}
	return encodeTagged(p.Config)
}

func (p *ConfigPayload) UnmarshalJSON(data []byte) error {
	v, err := decodeTagged(data, func(t InstanceType) Tagged {
		if c := NewInstanceConfig(t); c != nil {
			return c
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.Config = nil
	if v != nil {
		p.Config = v.(InstanceConfig)
	}
	return nil
}

// Scan implements the sql.Scanner interface
func (p *ConfigPayload) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return p.UnmarshalJSON(data)
}

// Value implements the driver.Valuer interface
func (p ConfigPayload) Value() (driver.Value, error) {
	if p.Config == nil {
		return nil, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

type ServiceInstance struct {
	ID          string        `gorm:"type:varchar(64);primaryKey" json:"id"`
	Type        InstanceType  `gorm:"type:varchar(32);not null;index" json:"type"`
	Name        string        `gorm:"type:varchar(255);uniqueIndex;not null" json:"name"`
	Description string        `gorm:"type:text" json:"description"`
	URL         *string       `gorm:"type:varchar(512)" json:"url,omitempty"`
	Config      ConfigPayload `gorm:"type:jsonb" json:"config"`
	CreatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt   time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (ServiceInstance) TableName() string {
	return "service_instances"
}

// Validate checks the closed type and the config discriminant.
func (i *ServiceInstance) Validate() error {
	if !i.Type.Valid() {
		return errors.Invalid("unknown instance type " + string(i.Type))
	}
	if i.Name == "" {
		return errors.Invalid("instance name is required")
	}
	return CheckTag(i.Type, i.Config.Config)
}

// Secret returns the gateway secret or "" when the instance has none.
func (i *ServiceInstance) Secret() string {
	if i.Config.Config == nil {
		return ""
	}
	return i.Config.Config.GatewaySecret()
}

func (i *ServiceInstance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == "" {
		i.ID = uuid.NewString()
	}
	now := time.Now()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}
	if i.UpdatedAt.IsZero() {
		i.UpdatedAt = now
	}
	return i.Validate()
}

func (i *ServiceInstance) BeforeUpdate(tx *gorm.DB) error {
	i.UpdatedAt = time.Now()
	return nil
}
