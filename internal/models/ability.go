package models

import (
	"database/sql/driver"
	"time"
)

// AbilityState is the type-tagged per-user state of an ability.
type AbilityState interface {
	Tagged
}

type ChatGPTSharedState struct {
	ConversationIDs []string `json:"conversation_ids"`
}

func (ChatGPTSharedState) InstanceType() InstanceType { return InstanceTypeChatGPTShared }

type PoeState struct {
	ChatIDs         []string `json:"chat_ids"`
	BotIDs          []string `json:"bot_ids"`
	AvailablePoints int64    `json:"available_points"`
}

func (PoeState) InstanceType() InstanceType { return InstanceTypePoe }

type MeteredAPIState struct {
	TagWhitelist []string `json:"tag_whitelist"`
}

func (MeteredAPIState) InstanceType() InstanceType { return InstanceTypeMeteredAPI }

// NewAbilityState returns an empty state variant for t, or nil when the type
// keeps no per-user state.
func NewAbilityState(t InstanceType) AbilityState {
	switch t {
	case InstanceTypeChatGPTShared:
		return &ChatGPTSharedState{}
	case InstanceTypePoe:
		return &PoeState{}
	case InstanceTypeMeteredAPI:
		return &MeteredAPIState{}
	}
	return nil
}

// DefaultAbilityState is the state a fresh grant starts from. It depends on
// the instance type only.
func DefaultAbilityState(t InstanceType) AbilityState {
	switch t {
	case InstanceTypeChatGPTShared:
		return &ChatGPTSharedState{ConversationIDs: []string{}}
	case InstanceTypePoe:
		return &PoeState{ChatIDs: []string{}, BotIDs: []string{}, AvailablePoints: 0}
	case InstanceTypeMeteredAPI:
		return &MeteredAPIState{TagWhitelist: []string{}}
	}
	return nil
}

// NormalizeState replaces nil slices with empty ones so the stored JSON
// never carries null lists.
func NormalizeState(s AbilityState) AbilityState {
	switch v := s.(type) {
	case *ChatGPTSharedState:
		if v.ConversationIDs == nil {
			v.ConversationIDs = []string{}
		}
	case *PoeState:
		if v.ChatIDs == nil {
			v.ChatIDs = []string{}
		}
		if v.BotIDs == nil {
			v.BotIDs = []string{}
		}
	case *MeteredAPIState:
		if v.TagWhitelist == nil {
			v.TagWhitelist = []string{}
		}
	}
	return s
}

// StatePayload stores an AbilityState in a nullable jsonb column.
type StatePayload struct {
	State AbilityState
}

func (p StatePayload) IsNull() bool {
	return p.State == nil
}

func (p StatePayload) MarshalJSON() ([]byte, error) {
	if p.State == nil {
		return []byte("null"), nil
	}
	return encodeTagged(p.State)
}

func (p *StatePayload) UnmarshalJSON(data []byte) error {
	v, err := decodeTagged(data, func(t InstanceType) Tagged {
		if s := NewAbilityState(t); s != nil {
			return s
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.State = nil
	if v != nil {
		p.State = v.(AbilityState)
	}
	return nil
}

// Scan implements the sql.Scanner interface
func (p *StatePayload) Scan(value interface{}) error {
	data, err := scanBytes(value)
	if err != nil {
		return err
	}
	return p.UnmarshalJSON(data)
}

// Value implements the driver.Valuer interface
func (p StatePayload) Value() (driver.Value, error) {
	if p.State == nil {
		return nil, nil
	}
	b, err := p.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// UserInstanceAbility is the grant of one instance to one user. The compound
// primary key keeps at most one row per pair.
type UserInstanceAbility struct {
	UserID     string       `gorm:"type:varchar(64);primaryKey" json:"user_id"`
	InstanceID string       `gorm:"type:varchar(64);primaryKey;index" json:"instance_id"`
	Token      string       `gorm:"type:varchar(128);uniqueIndex;not null" json:"token"`
	CanUse     bool         `gorm:"not null" json:"can_use"`
	State      StatePayload `gorm:"type:jsonb" json:"state"`
	CreatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

func (UserInstanceAbility) TableName() string {
	return "user_instance_abilities"
}
