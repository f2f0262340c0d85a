package models

// InstanceType is the closed set of upstream service kinds an instance can
// broker. It tags instance configs, per-user ability state and usage detail.
type InstanceType string

const (
	InstanceTypeChatGPTShared InstanceType = "CHATGPT_SHARED"
	InstanceTypePoe           InstanceType = "POE"
	InstanceTypeMeteredAPI    InstanceType = "METERED_API"
	InstanceTypeClaudeShared  InstanceType = "CLAUDE_SHARED"
)

var InstanceTypes = []InstanceType{
	InstanceTypeChatGPTShared,
	InstanceTypePoe,
	InstanceTypeMeteredAPI,
	InstanceTypeClaudeShared,
}

func (t InstanceType) Valid() bool {
	for _, known := range InstanceTypes {
		if t == known {
			return true
		}
	}
	return false
}

// AccountPath is the gateway route an upstream agent uses to push the
// instance's account state. Empty when the type has no account section.
func (t InstanceType) AccountPath() string {
	switch t {
	case InstanceTypeChatGPTShared:
		return "/chatgpt-account"
	case InstanceTypePoe:
		return "/poe-account"
	case InstanceTypeMeteredAPI:
		return "/api-account"
	}
	return ""
}

// SumFields lists the numeric usage detail fields summed by windowed
// statistics.
func (t InstanceType) SumFields() []string {
	switch t {
	case InstanceTypeChatGPTShared:
		return []string{"message_count"}
	case InstanceTypePoe:
		return []string{"points"}
	case InstanceTypeMeteredAPI:
		return []string{"prompt_tokens", "completion_tokens", "total_tokens"}
	}
	return nil
}

// ModelField is the usage detail field grouped on by per-model statistics.
// Poe bots play the role of models.
func (t InstanceType) ModelField() string {
	if t == InstanceTypePoe {
		return "bot_id"
	}
	return "model"
}
