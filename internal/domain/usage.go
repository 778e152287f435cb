package domain

import (
	"time"

	"github.com/google/uuid"
)

// UsageRecord is an append-only record of one provider call. Rolled up into
// hourly/daily/model/operation aggregates with bounded retention.
type UsageRecord struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Model            string  `gorm:"column:model;not null;index" json:"model"`
	Operation        string  `gorm:"column:operation;not null;index" json:"operation"`
	PromptTokens     int     `gorm:"column:prompt_tokens;not null;default:0" json:"prompt_tokens"`
	CompletionTokens int     `gorm:"column:completion_tokens;not null;default:0" json:"completion_tokens"`
	CostUSD          float64 `gorm:"column:cost_usd;not null;default:0" json:"cost_usd"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (UsageRecord) TableName() string { return "usage_record" }

// TokenUsage is the per-call token accounting returned by providers.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u TokenUsage) Total() int { return u.PromptTokens + u.CompletionTokens }
