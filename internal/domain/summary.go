package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ConversationSummary is produced by an external summarization process and
// consumed read-only here.
type ConversationSummary struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ChannelID string    `gorm:"column:channel_id;not null;index" json:"channel_id"`

	PeriodStart time.Time `gorm:"column:period_start;not null" json:"period_start"`
	PeriodEnd   time.Time `gorm:"column:period_end;not null;index" json:"period_end"`

	Summary   string         `gorm:"column:summary;type:text;not null;default:''" json:"summary"`
	KeyTopics datatypes.JSON `gorm:"type:jsonb;column:key_topics;not null;default:'[]'" json:"key_topics,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
}

func (ConversationSummary) TableName() string { return "conversation_summary" }
