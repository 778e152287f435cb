package domain

import (
	"time"

	"gorm.io/datatypes"
)

// UserProfile holds a free-text personality summary plus interest tags for a
// sender. Read for context enrichment; occasionally refreshed by a
// low-probability sampling step after a response.
type UserProfile struct {
	UserID string `gorm:"column:user_id;primaryKey" json:"user_id"`

	Personality string         `gorm:"column:personality;type:text;not null;default:''" json:"personality"`
	Interests   datatypes.JSON `gorm:"type:jsonb;column:interests;not null;default:'[]'" json:"interests,omitempty"`

	MessageCount int       `gorm:"column:message_count;not null;default:0" json:"message_count"`
	CreatedAt    time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (UserProfile) TableName() string { return "user_profile" }
