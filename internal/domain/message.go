package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Message is a persisted chat message. Rows are immutable once created; the
// embedding column is attached asynchronously by the backfill worker.
type Message struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ChannelID string    `gorm:"column:channel_id;not null;index" json:"channel_id"`
	SenderID  string    `gorm:"column:sender_id;not null;index" json:"sender_id"`

	Content  string `gorm:"column:content;type:text;not null;default:''" json:"content"`
	ThreadID string `gorm:"column:thread_id;not null;default:'';index" json:"thread_id,omitempty"`

	// Embedding is a JSONB float array; empty until the backfill worker runs.
	Embedding datatypes.JSON `gorm:"type:jsonb;column:embedding;not null;default:'[]'" json:"-"`

	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Message) TableName() string { return "message" }

// ScoredMessage pairs a message with its relevance breakdown for one search
// call. Never persisted.
type ScoredMessage struct {
	Msg           *Message `json:"message"`
	SemanticScore float64  `json:"semantic_score"`
	KeywordScore  float64  `json:"keyword_score"`
	RecencyWeight float64  `json:"recency_weight"`
	CombinedScore float64  `json:"combined_score"`
}
