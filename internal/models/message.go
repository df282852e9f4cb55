package models

import "time"

// Message roles.
const (
	RoleHuman  = "human"
	RoleAI     = "ai"
	RoleSystem = "system"
)

// Message is one timeline entry. Seq is a monotonically increasing
// per-conversation sequence number assigned transactionally on insert.
// Hidden messages are excluded from the scheduler-visible tail.
type Message struct {
	ID             string  `gorm:"primaryKey;size:32"`
	ConversationID string  `gorm:"size:32;not null;index:idx_conv_seq"`
	Seq            int64   `gorm:"not null;index:idx_conv_seq"`
	SpeakerID      string  `gorm:"size:32"`
	Role           string  `gorm:"size:8;default:human"`
	Body           string  `gorm:"type:text"`
	Hidden         bool    `gorm:"default:false;index"`
	RunID          *string `gorm:"size:32"`
	RoundID        *string `gorm:"size:32"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
