package models

import "time"

// Round statuses.
const (
	RoundActive     = "active"
	RoundFinished   = "finished"
	RoundSuperseded = "superseded"
	RoundCanceled   = "canceled"
)

// Scheduling states, meaningful only while the round is active.
const (
	SchedGenerating = "generating"
	SchedPaused     = "paused"
	SchedFailed     = "failed"
)

// Round is one scheduling episode. Its speaker queue (RoundSlot rows) is
// computed exactly once at round start and never recomputed mid-round, even
// if participants change — this keeps turn order deterministic.
type Round struct {
	ID               string `gorm:"primaryKey;size:32"`
	ConversationID   string `gorm:"size:32;not null;index"`
	Status           string `gorm:"size:16;default:active;index"`
	SchedState       string `gorm:"size:16;default:generating"`
	CurrentPosition  int    `gorm:"default:0"`
	TriggerMessageID string `gorm:"size:32"`
	Metadata         string `gorm:"type:json"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
	EndedAt          *time.Time

	Slots []RoundSlot `gorm:"foreignKey:RoundID"`
}

// RoundSlot statuses.
const (
	SlotPending = "pending"
	SlotSpoken  = "spoken"
	SlotSkipped = "skipped"
)

// RoundSlot is one queue slot of a round. Positions are dense and 0-based;
// the same speaker may occupy more than one slot when inserted manually.
// Ordered by Position, these rows are the authoritative queue.
type RoundSlot struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RoundID   string `gorm:"size:32;not null;index"`
	Position  int    `gorm:"not null"`
	SpeakerID string `gorm:"size:32;not null"`
	Status    string `gorm:"size:16;default:pending"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
