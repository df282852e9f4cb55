package models

import "time"

// Reply-order policies decide how speakers are activated when a round starts.
const (
	ReplyOrderList    = "list"    // cyclic fixed order by participant position
	ReplyOrderNatural = "natural" // mention- and talkativeness-weighted
	ReplyOrderPooled  = "pooled"  // one random speaker from the eligible pool
	ReplyOrderManual  = "manual"  // never auto-activates; force-talk only
)

// Input-concurrency policies govern how a new human message is admitted
// relative to existing runs.
const (
	InputPolicyReject  = "reject"  // refuse input while any run is queued or running
	InputPolicyRestart = "restart" // soft-cancel the running run, supersede the queued one
	InputPolicyQueue   = "queue"   // always admit; cancel only the queued run
)

// Conversation owns a single logical message timeline and at most one
// active round of scheduled speakers.
type Conversation struct {
	ID          string `gorm:"primaryKey;size:32"`
	Title       string `gorm:"size:256"`
	ReplyOrder  string `gorm:"size:16;default:list"`
	InputPolicy string `gorm:"size:16;default:queue"`
	AutoMode    bool   `gorm:"default:false"`
	NextSeq     int64  `gorm:"default:1"`
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Participants []Participant `gorm:"foreignKey:ConversationID"`
}

// Participant kinds.
const (
	SpeakerHuman = "human"
	SpeakerAI    = "ai"
)

// Participant is a conversation membership row. Position fixes the list
// order; Talkativeness (0..100) weighs natural activation.
type Participant struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID string `gorm:"size:32;not null;index"`
	SpeakerID      string `gorm:"size:32;not null;index"`
	Name           string `gorm:"size:128;not null"`
	Kind           string `gorm:"size:8;default:ai"`
	Position       int    `gorm:"not null"`
	Talkativeness  int    `gorm:"default:50"`
	Muted          bool   `gorm:"default:false"`
	CreatedAt      time.Time
	RemovedAt      *time.Time
}

// Eligible reports whether the participant can be activated as a speaker.
func (p *Participant) Eligible() bool {
	return p.Kind == SpeakerAI && !p.Muted && p.RemovedAt == nil
}
