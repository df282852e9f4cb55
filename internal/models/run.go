package models

import "time"

// Run kinds.
const (
	RunAutoResponse = "auto_response"
	RunUserTurn     = "user_turn"
	RunRegenerate   = "regenerate"
	RunForceTalk    = "force_talk"
)

// Run statuses.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
	RunSkipped   = "skipped"
)

// Error codes recorded on failed or skipped runs.
const (
	ErrCodeTailMismatch     = "expected_tail_mismatch"
	ErrCodeHeartbeatExpired = "heartbeat_expired"
	ErrCodeGeneration       = "generation_error"
)

// Run is one unit of generation work. RoundID is nil for regenerate and
// force_talk runs, which are intentionally isolated from round bookkeeping:
// their failure never corrupts a structured round.
type Run struct {
	ID             string  `gorm:"primaryKey;size:32"`
	ConversationID string  `gorm:"size:32;not null;index"`
	RoundID        *string `gorm:"size:32;index"`
	SpeakerID      string  `gorm:"size:32;not null"`
	Kind           string  `gorm:"size:16;default:auto_response"`
	Status         string  `gorm:"size:16;default:queued;index"`
	ClaimedBy      string  `gorm:"size:64"`

	// RunAfter is the earliest eligible execution time; it implements the
	// debounce window after human input.
	RunAfter time.Time

	// ExpectedTailMessageID is the scheduler-visible tail at schedule time.
	// The claimer compares it against the actual tail before generating and
	// skips the run on mismatch.
	ExpectedTailMessageID string `gorm:"size:32"`

	CancelRequestedAt *time.Time
	HeartbeatAt       *time.Time
	StartedAt         *time.Time
	EndedAt           *time.Time

	ErrorCode string `gorm:"size:32"`
	Error     string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoundManaged reports whether the run participates in round bookkeeping.
func (r *Run) RoundManaged() bool { return r.RoundID != nil }

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunSucceeded, RunFailed, RunCanceled, RunSkipped:
		return true
	}
	return false
}
