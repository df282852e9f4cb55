package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/greenroom/internal/models"
	"gorm.io/gorm"
)

// ActiveRound returns the conversation's active round, or nil if it is idle.
func ActiveRound(tx *gorm.DB, conversationID string) (*models.Round, error) {
	var round models.Round
	err := tx.Where("conversation_id = ? AND status = ?", conversationID, models.RoundActive).
		First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active round for %s: %w", conversationID, err)
	}
	return &round, nil
}

// QueuedRun returns the conversation's queued run, or nil. The single-slot
// invariant keeps this at most one row.
func QueuedRun(tx *gorm.DB, conversationID string) (*models.Run, error) {
	return runByStatus(tx, conversationID, models.RunQueued)
}

// RunningRun returns the conversation's running run, or nil.
func RunningRun(tx *gorm.DB, conversationID string) (*models.Run, error) {
	return runByStatus(tx, conversationID, models.RunRunning)
}

func runByStatus(tx *gorm.DB, conversationID, status string) (*models.Run, error) {
	var run models.Run
	err := tx.Where("conversation_id = ? AND status = ?", conversationID, status).
		Order("created_at DESC").
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: %s run for %s: %w", status, conversationID, err)
	}
	return &run, nil
}

// RunByID returns the run with the given ID, or nil if unknown.
func RunByID(tx *gorm.DB, runID string) (*models.Run, error) {
	var run models.Run
	err := tx.Where("id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: run %s: %w", runID, err)
	}
	return &run, nil
}

// DueQueuedRuns returns queued runs whose debounce window has elapsed,
// oldest first. Workers poll this alongside the execution queue so a
// dropped queue notification only delays pickup.
func DueQueuedRuns(tx *gorm.DB, now time.Time, limit int) ([]models.Run, error) {
	var runs []models.Run
	q := tx.Where("status = ? AND run_after <= ?", models.RunQueued, now).
		Order("run_after ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("store: due queued runs: %w", err)
	}
	return runs, nil
}

// StaleRunningRuns returns running runs whose heartbeat is older than
// cutoff. The reaper fails these as a last-resort safety net.
func StaleRunningRuns(tx *gorm.DB, cutoff time.Time) ([]models.Run, error) {
	var runs []models.Run
	if err := tx.Where("status = ? AND heartbeat_at < ?", models.RunRunning, cutoff).
		Order("heartbeat_at ASC").
		Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("store: stale running runs: %w", err)
	}
	return runs, nil
}

// SchedulerVisibleTail returns the newest non-hidden message of the
// conversation, or nil for an empty timeline. This is the epoch marker the
// staleness guard compares against.
func SchedulerVisibleTail(tx *gorm.DB, conversationID string) (*models.Message, error) {
	var msg models.Message
	err := tx.Where("conversation_id = ? AND hidden = ?", conversationID, false).
		Order("seq DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: visible tail for %s: %w", conversationID, err)
	}
	return &msg, nil
}

// RoundSlots returns a round's queue slots ordered by position.
func RoundSlots(tx *gorm.DB, roundID string) ([]models.RoundSlot, error) {
	var slots []models.RoundSlot
	if err := tx.Where("round_id = ?", roundID).Order("position ASC").Find(&slots).Error; err != nil {
		return nil, fmt.Errorf("store: slots for round %s: %w", roundID, err)
	}
	return slots, nil
}

// SlotAt returns the round's slot at the given position, or nil past the end.
func SlotAt(tx *gorm.DB, roundID string, position int) (*models.RoundSlot, error) {
	var slot models.RoundSlot
	err := tx.Where("round_id = ? AND position = ?", roundID, position).First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: slot %d of round %s: %w", position, roundID, err)
	}
	return &slot, nil
}

// EligibleParticipants returns the conversation's activatable participants
// ordered by list position.
func EligibleParticipants(tx *gorm.DB, conversationID string) ([]models.Participant, error) {
	var parts []models.Participant
	err := tx.Where("conversation_id = ? AND kind = ? AND muted = ? AND removed_at IS NULL",
		conversationID, models.SpeakerAI, false).
		Order("position ASC").
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("store: eligible participants for %s: %w", conversationID, err)
	}
	return parts, nil
}

// NextSeq allocates the conversation's next message sequence number. It must
// run inside the conversation lock's transaction so numbers stay dense and
// monotonic.
func NextSeq(tx *gorm.DB, conversationID string) (int64, error) {
	var conv models.Conversation
	if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
		return 0, fmt.Errorf("store: next seq for %s: %w", conversationID, err)
	}
	seq := conv.NextSeq
	if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).
		Update("next_seq", seq+1).Error; err != nil {
		return 0, fmt.Errorf("store: bump seq for %s: %w", conversationID, err)
	}
	return seq, nil
}

// AppendMessage inserts a message with a transactionally assigned sequence
// number and a generated ID, returning the stored row.
func AppendMessage(tx *gorm.DB, msg *models.Message) (*models.Message, error) {
	if msg.ConversationID == "" {
		return nil, fmt.Errorf("store: message conversation id is required")
	}
	seq, err := NextSeq(tx, msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if msg.ID == "" {
		id, err := GenerateID("msg")
		if err != nil {
			return nil, err
		}
		msg.ID = id
	}
	msg.Seq = seq
	if err := tx.Create(msg).Error; err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

// VisibleMessages returns the conversation's visible timeline in sequence
// order. A positive limit keeps only the newest limit messages.
func VisibleMessages(tx *gorm.DB, conversationID string, limit int) ([]models.Message, error) {
	q := tx.Where("conversation_id = ? AND hidden = ?", conversationID, false).Order("seq ASC")
	if limit > 0 {
		var total int64
		if err := tx.Model(&models.Message{}).
			Where("conversation_id = ? AND hidden = ?", conversationID, false).
			Count(&total).Error; err != nil {
			return nil, fmt.Errorf("store: count messages for %s: %w", conversationID, err)
		}
		if total > int64(limit) {
			q = q.Offset(int(total) - limit)
		}
	}
	var msgs []models.Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: messages for %s: %w", conversationID, err)
	}
	return msgs, nil
}

// ParticipantBySpeaker returns the conversation's participant row for a
// speaker, or nil when the speaker is not a member.
func ParticipantBySpeaker(tx *gorm.DB, conversationID, speakerID string) (*models.Participant, error) {
	var part models.Participant
	err := tx.Where("conversation_id = ? AND speaker_id = ?", conversationID, speakerID).First(&part).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: participant %s in %s: %w", speakerID, conversationID, err)
	}
	return &part, nil
}
