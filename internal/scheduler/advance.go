package scheduler

import (
	"fmt"
	"time"

	"github.com/zulandar/greenroom/internal/activation"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// PostHumanMessage admits a human message under the conversation's
// input-concurrency policy, appends it to the timeline, and advances the
// turn state — all in one locked transaction. This is the explicit command
// at the message-creation boundary: nothing schedules off record creation
// implicitly.
func (s *Scheduler) PostHumanMessage(conversationID, speakerID, body string) (Outcome, *models.Message, error) {
	var p pending
	var msg *models.Message
	outcome := OutcomeAdvanced
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		if err := s.admit(tx, &conv, &p); err != nil {
			return err
		}
		var err error
		msg, err = store.AppendMessage(tx, &models.Message{
			ConversationID: conversationID,
			SpeakerID:      speakerID,
			Role:           models.RoleHuman,
			Body:           body,
		})
		if err != nil {
			return err
		}
		outcome, err = s.advanceLocked(tx, &conv, msg, nil, &p)
		return err
	})
	if err != nil {
		return outcome, nil, err
	}
	s.flush(&p)
	return outcome, msg, nil
}

// admit applies the input-concurrency policy against existing runs.
func (s *Scheduler) admit(tx *gorm.DB, conv *models.Conversation, p *pending) error {
	queued, err := store.QueuedRun(tx, conv.ID)
	if err != nil {
		return err
	}
	running, err := store.RunningRun(tx, conv.ID)
	if err != nil {
		return err
	}
	switch conv.InputPolicy {
	case models.InputPolicyReject:
		if queued != nil || running != nil {
			return ErrInputRejected
		}
	case models.InputPolicyRestart:
		if running != nil {
			if err := s.softCancel(tx, running, p); err != nil {
				return err
			}
		}
		if queued != nil {
			if err := s.cancelQueuedRun(tx, conv.ID, p); err != nil {
				return err
			}
		}
	default: // queue: admit, cancel only the queued run
		if queued != nil {
			if err := s.cancelQueuedRun(tx, conv.ID, p); err != nil {
				return err
			}
		}
	}
	return nil
}

// softCancel records the cooperative cancellation signal on a running run.
// The executing worker observes it between heartbeats.
func (s *Scheduler) softCancel(tx *gorm.DB, run *models.Run, p *pending) error {
	if run.CancelRequestedAt != nil {
		return nil
	}
	now := time.Now()
	if err := tx.Model(&models.Run{}).Where("id = ? AND status = ?", run.ID, models.RunRunning).
		Update("cancel_requested_at", now).Error; err != nil {
		return fmt.Errorf("scheduler: soft-cancel run %s: %w", run.ID, err)
	}
	return nil
}

// AdvanceTurn advances the turn state for an already-persisted message. The
// worker calls this after committing a generated message; frontends call it
// for messages they persist themselves.
func (s *Scheduler) AdvanceTurn(conversationID, messageID string) (Outcome, error) {
	var p pending
	outcome := OutcomeAdvanced
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		var msg models.Message
		if err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&msg).Error; err != nil {
			return fmt.Errorf("scheduler: message %s: %w", messageID, err)
		}
		var fromRun *models.Run
		if msg.RunID != nil {
			var run models.Run
			if err := tx.Where("id = ?", *msg.RunID).First(&run).Error; err == nil {
				fromRun = &run
			}
		}
		o, err := s.advanceLocked(tx, &conv, &msg, fromRun, &p)
		outcome = o
		return err
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// advanceLocked is the turn-advancement state machine. msg is nil when the
// current speaker finished without producing output; fromRun is the
// completed run when advancement follows a run, nil for fresh input.
//
// Resolution order: stale/independent messages are ignored; a failed round
// blocks until explicit recovery; idle conversations may start a round;
// generating rounds advance and schedule; paused rounds advance bookkeeping
// only.
func (s *Scheduler) advanceLocked(tx *gorm.DB, conv *models.Conversation, msg *models.Message, fromRun *models.Run, p *pending) (Outcome, error) {
	active, err := store.ActiveRound(tx, conv.ID)
	if err != nil {
		return NoopIdle, err
	}

	// 1. Stale or independent messages never touch round state.
	if msg != nil && msg.RoundID != nil && (active == nil || *msg.RoundID != active.ID) {
		return NoopStaleMessage, nil
	}
	if fromRun != nil && fromRun.RoundID != nil && (active == nil || *fromRun.RoundID != active.ID) {
		return NoopStaleMessage, nil
	}
	if msg != nil && msg.RoundID == nil && msg.RunID != nil && active != nil {
		return NoopIndependent, nil
	}

	// 2. A failed round blocks auto-advancement until explicit recovery, or
	// until fresh human input abandons it and restarts from the new message.
	if active != nil && active.SchedState == models.SchedFailed {
		if msg == nil || fromRun != nil || msg.Role != models.RoleHuman {
			return NoopBlockedFailed, nil
		}
		if err := s.supersedeRoundLocked(tx, active, p); err != nil {
			return NoopIdle, err
		}
		return s.startRoundLocked(tx, conv, activation.Trigger{
			SpeakerID: msg.SpeakerID,
			Text:      msg.Body,
		}, p)
	}

	// 3. Idle: start a round when the trigger conditions are met.
	if active == nil {
		if msg == nil {
			return NoopIdle, nil
		}
		humanTrigger := msg.Role == models.RoleHuman
		autoRearm := conv.AutoMode && msg.Role == models.RoleAI
		if !humanTrigger && !autoRearm {
			return NoopIdle, nil
		}
		return s.startRoundLocked(tx, conv, activation.Trigger{
			SpeakerID: msg.SpeakerID,
			Text:      msg.Body,
		}, p)
	}

	current, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
	if err != nil {
		return NoopIdle, err
	}

	// Did the current slot's speaker just finish a round-managed run?
	completion := fromRun != nil && fromRun.RoundID != nil && *fromRun.RoundID == active.ID &&
		current != nil && fromRun.SpeakerID == current.SpeakerID

	if active.SchedState == models.SchedPaused {
		// 5. Paused: advance bookkeeping, never schedule.
		if !completion {
			return NoopPausedNoSched, nil
		}
		if err := s.markCurrentSlot(tx, active, current, msg != nil); err != nil {
			return NoopIdle, err
		}
		return OutcomeAdvanced, nil
	}

	// 4. Active and generating.
	if completion {
		return s.advanceAfterCompletion(tx, conv, active, current, msg, p)
	}
	return s.rescheduleAfterInterjection(tx, conv, active, p)
}

// advanceAfterCompletion marks the finished slot, moves the cursor, and
// either schedules the next slot or finishes the round.
func (s *Scheduler) advanceAfterCompletion(tx *gorm.DB, conv *models.Conversation, active *models.Round, current *models.RoundSlot, msg *models.Message, p *pending) (Outcome, error) {
	if err := s.markCurrentSlot(tx, active, current, msg != nil); err != nil {
		return NoopIdle, err
	}
	next, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
	if err != nil {
		return NoopIdle, err
	}
	if next != nil {
		// Next speaker follows an AI message; no debounce.
		if _, err := s.scheduleSlot(tx, conv, active, next, false, p); err != nil {
			return NoopIdle, err
		}
		return OutcomeAdvanced, nil
	}

	if err := s.finishRoundLocked(tx, active, p); err != nil {
		return NoopIdle, err
	}
	if conv.AutoMode && msg != nil {
		// Continuous mode re-arms immediately off the last message.
		o, err := s.startRoundLocked(tx, conv, activation.Trigger{
			SpeakerID: msg.SpeakerID,
			Text:      msg.Body,
		}, p)
		if err != nil {
			return o, err
		}
		if o == OutcomeStarted {
			return OutcomeStarted, nil
		}
	}
	return OutcomeFinished, nil
}

// rescheduleAfterInterjection handles a message that is not the current
// speaker's output, typically fresh human input mid-round. The stale queued
// run was already canceled by admission; schedule a replacement that
// captures the new tail. While the current slot's run is executing, the
// replacement targets the following slot so the running run is undisturbed.
func (s *Scheduler) rescheduleAfterInterjection(tx *gorm.DB, conv *models.Conversation, active *models.Round, p *pending) (Outcome, error) {
	running, err := store.RunningRun(tx, conv.ID)
	if err != nil {
		return NoopIdle, err
	}
	position := active.CurrentPosition
	if running != nil && running.RoundID != nil && *running.RoundID == active.ID {
		position++
	}
	slot, err := store.SlotAt(tx, active.ID, position)
	if err != nil {
		return NoopIdle, err
	}
	if slot == nil || slot.Status != models.SlotPending {
		return NoopNothingPending, nil
	}
	if _, err := s.scheduleSlot(tx, conv, active, slot, true, p); err != nil {
		return NoopIdle, err
	}
	return OutcomeScheduled, nil
}

// markCurrentSlot records the slot outcome (spoken when a message was
// produced, skipped otherwise) and moves the cursor forward.
func (s *Scheduler) markCurrentSlot(tx *gorm.DB, active *models.Round, current *models.RoundSlot, spoke bool) error {
	if current == nil {
		return nil
	}
	status := models.SlotSkipped
	if spoke {
		status = models.SlotSpoken
	}
	if err := tx.Model(&models.RoundSlot{}).Where("id = ?", current.ID).
		Update("status", status).Error; err != nil {
		return fmt.Errorf("scheduler: mark slot %d: %w", current.Position, err)
	}
	active.CurrentPosition++
	if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
		Update("current_position", active.CurrentPosition).Error; err != nil {
		return fmt.Errorf("scheduler: advance cursor: %w", err)
	}
	return nil
}

// roundEvent is a small helper for recovery commands reporting state
// changes.
func roundEvent(round *models.Round, status, schedState string) notify.RoundEvent {
	return notify.RoundEvent{
		ConversationID: round.ConversationID,
		RoundID:        round.ID,
		Status:         status,
		SchedState:     schedState,
		Position:       round.CurrentPosition,
	}
}
