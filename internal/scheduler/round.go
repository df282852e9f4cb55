package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/greenroom/internal/activation"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// StartRound computes the speaker queue for a new round and schedules its
// first slot. The queue is persisted once, here, and never recomputed: a
// participant who joins, leaves, or is muted mid-round does not change the
// running order.
func (s *Scheduler) StartRound(conversationID string, trigger activation.Trigger) (Outcome, error) {
	var p pending
	outcome := OutcomeStarted
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active != nil {
			return ErrActiveRoundExists
		}
		o, err := s.startRoundLocked(tx, &conv, trigger, &p)
		outcome = o
		return err
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// startRoundLocked creates the round, its slots, and the first queued run.
// Callers hold the conversation lock and have verified no round is active.
func (s *Scheduler) startRoundLocked(tx *gorm.DB, conv *models.Conversation, trigger activation.Trigger, p *pending) (Outcome, error) {
	parts, err := store.EligibleParticipants(tx, conv.ID)
	if err != nil {
		return NoopIdle, err
	}
	speakers, err := activation.Activate(conv.ReplyOrder, parts, trigger)
	if errors.Is(err, activation.ErrNoEligibleSpeakers) {
		return OutcomeNoEligibleSpeakers, nil
	}
	if err != nil {
		return NoopIdle, err
	}

	roundID, err := store.GenerateID("round")
	if err != nil {
		return NoopIdle, err
	}
	round := &models.Round{
		ID:               roundID,
		ConversationID:   conv.ID,
		Status:           models.RoundActive,
		SchedState:       models.SchedGenerating,
		CurrentPosition:  0,
		TriggerMessageID: triggerMessageID(tx, conv.ID),
		Metadata:         "{}",
	}
	if err := tx.Create(round).Error; err != nil {
		return NoopIdle, fmt.Errorf("scheduler: create round: %w", err)
	}
	for i, speakerID := range speakers {
		slot := &models.RoundSlot{
			RoundID:   roundID,
			Position:  i,
			SpeakerID: speakerID,
			Status:    models.SlotPending,
		}
		if err := tx.Create(slot).Error; err != nil {
			return NoopIdle, fmt.Errorf("scheduler: create slot %d: %w", i, err)
		}
	}

	first, err := store.SlotAt(tx, roundID, 0)
	if err != nil {
		return NoopIdle, err
	}
	if _, err := s.scheduleSlot(tx, conv, round, first, true, p); err != nil {
		return NoopIdle, err
	}
	p.rounds = append(p.rounds, notify.RoundEvent{
		ConversationID: conv.ID,
		RoundID:        roundID,
		Status:         models.RoundActive,
		SchedState:     models.SchedGenerating,
	})
	return OutcomeStarted, nil
}

// triggerMessageID resolves the visible tail at round start; empty for an
// empty timeline.
func triggerMessageID(tx *gorm.DB, conversationID string) string {
	tail, err := store.SchedulerVisibleTail(tx, conversationID)
	if err != nil || tail == nil {
		return ""
	}
	return tail.ID
}

// ScheduleSpeaker queues a run for the given round position. Exposed for
// operational use; round advancement calls scheduleSlot directly.
func (s *Scheduler) ScheduleSpeaker(conversationID, roundID string, position int) (*models.Run, error) {
	var run *models.Run
	var p pending
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil || active.ID != roundID {
			return ErrStaleRound
		}
		slot, err := store.SlotAt(tx, roundID, position)
		if err != nil {
			return err
		}
		if slot == nil {
			return fmt.Errorf("scheduler: round %s has no slot %d", roundID, position)
		}
		run, err = s.scheduleSlot(tx, &conv, active, slot, true, &p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(&p)
	return run, nil
}

// scheduleSlot creates the queued run for a slot, first canceling any run
// already queued for the conversation (single-slot queue). The new run
// records the current visible tail as its staleness guard and, when debounce
// is set, delays eligibility so rapid human input coalesces.
func (s *Scheduler) scheduleSlot(tx *gorm.DB, conv *models.Conversation, round *models.Round, slot *models.RoundSlot, debounce bool, p *pending) (*models.Run, error) {
	if err := s.cancelQueuedRun(tx, conv.ID, p); err != nil {
		return nil, err
	}

	runID, err := store.GenerateID("run")
	if err != nil {
		return nil, err
	}
	runAfter := time.Now()
	if debounce {
		runAfter = runAfter.Add(s.debounce)
	}
	run := &models.Run{
		ID:                    runID,
		ConversationID:        conv.ID,
		RoundID:               &round.ID,
		SpeakerID:             slot.SpeakerID,
		Kind:                  models.RunAutoResponse,
		Status:                models.RunQueued,
		RunAfter:              runAfter,
		ExpectedTailMessageID: triggerMessageID(tx, conv.ID),
	}
	if err := tx.Create(run).Error; err != nil {
		return nil, fmt.Errorf("scheduler: create run: %w", err)
	}
	p.enqueueRun(runID)
	p.runs = append(p.runs, notify.RunEvent{
		ConversationID: conv.ID,
		RunID:          runID,
		SpeakerID:      slot.SpeakerID,
		Kind:           models.RunAutoResponse,
		Status:         models.RunQueued,
	})
	return run, nil
}

// cancelQueuedRun cancels the conversation's queued run if one exists.
func (s *Scheduler) cancelQueuedRun(tx *gorm.DB, conversationID string, p *pending) error {
	queued, err := store.QueuedRun(tx, conversationID)
	if err != nil {
		return err
	}
	if queued == nil {
		return nil
	}
	now := time.Now()
	if err := tx.Model(&models.Run{}).Where("id = ? AND status = ?", queued.ID, models.RunQueued).
		Updates(map[string]interface{}{"status": models.RunCanceled, "ended_at": now}).Error; err != nil {
		return fmt.Errorf("scheduler: cancel queued run %s: %w", queued.ID, err)
	}
	p.runs = append(p.runs, notify.RunEvent{
		ConversationID: conversationID,
		RunID:          queued.ID,
		SpeakerID:      queued.SpeakerID,
		Kind:           queued.Kind,
		Status:         models.RunCanceled,
	})
	return nil
}

// StopRound terminally cancels the active round and its queued run. A
// running run is left to finish; stopping it is a separate soft-cancel.
func (s *Scheduler) StopRound(conversationID string) (Outcome, error) {
	var p pending
	outcome := OutcomeStopped
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil {
			outcome = NoopNoActiveRound
			return nil
		}
		return s.stopRoundLocked(tx, active, &p)
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// stopRoundLocked cancels the round and its queued run inside the caller's
// transaction.
func (s *Scheduler) stopRoundLocked(tx *gorm.DB, round *models.Round, p *pending) error {
	if err := s.cancelQueuedRun(tx, round.ConversationID, p); err != nil {
		return err
	}
	now := time.Now()
	if err := tx.Model(&models.Round{}).Where("id = ?", round.ID).
		Updates(map[string]interface{}{"status": models.RoundCanceled, "ended_at": now}).Error; err != nil {
		return fmt.Errorf("scheduler: cancel round %s: %w", round.ID, err)
	}
	p.rounds = append(p.rounds, notify.RoundEvent{
		ConversationID: round.ConversationID,
		RoundID:        round.ID,
		Status:         models.RoundCanceled,
		SchedState:     round.SchedState,
		Position:       round.CurrentPosition,
	})
	return nil
}

// supersedeRoundLocked abandons a round displaced by fresh human input. The
// round keeps its slots and cursor for postmortem inspection but is no
// longer active.
func (s *Scheduler) supersedeRoundLocked(tx *gorm.DB, round *models.Round, p *pending) error {
	if err := s.cancelQueuedRun(tx, round.ConversationID, p); err != nil {
		return err
	}
	now := time.Now()
	if err := tx.Model(&models.Round{}).Where("id = ?", round.ID).
		Updates(map[string]interface{}{"status": models.RoundSuperseded, "ended_at": now}).Error; err != nil {
		return fmt.Errorf("scheduler: supersede round %s: %w", round.ID, err)
	}
	p.rounds = append(p.rounds, notify.RoundEvent{
		ConversationID: round.ConversationID,
		RoundID:        round.ID,
		Status:         models.RoundSuperseded,
		SchedState:     round.SchedState,
		Position:       round.CurrentPosition,
	})
	return nil
}

// finishRoundLocked marks the round finished once its queue is exhausted.
func (s *Scheduler) finishRoundLocked(tx *gorm.DB, round *models.Round, p *pending) error {
	now := time.Now()
	if err := tx.Model(&models.Round{}).Where("id = ?", round.ID).
		Updates(map[string]interface{}{"status": models.RoundFinished, "ended_at": now}).Error; err != nil {
		return fmt.Errorf("scheduler: finish round %s: %w", round.ID, err)
	}
	p.rounds = append(p.rounds, notify.RoundEvent{
		ConversationID: round.ConversationID,
		RoundID:        round.ID,
		Status:         models.RoundFinished,
		SchedState:     round.SchedState,
		Position:       round.CurrentPosition,
	})
	return nil
}
