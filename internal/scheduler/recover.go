package scheduler

import (
	"encoding/json"
	"fmt"

	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// PauseRound halts auto-advancement: generating → paused, queued run
// canceled. A running run is left to finish; pausing is not a cancel.
func (s *Scheduler) PauseRound(conversationID, reason string) (Outcome, error) {
	var p pending
	outcome := OutcomePaused
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil {
			outcome = NoopNoActiveRound
			return nil
		}
		switch active.SchedState {
		case models.SchedPaused:
			outcome = NoopAlreadyPaused
			return nil
		case models.SchedFailed:
			return ErrRoundFailed
		}
		if err := s.cancelQueuedRun(tx, conversationID, &p); err != nil {
			return err
		}
		meta, _ := json.Marshal(map[string]string{"pause_reason": reason})
		if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
			Updates(map[string]interface{}{
				"sched_state": models.SchedPaused,
				"metadata":    string(meta),
			}).Error; err != nil {
			return fmt.Errorf("scheduler: pause round %s: %w", active.ID, err)
		}
		p.rounds = append(p.rounds, roundEvent(active, models.RoundActive, models.SchedPaused))
		return nil
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// ResumeRound restarts auto-advancement: paused → generating, scheduling the
// current speaker immediately (no debounce). It refuses while a live run
// exists so a resume can never double-book a speaker.
func (s *Scheduler) ResumeRound(conversationID string) (Outcome, error) {
	var p pending
	outcome := OutcomeResumed
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil {
			outcome = NoopNoActiveRound
			return nil
		}
		if active.SchedState != models.SchedPaused {
			outcome = NoopNotPaused
			return nil
		}
		if err := s.requireNoLiveRun(tx, conversationID); err != nil {
			return err
		}
		if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
			Update("sched_state", models.SchedGenerating).Error; err != nil {
			return fmt.Errorf("scheduler: resume round %s: %w", active.ID, err)
		}
		active.SchedState = models.SchedGenerating
		p.rounds = append(p.rounds, roundEvent(active, models.RoundActive, models.SchedGenerating))

		slot, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
		if err != nil {
			return err
		}
		if slot == nil {
			// Queue exhausted while paused; the round is done.
			outcome = OutcomeFinished
			return s.finishRoundLocked(tx, active, &p)
		}
		_, err = s.scheduleSlot(tx, &conv, active, slot, false, &p)
		return err
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// SkipCurrentSpeaker marks the current slot skipped and schedules the next.
// With a running run for the slot it refuses unless force is set, which
// soft-cancels the run first.
func (s *Scheduler) SkipCurrentSpeaker(conversationID string, force bool) (Outcome, error) {
	var p pending
	outcome := OutcomeSkipped
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil {
			outcome = NoopNoActiveRound
			return nil
		}
		current, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
		if err != nil {
			return err
		}
		if current == nil {
			outcome = NoopNothingPending
			return nil
		}

		running, err := store.RunningRun(tx, conversationID)
		if err != nil {
			return err
		}
		if running != nil && running.SpeakerID == current.SpeakerID {
			if !force {
				return ErrBlockedActiveRun
			}
			if err := s.softCancel(tx, running, &p); err != nil {
				return err
			}
		}
		if err := s.cancelQueuedRun(tx, conversationID, &p); err != nil {
			return err
		}
		if err := s.markCurrentSlot(tx, active, current, false); err != nil {
			return err
		}

		// Skipping out of a failure resumes generation.
		if active.SchedState == models.SchedFailed {
			if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
				Update("sched_state", models.SchedGenerating).Error; err != nil {
				return fmt.Errorf("scheduler: clear failed state: %w", err)
			}
			active.SchedState = models.SchedGenerating
		}

		next, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
		if err != nil {
			return err
		}
		if next == nil {
			outcome = OutcomeFinished
			return s.finishRoundLocked(tx, active, &p)
		}
		if active.SchedState == models.SchedPaused {
			// Bookkeeping advanced, but a paused round never schedules.
			return nil
		}
		_, err = s.scheduleSlot(tx, &conv, active, next, false, &p)
		return err
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// RetryCurrentSpeaker recovers a failed round by rescheduling the same
// speaker at the same position — not a restart from slot zero.
func (s *Scheduler) RetryCurrentSpeaker(conversationID string) (Outcome, error) {
	var p pending
	outcome := OutcomeRetried
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", conversationID, err)
		}
		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		if active == nil {
			outcome = NoopNoActiveRound
			return nil
		}
		if active.SchedState != models.SchedFailed {
			outcome = NoopNotFailed
			return nil
		}
		if err := s.requireNoLiveRun(tx, conversationID); err != nil {
			return err
		}
		slot, err := store.SlotAt(tx, active.ID, active.CurrentPosition)
		if err != nil {
			return err
		}
		if slot == nil {
			outcome = OutcomeFinished
			return s.finishRoundLocked(tx, active, &p)
		}
		if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
			Update("sched_state", models.SchedGenerating).Error; err != nil {
			return fmt.Errorf("scheduler: retry round %s: %w", active.ID, err)
		}
		active.SchedState = models.SchedGenerating
		p.rounds = append(p.rounds, roundEvent(active, models.RoundActive, models.SchedGenerating))
		_, err = s.scheduleSlot(tx, &conv, active, slot, false, &p)
		return err
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// requireNoLiveRun returns ErrBlockedActiveRun if a queued or running run
// exists for the conversation.
func (s *Scheduler) requireNoLiveRun(tx *gorm.DB, conversationID string) error {
	queued, err := store.QueuedRun(tx, conversationID)
	if err != nil {
		return err
	}
	running, err := store.RunningRun(tx, conversationID)
	if err != nil {
		return err
	}
	if queued != nil || running != nil {
		return ErrBlockedActiveRun
	}
	return nil
}

// handleFailureLocked applies the failure protocol for a round-managed run:
// the round keeps its identity, cursor, and queue so a retry resumes exactly
// where generation stopped, while auto mode is disabled as a safety measure.
// Independent runs fail locally and never reach here.
func (s *Scheduler) handleFailureLocked(tx *gorm.DB, run *models.Run, p *pending) error {
	if run.RoundID == nil {
		return nil
	}
	active, err := store.ActiveRound(tx, run.ConversationID)
	if err != nil {
		return err
	}
	if active == nil || active.ID != *run.RoundID {
		// The round moved on; nothing to poison.
		return nil
	}
	if err := s.cancelQueuedRun(tx, run.ConversationID, p); err != nil {
		return err
	}
	if err := tx.Model(&models.Round{}).Where("id = ?", active.ID).
		Update("sched_state", models.SchedFailed).Error; err != nil {
		return fmt.Errorf("scheduler: mark round %s failed: %w", active.ID, err)
	}
	if err := tx.Model(&models.Conversation{}).Where("id = ?", run.ConversationID).
		Update("auto_mode", false).Error; err != nil {
		return fmt.Errorf("scheduler: disable auto mode: %w", err)
	}
	p.rounds = append(p.rounds, roundEvent(active, models.RoundActive, models.SchedFailed))
	return nil
}

// PauseReason extracts the recorded pause reason from round metadata.
func PauseReason(round *models.Round) string {
	var meta map[string]string
	if err := json.Unmarshal([]byte(round.Metadata), &meta); err != nil {
		return ""
	}
	return meta["pause_reason"]
}
