package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// ErrNoMessageToRegenerate is returned when the timeline holds no visible
// AI message to regenerate.
var ErrNoMessageToRegenerate = errors.New("scheduler: no visible AI message to regenerate")

// Regenerate discards the newest visible AI message and re-runs its
// speaker. The resulting run is independent (no round): its failure never
// poisons round state. Any active round is canceled first so the structured
// queue cannot race the ad-hoc operation.
func (s *Scheduler) Regenerate(conversationID string) (*models.Run, error) {
	var p pending
	var run *models.Run
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var last models.Message
		err := tx.Where("conversation_id = ? AND hidden = ? AND role = ?",
			conversationID, false, models.RoleAI).
			Order("seq DESC").First(&last).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNoMessageToRegenerate
		}
		if err != nil {
			return fmt.Errorf("scheduler: find last AI message: %w", err)
		}

		if err := s.prepareIndependent(tx, conversationID, &p); err != nil {
			return err
		}
		if err := tx.Model(&models.Message{}).Where("id = ?", last.ID).
			Update("hidden", true).Error; err != nil {
			return fmt.Errorf("scheduler: hide message %s: %w", last.ID, err)
		}
		run, err = s.createIndependentRun(tx, conversationID, last.SpeakerID, models.RunRegenerate, &p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(&p)
	return run, nil
}

// ForceTalk makes the named speaker produce the next message regardless of
// reply-order policy — the only activation path under manual ordering.
func (s *Scheduler) ForceTalk(conversationID, speakerID string) (*models.Run, error) {
	return s.independentRun(conversationID, speakerID, models.RunForceTalk)
}

// Impersonate asks the speaker's model to write the next message in the
// user's voice; the result is persisted with the human role.
func (s *Scheduler) Impersonate(conversationID, speakerID string) (*models.Run, error) {
	return s.independentRun(conversationID, speakerID, models.RunUserTurn)
}

func (s *Scheduler) independentRun(conversationID, speakerID, kind string) (*models.Run, error) {
	if speakerID == "" {
		return nil, fmt.Errorf("scheduler: speaker is required for %s", kind)
	}
	var p pending
	var run *models.Run
	err := s.store.WithLock(conversationID, func(tx *gorm.DB) error {
		if err := s.prepareIndependent(tx, conversationID, &p); err != nil {
			return err
		}
		var err error
		run, err = s.createIndependentRun(tx, conversationID, speakerID, kind, &p)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.flush(&p)
	return run, nil
}

// prepareIndependent cancels the active round (if any) before an isolated
// operation runs, per the stop-before-regenerate discipline.
func (s *Scheduler) prepareIndependent(tx *gorm.DB, conversationID string, p *pending) error {
	active, err := store.ActiveRound(tx, conversationID)
	if err != nil {
		return err
	}
	if active != nil {
		return s.stopRoundLocked(tx, active, p)
	}
	return s.cancelQueuedRun(tx, conversationID, p)
}

// createIndependentRun persists and enqueues a run with no round
// association.
func (s *Scheduler) createIndependentRun(tx *gorm.DB, conversationID, speakerID, kind string, p *pending) (*models.Run, error) {
	runID, err := store.GenerateID("run")
	if err != nil {
		return nil, err
	}
	run := &models.Run{
		ID:                    runID,
		ConversationID:        conversationID,
		SpeakerID:             speakerID,
		Kind:                  kind,
		Status:                models.RunQueued,
		RunAfter:              time.Now(),
		ExpectedTailMessageID: triggerMessageID(tx, conversationID),
	}
	if err := tx.Create(run).Error; err != nil {
		return nil, fmt.Errorf("scheduler: create %s run: %w", kind, err)
	}
	p.enqueueRun(runID)
	p.runs = append(p.runs, notify.RunEvent{
		ConversationID: conversationID,
		RunID:          runID,
		SpeakerID:      speakerID,
		Kind:           kind,
		Status:         models.RunQueued,
	})
	return run, nil
}
