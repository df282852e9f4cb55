// Package guard implements the timeline-mutation guard: hiding a message
// quiesces the scheduling state that depended on it before the timeline
// changes, so no run generates against a history that no longer exists.
package guard

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// ErrMessageNotFound reports an unknown message ID.
var ErrMessageNotFound = fmt.Errorf("guard: message not found")

// Outcome reports what a guard operation did.
type Outcome string

const (
	OutcomeHidden     Outcome = "hidden"
	NoopAlreadyHidden Outcome = "noop_already_hidden"
)

// Guard applies timeline mutations under the conversation lock.
type Guard struct {
	store    *store.Store
	notifier notify.Notifier
}

// New creates a Guard. A nil notifier discards events.
func New(st *store.Store, notifier notify.Notifier) *Guard {
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Guard{store: st, notifier: notifier}
}

// HideMessage removes a message from the scheduler-visible timeline.
// Idempotent. When the message anchors live scheduling state, that state is
// quiesced first: the running run is soft-canceled, a queued run targeting
// the hidden tail is canceled, and if the message is the visible tail or
// the active round's trigger the round is stopped. Ordering is cancel
// signals, then round cancellation, then the hide itself.
func (g *Guard) HideMessage(conversationID, messageID string) (Outcome, error) {
	outcome := OutcomeHidden
	var events []notify.RoundEvent
	err := g.store.WithLock(conversationID, func(tx *gorm.DB) error {
		var msg models.Message
		err := tx.Where("id = ? AND conversation_id = ?", messageID, conversationID).First(&msg).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		if err != nil {
			return fmt.Errorf("guard: message %s: %w", messageID, err)
		}
		if msg.Hidden {
			outcome = NoopAlreadyHidden
			return nil
		}

		running, err := store.RunningRun(tx, conversationID)
		if err != nil {
			return err
		}
		if running != nil && running.CancelRequestedAt == nil {
			if err := tx.Model(&models.Run{}).
				Where("id = ? AND status = ?", running.ID, models.RunRunning).
				Update("cancel_requested_at", time.Now()).Error; err != nil {
				return fmt.Errorf("guard: soft-cancel run %s: %w", running.ID, err)
			}
		}

		tail, err := store.SchedulerVisibleTail(tx, conversationID)
		if err != nil {
			return err
		}
		isTail := tail != nil && tail.ID == msg.ID

		active, err := store.ActiveRound(tx, conversationID)
		if err != nil {
			return err
		}
		switch {
		case active != nil && (isTail || active.TriggerMessageID == msg.ID):
			if err := g.stopRound(tx, active); err != nil {
				return err
			}
			events = append(events, notify.RoundEvent{
				ConversationID: conversationID,
				RoundID:        active.ID,
				Status:         models.RoundCanceled,
				Position:       active.CurrentPosition,
			})
		case isTail:
			// An independent queued run still targets the hidden tail.
			if err := g.cancelQueuedRun(tx, conversationID); err != nil {
				return err
			}
		}

		if err := tx.Model(&models.Message{}).Where("id = ?", msg.ID).
			Update("hidden", true).Error; err != nil {
			return fmt.Errorf("guard: hide message %s: %w", msg.ID, err)
		}
		return nil
	})
	if err != nil {
		return outcome, err
	}
	for _, evt := range events {
		g.notifier.RoundTransition(evt)
	}
	return outcome, nil
}

// stopRound cancels the round and its queued run. It mirrors the
// scheduler's round stop so pending work never targets the mutated
// timeline.
func (g *Guard) stopRound(tx *gorm.DB, round *models.Round) error {
	if err := g.cancelQueuedRun(tx, round.ConversationID); err != nil {
		return err
	}
	if err := tx.Model(&models.Round{}).Where("id = ?", round.ID).
		Updates(map[string]interface{}{"status": models.RoundCanceled, "ended_at": time.Now()}).Error; err != nil {
		return fmt.Errorf("guard: stop round %s: %w", round.ID, err)
	}
	return nil
}

func (g *Guard) cancelQueuedRun(tx *gorm.DB, conversationID string) error {
	if err := tx.Model(&models.Run{}).
		Where("conversation_id = ? AND status = ?", conversationID, models.RunQueued).
		Updates(map[string]interface{}{"status": models.RunCanceled, "ended_at": time.Now()}).Error; err != nil {
		return fmt.Errorf("guard: cancel queued run: %w", err)
	}
	return nil
}
