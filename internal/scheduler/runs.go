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

// ErrRunNotFound is returned for claim or completion of an unknown run.
var ErrRunNotFound = errors.New("scheduler: run not found")

// ClaimRun is the worker-side compare-and-swap turning a queued run into a
// running one. A lost race (the run is no longer queued) is a normal
// outcome, not an error. Before the claim commits, the staleness guard
// compares the run's expected tail to the actual visible tail; a mismatch
// skips the run so the worker never generates against a moved timeline.
func (s *Scheduler) ClaimRun(runID, workerID string) (*models.Run, Outcome, error) {
	run, err := store.RunByID(s.store.DB(), runID)
	if err != nil {
		return nil, OutcomeClaimLost, err
	}
	if run == nil {
		return nil, OutcomeClaimLost, ErrRunNotFound
	}

	var p pending
	outcome := OutcomeClaimed
	var claimed *models.Run
	err = s.store.WithLock(run.ConversationID, func(tx *gorm.DB) error {
		cur, err := store.RunByID(tx, runID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != models.RunQueued {
			// Another worker or a cancellation won.
			outcome = OutcomeClaimLost
			return nil
		}
		if cur.CancelRequestedAt != nil {
			outcome = OutcomeCanceled
			return s.markRunTerminal(tx, cur, models.RunCanceled, "", "", &p)
		}

		tail, err := store.SchedulerVisibleTail(tx, cur.ConversationID)
		if err != nil {
			return err
		}
		tailID := ""
		if tail != nil {
			tailID = tail.ID
		}
		if tailID != cur.ExpectedTailMessageID {
			// The timeline moved between scheduling and execution. Skip
			// rather than produce an orphaned reply; a fresh AdvanceTurn
			// schedules correctly from the current state.
			outcome = OutcomeStaleTail
			return s.markRunTerminal(tx, cur, models.RunSkipped, models.ErrCodeTailMismatch,
				fmt.Sprintf("expected tail %q, found %q", cur.ExpectedTailMessageID, tailID), &p)
		}

		now := time.Now()
		res := tx.Model(&models.Run{}).
			Where("id = ? AND status = ?", runID, models.RunQueued).
			Updates(map[string]interface{}{
				"status":       models.RunRunning,
				"claimed_by":   workerID,
				"started_at":   now,
				"heartbeat_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("scheduler: claim run %s: %w", runID, res.Error)
		}
		if res.RowsAffected == 0 {
			outcome = OutcomeClaimLost
			return nil
		}
		cur.Status = models.RunRunning
		cur.ClaimedBy = workerID
		cur.StartedAt = &now
		cur.HeartbeatAt = &now
		claimed = cur
		p.runs = append(p.runs, runEvent(cur))
		return nil
	})
	if err != nil {
		return nil, outcome, err
	}
	s.flush(&p)
	return claimed, outcome, nil
}

// Heartbeat refreshes the run's liveness timestamp and reports whether a
// soft cancel was requested. It deliberately takes no conversation lock:
// liveness must not contend with scheduling commands. A run that is no
// longer running reads as canceled so the executor stops.
func (s *Scheduler) Heartbeat(runID string) (cancelRequested bool, err error) {
	res := s.store.DB().Model(&models.Run{}).
		Where("id = ? AND status = ?", runID, models.RunRunning).
		Update("heartbeat_at", time.Now())
	if res.Error != nil {
		return false, fmt.Errorf("scheduler: heartbeat run %s: %w", runID, res.Error)
	}
	if res.RowsAffected == 0 {
		return true, nil
	}
	run, err := store.RunByID(s.store.DB(), runID)
	if err != nil {
		return false, err
	}
	return run != nil && run.CancelRequestedAt != nil, nil
}

// CompleteRun persists the generation result and advances the turn state in
// the same locked transaction. An empty body means the speaker produced no
// output; the slot is then skipped rather than spoken. A soft-canceled run
// commits nothing and ends canceled.
func (s *Scheduler) CompleteRun(runID, body string) (Outcome, *models.Message, error) {
	run, err := store.RunByID(s.store.DB(), runID)
	if err != nil {
		return NoopRunTerminal, nil, err
	}
	if run == nil {
		return NoopRunTerminal, nil, ErrRunNotFound
	}

	var p pending
	var msg *models.Message
	outcome := OutcomeCompleted
	err = s.store.WithLock(run.ConversationID, func(tx *gorm.DB) error {
		cur, err := store.RunByID(tx, runID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != models.RunRunning {
			outcome = NoopRunTerminal
			return nil
		}
		if cur.CancelRequestedAt != nil {
			outcome = OutcomeCanceled
			return s.markRunTerminal(tx, cur, models.RunCanceled, "", "", &p)
		}

		var conv models.Conversation
		if err := tx.Where("id = ?", cur.ConversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("scheduler: conversation %s: %w", cur.ConversationID, err)
		}

		if body != "" {
			role := models.RoleAI
			if cur.Kind == models.RunUserTurn {
				// Impersonation runs write as the user.
				role = models.RoleHuman
			}
			msg, err = store.AppendMessage(tx, &models.Message{
				ConversationID: cur.ConversationID,
				SpeakerID:      cur.SpeakerID,
				Role:           role,
				Body:           body,
				RunID:          &cur.ID,
				RoundID:        cur.RoundID,
			})
			if err != nil {
				return err
			}
		}
		if err := s.markRunTerminal(tx, cur, models.RunSucceeded, "", "", &p); err != nil {
			return err
		}
		if msg != nil {
			p.runs[len(p.runs)-1].MessageID = msg.ID
			p.runs[len(p.runs)-1].Body = msg.Body
		}
		outcome, err = s.advanceLocked(tx, &conv, msg, cur, &p)
		return err
	})
	if err != nil {
		return outcome, nil, err
	}
	s.flush(&p)
	return outcome, msg, nil
}

// FailRun marks a run failed and, for round-managed runs, applies the
// failure protocol: the round enters the failed state with its queue and
// cursor intact, awaiting an explicit retry or skip.
func (s *Scheduler) FailRun(runID, code, message string) (Outcome, error) {
	run, err := store.RunByID(s.store.DB(), runID)
	if err != nil {
		return NoopRunTerminal, err
	}
	if run == nil {
		return NoopRunTerminal, ErrRunNotFound
	}

	var p pending
	outcome := OutcomeFailureRecorded
	err = s.store.WithLock(run.ConversationID, func(tx *gorm.DB) error {
		cur, err := store.RunByID(tx, runID)
		if err != nil {
			return err
		}
		if cur == nil || cur.Terminal() {
			outcome = NoopRunTerminal
			return nil
		}
		if err := s.markRunTerminal(tx, cur, models.RunFailed, code, message, &p); err != nil {
			return err
		}
		return s.handleFailureLocked(tx, cur, &p)
	})
	if err != nil {
		return outcome, err
	}
	s.flush(&p)
	return outcome, nil
}

// markRunTerminal finalizes a run's status with its error metadata.
func (s *Scheduler) markRunTerminal(tx *gorm.DB, run *models.Run, status, code, message string, p *pending) error {
	now := time.Now()
	updates := map[string]interface{}{
		"status":   status,
		"ended_at": now,
	}
	if code != "" {
		updates["error_code"] = code
	}
	if message != "" {
		updates["error"] = message
	}
	if err := tx.Model(&models.Run{}).Where("id = ?", run.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("scheduler: mark run %s %s: %w", run.ID, status, err)
	}
	run.Status = status
	run.ErrorCode = code
	run.Error = message
	p.runs = append(p.runs, runEvent(run))
	return nil
}

func runEvent(run *models.Run) notify.RunEvent {
	return notify.RunEvent{
		ConversationID: run.ConversationID,
		RunID:          run.ID,
		SpeakerID:      run.SpeakerID,
		Kind:           run.Kind,
		Status:         run.Status,
		ErrorCode:      run.ErrorCode,
	}
}
