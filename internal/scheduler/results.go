package scheduler

import "errors"

// Outcome is the structured result of a scheduler command. Noop outcomes are
// idempotent refusals, not failures.
type Outcome string

const (
	OutcomeStarted            Outcome = "started"
	OutcomeNoEligibleSpeakers Outcome = "no_eligible_speakers"
	OutcomeAdvanced           Outcome = "advanced"
	OutcomeFinished           Outcome = "finished"
	OutcomeScheduled          Outcome = "scheduled"
	OutcomePaused             Outcome = "paused"
	OutcomeResumed            Outcome = "resumed"
	OutcomeSkipped            Outcome = "skipped"
	OutcomeRetried            Outcome = "retried"
	OutcomeStopped            Outcome = "stopped"
	OutcomeFailureRecorded    Outcome = "failure_recorded"
	OutcomeClaimed            Outcome = "claimed"
	OutcomeClaimLost          Outcome = "claim_lost"
	OutcomeStaleTail          Outcome = "stale_tail"
	OutcomeCanceled           Outcome = "canceled"
	OutcomeCompleted          Outcome = "completed"

	NoopStaleMessage   Outcome = "noop_stale_message"
	NoopIndependent    Outcome = "noop_independent_message"
	NoopBlockedFailed  Outcome = "noop_blocked_failed"
	NoopIdle           Outcome = "noop_idle"
	NoopNoActiveRound  Outcome = "noop_no_active_round"
	NoopAlreadyPaused  Outcome = "noop_already_paused"
	NoopNotPaused      Outcome = "noop_not_paused"
	NoopNotFailed      Outcome = "noop_not_failed"
	NoopPausedNoSched  Outcome = "noop_paused_no_schedule"
	NoopRunTerminal    Outcome = "noop_run_terminal"
	NoopNothingPending Outcome = "noop_nothing_pending"
)

// Noop reports whether the outcome is an idempotent refusal.
func (o Outcome) Noop() bool {
	return len(o) > 5 && o[:5] == "noop_"
}

// Sentinel errors for refused commands. Infrastructure failures are wrapped
// and propagate separately; these describe scheduling-level refusals.
var (
	// ErrActiveRoundExists refuses StartRound while a round is active.
	ErrActiveRoundExists = errors.New("scheduler: conversation already has an active round")

	// ErrBlockedActiveRun refuses resume/skip while a live run exists.
	ErrBlockedActiveRun = errors.New("scheduler: a live run blocks this command")

	// ErrRoundFailed refuses pausing a failed round; use retry or skip.
	ErrRoundFailed = errors.New("scheduler: round is in failed state")

	// ErrStaleRound refuses commands targeting a round that is no longer
	// current.
	ErrStaleRound = errors.New("scheduler: round is no longer current")

	// ErrInputRejected refuses new input under the reject policy while a
	// run is queued or running.
	ErrInputRejected = errors.New("scheduler: input rejected while a run is live")
)
