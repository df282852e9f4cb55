// Package notify delivers fire-and-forget hooks on round and run state
// transitions, for UI updates and chat frontends. Delivery failures are
// logged and never propagate back into a scheduling transition.
package notify

import (
	"github.com/rs/zerolog"
)

// RoundEvent describes a round state transition.
type RoundEvent struct {
	ConversationID string
	RoundID        string
	Status         string
	SchedState     string
	Position       int
}

// RunEvent describes a run state transition.
type RunEvent struct {
	ConversationID string
	RunID          string
	SpeakerID      string
	Kind           string
	Status         string
	ErrorCode      string
	MessageID      string // set when a succeeded run produced a message
	Body           string // produced message body, for frontends
}

// Notifier receives transition events. Implementations must not block the
// caller for long and must swallow their own errors.
type Notifier interface {
	RoundTransition(ev RoundEvent)
	RunTransition(ev RunEvent)
}

// Log writes transitions to a structured logger.
type Log struct {
	L zerolog.Logger
}

func (n Log) RoundTransition(ev RoundEvent) {
	n.L.Info().
		Str("conversation", ev.ConversationID).
		Str("round", ev.RoundID).
		Str("status", ev.Status).
		Str("sched_state", ev.SchedState).
		Int("position", ev.Position).
		Msg("round transition")
}

func (n Log) RunTransition(ev RunEvent) {
	e := n.L.Info().
		Str("conversation", ev.ConversationID).
		Str("run", ev.RunID).
		Str("speaker", ev.SpeakerID).
		Str("kind", ev.Kind).
		Str("status", ev.Status)
	if ev.ErrorCode != "" {
		e = e.Str("error_code", ev.ErrorCode)
	}
	e.Msg("run transition")
}

// Fanout forwards every event to each wrapped notifier.
type Fanout []Notifier

func (f Fanout) RoundTransition(ev RoundEvent) {
	for _, n := range f {
		n.RoundTransition(ev)
	}
}

func (f Fanout) RunTransition(ev RunEvent) {
	for _, n := range f {
		n.RunTransition(ev)
	}
}

// Discard drops all events; useful as a default.
type Discard struct{}

func (Discard) RoundTransition(RoundEvent) {}
func (Discard) RunTransition(RunEvent)     {}
