// Package scheduler owns the round lifecycle: starting rounds, advancing
// turns, queue-slot scheduling, and recovery from failures and stalls. All
// state-mutating commands run under the conversation lock, one transaction
// per command.
package scheduler

import (
	"time"

	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/store"
)

// DefaultDebounce delays the first scheduled speaker after human input so
// rapid successive messages coalesce into one generation request.
const DefaultDebounce = 750 * time.Millisecond

// Scheduler coordinates rounds and runs for all conversations.
type Scheduler struct {
	store    *store.Store
	queue    queue.Queue
	notifier notify.Notifier
	debounce time.Duration
}

// Opts holds parameters for creating a Scheduler.
type Opts struct {
	Store    *store.Store
	Queue    queue.Queue
	Notifier notify.Notifier // defaults to notify.Discard
	Debounce time.Duration   // defaults to DefaultDebounce
}

// New creates a Scheduler.
func New(opts Opts) *Scheduler {
	n := opts.Notifier
	if n == nil {
		n = notify.Discard{}
	}
	d := opts.Debounce
	if d <= 0 {
		d = DefaultDebounce
	}
	return &Scheduler{
		store:    opts.Store,
		queue:    opts.Queue,
		notifier: n,
		debounce: d,
	}
}

// Store exposes the underlying store, for collaborators sharing the same
// locking discipline.
func (s *Scheduler) Store() *store.Store { return s.store }

// pending accumulates side effects during a locked command; they are flushed
// only after the transaction commits, so a rollback leaves no stray
// notifications or queue entries.
type pending struct {
	enqueue []string
	rounds  []notify.RoundEvent
	runs    []notify.RunEvent
}

func (p *pending) enqueueRun(runID string) {
	p.enqueue = append(p.enqueue, runID)
}

func (s *Scheduler) flush(p *pending) {
	for _, id := range p.enqueue {
		if s.queue != nil {
			// Enqueue failures are recoverable: workers also poll the
			// store for due queued runs.
			_ = s.queue.Enqueue(id)
		}
	}
	for _, ev := range p.rounds {
		s.notifier.RoundTransition(ev)
	}
	for _, ev := range p.runs {
		s.notifier.RunTransition(ev)
	}
}
