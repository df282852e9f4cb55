// Package worker implements the run executor daemon: it claims queued runs,
// drives generation with heartbeat refresh, and reports the outcome back to
// the scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/greenroom/internal/generate"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// Default tuning intervals.
const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultHistoryLimit      = 50
)

// Worker dequeues run IDs and executes them one at a time. Run several
// workers for parallelism across conversations; the claim CAS keeps each run
// on exactly one worker.
type Worker struct {
	id        string
	store     *store.Store
	sched     *scheduler.Scheduler
	q         *queue.Memory
	gen       generate.Generator
	log       zerolog.Logger
	heartbeat time.Duration
	poll      time.Duration
	history   int
}

// Opts configures a Worker. Store, Scheduler, Queue, and Generator are
// required.
type Opts struct {
	ID                string
	Store             *store.Store
	Scheduler         *scheduler.Scheduler
	Queue             *queue.Memory
	Generator         generate.Generator
	Logger            zerolog.Logger
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	HistoryLimit      int
}

// New creates a Worker. A missing ID gets a generated wrk-xxxxxxxxxx one.
func New(opts Opts) (*Worker, error) {
	if opts.Store == nil || opts.Scheduler == nil || opts.Queue == nil || opts.Generator == nil {
		return nil, fmt.Errorf("worker: store, scheduler, queue, and generator are required")
	}
	id := opts.ID
	if id == "" {
		var err error
		id, err = store.GenerateID("wrk")
		if err != nil {
			return nil, err
		}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	return &Worker{
		id:        id,
		store:     opts.Store,
		sched:     opts.Scheduler,
		q:         opts.Queue,
		gen:       opts.Generator,
		log:       opts.Logger.With().Str("worker", id).Logger(),
		heartbeat: opts.HeartbeatInterval,
		poll:      opts.PollInterval,
		history:   opts.HistoryLimit,
	}, nil
}

// ID returns the worker's claim identity.
func (w *Worker) ID() string { return w.id }

// Run executes runs until ctx is done. Queue notifications give prompt
// pickup; the poll fallback recovers runs whose notification was dropped or
// whose debounce window only now elapsed.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Msg("worker started")
	for {
		waitCtx, cancel := context.WithTimeout(ctx, w.poll)
		runID, ok := w.q.Dequeue(waitCtx)
		cancel()
		if ctx.Err() != nil {
			w.log.Info().Msg("worker stopping")
			return ctx.Err()
		}
		if ok {
			if err := w.process(ctx, runID); err != nil {
				w.log.Error().Err(err).Str("run", runID).Msg("process run")
			}
			continue
		}
		if err := w.pollDue(ctx); err != nil {
			w.log.Error().Err(err).Msg("poll due runs")
		}
	}
}

// pollDue picks up queued runs whose RunAfter has passed.
func (w *Worker) pollDue(ctx context.Context) error {
	runs, err := store.DueQueuedRuns(w.store.DB(), time.Now(), 10)
	if err != nil {
		return err
	}
	for i := range runs {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.process(ctx, runs[i].ID); err != nil {
			w.log.Error().Err(err).Str("run", runs[i].ID).Msg("process run")
		}
	}
	return nil
}

// process drives one run from queued to a terminal state. Claiming happens
// under the conversation lock; generation happens outside it with a
// heartbeat goroutine keeping the run alive and watching for soft cancel.
func (w *Worker) process(ctx context.Context, runID string) error {
	run, err := store.RunByID(w.store.DB(), runID)
	if err != nil {
		return err
	}
	if run == nil || run.Status != models.RunQueued {
		return nil
	}

	// Debounce: wait out RunAfter before claiming, so a fast follow-up
	// message can still supersede this run.
	if wait := time.Until(run.RunAfter); wait > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	claimed, outcome, err := w.sched.ClaimRun(runID, w.id)
	if err != nil {
		return err
	}
	if outcome != scheduler.OutcomeClaimed {
		w.log.Debug().Str("run", runID).Str("outcome", string(outcome)).Msg("claim not taken")
		return nil
	}

	req, err := w.buildRequest(claimed)
	if err != nil {
		_, failErr := w.sched.FailRun(runID, models.ErrCodeGeneration, err.Error())
		return errors.Join(err, failErr)
	}

	body, genErr := w.generateWithHeartbeat(ctx, claimed, req)
	if errors.Is(genErr, context.Canceled) {
		// Worker shutdown: leave the run running for the reaper to reclaim.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Soft cancel: complete with no body; the scheduler turns the
		// cancel flag into a canceled run.
		body = ""
	} else if genErr != nil {
		w.log.Warn().Err(genErr).Str("run", runID).Msg("generation failed")
		_, err := w.sched.FailRun(runID, models.ErrCodeGeneration, genErr.Error())
		return err
	}

	outcome, msg, err := w.sched.CompleteRun(runID, body)
	if err != nil {
		return err
	}
	evt := w.log.Info().Str("run", runID).Str("outcome", string(outcome))
	if msg != nil {
		evt = evt.Str("message", msg.ID)
	}
	evt.Msg("run finished")
	return nil
}

// buildRequest assembles the generation request from current state.
func (w *Worker) buildRequest(run *models.Run) (generate.Request, error) {
	var req generate.Request
	err := w.store.DB().Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", run.ConversationID).First(&conv).Error; err != nil {
			return fmt.Errorf("worker: conversation %s: %w", run.ConversationID, err)
		}
		part, err := store.ParticipantBySpeaker(tx, run.ConversationID, run.SpeakerID)
		if err != nil {
			return err
		}
		if part == nil {
			return fmt.Errorf("worker: speaker %s not in conversation %s", run.SpeakerID, run.ConversationID)
		}
		history, err := store.VisibleMessages(tx, run.ConversationID, w.history)
		if err != nil {
			return err
		}
		req = generate.Request{
			Conversation: conv,
			Speaker:      *part,
			History:      history,
			Kind:         run.Kind,
		}
		return nil
	})
	return req, err
}

// generateWithHeartbeat runs the generator while a side goroutine refreshes
// the run's heartbeat. A soft-cancel observed on a heartbeat cancels the
// generation context.
func (w *Worker) generateWithHeartbeat(ctx context.Context, run *models.Run, req generate.Request) (string, error) {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(w.heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-genCtx.Done():
				return
			case <-ticker.C:
				cancelRequested, err := w.sched.Heartbeat(run.ID)
				if err != nil {
					w.log.Error().Err(err).Str("run", run.ID).Msg("heartbeat")
					continue
				}
				if cancelRequested {
					w.log.Info().Str("run", run.ID).Msg("soft cancel observed")
					cancel()
					return
				}
			}
		}
	}()

	return w.gen.Generate(genCtx, req)
}
