// Package reaper implements the stale-run sweeper: running runs whose
// heartbeat went quiet past the liveness threshold are hard-failed so their
// conversations can recover.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
)

// Default sweep tuning.
const (
	DefaultInterval = 30 * time.Second
	DefaultTimeout  = 120 * time.Second
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Reaper periodically fails runs whose worker stopped heartbeating.
type Reaper struct {
	store    *store.Store
	sched    *scheduler.Scheduler
	log      zerolog.Logger
	interval time.Duration
	timeout  time.Duration
	schedule cron.Schedule
}

// Opts configures a Reaper. Store and Scheduler are required. When Schedule
// is a valid 5-field cron expression it drives the sweep cadence; otherwise
// Interval does.
type Opts struct {
	Store     *store.Store
	Scheduler *scheduler.Scheduler
	Logger    zerolog.Logger
	Interval  time.Duration
	Timeout   time.Duration
	Schedule  string
}

// New creates a Reaper.
func New(opts Opts) (*Reaper, error) {
	if opts.Store == nil || opts.Scheduler == nil {
		return nil, fmt.Errorf("reaper: store and scheduler are required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	r := &Reaper{
		store:    opts.Store,
		sched:    opts.Scheduler,
		log:      opts.Logger.With().Str("component", "reaper").Logger(),
		interval: opts.Interval,
		timeout:  opts.Timeout,
	}
	if opts.Schedule != "" {
		sched, err := cronParser.Parse(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("reaper: parse schedule %q: %w", opts.Schedule, err)
		}
		r.schedule = sched
	}
	return r, nil
}

// Run sweeps until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info().Dur("timeout", r.timeout).Msg("reaper started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reaper stopping")
			return ctx.Err()
		case <-time.After(r.nextSleep()):
		}
		reaped, err := r.Sweep(time.Now())
		if err != nil {
			r.log.Error().Err(err).Msg("sweep")
			continue
		}
		if reaped > 0 {
			r.log.Warn().Int("reaped", reaped).Msg("reclaimed stale runs")
		}
	}
}

func (r *Reaper) nextSleep() time.Duration {
	if r.schedule != nil {
		if d := time.Until(r.schedule.Next(time.Now())); d > 0 {
			return d
		}
	}
	return r.interval
}

// Sweep fails every running run whose heartbeat predates now minus the
// liveness threshold and returns how many were reclaimed. Round-managed runs
// push their round into the failed state for explicit recovery.
func (r *Reaper) Sweep(now time.Time) (int, error) {
	cutoff := now.Add(-r.timeout)
	stale, err := store.StaleRunningRuns(r.store.DB(), cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for i := range stale {
		run := &stale[i]
		msg := "worker heartbeat expired"
		if run.HeartbeatAt != nil {
			msg = fmt.Sprintf("no heartbeat since %s", run.HeartbeatAt.Format(time.RFC3339))
		}
		outcome, err := r.sched.FailRun(run.ID, models.ErrCodeHeartbeatExpired, msg)
		if err != nil {
			r.log.Error().Err(err).Str("run", run.ID).Msg("fail stale run")
			continue
		}
		if outcome.Noop() {
			continue
		}
		r.log.Warn().
			Str("run", run.ID).
			Str("conversation", run.ConversationID).
			Str("worker", run.ClaimedBy).
			Msg("run heartbeat expired")
		reaped++
	}
	return reaped, nil
}
