package main

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/config"
	"github.com/zulandar/greenroom/internal/dashboard"
	"github.com/zulandar/greenroom/internal/frontdesk"
	"github.com/zulandar/greenroom/internal/guard"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/reaper"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/worker"
)

func newServeCmd() *cobra.Command {
	var (
		configPath string
		scriptPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run everything: workers, reaper, dashboard, and chat frontends",
		Long:  "Starts the full stack in one process. Chat frontends are enabled for each platform with credentials and a conversation binding in the config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, scriptPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&scriptPath, "script", "", "YAML file mapping speaker IDs to scripted lines")
	return cmd
}

// relay forwards events to a notifier chosen after the scheduler is built,
// which breaks the scheduler/frontdesk construction cycle.
type relay struct {
	n notify.Notifier
}

func (r *relay) RoundTransition(ev notify.RoundEvent) {
	if r.n != nil {
		r.n.RoundTransition(ev)
	}
}

func (r *relay) RunTransition(ev notify.RunEvent) {
	if r.n != nil {
		r.n.RunTransition(ev)
	}
}

func runServe(cmd *cobra.Command, configPath, scriptPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	gen, err := loadGenerator(scriptPath)
	if err != nil {
		return err
	}

	log := newLogger()
	q := queue.NewMemory(256)
	hub := dashboard.NewHub()
	fdRelay := &relay{}
	notifier := notify.Fanout{notify.Log{L: log}, hub, fdRelay}

	sched := newScheduler(cfg, gormDB, q, notifier)
	g := guard.New(sched.Store(), notifier)

	fd, err := buildFrontdesk(cfg, sched, log)
	if err != nil {
		return err
	}
	if fd != nil {
		fdRelay.n = fd
	}

	r, err := reaper.New(reaper.Opts{
		Store:     sched.Store(),
		Scheduler: sched,
		Logger:    log,
		Interval:  cfg.Reaper.Interval(),
		Timeout:   cfg.Reaper.Timeout(),
		Schedule:  cfg.Reaper.Schedule,
	})
	if err != nil {
		return err
	}

	workers := make([]*worker.Worker, 0, cfg.Worker.Count)
	for i := 0; i < cfg.Worker.Count; i++ {
		w, err := worker.New(worker.Opts{
			Store:             sched.Store(),
			Scheduler:         sched,
			Queue:             q,
			Generator:         gen,
			Logger:            log,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval(),
			PollInterval:      cfg.Worker.PollInterval(),
		})
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	ctx, cancel := signalContext(out)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			w.Run(ctx)
		}(w)
	}
	fmt.Fprintf(out, "%d workers started\n", len(workers))

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()

	if fd != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fd.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("frontdesk stopped")
				cancel()
			}
		}()
		fmt.Fprintln(out, "Frontdesk started")
	}

	err = dashboard.Start(ctx, dashboard.StartOpts{
		DB:        gormDB,
		Scheduler: sched,
		Guard:     g,
		Hub:       hub,
		Port:      cfg.Dashboard.Port,
		Out:       out,
	})
	cancel()
	wg.Wait()
	fmt.Fprintln(out, "Shutdown complete.")
	return err
}

// buildFrontdesk binds every configured chat platform. Returns nil when none
// is configured.
func buildFrontdesk(cfg *config.Config, sched *scheduler.Scheduler, log zerolog.Logger) (*frontdesk.Service, error) {
	d := cfg.Frontdesk.Discord
	s := cfg.Frontdesk.Slack
	discordEnabled := d.BotToken != "" && d.ChannelID != "" && d.ConversationID != ""
	slackEnabled := s.BotToken != "" && s.AppToken != "" && s.ChannelID != "" && s.ConversationID != ""
	if !discordEnabled && !slackEnabled {
		return nil, nil
	}

	fd := frontdesk.New(sched, sched.Store(), log)
	if discordEnabled {
		adapter, err := frontdesk.NewDiscord(frontdesk.DiscordOpts{
			BotToken: d.BotToken,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		fd.Bind(adapter, d.ChannelID, d.ConversationID)
	}
	if slackEnabled {
		adapter, err := frontdesk.NewSlack(frontdesk.SlackOpts{
			AppToken: s.AppToken,
			BotToken: s.BotToken,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		fd.Bind(adapter, s.ChannelID, s.ConversationID)
	}
	return fd, nil
}
