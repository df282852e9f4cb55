package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/reaper"
)

func newReaperCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reaper",
		Short: "Stale-run reaper commands",
	}

	cmd.AddCommand(newReaperStartCmd())
	cmd.AddCommand(newReaperSweepCmd())
	return cmd
}

func newReaperStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the reaper daemon",
		Long:  "Periodically fails running runs whose worker heartbeat went quiet, so their conversations can recover.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReaperStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runReaperStart(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	log := newLogger()
	sched := newScheduler(cfg, gormDB, nil, notify.Log{L: log})
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

	ctx, cancel := signalContext(out)
	defer cancel()

	fmt.Fprintln(out, "Reaper started")
	return ignoreCtxErr(r.Run(ctx))
}

func newReaperSweepCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a single reap sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReaperSweep(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runReaperSweep(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	log := newLogger()
	sched := newScheduler(cfg, gormDB, nil, notify.Log{L: log})
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

	reaped, err := r.Sweep(time.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Reclaimed %d stale runs\n", reaped)
	return nil
}
