package main

import (
	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/dashboard"
	"github.com/zulandar/greenroom/internal/guard"
	"github.com/zulandar/greenroom/internal/notify"
)

func newDashboardCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Operator dashboard commands",
	}

	cmd.AddCommand(newDashboardStartCmd())
	return cmd
}

func newDashboardStartCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the dashboard HTTP server",
		Long:  "Serves the operator API: conversation state, recovery commands, and a live SSE event stream.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDashboardStart(cmd, configPath, port)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().IntVar(&port, "port", 0, "HTTP port (default from config)")
	return cmd
}

func runDashboardStart(cmd *cobra.Command, configPath string, port int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if port <= 0 {
		port = cfg.Dashboard.Port
	}

	log := newLogger()
	hub := dashboard.NewHub()
	notifier := notify.Fanout{notify.Log{L: log}, hub}
	sched := newScheduler(cfg, gormDB, nil, notifier)
	g := guard.New(sched.Store(), notifier)

	ctx, cancel := signalContext(out)
	defer cancel()

	return dashboard.Start(ctx, dashboard.StartOpts{
		DB:        gormDB,
		Scheduler: sched,
		Guard:     g,
		Hub:       hub,
		Port:      port,
		Out:       out,
	})
}
