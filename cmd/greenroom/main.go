package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/config"
	"github.com/zulandar/greenroom/internal/db"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "greenroom",
		Short: "Greenroom — multi-party AI conversation scheduler",
		Long:  "Greenroom schedules speaker turns for multi-party AI conversations: rounds, runs, recovery, and chat frontends.",
	}

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newDBCmd())
	cmd.AddCommand(newConversationCmd())
	cmd.AddCommand(newMessageCmd())
	cmd.AddCommand(newRoundCmd())
	cmd.AddCommand(newWorkerCmd())
	cmd.AddCommand(newReaperCmd())
	cmd.AddCommand(newDashboardCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "greenroom %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// connectFromConfig loads config and returns a GORM DB connection.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := openDB(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, gormDB, nil
}

// openDB opens the scheduler database named by cfg.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	switch cfg.DB.Driver {
	case db.DriverSQLite:
		gormDB, err := db.Open(db.DriverSQLite, cfg.DB.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", cfg.DB.Path, err)
		}
		return gormDB, nil
	default:
		dsn := db.DSN(cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
		gormDB, err := db.Open(db.DriverMySQL, dsn)
		if err != nil {
			return nil, fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
		}
		return gormDB, nil
	}
}

// newScheduler builds a scheduler over gormDB. One-shot commands pass a nil
// queue and notifier: runs they schedule are picked up by the worker daemon's
// due-run poll.
func newScheduler(cfg *config.Config, gormDB *gorm.DB, q queue.Queue, n notify.Notifier) *scheduler.Scheduler {
	return scheduler.New(scheduler.Opts{
		Store:    store.New(gormDB),
		Queue:    q,
		Notifier: n,
		Debounce: cfg.Scheduler.Debounce(),
	})
}

// newLogger builds the console logger used by the daemon commands.
func newLogger() zerolog.Logger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(cw).With().Timestamp().Logger()
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
