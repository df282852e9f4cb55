package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/generate"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/queue"
	"github.com/zulandar/greenroom/internal/worker"
	"gopkg.in/yaml.v3"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run executor commands",
	}

	cmd.AddCommand(newWorkerStartCmd())
	return cmd
}

func newWorkerStartCmd() *cobra.Command {
	var (
		configPath string
		scriptPath string
		count      int
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the worker daemon",
		Long:  "Starts run executors: they claim queued runs, generate speaker output, and report completion back to the scheduler.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkerStart(cmd, configPath, scriptPath, count)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&scriptPath, "script", "", "YAML file mapping speaker IDs to scripted lines")
	cmd.Flags().IntVar(&count, "count", 0, "number of concurrent executors (default from config)")
	return cmd
}

func runWorkerStart(cmd *cobra.Command, configPath, scriptPath string, count int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if count <= 0 {
		count = cfg.Worker.Count
	}

	gen, err := loadGenerator(scriptPath)
	if err != nil {
		return err
	}

	log := newLogger()
	q := queue.NewMemory(256)
	sched := newScheduler(cfg, gormDB, q, notify.Log{L: log})

	ctx, cancel := signalContext(out)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
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
			cancel()
			wg.Wait()
			return err
		}
		fmt.Fprintf(out, "Worker %s started\n", w.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	wg.Wait()
	fmt.Fprintln(out, "All workers stopped.")
	return nil
}

// loadGenerator builds the scripted generator, optionally seeded from a YAML
// file of speaker-ID to lines.
func loadGenerator(scriptPath string) (generate.Generator, error) {
	if scriptPath == "" {
		return generate.NewScripted(nil), nil
	}
	data, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("read script %s: %w", scriptPath, err)
	}
	var lines map[string][]string
	if err := yaml.Unmarshal(data, &lines); err != nil {
		return nil, fmt.Errorf("parse script %s: %w", scriptPath, err)
	}
	return generate.NewScripted(lines), nil
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext(out io.Writer) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// ignoreCtxErr filters the expected shutdown error from daemon loops.
func ignoreCtxErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
