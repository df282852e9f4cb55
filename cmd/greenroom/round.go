package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/activation"
	"github.com/zulandar/greenroom/internal/config"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

func newRoundCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "round",
		Short: "Round lifecycle and recovery commands",
	}

	cmd.AddCommand(newRoundStartCmd())
	cmd.AddCommand(newRoundStatusCmd())
	cmd.AddCommand(newRoundPauseCmd())
	cmd.AddCommand(newRoundResumeCmd())
	cmd.AddCommand(newRoundSkipCmd())
	cmd.AddCommand(newRoundRetryCmd())
	cmd.AddCommand(newRoundStopCmd())
	cmd.AddCommand(newRoundRegenerateCmd())
	cmd.AddCommand(newRoundForceTalkCmd())
	cmd.AddCommand(newRoundImpersonateCmd())
	return cmd
}

// schedulerFor is the shared setup for one-shot round commands.
func schedulerFor(configPath string) (*config.Config, *gorm.DB, *scheduler.Scheduler, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, gormDB, newScheduler(cfg, gormDB, nil, nil), nil
}

func newRoundStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start <conversation-id>",
		Short: "Start a new round",
		Long:  "Starts a round using the conversation's reply order. The speaker queue is computed once, at start, and does not change mid-round.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoundStart(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runRoundStart(cmd *cobra.Command, configPath, convID string) error {
	_, gormDB, sched, err := schedulerFor(configPath)
	if err != nil {
		return err
	}
	if _, err := loadConversation(gormDB, convID); err != nil {
		return err
	}

	var trigger activation.Trigger
	tail, err := store.SchedulerVisibleTail(gormDB, convID)
	if err != nil {
		return err
	}
	if tail != nil {
		trigger.SpeakerID = tail.SpeakerID
		trigger.Text = tail.Body
	}

	outcome, err := sched.StartRound(convID, trigger)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
	return nil
}

func newRoundStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <conversation-id>",
		Short: "Show the active round and its runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoundStatus(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runRoundStatus(cmd *cobra.Command, configPath, convID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := loadConversation(gormDB, convID); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	round, err := store.ActiveRound(gormDB, convID)
	if err != nil {
		return err
	}
	if round == nil {
		fmt.Fprintln(out, "No active round.")
	} else {
		fmt.Fprintf(out, "Round %s: %s (%s), position %d\n", round.ID, round.Status, round.SchedState, round.CurrentPosition)
		if reason := scheduler.PauseReason(round); reason != "" {
			fmt.Fprintf(out, "Pause reason: %s\n", reason)
		}
		slots, err := store.RoundSlots(gormDB, round.ID)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SLOT\tSPEAKER\tSTATUS")
		for i := range slots {
			fmt.Fprintf(w, "%d\t%s\t%s\n", slots[i].Position, slots[i].SpeakerID, slots[i].Status)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	var runs []models.Run
	if err := gormDB.Where("conversation_id = ?", convID).
		Order("created_at DESC").Limit(10).Find(&runs).Error; err != nil {
		return fmt.Errorf("list runs: %w", err)
	}
	if len(runs) == 0 {
		return nil
	}

	fmt.Fprintln(out, "\nRecent runs:")
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSPEAKER\tKIND\tSTATUS\tERROR")
	for i := range runs {
		r := &runs[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.SpeakerID, r.Kind, r.Status, r.ErrorCode)
	}
	return w.Flush()
}

func newRoundPauseCmd() *cobra.Command {
	var (
		configPath string
		reason     string
	)

	cmd := &cobra.Command{
		Use:   "pause <conversation-id>",
		Short: "Pause the active round",
		Long:  "Pauses the active round: the queued run is canceled and no further speakers are scheduled until resume. A running run finishes but does not advance the cursor.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			outcome, err := sched.PauseRound(args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&reason, "reason", "", "why the round is paused (shown on status)")
	return cmd
}

func newRoundResumeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "resume <conversation-id>",
		Short: "Resume a paused round",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			outcome, err := sched.ResumeRound(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func newRoundSkipCmd() *cobra.Command {
	var (
		configPath string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "skip <conversation-id>",
		Short: "Skip the current speaker",
		Long:  "Marks the current slot skipped and advances. A running run blocks the skip unless --force soft-cancels it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			outcome, err := sched.SkipCurrentSpeaker(args[0], force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().BoolVar(&force, "force", false, "soft-cancel a running run instead of refusing")
	return cmd
}

func newRoundRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <conversation-id>",
		Short: "Retry the current speaker after a failure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			outcome, err := sched.RetryCurrentSpeaker(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func newRoundStopCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stop <conversation-id>",
		Short: "Stop the active round",
		Long:  "Cancels the active round: the queued run is canceled, a running run is soft-canceled, and the round ends in the canceled state.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			outcome, err := sched.StopRound(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func newRoundRegenerateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "regenerate <conversation-id>",
		Short: "Regenerate the last AI message",
		Long:  "Hides the last visible AI message and queues an independent run for its speaker. The run is not part of any round; its failure affects nothing else.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			run, err := sched.Regenerate(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued regenerate run %s for %s\n", run.ID, run.SpeakerID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func newRoundImpersonateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "impersonate <conversation-id> <speaker-id>",
		Short: "Queue a run that writes the next message in the user's voice",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			run, err := sched.Impersonate(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued user-turn run %s for %s\n", run.ID, run.SpeakerID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func newRoundForceTalkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "force-talk <conversation-id> <speaker-id>",
		Short: "Queue an immediate run for one speaker",
		Long:  "Supersedes any active round and queues an independent run for the named speaker.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, sched, err := schedulerFor(configPath)
			if err != nil {
				return err
			}
			run, err := sched.ForceTalk(args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued force-talk run %s for %s\n", run.ID, run.SpeakerID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}
