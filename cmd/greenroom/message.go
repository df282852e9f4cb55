package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/guard"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/store"
)

func newMessageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "message",
		Aliases: []string{"msg"},
		Short:   "Message commands",
	}

	cmd.AddCommand(newMessagePostCmd())
	cmd.AddCommand(newMessageListCmd())
	cmd.AddCommand(newMessageHideCmd())
	return cmd
}

func newMessagePostCmd() *cobra.Command {
	var (
		configPath string
		speakerID  string
	)

	cmd := &cobra.Command{
		Use:   "post <conversation-id> <body>",
		Short: "Post a human message",
		Long:  "Appends a human message through the scheduler. Depending on the input policy and round state this starts a round, reschedules the current one, or is refused.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessagePost(cmd, configPath, args[0], speakerID, args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&speakerID, "speaker", "", "human speaker ID (required)")
	cmd.MarkFlagRequired("speaker")
	return cmd
}

func runMessagePost(cmd *cobra.Command, configPath, convID, speakerID, body string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	sched := newScheduler(cfg, gormDB, nil, nil)

	outcome, msg, err := sched.PostHumanMessage(convID, speakerID, body)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if msg != nil {
		fmt.Fprintf(out, "Posted message %s (seq %d)\n", msg.ID, msg.Seq)
	}
	fmt.Fprintf(out, "Outcome: %s\n", outcome)
	return nil
}

func newMessageListCmd() *cobra.Command {
	var (
		configPath string
		limit      int
		all        bool
	)

	cmd := &cobra.Command{
		Use:   "list <conversation-id>",
		Short: "List timeline messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessageList(cmd, configPath, args[0], limit, all)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum messages to show")
	cmd.Flags().BoolVar(&all, "all", false, "include hidden messages")
	return cmd
}

func runMessageList(cmd *cobra.Command, configPath, convID string, limit int, all bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := loadConversation(gormDB, convID); err != nil {
		return err
	}

	var msgs []models.Message
	if all {
		if err := gormDB.Where("conversation_id = ?", convID).
			Order("seq").Limit(limit).Find(&msgs).Error; err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
	} else {
		msgs, err = store.VisibleMessages(gormDB, convID, limit)
		if err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if len(msgs) == 0 {
		fmt.Fprintln(out, "No messages found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tID\tROLE\tSPEAKER\tBODY")
	for i := range msgs {
		m := &msgs[i]
		body := m.Body
		if len(body) > 60 {
			body = body[:57] + "..."
		}
		marker := ""
		if m.Hidden {
			marker = " (hidden)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s%s\n", m.Seq, m.ID, m.Role, m.SpeakerID, body, marker)
	}
	return w.Flush()
}

func newMessageHideCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "hide <conversation-id> <message-id>",
		Short: "Hide a message from the scheduler-visible timeline",
		Long:  "Hides a message. Scheduling state anchored on it is quiesced first: a running run is soft-canceled and, when the message is the visible tail or the round trigger, the round is stopped.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMessageHide(cmd, configPath, args[0], args[1])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runMessageHide(cmd *cobra.Command, configPath, convID, msgID string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	g := guard.New(store.New(gormDB), nil)
	outcome, err := g.HideMessage(convID, msgID)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Outcome: %s\n", outcome)
	return nil
}
