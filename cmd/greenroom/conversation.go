package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/store"
	"gorm.io/gorm"
)

func newConversationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversation",
		Aliases: []string{"conv"},
		Short:   "Conversation management commands",
	}

	cmd.AddCommand(newConversationCreateCmd())
	cmd.AddCommand(newConversationListCmd())
	cmd.AddCommand(newConversationShowCmd())
	cmd.AddCommand(newConversationAddSpeakerCmd())
	cmd.AddCommand(newConversationMuteCmd(true))
	cmd.AddCommand(newConversationMuteCmd(false))
	cmd.AddCommand(newConversationAutoCmd())
	return cmd
}

func newConversationCreateCmd() *cobra.Command {
	var (
		configPath  string
		title       string
		replyOrder  string
		inputPolicy string
		autoMode    bool
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new conversation",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationCreate(cmd, configPath, models.Conversation{
				Title:       title,
				ReplyOrder:  replyOrder,
				InputPolicy: inputPolicy,
				AutoMode:    autoMode,
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&title, "title", "", "conversation title (required)")
	cmd.Flags().StringVar(&replyOrder, "reply-order", models.ReplyOrderList, "reply order (list, natural, pooled, manual)")
	cmd.Flags().StringVar(&inputPolicy, "input-policy", models.InputPolicyQueue, "input concurrency policy (reject, restart, queue)")
	cmd.Flags().BoolVar(&autoMode, "auto", false, "start new rounds automatically after each one finishes")
	cmd.MarkFlagRequired("title")
	return cmd
}

func runConversationCreate(cmd *cobra.Command, configPath string, conv models.Conversation) error {
	switch conv.ReplyOrder {
	case models.ReplyOrderList, models.ReplyOrderNatural, models.ReplyOrderPooled, models.ReplyOrderManual:
	default:
		return fmt.Errorf("unknown reply order %q", conv.ReplyOrder)
	}
	switch conv.InputPolicy {
	case models.InputPolicyReject, models.InputPolicyRestart, models.InputPolicyQueue:
	default:
		return fmt.Errorf("unknown input policy %q", conv.InputPolicy)
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	id, err := store.GenerateID("conv")
	if err != nil {
		return err
	}
	conv.ID = id
	if err := gormDB.Create(&conv).Error; err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created conversation %s\n", conv.ID)
	fmt.Fprintf(out, "Reply order: %s, input policy: %s\n", conv.ReplyOrder, conv.InputPolicy)
	return nil
}

func newConversationListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runConversationList(cmd *cobra.Command, configPath string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	var convs []models.Conversation
	if err := gormDB.Order("created_at").Find(&convs).Error; err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tORDER\tINPUT\tAUTO\tSTATE")
	for i := range convs {
		conv := &convs[i]
		state := "idle"
		round, err := store.ActiveRound(gormDB, conv.ID)
		if err != nil {
			return err
		}
		if round != nil {
			state = round.SchedState
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%s\n",
			conv.ID, conv.Title, conv.ReplyOrder, conv.InputPolicy, conv.AutoMode, state)
	}
	return w.Flush()
}

func newConversationShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <conversation-id>",
		Short: "Show a conversation's participants and round state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConversationShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runConversationShow(cmd *cobra.Command, configPath, id string) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	conv, err := loadConversation(gormDB, id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation %s: %s\n", conv.ID, conv.Title)
	fmt.Fprintf(out, "Reply order: %s, input policy: %s, auto mode: %v\n\n", conv.ReplyOrder, conv.InputPolicy, conv.AutoMode)

	var parts []models.Participant
	if err := gormDB.Where("conversation_id = ?", id).Order("position").Find(&parts).Error; err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "POS\tSPEAKER\tNAME\tKIND\tTALK\tSTATE")
	for i := range parts {
		p := &parts[i]
		state := "active"
		if p.RemovedAt != nil {
			state = "removed"
		} else if p.Muted {
			state = "muted"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			p.Position, p.SpeakerID, p.Name, p.Kind, p.Talkativeness, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	round, err := store.ActiveRound(gormDB, id)
	if err != nil {
		return err
	}
	if round == nil {
		fmt.Fprintln(out, "\nNo active round.")
		return nil
	}

	fmt.Fprintf(out, "\nActive round %s (%s), position %d\n", round.ID, round.SchedState, round.CurrentPosition)
	slots, err := store.RoundSlots(gormDB, round.ID)
	if err != nil {
		return err
	}
	sw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(sw, "SLOT\tSPEAKER\tSTATUS")
	for i := range slots {
		fmt.Fprintf(sw, "%d\t%s\t%s\n", slots[i].Position, slots[i].SpeakerID, slots[i].Status)
	}
	return sw.Flush()
}

func newConversationAddSpeakerCmd() *cobra.Command {
	var (
		configPath    string
		speakerID     string
		name          string
		kind          string
		talkativeness int
	)

	cmd := &cobra.Command{
		Use:   "add-speaker <conversation-id>",
		Short: "Add a participant to a conversation",
		Long:  "Adds a participant at the next free position. A round already in progress keeps its frozen queue; new speakers join from the next round.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAddSpeaker(cmd, configPath, args[0], speakerID, name, kind, talkativeness)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	cmd.Flags().StringVar(&speakerID, "speaker", "", "stable speaker ID (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name (required)")
	cmd.Flags().StringVar(&kind, "kind", models.SpeakerAI, "participant kind (ai, human)")
	cmd.Flags().IntVar(&talkativeness, "talkativeness", 50, "natural-order weight (0-100)")
	cmd.MarkFlagRequired("speaker")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runAddSpeaker(cmd *cobra.Command, configPath, convID, speakerID, name, kind string, talkativeness int) error {
	if kind != models.SpeakerAI && kind != models.SpeakerHuman {
		return fmt.Errorf("unknown participant kind %q", kind)
	}
	if talkativeness < 0 || talkativeness > 100 {
		return fmt.Errorf("talkativeness must be between 0 and 100")
	}

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := loadConversation(gormDB, convID); err != nil {
		return err
	}

	existing, err := store.ParticipantBySpeaker(gormDB, convID, speakerID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("speaker %s already participates in %s", speakerID, convID)
	}

	var max struct{ Position int }
	if err := gormDB.Model(&models.Participant{}).
		Select("COALESCE(MAX(position), -1) AS position").
		Where("conversation_id = ?", convID).
		Scan(&max).Error; err != nil {
		return fmt.Errorf("max position: %w", err)
	}

	part := models.Participant{
		ConversationID: convID,
		SpeakerID:      speakerID,
		Name:           name,
		Kind:           kind,
		Position:       max.Position + 1,
		Talkativeness:  talkativeness,
	}
	if err := gormDB.Create(&part).Error; err != nil {
		return fmt.Errorf("add participant: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Added %s (%s) at position %d\n", name, speakerID, part.Position)
	return nil
}

func newConversationMuteCmd(mute bool) *cobra.Command {
	var configPath string

	use, short := "mute", "Mute a speaker (skipped when future rounds start)"
	if !mute {
		use, short = "unmute", "Unmute a speaker"
	}

	cmd := &cobra.Command{
		Use:   use + " <conversation-id> <speaker-id>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMute(cmd, configPath, args[0], args[1], mute)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runMute(cmd *cobra.Command, configPath, convID, speakerID string, mute bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	res := gormDB.Model(&models.Participant{}).
		Where("conversation_id = ? AND speaker_id = ?", convID, speakerID).
		Update("muted", mute)
	if res.Error != nil {
		return fmt.Errorf("update participant: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("speaker %s not found in %s", speakerID, convID)
	}

	verb := "Muted"
	if !mute {
		verb = "Unmuted"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s in %s\n", verb, speakerID, convID)
	return nil
}

func newConversationAutoCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "auto <conversation-id> <on|off>",
		Short: "Toggle automatic round continuation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var enable bool
			switch args[1] {
			case "on":
				enable = true
			case "off":
			default:
				return fmt.Errorf("auto mode must be \"on\" or \"off\", got %q", args[1])
			}
			return runConversationAuto(cmd, configPath, args[0], enable)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "greenroom.yaml", "path to Greenroom config file")
	return cmd
}

func runConversationAuto(cmd *cobra.Command, configPath, convID string, enable bool) error {
	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if _, err := loadConversation(gormDB, convID); err != nil {
		return err
	}

	if err := gormDB.Model(&models.Conversation{}).
		Where("id = ?", convID).
		Update("auto_mode", enable).Error; err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	state := "off"
	if enable {
		state = "on"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Auto mode %s for %s\n", state, convID)
	return nil
}

// loadConversation fetches a conversation or returns a friendly not-found error.
func loadConversation(tx *gorm.DB, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := tx.First(&conv, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("conversation %s not found", id)
		}
		return nil, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return &conv, nil
}
