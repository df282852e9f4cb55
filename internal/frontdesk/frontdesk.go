// Package frontdesk bridges conversations to chat platforms (Discord,
// Slack). Inbound platform messages become human turns; run transitions flow
// back out as speaker messages.
package frontdesk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/zulandar/greenroom/internal/models"
	"github.com/zulandar/greenroom/internal/notify"
	"github.com/zulandar/greenroom/internal/scheduler"
	"github.com/zulandar/greenroom/internal/store"
)

// Adapter is the interface platform implementations satisfy. Each adapter
// owns connection management and message transport for one platform.
type Adapter interface {
	// Connect establishes the platform connection.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages. Must be called after
	// Connect; the channel closes when ctx is done or the adapter closes.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close shuts the adapter down.
	Close() error
}

// InboundMessage is a message received from a chat platform.
type InboundMessage struct {
	Platform  string
	ChannelID string
	UserID    string
	UserName  string
	Text      string
	Timestamp time.Time
}

// OutboundMessage is a message to deliver to a chat platform.
type OutboundMessage struct {
	ChannelID   string
	SpeakerName string
	Text        string
}

type binding struct {
	adapter        Adapter
	conversationID string
	channelID      string
}

// Service routes between bound channels and conversations. One channel maps
// to one conversation.
type Service struct {
	sched *scheduler.Scheduler
	store *store.Store
	log   zerolog.Logger

	mu        sync.Mutex
	byChannel map[string]*binding
	byConvID  map[string]*binding
	adapters  []Adapter
}

// New creates a frontdesk Service.
func New(sched *scheduler.Scheduler, st *store.Store, log zerolog.Logger) *Service {
	return &Service{
		sched:     sched,
		store:     st,
		log:       log.With().Str("component", "frontdesk").Logger(),
		byChannel: make(map[string]*binding),
		byConvID:  make(map[string]*binding),
	}
}

// Bind routes a platform channel to a conversation over the given adapter.
func (s *Service) Bind(adapter Adapter, channelID, conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := &binding{adapter: adapter, conversationID: conversationID, channelID: channelID}
	s.byChannel[channelID] = b
	s.byConvID[conversationID] = b
	known := false
	for _, a := range s.adapters {
		if a == adapter {
			known = true
			break
		}
	}
	if !known {
		s.adapters = append(s.adapters, adapter)
	}
}

// Run connects every bound adapter and routes inbound messages until ctx is
// done.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	adapters := append([]Adapter(nil), s.adapters...)
	s.mu.Unlock()
	if len(adapters) == 0 {
		return fmt.Errorf("frontdesk: no adapters bound")
	}

	var wg sync.WaitGroup
	for _, a := range adapters {
		if err := a.Connect(ctx); err != nil {
			return err
		}
		inbound, err := a.Listen(ctx)
		if err != nil {
			return err
		}
		wg.Add(1)
		go func(a Adapter, inbound <-chan InboundMessage) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-inbound:
					if !ok {
						return
					}
					s.handleInbound(ctx, a, msg)
				}
			}
		}(a, inbound)
	}
	wg.Wait()
	for _, a := range adapters {
		if err := a.Close(); err != nil {
			s.log.Error().Err(err).Msg("close adapter")
		}
	}
	return ctx.Err()
}

// handleInbound routes one platform message: commands are dispatched,
// everything else becomes a human turn.
func (s *Service) handleInbound(ctx context.Context, a Adapter, msg InboundMessage) {
	s.mu.Lock()
	b := s.byChannel[msg.ChannelID]
	s.mu.Unlock()
	if b == nil {
		return
	}

	if strings.HasPrefix(msg.Text, "!") {
		s.handleCommand(ctx, b, msg)
		return
	}

	speakerID, err := s.ensureHumanParticipant(b.conversationID, msg)
	if err != nil {
		s.log.Error().Err(err).Str("conversation", b.conversationID).Msg("ensure participant")
		return
	}
	outcome, _, err := s.sched.PostHumanMessage(b.conversationID, speakerID, msg.Text)
	if errors.Is(err, scheduler.ErrInputRejected) {
		s.reply(ctx, b, "a speaker is still responding; wait for the reply before posting again")
		return
	}
	if err != nil {
		s.log.Error().Err(err).Str("conversation", b.conversationID).Msg("post human message")
		return
	}
	s.log.Debug().
		Str("conversation", b.conversationID).
		Str("outcome", string(outcome)).
		Msg("human message admitted")
}

// handleCommand dispatches !-prefixed recovery and control commands.
func (s *Service) handleCommand(ctx context.Context, b *binding, msg InboundMessage) {
	fields := strings.Fields(msg.Text)
	cmd := fields[0]
	convID := b.conversationID

	var outcome scheduler.Outcome
	var err error
	switch cmd {
	case "!pause":
		reason := strings.TrimSpace(strings.TrimPrefix(msg.Text, "!pause"))
		outcome, err = s.sched.PauseRound(convID, reason)
	case "!resume":
		outcome, err = s.sched.ResumeRound(convID)
	case "!skip":
		force := len(fields) > 1 && fields[1] == "force"
		outcome, err = s.sched.SkipCurrentSpeaker(convID, force)
	case "!retry":
		outcome, err = s.sched.RetryCurrentSpeaker(convID)
	case "!stop":
		outcome, err = s.sched.StopRound(convID)
	case "!regen":
		var run *models.Run
		run, err = s.sched.Regenerate(convID)
		if err == nil {
			outcome = scheduler.Outcome("regenerating as " + run.SpeakerID)
		}
	case "!talk":
		if len(fields) < 2 {
			s.reply(ctx, b, "usage: !talk <speaker>")
			return
		}
		var run *models.Run
		run, err = s.sched.ForceTalk(convID, fields[1])
		if err == nil {
			outcome = scheduler.Outcome("scheduled " + run.SpeakerID)
		}
	default:
		s.reply(ctx, b, "commands: !pause !resume !skip [force] !retry !stop !regen !talk <speaker>")
		return
	}

	if err != nil {
		s.reply(ctx, b, fmt.Sprintf("%s failed: %v", cmd, err))
		return
	}
	s.reply(ctx, b, fmt.Sprintf("%s: %s", cmd, outcome))
}

func (s *Service) reply(ctx context.Context, b *binding, text string) {
	err := b.adapter.Send(ctx, OutboundMessage{ChannelID: b.channelID, Text: text})
	if err != nil {
		s.log.Error().Err(err).Str("channel", b.channelID).Msg("send reply")
	}
}

// ensureHumanParticipant registers first-time platform users as human
// participants so their turns carry a stable speaker identity.
func (s *Service) ensureHumanParticipant(conversationID string, msg InboundMessage) (string, error) {
	speakerID := msg.Platform + ":" + msg.UserID
	part, err := store.ParticipantBySpeaker(s.store.DB(), conversationID, speakerID)
	if err != nil {
		return "", err
	}
	if part != nil {
		return speakerID, nil
	}
	var max struct{ Position int }
	if err := s.store.DB().Model(&models.Participant{}).
		Select("COALESCE(MAX(position), -1) AS position").
		Where("conversation_id = ?", conversationID).
		Scan(&max).Error; err != nil {
		return "", fmt.Errorf("frontdesk: max position for %s: %w", conversationID, err)
	}
	name := msg.UserName
	if name == "" {
		name = speakerID
	}
	err = s.store.DB().Create(&models.Participant{
		ConversationID: conversationID,
		SpeakerID:      speakerID,
		Name:           name,
		Kind:           models.SpeakerHuman,
		Position:       max.Position + 1,
	}).Error
	if err != nil {
		return "", fmt.Errorf("frontdesk: add participant %s: %w", speakerID, err)
	}
	return speakerID, nil
}

// RunTransition implements notify.Notifier: succeeded runs that produced a
// message are posted to the bound channel; failures surface as a recovery
// hint.
func (s *Service) RunTransition(ev notify.RunEvent) {
	s.mu.Lock()
	b := s.byConvID[ev.ConversationID]
	s.mu.Unlock()
	if b == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Status {
	case models.RunSucceeded:
		if ev.MessageID == "" {
			return
		}
		name := s.speakerName(ev.ConversationID, ev.SpeakerID)
		out := OutboundMessage{
			ChannelID:   b.channelID,
			SpeakerName: name,
			Text:        fmt.Sprintf("**%s**: %s", name, ev.Body),
		}
		if err := b.adapter.Send(ctx, out); err != nil {
			s.log.Error().Err(err).Str("run", ev.RunID).Msg("deliver message")
		}
	case models.RunFailed:
		s.reply(ctx, b, fmt.Sprintf("%s failed to respond (%s); !retry or !skip", ev.SpeakerID, ev.ErrorCode))
	}
}

// RoundTransition implements notify.Notifier.
func (s *Service) RoundTransition(ev notify.RoundEvent) {
	s.log.Debug().
		Str("conversation", ev.ConversationID).
		Str("round", ev.RoundID).
		Str("status", ev.Status).
		Str("sched_state", ev.SchedState).
		Msg("round transition")
}

func (s *Service) speakerName(conversationID, speakerID string) string {
	part, err := store.ParticipantBySpeaker(s.store.DB(), conversationID, speakerID)
	if err != nil || part == nil {
		return speakerID
	}
	return part.Name
}

var _ notify.Notifier = (*Service)(nil)
