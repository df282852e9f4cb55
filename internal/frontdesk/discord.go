package frontdesk

import (
	"context"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

// discordSession abstracts the discordgo.Session methods we use, enabling
// test mocks.
type discordSession interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler interface{}) func()
}

// realDiscordSession wraps *discordgo.Session to implement discordSession.
type realDiscordSession struct {
	s *discordgo.Session
}

func (r *realDiscordSession) Open() error  { return r.s.Open() }
func (r *realDiscordSession) Close() error { return r.s.Close() }
func (r *realDiscordSession) ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSend(channelID, content, options...)
}
func (r *realDiscordSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}

// DiscordAdapter implements Adapter for Discord via the Gateway WebSocket.
type DiscordAdapter struct {
	sess          discordSession
	botToken      string
	log           zerolog.Logger
	mu            sync.Mutex
	connected     bool
	closed        bool
	botUserID     string
	inbound       chan InboundMessage
	removeHandler func()
}

// DiscordOpts holds parameters for creating a DiscordAdapter.
type DiscordOpts struct {
	BotToken string
	Logger   zerolog.Logger
	// For testing: inject a mock session instead of the real Discord API.
	Session discordSession
}

// NewDiscord creates a Discord adapter.
func NewDiscord(opts DiscordOpts) (*DiscordAdapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &DiscordAdapter{
		sess:     opts.Session,
		botToken: opts.BotToken,
		log:      opts.Logger.With().Str("adapter", "discord").Logger(),
		inbound:  make(chan InboundMessage, 100),
	}, nil
}

// Connect establishes the Discord Gateway WebSocket connection.
func (a *DiscordAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realDiscordSession{s: dg}
	}

	a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.mu.Lock()
		a.botUserID = r.User.ID
		a.mu.Unlock()
		a.log.Info().Str("user", r.User.Username).Msg("discord connected")
	})

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Listen registers the message handler and returns the inbound channel.
func (a *DiscordAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, fmt.Errorf("discord: not connected")
	}

	a.removeHandler = a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(m)
	})
	return a.inbound, nil
}

// handleMessage converts a gateway message into an InboundMessage. The bot's
// own messages are dropped so delivered speaker turns do not echo back in.
func (a *DiscordAdapter) handleMessage(m *discordgo.MessageCreate) {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if m.Author == nil || m.Author.ID == botID || m.Author.Bot {
		return
	}
	msg := InboundMessage{
		Platform:  "discord",
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		UserName:  m.Author.Username,
		Text:      m.Content,
		Timestamp: m.Timestamp,
	}
	select {
	case a.inbound <- msg:
	default:
		a.log.Warn().Str("channel", m.ChannelID).Msg("inbound buffer full, dropping message")
	}
}

// Send delivers a message to a Discord channel.
func (a *DiscordAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("discord: not connected")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	if _, err := a.sess.ChannelMessageSend(msg.ChannelID, msg.Text); err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// Close shuts the gateway connection down.
func (a *DiscordAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.removeHandler != nil {
		a.removeHandler()
	}
	close(a.inbound)
	if a.sess != nil {
		if err := a.sess.Close(); err != nil {
			return fmt.Errorf("discord: close session: %w", err)
		}
	}
	return nil
}

var _ Adapter = (*DiscordAdapter)(nil)
