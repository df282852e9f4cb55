package frontdesk

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
)

const (
	slackBaseBackoff  = 2 * time.Second
	slackMaxBackoff   = 2 * time.Minute
	slackMaxReconnect = 10
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// slackSocket abstracts the Socket Mode client methods we use.
type slackSocket interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

// realSlackSocket wraps *socketmode.Client to implement slackSocket.
type realSlackSocket struct {
	client *socketmode.Client
}

func (r *realSlackSocket) Run() error                        { return r.client.Run() }
func (r *realSlackSocket) EventsChan() chan socketmode.Event { return r.client.Events }
func (r *realSlackSocket) Ack(req socketmode.Request, payload ...interface{}) {
	r.client.Ack(req, payload...)
}

// SlackAdapter implements Adapter for Slack Socket Mode.
type SlackAdapter struct {
	client     slackClient
	socket     slackSocket
	appToken   string
	botToken   string
	log        zerolog.Logger
	mu         sync.Mutex
	connected  bool
	closed     bool
	botUserID  string
	inbound    chan InboundMessage
	cancelFunc context.CancelFunc
	userNames  map[string]string
}

// SlackOpts holds parameters for creating a SlackAdapter.
type SlackOpts struct {
	AppToken string // xapp-... app-level token for Socket Mode
	BotToken string // xoxb-... bot token
	Logger   zerolog.Logger
	// For testing: inject mock clients instead of the real Slack API.
	Client slackClient
	Socket slackSocket
}

// NewSlack creates a Slack adapter.
func NewSlack(opts SlackOpts) (*SlackAdapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &SlackAdapter{
		client:    opts.Client,
		socket:    opts.Socket,
		appToken:  opts.AppToken,
		botToken:  opts.BotToken,
		log:       opts.Logger.With().Str("adapter", "slack").Logger(),
		inbound:   make(chan InboundMessage, 100),
		userNames: make(map[string]string),
	}, nil
}

// Connect establishes the Socket Mode connection.
func (a *SlackAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("slack: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.client == nil {
		api := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.client = api
		a.socket = &realSlackSocket{client: socketmode.New(api)}
	}

	auth, err := a.client.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.botUserID = auth.UserID
	a.connected = true
	return nil
}

// Listen starts the Socket Mode event pump and returns the inbound channel.
func (a *SlackAdapter) Listen(ctx context.Context) (<-chan InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.mu.Unlock()

	go a.runWithReconnect(listenCtx)
	go a.pumpEvents(listenCtx)
	return a.inbound, nil
}

// Send delivers a message to a Slack channel.
func (a *SlackAdapter) Send(ctx context.Context, msg OutboundMessage) error {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return fmt.Errorf("slack: not connected")
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("slack: no channel specified")
	}
	text := msg.Text
	if msg.SpeakerName != "" {
		// Slack renders *bold* with single asterisks.
		text = strings.ReplaceAll(text, "**"+msg.SpeakerName+"**", "*"+msg.SpeakerName+"*")
	}
	if _, _, err := a.client.PostMessage(msg.ChannelID, slackapi.MsgOptionText(text, false)); err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// Close shuts the adapter down and closes the inbound channel.
func (a *SlackAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	if a.cancelFunc != nil {
		a.cancelFunc()
	}
	close(a.inbound)
	return nil
}

// runWithReconnect runs the Socket Mode client and retries with exponential
// backoff when Run returns an error.
func (a *SlackAdapter) runWithReconnect(ctx context.Context) {
	for attempt := 0; attempt < slackMaxReconnect; attempt++ {
		err := a.socket.Run()
		if err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * slackBaseBackoff
		if wait > slackMaxBackoff {
			wait = slackMaxBackoff
		}
		a.log.Warn().Err(err).Int("attempt", attempt+1).Dur("wait", wait).Msg("socket mode disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	a.log.Error().Int("attempts", slackMaxReconnect).Msg("socket mode reconnection exhausted")
}

// pumpEvents reads Socket Mode events and converts them to InboundMessages.
func (a *SlackAdapter) pumpEvents(ctx context.Context) {
	events := a.socket.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.handleSocketEvent(evt)
		}
	}
}

func (a *SlackAdapter) handleSocketEvent(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		if evt.Request != nil {
			a.socket.Ack(*evt.Request)
		}
		if apiEvent.Type != slackevents.CallbackEvent {
			return
		}
		if ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent); ok {
			a.handleMessage(ev)
		}
	case socketmode.EventTypeConnectionError:
		a.log.Warn().Msgf("connection error: %v", evt.Data)
	}
}

// handleMessage converts a Slack message event to an InboundMessage. Bot
// messages and subtypes (edits, deletes) are dropped.
func (a *SlackAdapter) handleMessage(ev *slackevents.MessageEvent) {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()
	if ev.User == botID || ev.BotID != "" || ev.SubType != "" {
		return
	}
	msg := InboundMessage{
		Platform:  "slack",
		ChannelID: ev.Channel,
		UserID:    ev.User,
		UserName:  a.resolveUserName(ev.User),
		Text:      ev.Text,
		Timestamp: parseSlackTimestamp(ev.TimeStamp),
	}
	select {
	case a.inbound <- msg:
	default:
		a.log.Warn().Str("channel", ev.Channel).Msg("inbound buffer full, dropping message")
	}
}

// resolveUserName looks up a user's display name, caching results.
func (a *SlackAdapter) resolveUserName(userID string) string {
	if userID == "" {
		return ""
	}
	a.mu.Lock()
	if name, ok := a.userNames[userID]; ok {
		a.mu.Unlock()
		return name
	}
	a.mu.Unlock()

	user, err := a.client.GetUserInfo(userID)
	if err != nil {
		return userID
	}
	name := user.Profile.DisplayName
	if name == "" {
		name = user.RealName
	}
	if name == "" {
		name = user.Name
	}
	a.mu.Lock()
	a.userNames[userID] = name
	a.mu.Unlock()
	return name
}

// parseSlackTimestamp converts a Slack "1234567890.123456" timestamp.
func parseSlackTimestamp(ts string) time.Time {
	parts := strings.SplitN(ts, ".", 2)
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}
	var nsec int64
	if len(parts) == 2 {
		if frac, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
			for i := len(parts[1]); i < 9; i++ {
				frac *= 10
			}
			nsec = frac
		}
	}
	return time.Unix(sec, nsec)
}

var _ Adapter = (*SlackAdapter)(nil)
