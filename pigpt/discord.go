package pigpt

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const discordForbiddenFormat = "Error: Bot doesn't have permission to send messages to %s"

// Discord answers messages from a Discord gateway session, replying in the
// same channel, or by direct message when the message starts with the
// configured private prefix.
type Discord struct {
	session   DiscordSessionHandler
	config    *DiscordConfig
	responder Responder
	logger    *slog.Logger
	metrics   *Metrics

	botUserID atomic.Value
	connected atomic.Bool

	removeHandlers []func()
	wg             sync.WaitGroup

	// stopping is set once Run stops accepting messages, guarded by mu
	stopping bool
	mu       sync.Mutex
}

func newDiscord(
	config *DiscordConfig,
	responder Responder,
	logger *slog.Logger,
) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:    config,
		responder: responder,
		logger:    logger,
	}
}

// newSession initializes a new Discord session with the configured
// token, intents and HTTP client
func (d *Discord) newSession(httpClient *http.Client) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: d.logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + d.config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = true
	disc.StateEnabled = false
	disc.Identify.Intents = d.config.GatewayIntents
	if httpClient != nil {
		disc.Client = httpClient
	}
	session.session = disc

	if d.config.DiscordGoLogLevel != nil {
		if err = session.SetLogLevel(d.config.DiscordGoLogLevel.Level()); err != nil {
			return session, err
		}
	}
	return session, nil
}

// Run opens the gateway session and handles messages until ctx ends,
// then waits for in-flight messages and closes the session.
func (d *Discord) Run(ctx context.Context) error {
	if d.session == nil {
		return errors.New("discord session not initialized")
	}
	d.removeHandlers = append(
		d.removeHandlers,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerMessageCreate(ctx)),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	d.logger.InfoContext(ctx, "discord session opened")

	<-ctx.Done()

	d.mu.Lock()
	d.stopping = true
	d.mu.Unlock()

	for _, remove := range d.removeHandlers {
		remove()
	}
	d.removeHandlers = nil
	d.wg.Wait()

	if err := d.session.Close(); err != nil {
		d.logger.Error("error closing discord session", tint.Err(err))
		return err
	}
	d.logger.Info("discord session closed")
	return nil
}

func (d *Discord) botID() string {
	id, _ := d.botUserID.Load().(string)
	return id
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(s *discordgo.Session, r *discordgo.Ready) {
		d.connected.Store(true)
		if r == nil || r.User == nil {
			return
		}
		d.botUserID.Store(r.User.ID)
		d.logger.Info(
			"Ready",
			"session_id", r.SessionID,
			slog.Group("user", "id", r.User.ID, "username", r.User.Username),
		)
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, r *discordgo.Disconnect) {
		d.connected.Store(false)
		d.logger.Info("disconnected")
	}
}

// handlerMessageCreate returns the gateway handler for new messages. Each
// message is answered in its own goroutine.
func (d *Discord) handlerMessageCreate(ctx context.Context) func(
	s *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		if m == nil || m.Message == nil {
			return
		}
		d.mu.Lock()
		if d.stopping {
			d.mu.Unlock()
			d.logger.Warn("discord stopping, ignoring message", "message_id", m.ID)
			return
		}
		d.wg.Add(1)
		d.mu.Unlock()
		go func() {
			defer d.wg.Done()
			d.handleMessage(ctx, m.Message)
		}()
	}
}

// handleMessage gets a reply for the message and sends it, split into
// chunks of at most 2000 characters
func (d *Discord) handleMessage(ctx context.Context, m *discordgo.Message) {
	if m.Author == nil || m.Author.Bot || m.Author.ID == d.botID() {
		return
	}

	content, private := d.parseContent(m.Content)
	if content == "" {
		return
	}

	logger := d.logger.With(
		"message_id", m.ID,
		"channel_id", m.ChannelID,
		slog.Group("user", "id", m.Author.ID, "username", m.Author.Username),
	)
	logger.InfoContext(
		ctx,
		"got message",
		"content", truncate(content, 100),
		"private", private,
	)

	if d.config.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.config.ResponseTimeout)
		defer cancel()
	}
	ctx = WithLogger(ctx, logger)

	reply, err := d.responder.Respond(ctx, m.Author.ID, content)
	if err != nil {
		logger.ErrorContext(ctx, "error getting response", tint.Err(err))
		errMsg := d.config.ErrorMessage
		if errors.Is(err, ErrUserBusy) {
			errMsg = d.config.BusyMessage
		}
		if errMsg != "" {
			d.send(logger, m.ChannelID, errMsg)
		}
		return
	}
	if strings.TrimSpace(reply) == "" {
		reply = DefaultDiscordNoReplyMessage
	}

	channelID := m.ChannelID
	delivery := "channel"
	if private {
		delivery = "direct"
		dm, dmErr := d.session.UserChannelCreate(m.Author.ID)
		if dmErr != nil {
			d.handleSendError(logger, m, dmErr)
			return
		}
		channelID = dm.ID
	}

	for _, chunk := range chunkString(reply, discordMaxMessageLength) {
		if _, sendErr := d.session.ChannelMessageSend(channelID, chunk); sendErr != nil {
			d.handleSendError(logger, m, sendErr)
			return
		}
	}
	if d.metrics != nil {
		d.metrics.discordReplies.WithLabelValues(delivery).Inc()
	}
	logger.InfoContext(
		ctx,
		"sent response",
		"channel_id", channelID,
		"response_length", len(reply),
	)
}

// parseContent strips the private prefix from the message, if present,
// returning the trimmed text and whether the reply should be private
func (d *Discord) parseContent(content string) (string, bool) {
	prefix := d.config.PrivatePrefix
	if prefix != "" && strings.HasPrefix(content, prefix) {
		return strings.TrimSpace(strings.TrimPrefix(content, prefix)), true
	}
	return strings.TrimSpace(content), false
}

// handleSendError notifies the originating channel that the reply
// couldn't be delivered
func (d *Discord) handleSendError(
	logger *slog.Logger,
	m *discordgo.Message,
	err error,
) {
	if isDiscordForbidden(err) {
		errMsg := fmt.Sprintf(discordForbiddenFormat, m.Author.String())
		logger.Error(errMsg, tint.Err(err))
		d.send(logger, m.ChannelID, errMsg)
		return
	}
	logger.Error("error sending response", tint.Err(err))
	if d.config.ErrorMessage != "" {
		d.send(logger, m.ChannelID, d.config.ErrorMessage)
	}
}

func (d *Discord) send(logger *slog.Logger, channelID string, content string) {
	if _, err := d.session.ChannelMessageSend(channelID, content); err != nil {
		logger.Error("error sending message", "channel_id", channelID, tint.Err(err))
	}
}

// isDiscordForbidden returns true if err is a 403 response from the
// Discord API
func isDiscordForbidden(err error) bool {
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) || restErr.Response == nil {
		return false
	}
	return restErr.Response.StatusCode == http.StatusForbidden
}

// DiscordSessionHandler is an interface for a Discord session, to
// allow for mocking in tests
type DiscordSessionHandler interface {
	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	Open() error
	Close() error

	// ChannelMessageSend sends a message to the given channel
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// UserChannelCreate returns the direct message channel for the user
	UserChannelCreate(
		recipientID string,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) AddHandler(handler any) func() {
	return d.session.AddHandler(handler)
}

func (d DiscordSession) Open() error {
	return d.session.Open()
}

func (d DiscordSession) Close() error {
	return d.session.Close()
}

func (d DiscordSession) ChannelMessageSend(
	channelID string,
	content string,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	started := time.Now()
	msg, err := d.session.ChannelMessageSend(channelID, content, options...)
	if err != nil {
		d.logger.Error(
			"error sending message",
			tint.Err(err),
			"channel_id", channelID,
		)
	} else {
		d.logger.Debug(
			"sent message",
			"channel_id", channelID,
			"message_id", msg.ID,
			"duration", time.Since(started),
		)
	}
	return msg, err
}

func (d DiscordSession) UserChannelCreate(
	recipientID string,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return d.session.UserChannelCreate(recipientID, options...)
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	if d.session == nil {
		return errors.New("discord session not initialized")
	}
	d.session.LogLevel = discordgoLogLevel(lvl)
	return nil
}
