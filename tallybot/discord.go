package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"log/slog"
	"math"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// refreshButtonPrefix prefixes the custom ID of each tracker's
	// refresh button, followed by the tracker name
	refreshButtonPrefix = "refresh:"

	// discordEmbedFieldMaxLength is Discord's limit on embed field values
	discordEmbedFieldMaxLength = 1024

	// interactionTimeout bounds the handling of a single interaction.
	// Refreshes are acknowledged before fetching, so this only has to
	// cover the fetch (with retries) and the follow-up edit.
	interactionTimeout = time.Minute

	presenceSeparator = " | "
)

const (
	refreshSourceCommand = "command"
	refreshSourceButton  = "button"
)

// Discord manages the gateway session, slash commands, refresh buttons
// and the bot's presence.
type Discord struct {
	session DiscordSessionHandler
	config  *DiscordConfig
	logger  *slog.Logger
	db      *database

	// trackers by name, and by slash command name
	trackers map[string]*MetricTracker
	commands map[string]*MetricTracker

	metricConnects    atomic.Int64
	metricDisconnects atomic.Int64
	connected         atomic.Bool

	presenceMu sync.Mutex
	presence   map[string]string

	discordgoRemoveHandlerFuncs []func()

	now func() time.Time
}

func newDiscord(
	config *DiscordConfig,
	session DiscordSessionHandler,
	logger *slog.Logger,
) *Discord {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		config:                      config,
		session:                     session,
		logger:                      logger.With(loggerNameKey, "discord"),
		trackers:                    map[string]*MetricTracker{},
		commands:                    map[string]*MetricTracker{},
		presence:                    map[string]string{},
		discordgoRemoveHandlerFuncs: []func(){},
		now:                         time.Now,
	}
}

// newDiscordSession creates a discordgo session for the configured bot
// token
func newDiscordSession(
	config *DiscordConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) (DiscordSessionHandler, error) {
	session := DiscordSession{logger: logger.With(loggerNameKey, "discord_session_handler")}
	disc, err := discordgo.New("Bot " + config.Token)
	if err != nil {
		return session, fmt.Errorf("error creating discord session: %w", err)
	}
	disc.SyncEvents = false
	disc.StateEnabled = true
	disc.Identify.Intents = config.GatewayIntents
	session.session = disc
	if httpClient != nil {
		session.SetHTTPClient(httpClient)
	}
	level := slog.LevelWarn
	if config.DiscordGoLogLevel != nil {
		level = config.DiscordGoLogLevel.Level()
	}
	if err = session.SetLogLevel(level); err != nil {
		return session, err
	}
	return session, nil
}

// addTracker makes the tracker available to its slash command and
// refresh button
func (d *Discord) addTracker(t *MetricTracker) {
	d.trackers[t.Name()] = t
	d.commands[t.Config().CommandName] = t
}

func (d *Discord) trackerNames() []string {
	names := make([]string, 0, len(d.trackers))
	for name := range d.trackers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// appCommand returns the slash command for the given tracker
func (*Discord) appCommand(t *MetricTracker) *discordgo.ApplicationCommand {
	cfg := t.Config()
	description := cfg.CommandDescription
	if description == "" {
		description = fmt.Sprintf("Show the current %s", strings.ToLower(cfg.Title))
	}
	dmPerm := true
	contexts := []discordgo.InteractionContextType{
		discordgo.InteractionContextGuild,
		discordgo.InteractionContextBotDM,
	}
	return &discordgo.ApplicationCommand{
		Name:         cfg.CommandName,
		Description:  truncate(description, 100),
		DMPermission: &dmPerm,
		Type:         discordgo.ChatApplicationCommand,
		Contexts:     &contexts,
	}
}

// registerCommands sends one slash command per tracker to the discord
// bulk overwrite endpoint
func (d *Discord) registerCommands(
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	commands := make([]*discordgo.ApplicationCommand, 0, len(d.trackers))
	for _, name := range d.trackerNames() {
		commands = append(commands, d.appCommand(d.trackers[name]))
	}
	created, err := d.session.ApplicationCommandBulkOverwrite(
		d.config.ApplicationID,
		d.config.GuildID,
		commands,
		options...,
	)
	if err != nil {
		d.logger.Error("error overwriting discord commands", tint.Err(err))
		return created, err
	}
	if len(created) == 0 {
		d.logger.Warn("no commands created")
	}
	for _, c := range created {
		d.logger.Info("created command", "command", c.Name)
	}
	return created, nil
}

// open adds the gateway handlers and connects
func (d *Discord) open(ctx context.Context) error {
	d.discordgoRemoveHandlerFuncs = append(
		d.discordgoRemoveHandlerFuncs,
		d.session.AddHandler(d.handlerReady()),
		d.session.AddHandler(d.handlerConnect()),
		d.session.AddHandler(d.handlerDisconnect()),
		d.session.AddHandler(d.handlerInteractionCreate(ctx)),
	)
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("error opening discord session: %w", err)
	}
	return nil
}

func (d *Discord) close() error {
	for _, remove := range d.discordgoRemoveHandlerFuncs {
		remove()
	}
	d.discordgoRemoveHandlerFuncs = nil
	return d.session.Close()
}

func (d *Discord) handlerReady() func(
	s *discordgo.Session,
	r *discordgo.Ready,
) {
	return func(_ *discordgo.Session, r *discordgo.Ready) {
		attrs := []any{"session_id", r.SessionID, "guilds", len(r.Guilds)}
		if r.User != nil {
			attrs = append(attrs, "user_id", r.User.ID, "username", r.User.Username)
		}
		d.logger.Info("ready", attrs...)
	}
}

func (d *Discord) handlerConnect() func(
	s *discordgo.Session,
	r *discordgo.Connect,
) {
	return func(s *discordgo.Session, _ *discordgo.Connect) {
		d.metricConnects.Add(1)
		d.connected.Store(true)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("connected", "session_id", sessionID)

		if err := d.applyPresence(); err != nil {
			d.logger.Warn("unable to restore presence", tint.Err(err))
		}

		if d.config.NotificationChannelID != "" && d.config.StartupMessage != "" {
			if _, err := d.session.ChannelMessageSend(
				d.config.NotificationChannelID,
				d.config.StartupMessage,
				discordgo.WithRetryOnRatelimit(false),
				discordgo.WithRestRetries(1),
			); err != nil {
				d.logger.Error("unable to send startup message", tint.Err(err))
			} else {
				d.logger.Info("sent startup notification")
			}
		}
	}
}

func (d *Discord) handlerDisconnect() func(
	s *discordgo.Session,
	r *discordgo.Disconnect,
) {
	return func(s *discordgo.Session, _ *discordgo.Disconnect) {
		d.connected.Store(false)
		d.metricDisconnects.Add(1)

		var sessionID string
		if s != nil && s.State != nil {
			sessionID = s.State.SessionID
		}
		d.logger.Info("disconnected", "session_id", sessionID)
	}
}

func (d *Discord) handlerInteractionCreate(ctx context.Context) func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		d.handleInteraction(ctx, i)
	}
}

// handleInteraction serves slash commands and refresh buttons. Anything
// else is ignored.
func (d *Discord) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	log := d.logger.With(interactionLogAttrs(i)...)

	defer func() {
		if rc := recover(); rc != nil {
			log.Error("panic handling interaction", tint.Err(fmt.Errorf("%v", rc)))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, interactionTimeout)
	defer cancel()

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		name := i.ApplicationCommandData().Name
		log = log.With("command", name)
		tracker, ok := d.commands[name]
		if !ok {
			log.Warn("unknown command")
			d.respondEphemeral(WithLogger(ctx, log), i, d.config.ErrorMessage)
			return
		}
		d.refresh(WithLogger(ctx, log), i, tracker, refreshSourceCommand)
	case discordgo.InteractionMessageComponent:
		customID := i.MessageComponentData().CustomID
		log = log.With("custom_id", customID)
		name, isRefresh := strings.CutPrefix(customID, refreshButtonPrefix)
		tracker, ok := d.trackers[name]
		if !isRefresh || !ok {
			log.Warn("unknown component")
			d.respondEphemeral(WithLogger(ctx, log), i, d.config.ErrorMessage)
			return
		}
		d.refresh(WithLogger(ctx, log), i, tracker, refreshSourceButton)
	default:
		log.Debug("ignoring interaction")
	}
}

// refresh runs a manual refresh for the interaction's user, responds,
// and records a RefreshLog.
//
// Throttled requests are answered immediately. Otherwise the interaction
// is acknowledged first (Discord drops interactions without a response
// within three seconds), then the deferred response is edited once the
// fetch completes.
func (d *Discord) refresh(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	tracker *MetricTracker,
	source string,
) {
	log := contextLoggerOr(ctx, d.logger)
	start := d.now()

	requester := Requester{GuildID: i.GuildID}
	entry := RefreshLog{
		Tracker:       tracker.Name(),
		Source:        source,
		InteractionID: i.ID,
		GuildID:       i.GuildID,
		ChannelID:     i.ChannelID,
	}
	if u := interactionUser(i); u != nil {
		requester.UserID = u.ID
		entry.UserID = u.ID
		entry.Username = u.Username
	}
	defer func() {
		entry.DurationMS = d.now().Sub(start).Milliseconds()
		log.InfoContext(
			ctx,
			"handled refresh",
			"outcome", entry.Outcome,
			"duration", time.Duration(entry.DurationMS)*time.Millisecond,
		)
		d.saveRefreshLog(ctx, &entry)
	}()

	result, admitted := tracker.Admit(ctx, requester)
	if !admitted {
		entry.Outcome = string(result.Status)
		entry.RetryAfterMS = result.RetryAfter.Milliseconds()
		if err := d.session.InteractionRespond(
			i.Interaction,
			d.throttleResponse(result),
		); err != nil {
			log.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
			entry.Error = err.Error()
		}
		return
	}

	deferType := discordgo.InteractionResponseDeferredChannelMessageWithSource
	if source == refreshSourceButton {
		deferType = discordgo.InteractionResponseDeferredMessageUpdate
	}
	if err := d.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{Type: deferType},
	); err != nil {
		// without an acknowledgement, the edit below can't succeed
		log.ErrorContext(ctx, "error acknowledging interaction", tint.Err(err))
		entry.Outcome = string(RefreshFailed)
		entry.Error = err.Error()
		return
	}

	result = tracker.refreshAdmitted(ctx)
	entry.Outcome = string(result.Status)
	if result.Status == RefreshOK {
		entry.Value = ptr(result.Value)
	}

	if err := d.completeRefresh(i, tracker, result, source); err != nil {
		log.ErrorContext(ctx, "error responding to interaction", tint.Err(err))
		entry.Error = err.Error()
	}
}

// completeRefresh replaces the deferred acknowledgement with the refresh
// result. A failed fetch gets an ephemeral follow-up. For slash commands,
// the deferred "thinking" placeholder is removed first.
func (d *Discord) completeRefresh(
	i *discordgo.InteractionCreate,
	tracker *MetricTracker,
	result RefreshResult,
	source string,
) error {
	if result.Status != RefreshOK {
		var errs []error
		if source == refreshSourceCommand {
			if err := d.session.InteractionResponseDelete(i.Interaction); err != nil {
				errs = append(errs, err)
			}
		}
		_, err := d.session.FollowupMessageCreate(
			i.Interaction,
			false,
			&discordgo.WebhookParams{
				Content: d.config.FetchFailedMessage,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		)
		return errors.Join(append(errs, err)...)
	}

	embeds := []*discordgo.MessageEmbed{d.refreshEmbed(tracker, result)}
	components := []discordgo.MessageComponent{refreshButtonRow(tracker.Name())}
	_, err := d.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Embeds:     &embeds,
			Components: &components,
		},
	)
	return err
}

func (d *Discord) saveRefreshLog(ctx context.Context, entry *RefreshLog) {
	if d.db == nil {
		return
	}
	if _, err := d.db.Create(context.WithoutCancel(ctx), entry); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error saving refresh log",
			tint.Err(err),
		)
	}
}

// throttleResponse is the ephemeral reply to a throttled refresh
func (d *Discord) throttleResponse(result RefreshResult) *discordgo.InteractionResponse {
	msg := d.config.UserThrottleMessage
	if result.Status == RefreshGuildThrottled {
		msg = d.config.GuildThrottleMessage
	}
	return ephemeralResponse(fmt.Sprintf(msg, result.RetryAfter.Seconds()))
}

func (d *Discord) refreshEmbed(
	tracker *MetricTracker,
	result RefreshResult,
) *discordgo.MessageEmbed {
	cfg := tracker.Config()
	embed := &discordgo.MessageEmbed{
		Title: cfg.Title,
		Description: strings.TrimSpace(
			fmt.Sprintf("Currently tracking **%s** %s", formatCount(result.Value), cfg.Unit),
		),
		Color:     cfg.Color,
		Timestamp: result.FetchedAt.UTC().Format(time.RFC3339),
	}
	if cfg.Emoji != "" {
		embed.Title = strings.TrimSpace(cfg.Emoji + " " + embed.Title)
	}

	p := result.Prediction
	if p.Target > 0 {
		value := formatCount(p.Target)
		if when, ok := p.Describe(d.now()); ok {
			value = fmt.Sprintf("%s (%s)", value, when)
			if p.Date != nil {
				value = fmt.Sprintf("%s\n<t:%d:D>", value, p.Date.Unix())
			}
		}
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Next milestone",
				Value:  truncate(value, discordEmbedFieldMaxLength),
				Inline: true,
			},
		)
	}
	if p.DailyRate != 0 {
		embed.Fields = append(
			embed.Fields,
			&discordgo.MessageEmbedField{
				Name:   "Growth",
				Value:  fmt.Sprintf("%s/day", humanize.Commaf(math.Round(p.DailyRate*10)/10)),
				Inline: true,
			},
		)
	}
	return embed
}

func refreshButtonRow(tracker string) discordgo.ActionsRow {
	return discordgo.ActionsRow{
		Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "Refresh",
				Style:    discordgo.PrimaryButton,
				CustomID: refreshButtonPrefix + tracker,
				Emoji:    &discordgo.ComponentEmoji{Name: "🔄"},
			},
		},
	}
}

func ephemeralResponse(content string) *discordgo.InteractionResponse {
	return &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	}
}

func (d *Discord) respondEphemeral(
	ctx context.Context,
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := d.session.InteractionRespond(i.Interaction, ephemeralResponse(content)); err != nil {
		contextLoggerOr(ctx, d.logger).ErrorContext(
			ctx,
			"error responding to interaction",
			tint.Err(err),
		)
	}
}

type presenceFunc func(text string) error

func (f presenceFunc) UpdateWatching(text string) error {
	return f(text)
}

// presenceFor returns a PresenceUpdater for the given tracker. Each
// tracker's text is combined into a single "watching" activity.
func (d *Discord) presenceFor(tracker string) PresenceUpdater {
	return presenceFunc(
		func(text string) error {
			d.presenceMu.Lock()
			d.presence[tracker] = text
			d.presenceMu.Unlock()
			return d.applyPresence()
		},
	)
}

func (d *Discord) presenceText() string {
	d.presenceMu.Lock()
	defer d.presenceMu.Unlock()
	names := make([]string, 0, len(d.presence))
	for name := range d.presence {
		names = append(names, name)
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if text := d.presence[name]; text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, presenceSeparator)
}

func (d *Discord) applyPresence() error {
	text := d.presenceText()
	if text == "" {
		return nil
	}
	return d.session.UpdateStatusComplex(
		discordgo.UpdateStatusData{
			Status: DefaultPresenceStatus,
			Activities: []*discordgo.Activity{
				{Name: text, Type: discordgo.ActivityTypeWatching},
			},
		},
	)
}

// DiscordSessionHandler defines the methods from `discordgo.Session`
// which are used in this application, to enable testing/mocking.
type DiscordSessionHandler interface {
	// Open creates a websocket connection to Discord
	Open() error

	// Close closes the websocket connection to Discord
	Close() error

	// ChannelEdit modifies a channel. Used to rename tracker channels.
	ChannelEdit(
		channelID string,
		data *discordgo.ChannelEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Channel, error)

	// ChannelMessageSend sends a message to a specified channel
	ChannelMessageSend(
		channelID string,
		message string,
		opts ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// ApplicationCommandBulkOverwrite overwrites Discord application
	// commands in bulk
	ApplicationCommandBulkOverwrite(
		appID string,
		guildID string,
		commands []*discordgo.ApplicationCommand,
		options ...discordgo.RequestOption,
	) ([]*discordgo.ApplicationCommand, error)

	// UpdateStatusComplex sends the given status update, untouched
	UpdateStatusComplex(data discordgo.UpdateStatusData) error

	// AddHandler adds a discord gateway event handler
	AddHandler(handler any) func()

	// InteractionRespond sends an interaction response to Discord
	InteractionRespond(
		interaction *discordgo.Interaction,
		resp *discordgo.InteractionResponse,
		options ...discordgo.RequestOption,
	) error

	// InteractionResponseEdit modifies the given interaction's response
	InteractionResponseEdit(
		interaction *discordgo.Interaction,
		newresp *discordgo.WebhookEdit,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// InteractionResponseDelete deletes the given interaction's response
	InteractionResponseDelete(
		interaction *discordgo.Interaction,
		options ...discordgo.RequestOption,
	) error

	// FollowupMessageCreate sends a follow-up message for an interaction
	FollowupMessageCreate(
		interaction *discordgo.Interaction,
		wait bool,
		data *discordgo.WebhookParams,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)

	// SetHTTPClient sets the HTTP client for the session
	SetHTTPClient(client *http.Client)

	// SetLogLevel modifies the session's log level
	SetLogLevel(lvl slog.Level) error
}

// DiscordSession implements DiscordSessionHandler, wrapping a
// [discordgo.Session](https://pkg.go.dev/github.com/bwmarrin/discordgo#Session)
type DiscordSession struct {
	session *discordgo.Session
	logger  *slog.Logger
}

func (d DiscordSession) SetLogLevel(lvl slog.Level) error {
	switch lvl.Level() {
	case slog.LevelInfo:
		d.session.LogLevel = discordgo.LogInformational
	case slog.LevelWarn:
		d.session.LogLevel = discordgo.LogWarning
	case slog.LevelDebug:
		d.session.LogLevel = discordgo.LogDebug
	case slog.LevelError:
		d.session.LogLevel = discordgo.LogError
	default:
		return fmt.Errorf("invalid log level: %s", lvl)
	}
	return nil
}

func (d DiscordSession) SetHTTPClient(client *http.Client) {
	d.session.Client = client
}

func (d DiscordSession) ChannelEdit(
	channelID string,
	data *discordgo.ChannelEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	ch, err := d.session.ChannelEdit(channelID, data, options...)
	if err != nil {
		d.logger.Warn(
			"error editing channel",
			tint.Err(err),
			"channel_id", channelID,
			"name", data.Name,
		)
	}
	return ch, err
}

func (d DiscordSession) InteractionRespond(
	interaction *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionRespond(interaction, resp, options...)
}

func (d DiscordSession) InteractionResponseEdit(
	interaction *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.InteractionResponseEdit(interaction, newresp, options...)
}

func (d DiscordSession) InteractionResponseDelete(
	interaction *discordgo.Interaction,
	options ...discordgo.RequestOption,
) error {
	return d.session.InteractionResponseDelete(interaction, options...)
}

func (d DiscordSession) FollowupMessageCreate(
	interaction *discordgo.Interaction,
	wait bool,
	data *discordgo.WebhookParams,
	options ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	msg, err := d.session.FollowupMessageCreate(interaction, wait, data, options...)
	if err != nil {
		d.logger.Error("error sending followup message", tint.Err(err))
	}
	return msg, err
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
	message string,
	opts ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	return d.session.ChannelMessageSend(channelID, message, opts...)
}

func (d DiscordSession) ApplicationCommandBulkOverwrite(
	appID string,
	guildID string,
	commands []*discordgo.ApplicationCommand,
	options ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	return d.session.ApplicationCommandBulkOverwrite(
		appID,
		guildID,
		commands,
		options...,
	)
}

func (d DiscordSession) UpdateStatusComplex(
	data discordgo.UpdateStatusData,
) error {
	return d.session.UpdateStatusComplex(data)
}
