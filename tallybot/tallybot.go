package tallybot

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"sync"
	"time"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/arcward/tallybot/tallybot.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

var ErrInvalidConfig = errors.New("invalid config")

var defaultLogWriter io.Writer = os.Stdout

// TallyBot ties the trackers to Discord, the state backend and the
// admin API.
type TallyBot struct {
	config *Config

	logger  *slog.Logger
	metrics *metrics

	// gorm wrapper for RefreshLog writes and, with the 'database' state
	// backend, tracker state documents
	db *database

	discord *Discord
	api     *API

	trackers map[string]*MetricTracker

	// prevents concurrent runs
	runMu     sync.Mutex
	startedAt time.Time
}

// New validates the config and builds every component. The discord
// gateway isn't connected until Run.
func New(ctx context.Context, config *Config) (*TallyBot, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	discordLogger := slog.New(
		newLogHandler(defaultLogWriter, levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel)),
	)
	session, err := newDiscordSession(config.Discord, config.HTTPClient, discordLogger)
	if err != nil {
		return nil, err
	}
	return newTallyBot(ctx, config, session)
}

// newTallyBot builds the bot around an existing discord session
func newTallyBot(
	ctx context.Context,
	config *Config,
	session DiscordSessionHandler,
) (*TallyBot, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	b := &TallyBot{
		config:   config,
		trackers: map[string]*MetricTracker{},
	}
	b.logger = slog.New(
		newLogHandler(defaultLogWriter, levelOr(config.LogLevel, DefaultLogLevel)),
	)
	slog.SetDefault(b.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		newLogHandler(
			defaultLogWriter,
			levelOr(config.Discord.DiscordGoLogLevel, DefaultDiscordgoLogLevel),
		),
	)

	names := make([]string, 0, len(config.Trackers))
	var errs []error
	for name, tc := range config.Trackers {
		names = append(names, name)
		if tc == nil || !tc.Enabled {
			continue
		}
		if err := validateTrackerName(name); err != nil {
			errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidConfig, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	slices.Sort(names)

	b.metrics = newMetrics(nil)

	if err := b.initDB(ctx); err != nil {
		return nil, err
	}

	var store StateStore
	switch config.StateBackend {
	case stateBackendDatabase:
		store = newDBStateStore(b.db)
	default:
		store = newFileStateStore(config.DataDir)
	}

	b.discord = newDiscord(
		config.Discord,
		session,
		slog.New(
			newLogHandler(
				defaultLogWriter,
				levelOr(config.Discord.LogLevel, DefaultDiscordLogLevel),
			),
		),
	)
	b.discord.db = b.db

	announcer := newMilestoneAnnouncer(
		session,
		config.OpenAI,
		config.HTTPClient,
		slog.New(
			newLogHandler(
				defaultLogWriter,
				levelOr(openAILogLevel(config.OpenAI), DefaultOpenAILogLevel),
			),
		),
	)

	limits := config.RefreshLimits
	userLimiter := NewRateLimiter(limits.UserRate, limits.UserPer, limits.CleanupInterval)
	guildLimiter := NewRateLimiter(limits.GuildRate, limits.GuildPer, limits.CleanupInterval)

	trackerLogger := slog.New(
		newLogHandler(
			defaultLogWriter,
			levelOr(config.TrackerLogLevel, DefaultTrackerLogLevel),
		),
	)

	for _, name := range names {
		tc := config.Trackers[name]
		if tc == nil || !tc.Enabled {
			b.logger.InfoContext(ctx, "tracker disabled", "tracker", name)
			continue
		}

		deps := trackerDeps{
			source: NewMetricFetcher(
				name,
				tc,
				config.HTTPClient,
				trackerLogger,
				b.metrics,
			),
			history: NewHistoryStore(
				ctx,
				name,
				store,
				tc.Retention,
				trackerLogger,
			),
			announcer:    announcer,
			userLimiter:  userLimiter,
			guildLimiter: guildLimiter,
			logger:       trackerLogger,
			metrics:      b.metrics,
		}
		if tc.ChannelID != "" {
			deps.renamer = NewChannelRenamer(
				name,
				tc.ChannelID,
				session,
				tc.RenameInterval,
				trackerLogger,
				b.metrics,
			)
		}
		if tc.PresenceFormat != "" {
			deps.presence = b.discord.presenceFor(name)
		}

		tracker := newMetricTracker(name, tc, deps)
		b.trackers[name] = tracker
		b.discord.addTracker(tracker)
	}
	if len(b.trackers) == 0 {
		b.logger.WarnContext(ctx, "no trackers enabled")
	}

	if config.API.Enabled {
		api, err := newAPI(
			config.API,
			b.trackers,
			b.metrics.registry,
			b.discord.connected.Load,
			slog.New(
				newLogHandler(
					defaultLogWriter,
					levelOr(config.API.LogLevel, DefaultAPILogLevel),
				),
			),
		)
		if err != nil {
			return nil, err
		}
		b.api = api
	}

	return b, nil
}

func (b *TallyBot) initDB(ctx context.Context) error {
	gormLogger := newGORMLogger(
		newLogHandler(
			defaultLogWriter,
			levelOr(b.config.DatabaseLogLevel, DefaultDatabaseLogLevel),
		),
		b.config.DatabaseSlowThreshold,
	)
	db, err := openDB(ctx, b.config.DatabaseType, b.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	if err = migrateDB(ctx, db); err != nil {
		return err
	}
	b.db = newDatabase(db, b.logger, b.config.DatabaseType == dbTypePostgres)
	return nil
}

// Run connects to discord, registers slash commands and runs every
// tracker (and the API, when enabled) until ctx is done.
func (b *TallyBot) Run(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	b.startedAt = time.Now()
	logger := b.logger
	ctx = WithLogger(ctx, logger)

	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", b.config),
		slog.String("version", Version),
	)

	if err := b.start(ctx); err != nil {
		logger.ErrorContext(ctx, "startup failed", tint.Err(err))
		b.closeDB(ctx)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range b.trackers {
		g.Go(
			func() error {
				t.Run(gctx)
				return nil
			},
		)
	}
	if b.api != nil {
		g.Go(
			func() error {
				return b.api.Serve(gctx, b.config.ShutdownTimeout)
			},
		)
	}
	logger.InfoContext(ctx, "running", "trackers", b.trackerNames())

	runErr := g.Wait()
	if runErr != nil {
		logger.ErrorContext(ctx, "stopped with error", tint.Err(runErr))
	}
	return errors.Join(runErr, b.shutdown(ctx))
}

// start opens the gateway and registers commands, limited by
// StartupTimeout
func (b *TallyBot) start(ctx context.Context) error {
	startCtx, cancel := context.WithTimeout(ctx, b.config.StartupTimeout)
	defer cancel()

	if err := b.discord.open(ctx); err != nil {
		return err
	}
	if b.config.Discord.RegisterCommands {
		if _, err := b.discord.registerCommands(discordgo.WithContext(startCtx)); err != nil {
			if closeErr := b.discord.close(); closeErr != nil {
				b.logger.ErrorContext(ctx, "error closing discord session", tint.Err(closeErr))
			}
			return fmt.Errorf("error registering commands: %w", err)
		}
	}
	if startCtx.Err() != nil {
		return fmt.Errorf("startup cancelled or timed out: %w", startCtx.Err())
	}
	return nil
}

// shutdown closes the discord session and the database, once the trackers
// and API have stopped
func (b *TallyBot) shutdown(ctx context.Context) error {
	logger := b.logger
	logger.InfoContext(ctx, "shutting down", "uptime", time.Since(b.startedAt).Round(time.Second))

	var errs []error
	if err := b.discord.close(); err != nil {
		logger.ErrorContext(ctx, "error closing discord session", tint.Err(err))
		errs = append(errs, err)
	}
	b.closeDB(ctx)
	logger.InfoContext(ctx, "shutdown complete")
	return errors.Join(errs...)
}

func (b *TallyBot) closeDB(ctx context.Context) {
	if b.db == nil {
		return
	}
	sqlDB, err := b.db.DB().DB()
	if err != nil {
		b.logger.ErrorContext(ctx, "error getting database handle", tint.Err(err))
		return
	}
	if err = sqlDB.Close(); err != nil {
		b.logger.ErrorContext(ctx, "error closing database", tint.Err(err))
	}
}

// Tracker returns the named tracker
func (b *TallyBot) Tracker(name string) (*MetricTracker, error) {
	t, ok := b.trackers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrTrackerNotFound, name)
	}
	return t, nil
}

func (b *TallyBot) trackerNames() []string {
	names := make([]string, 0, len(b.trackers))
	for name := range b.trackers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// levelOr returns lv, or def when lv hasn't been set up
func levelOr(lv *slog.LevelVar, def slog.Level) slog.Leveler {
	if lv == nil {
		return def
	}
	return lv
}

func openAILogLevel(cfg *OpenAIConfig) *slog.LevelVar {
	if cfg == nil {
		return nil
	}
	return cfg.LogLevel
}
