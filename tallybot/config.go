//nolint:lll // struct tags can't be split
package tallybot

import (
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"log/slog"
	"net/http"
	"time"
)

const (
	EnvvarSetEnvPrefix     = "TALLYBOT_ENV_PREFIX"
	DefaultEnvPrefix       = "TB"
	DefaultDatabaseType    = dbTypeSQLite
	DefaultDatabase        = "tallybot.sqlite3"
	DefaultStateBackend    = stateBackendFile
	DefaultDataDir         = "data"
	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultPollInterval      = 5 * time.Minute
	DefaultFetchTimeout      = 10 * time.Second
	DefaultFetchRetryDelay   = time.Second
	DefaultFetchMaxAttempts  = 3
	DefaultRetention         = 30 * 24 * time.Hour
	DefaultRenameInterval    = 5 * time.Minute
	DefaultJSONPath          = "count"
	DefaultUserAgent         = "tallybot"
	DefaultPresenceStatus    = "online"
	DefaultAnnounceModel     = "gpt-4o-mini"
	DefaultAnnounceMaxTokens = 120

	DefaultReadTimeout             = 5 * time.Second
	DefaultReadHeaderTimeout       = 5 * time.Second
	DefaultWriteTimeout            = 10 * time.Second
	DefaultIdleTimeout             = 30 * time.Second
	DefaultAPIListen               = "127.0.0.1:5000"
	DefaultAPITLSMinVersion        = tls.VersionTLS12
	DefaultAPIPollRequestsPerMin   = 6
	DefaultAPICORSAllowCredentials = false
	defaultListenNetwork           = "tcp"

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds
	DefaultDiscordLogLevel      = slog.LevelWarn
	DefaultDiscordgoLogLevel    = slog.LevelWarn
	DefaultDiscordErrorMessage  = "Something went wrong. Please try again later."
	DefaultGuildThrottleMessage = "This server is being rate limited. Please wait %.1f seconds."
	DefaultUserThrottleMessage  = "Please wait %.1f seconds before using this command again."
	DefaultFetchFailedMessage   = "Failed to fetch the current count. Please try again later."

	DefaultDatabaseSlowThreshold = 200 * time.Millisecond
	DefaultDatabaseLogLevel      = slog.LevelWarn
	DefaultAPILogLevel           = slog.LevelInfo
	DefaultTrackerLogLevel       = slog.LevelInfo
	DefaultOpenAILogLevel        = slog.LevelInfo

	TrackerFiles = "files"
	TrackerStars = "stars"
)

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodPost,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
	DefaultCORSMaxAge = 12 * time.Hour
)

type Config struct {
	// Database connection string (a file path, for sqlite)
	Database string `yaml:"database" mapstructure:"database" json:"database" log:"[redacted]"`

	// DatabaseType specifies the type of database, either 'sqlite' or 'postgres'
	DatabaseType string `yaml:"database_type" mapstructure:"database_type" json:"database_type" binding:"oneof=sqlite postgres"`

	// DatabaseLogLevel sets the log level for database operations
	DatabaseLogLevel *slog.LevelVar `yaml:"database_log_level" mapstructure:"database_log_level" json:"database_log_level"`

	// DatabaseSlowThreshold is the duration threshold for identifying slow database queries
	DatabaseSlowThreshold time.Duration `yaml:"database_slow_threshold" mapstructure:"database_slow_threshold" json:"database_slow_threshold"`

	// StateBackend selects where tracker state documents live: 'file'
	// writes one JSON document per tracker under DataDir, 'database'
	// stores them in the configured database.
	StateBackend string `yaml:"state_backend" mapstructure:"state_backend" json:"state_backend" binding:"oneof=file database"`

	// DataDir holds tracker state documents when StateBackend is 'file'
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required_if=StateBackend file"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// TrackerLogLevel is the log level for tracker poll loops
	TrackerLogLevel *slog.LevelVar `yaml:"tracker_log_level" mapstructure:"tracker_log_level" json:"tracker_log_level"`

	// StartupTimeout limits how long the bot may take to connect and
	// register commands before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Trackers maps a tracker name to its configuration
	Trackers map[string]*TrackerConfig `yaml:"trackers" mapstructure:"trackers" json:"trackers" binding:"required,dive"`

	// RefreshLimits throttles manual refreshes (slash commands, buttons)
	RefreshLimits RefreshLimitConfig `yaml:"refresh_limits" mapstructure:"refresh_limits" json:"refresh_limits"`

	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord" binding:"required"`
	OpenAI  *OpenAIConfig  `yaml:"openai" mapstructure:"openai" json:"openai"`
	API     *APIConfig     `yaml:"api" mapstructure:"api" json:"api" binding:"required"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// TrackerConfig configures a single tracked metric: where the value comes
// from, how often it's polled, and how it's shown on Discord.
type TrackerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// URL is fetched with a GET request on every poll
	URL string `yaml:"url" mapstructure:"url" json:"url" binding:"required_if=Enabled true,omitempty,url"`

	// JSONPath is a gjson path to the integer value in the response body
	JSONPath string `yaml:"json_path" mapstructure:"json_path" json:"json_path" binding:"required_if=Enabled true"`

	// Token, if set, is sent as a bearer token
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`

	UserAgent string `yaml:"user_agent" mapstructure:"user_agent" json:"user_agent"`

	// Timeout for each individual request
	Timeout time.Duration `yaml:"timeout" mapstructure:"timeout" json:"timeout" binding:"min=0"`

	// RetryDelay is slept between failed attempts (and on 429s without a
	// usable Retry-After header)
	RetryDelay time.Duration `yaml:"retry_delay" mapstructure:"retry_delay" json:"retry_delay" binding:"min=0"`

	// MaxAttempts is the number of requests made per fetch
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts" json:"max_attempts" binding:"min=1,max=10"`

	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval" json:"poll_interval" binding:"min=1s"`

	// Retention is how far back history is kept, relative to the newest sample
	Retention time.Duration `yaml:"retention" mapstructure:"retention" json:"retention" binding:"min=1h"`

	// ChannelID is the channel renamed to show the current value. Renames
	// are skipped when empty.
	ChannelID string `yaml:"channel_id" mapstructure:"channel_id" json:"channel_id"`

	// ChannelNameFormat is a fmt template receiving the formatted value
	ChannelNameFormat string `yaml:"channel_name_format" mapstructure:"channel_name_format" json:"channel_name_format"`

	// RenameInterval is the initial minimum interval between renames. It
	// widens if Discord rate limits us.
	RenameInterval time.Duration `yaml:"rename_interval" mapstructure:"rename_interval" json:"rename_interval" binding:"min=0"`

	// RenameOnRefresh also renames the channel on manual refreshes
	RenameOnRefresh bool `yaml:"rename_on_refresh" mapstructure:"rename_on_refresh" json:"rename_on_refresh"`

	// PresenceFormat, if set, updates the bot's "watching" status after each
	// change. Only one tracker should set it.
	PresenceFormat string `yaml:"presence_format" mapstructure:"presence_format" json:"presence_format"`

	CommandName        string `yaml:"command_name" mapstructure:"command_name" json:"command_name" binding:"required_if=Enabled true,omitempty,max=32"`
	CommandDescription string `yaml:"command_description" mapstructure:"command_description" json:"command_description" binding:"max=100"`

	Title string `yaml:"title" mapstructure:"title" json:"title"`

	// Unit is the plural noun shown next to the value ("files", "stars")
	Unit  string `yaml:"unit" mapstructure:"unit" json:"unit"`
	Emoji string `yaml:"emoji" mapstructure:"emoji" json:"emoji"`
	Color int    `yaml:"color" mapstructure:"color" json:"color" binding:"min=0,max=16777215"`

	// Milestones are the thresholds predicted and announced. When empty,
	// the next round number is used instead.
	Milestones []int64 `yaml:"milestones" mapstructure:"milestones" json:"milestones"`

	// AnnounceChannelID receives milestone announcements
	AnnounceChannelID string `yaml:"announce_channel_id" mapstructure:"announce_channel_id" json:"announce_channel_id"`
}

// RefreshLimitConfig sets the token buckets applied to manual refreshes
type RefreshLimitConfig struct {
	UserRate        int           `yaml:"user_rate" mapstructure:"user_rate" json:"user_rate" binding:"min=1"`
	UserPer         time.Duration `yaml:"user_per" mapstructure:"user_per" json:"user_per" binding:"min=1s"`
	GuildRate       int           `yaml:"guild_rate" mapstructure:"guild_rate" json:"guild_rate" binding:"min=1"`
	GuildPer        time.Duration `yaml:"guild_per" mapstructure:"guild_per" json:"guild_per" binding:"min=1s"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" mapstructure:"cleanup_interval" json:"cleanup_interval" binding:"min=0"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID specifies the guild ID used when registering slash commands.
	// Leave empty for commands to be registered as global.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	ErrorMessage          string `yaml:"error_message" mapstructure:"error_message" json:"error_message"`
	FetchFailedMessage    string `yaml:"fetch_failed_message" mapstructure:"fetch_failed_message" json:"fetch_failed_message"`
	UserThrottleMessage   string `yaml:"user_throttle_message" mapstructure:"user_throttle_message" json:"user_throttle_message"`
	GuildThrottleMessage  string `yaml:"guild_throttle_message" mapstructure:"guild_throttle_message" json:"guild_throttle_message"`
	RegisterCommands      bool   `yaml:"register_commands" mapstructure:"register_commands" json:"register_commands"`
	NotificationChannelID string `yaml:"notification_channel_id" mapstructure:"notification_channel_id" json:"notification_channel_id"`
	StartupMessage        string `yaml:"startup_message" mapstructure:"startup_message" json:"startup_message"`
}

// OpenAIConfig enables AI-written milestone announcements. Announcements
// fall back to a plain template when Token is empty.
type OpenAIConfig struct {
	Token     string         `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]"`
	Model     string         `yaml:"model" mapstructure:"model" json:"model"`
	MaxTokens int            `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=0"`
	LogLevel  *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the admin/health API server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5000").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required_if=Enabled true,omitempty,oneof=tcp tcp4 tcp6 unix"`

	// Configuration for SSL/TLS.
	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	// The logging level for the API server.
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Cross-origin configuration
	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	// PollRequestsPerMinute limits manual poll triggers through the API
	PollRequestsPerMinute int `yaml:"poll_requests_per_minute" mapstructure:"poll_requests_per_minute" json:"poll_requests_per_minute" binding:"min=0"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"required_if=Enabled true"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"required_if=Enabled true"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`

	// Development enables pprof endpoints and gin debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`
}

// SSLConfig specifies cert paths and the TLS version to use
type SSLConfig struct {
	// Path to an SSL certificate
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert"`

	// Path to an SSL cert key
	Key string `yaml:"key" mapstructure:"key" json:"key"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	defaultMethods := make([]string, len(DefaultCORSAllowMethods))
	copy(defaultMethods, DefaultCORSAllowMethods)

	defaultHeaders := make([]string, len(DefaultCORSAllowHeaders))
	copy(defaultHeaders, DefaultCORSAllowHeaders)

	defaultExpose := make([]string, len(DefaultCORSExposeHeaders))
	copy(defaultExpose, DefaultCORSExposeHeaders)

	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     defaultMethods,
		AllowHeaders:     defaultHeaders,
		ExposeHeaders:    defaultExpose,
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

// DefaultTrackerConfig returns a TrackerConfig for name with the shared
// defaults filled in. URL, JSONPath and display fields are left to the
// caller, apart from the command name which defaults to the tracker name.
func DefaultTrackerConfig(name string) *TrackerConfig {
	return &TrackerConfig{
		Enabled:            true,
		JSONPath:           DefaultJSONPath,
		UserAgent:          DefaultUserAgent,
		Timeout:            DefaultFetchTimeout,
		RetryDelay:         DefaultFetchRetryDelay,
		MaxAttempts:        DefaultFetchMaxAttempts,
		PollInterval:       DefaultPollInterval,
		Retention:          DefaultRetention,
		RenameInterval:     DefaultRenameInterval,
		CommandName:        name,
		CommandDescription: fmt.Sprintf("Get the current %s count", name),
		Title:              name,
		Unit:               name,
	}
}

// DefaultTrackers returns the 'files' and 'stars' trackers
func DefaultTrackers() map[string]*TrackerConfig {
	files := DefaultTrackerConfig(TrackerFiles)
	files.URL = "https://api.ente.io/files/count"
	files.JSONPath = "count"
	files.ChannelNameFormat = "📊 %s Files"
	files.PresenceFormat = "%s files"
	files.CommandDescription = "Get the current number of files tracked by Ente"
	files.Title = "Ente Files Count"
	files.Unit = "files"
	files.Emoji = "📊"
	files.Color = 0xFFCD3F

	stars := DefaultTrackerConfig(TrackerStars)
	stars.URL = "https://api.github.com/repos/ente-io/ente"
	stars.JSONPath = "stargazers_count"
	stars.ChannelNameFormat = "⭐ %s Stars"
	stars.CommandDescription = "Get the current star count for ente-io on GitHub"
	stars.Title = "GitHub Star Count"
	stars.Unit = "stars"
	stars.Emoji = "⭐"
	stars.Color = 0xFFD700

	return map[string]*TrackerConfig{
		TrackerFiles: files,
		TrackerStars: stars,
	}
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	trackerLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	dbLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}
	openaiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	trackerLogLevel.Set(DefaultTrackerLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	dbLogLevel.Set(DefaultDatabaseLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)
	openaiLogLevel.Set(DefaultOpenAILogLevel)

	return &Config{
		DatabaseType:          DefaultDatabaseType,
		Database:              DefaultDatabase,
		DatabaseLogLevel:      dbLogLevel,
		DatabaseSlowThreshold: DefaultDatabaseSlowThreshold,
		StateBackend:          DefaultStateBackend,
		DataDir:               DefaultDataDir,
		LogLevel:              mainLogLevel,
		TrackerLogLevel:       trackerLogLevel,
		StartupTimeout:        DefaultStartupTimeout,
		ShutdownTimeout:       DefaultShutdownTimeout,
		Trackers:              DefaultTrackers(),
		RefreshLimits: RefreshLimitConfig{
			UserRate:        DefaultUserRefreshRate,
			UserPer:         DefaultUserRefreshPer,
			GuildRate:       DefaultGuildRefreshRate,
			GuildPer:        DefaultGuildRefreshPer,
			CleanupInterval: DefaultRateLimiterCleanup,
		},
		Discord: &DiscordConfig{
			LogLevel:             discordLogLevel,
			DiscordGoLogLevel:    discordgoLogLevel,
			GatewayIntents:       DefaultDiscordGatewayIntent,
			ErrorMessage:         DefaultDiscordErrorMessage,
			FetchFailedMessage:   DefaultFetchFailedMessage,
			UserThrottleMessage:  DefaultUserThrottleMessage,
			GuildThrottleMessage: DefaultGuildThrottleMessage,
			RegisterCommands:     true,
		},
		OpenAI: &OpenAIConfig{
			Model:     DefaultAnnounceModel,
			MaxTokens: DefaultAnnounceMaxTokens,
			LogLevel:  openaiLogLevel,
		},
		API: &APIConfig{
			Enabled:       true,
			Listen:        DefaultAPIListen,
			ListenNetwork: defaultListenNetwork,
			SSL: SSLConfig{
				TLSMinVersion: DefaultAPITLSMinVersion,
			},
			LogLevel:              apiLogLevel,
			CORS:                  DefaultCORSConfig(),
			PollRequestsPerMinute: DefaultAPIPollRequestsPerMin,
			ReadHeaderTimeout:     DefaultReadHeaderTimeout,
			ReadTimeout:           DefaultReadTimeout,
			WriteTimeout:          DefaultWriteTimeout,
			IdleTimeout:           DefaultIdleTimeout,
		},
	}
}

// validateConfig runs struct validation and the cross-field checks that
// can't be expressed as tags.
func validateConfig(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	commands := map[string]string{}
	for name, tc := range cfg.Trackers {
		if tc == nil || !tc.Enabled {
			continue
		}
		if other, exists := commands[tc.CommandName]; exists {
			return fmt.Errorf(
				"%w: trackers %q and %q share command name %q",
				ErrInvalidConfig,
				other,
				name,
				tc.CommandName,
			)
		}
		commands[tc.CommandName] = name
	}
	return nil
}
