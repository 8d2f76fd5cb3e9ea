package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/tallybot/tallybot"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = tallybot.DefaultConfig()
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:   "tallybot [flags]",
	Short: "Tracks external counts and shows them on Discord",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := unmarshalConfig(cfg); err != nil {
			log.Fatalln(err)
		}
	},
}

// unmarshalConfig decodes viper's settings into c
func unmarshalConfig(c *tallybot.Config) error {
	return viper.Unmarshal(c, viper.DecodeHook(decodeHook()))
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		LevelToStringHookFunc(),
	)
}

func getLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(level) {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// LevelToStringHookFunc decodes level names ("DEBUG", "info") into
// *slog.LevelVar fields
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}

		// non-nil *LevelVar fields are dereferenced before hooks run, so
		// the target may be either the pointer or the struct
		typ := t
		if t.Kind() == reflect.Ptr {
			typ = t.Elem()
		}
		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	if envFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", envFile)
		if err := godotenv.Load(envFile); err != nil {
			log.Fatalf("error loading env file %s: %v", envFile, err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			log.Fatalf("error reading config file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("database", tallybot.DefaultDatabase)
	viper.SetDefault("database_type", tallybot.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		tallybot.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		tallybot.DefaultDatabaseLogLevel.String(),
	)
	viper.SetDefault("state_backend", tallybot.DefaultStateBackend)
	viper.SetDefault("data_dir", tallybot.DefaultDataDir)

	viper.SetDefault("log_level", tallybot.DefaultLogLevel.String())
	viper.SetDefault("tracker_log_level", tallybot.DefaultTrackerLogLevel.String())

	viper.SetDefault("startup_timeout", tallybot.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", tallybot.DefaultShutdownTimeout)

	// Manual refresh limits
	viper.SetDefault("refresh_limits.user_rate", tallybot.DefaultUserRefreshRate)
	viper.SetDefault("refresh_limits.user_per", tallybot.DefaultUserRefreshPer)
	viper.SetDefault("refresh_limits.guild_rate", tallybot.DefaultGuildRefreshRate)
	viper.SetDefault("refresh_limits.guild_per", tallybot.DefaultGuildRefreshPer)
	viper.SetDefault(
		"refresh_limits.cleanup_interval",
		tallybot.DefaultRateLimiterCleanup,
	)

	// OpenAI config
	viper.SetDefault("openai.log_level", tallybot.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.model", tallybot.DefaultAnnounceModel)
	viper.SetDefault("openai.max_tokens", tallybot.DefaultAnnounceMaxTokens)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault(
		"discord.log_level",
		tallybot.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		tallybot.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		tallybot.DefaultDiscordGatewayIntent,
	)
	viper.SetDefault("discord.error_message", tallybot.DefaultDiscordErrorMessage)
	viper.SetDefault("discord.fetch_failed_message", tallybot.DefaultFetchFailedMessage)
	viper.SetDefault("discord.user_throttle_message", tallybot.DefaultUserThrottleMessage)
	viper.SetDefault("discord.guild_throttle_message", tallybot.DefaultGuildThrottleMessage)
	viper.SetDefault("discord.register_commands", true)
	viper.SetDefault("discord.notification_channel_id", "")
	viper.SetDefault("discord.startup_message", "")

	// API config
	viper.SetDefault("api.enabled", true)
	viper.SetDefault("api.listen", tallybot.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.log_level", tallybot.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)
	viper.SetDefault(
		"api.poll_requests_per_minute",
		tallybot.DefaultAPIPollRequestsPerMin,
	)
	viper.SetDefault("api.read_timeout", tallybot.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		tallybot.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", tallybot.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", tallybot.DefaultIdleTimeout)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	viper.SetDefault("api.ssl.tls_min_version", tallybot.DefaultAPITLSMinVersion)

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		tallybot.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		tallybot.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		tallybot.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", tallybot.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		tallybot.DefaultAPICORSAllowCredentials,
	)

	// Trackers. Each tracker in a config file gets the shared defaults,
	// so only the fields that differ need to be set.
	for name, tc := range tallybot.DefaultTrackers() {
		setTrackerDefaults(name, tc)
	}
	for name := range viper.GetStringMap("trackers") {
		if _, ok := tallybot.DefaultTrackers()[name]; !ok {
			setTrackerDefaults(name, tallybot.DefaultTrackerConfig(name))
		}
	}

	envPrefix := os.Getenv(tallybot.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = tallybot.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)
}

// setTrackerDefaults mirrors tc into viper defaults under trackers.<name>,
// which also makes each field settable from the environment
// (ex: TB_TRACKERS_FILES_CHANNEL_ID).
func setTrackerDefaults(name string, tc *tallybot.TrackerConfig) {
	key := func(field string) string {
		return fmt.Sprintf("trackers.%s.%s", name, field)
	}
	viper.SetDefault(key("enabled"), tc.Enabled)
	viper.SetDefault(key("url"), tc.URL)
	viper.SetDefault(key("json_path"), tc.JSONPath)
	viper.SetDefault(key("token"), tc.Token)
	viper.SetDefault(key("user_agent"), tc.UserAgent)
	viper.SetDefault(key("timeout"), tc.Timeout)
	viper.SetDefault(key("retry_delay"), tc.RetryDelay)
	viper.SetDefault(key("max_attempts"), tc.MaxAttempts)
	viper.SetDefault(key("poll_interval"), tc.PollInterval)
	viper.SetDefault(key("retention"), tc.Retention)
	viper.SetDefault(key("channel_id"), tc.ChannelID)
	viper.SetDefault(key("channel_name_format"), tc.ChannelNameFormat)
	viper.SetDefault(key("rename_interval"), tc.RenameInterval)
	viper.SetDefault(key("rename_on_refresh"), tc.RenameOnRefresh)
	viper.SetDefault(key("presence_format"), tc.PresenceFormat)
	viper.SetDefault(key("command_name"), tc.CommandName)
	viper.SetDefault(key("command_description"), tc.CommandDescription)
	viper.SetDefault(key("title"), tc.Title)
	viper.SetDefault(key("unit"), tc.Unit)
	viper.SetDefault(key("emoji"), tc.Emoji)
	viper.SetDefault(key("color"), tc.Color)
	viper.SetDefault(key("milestones"), tc.Milestones)
	viper.SetDefault(key("announce_channel_id"), tc.AnnounceChannelID)
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&envFile,
		"env-file",
		"",
		".env file to load (defaults to .env in the working directory)",
	)
	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config-file",
		"",
		"YAML, TOML or JSON config file to use",
	)
}
