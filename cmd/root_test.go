package cmd

import (
	"bytes"
	"fmt"
	"github.com/arcward/tallybot/tallybot"
	"github.com/bwmarrin/discordgo"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// resetConfig restores the environment, viper and the package config
// after a test executes rootCmd
func resetConfig(t testing.TB) {
	t.Helper()
	originalEnv := os.Environ()
	t.Cleanup(
		func() {
			os.Clearenv()
			for _, envVar := range originalEnv {
				parts := strings.SplitN(envVar, "=", 2)
				_ = os.Setenv(parts[0], parts[1])
			}
			viper.Reset()
			cfg = tallybot.DefaultConfig()
			envFile = ""
			configFile = ""
			rootCmd.SetArgs(nil)
			rootCmd.SetOut(nil)
			rootCmd.SetErr(nil)
		},
	)
}

func executeRoot(t testing.TB, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

func assertLogLevel(t testing.TB, expected slog.Level, lvl *slog.LevelVar) {
	t.Helper()
	require.NotNil(t, lvl)
	assert.Equal(t, expected, lvl.Level())
}

func TestLoadConfigFromEnvFile(t *testing.T) {
	resetConfig(t)
	os.Clearenv()

	envPath := filepath.Join(t.TempDir(), "test.env")
	envContent := `
# General/database config

TB_DATABASE=/home/foo/tallybot.sqlite3
TB_DATABASE_TYPE=sqlite
TB_DATABASE_LOG_LEVEL=INFO
TB_DATABASE_SLOW_THRESHOLD=250ms
TB_STATE_BACKEND=database
TB_LOG_LEVEL=DEBUG
TB_TRACKER_LOG_LEVEL=warn
TB_STARTUP_TIMEOUT=20s
TB_SHUTDOWN_TIMEOUT=60s

# Manual refresh limits

TB_REFRESH_LIMITS_USER_RATE=2
TB_REFRESH_LIMITS_USER_PER=45s
TB_REFRESH_LIMITS_GUILD_RATE=10

# OpenAI config

TB_OPENAI_TOKEN=your-openai-token
TB_OPENAI_MODEL=gpt-4o

# Discord bot config

TB_DISCORD_TOKEN=your-discord-bot-token
TB_DISCORD_APPLICATION_ID=your-discord-bot-app-id
TB_DISCORD_GUILD_ID=
TB_DISCORD_LOG_LEVEL=WARN
TB_DISCORD_DISCORDGO_LOG_LEVEL=ERROR
TB_DISCORD_STARTUP_MESSAGE="I'm here!"
TB_DISCORD_NOTIFICATION_CHANNEL_ID=999
TB_DISCORD_GATEWAY_INTENTS=3243773

# Trackers

TB_TRACKERS_FILES_CHANNEL_ID=111
TB_TRACKERS_FILES_MILESTONES=1000,2000,5000
TB_TRACKERS_FILES_POLL_INTERVAL=2m
TB_TRACKERS_STARS_ENABLED=false
TB_TRACKERS_STARS_TOKEN=ghp_foo

# API server

TB_API_LISTEN=127.0.0.1:5050
TB_API_SSL_CERT=/etc/ssl/cert.pem
TB_API_SSL_KEY=/etc/ssl/key.pem
TB_API_SSL_TLS_MIN_VERSION=772
TB_API_LOG_LEVEL=DEBUG
TB_API_POLL_REQUESTS_PER_MINUTE=3
TB_API_CORS_ALLOW_ORIGINS=https://127.0.0.1:5000 https://localhost:5000
TB_API_CORS_ALLOW_METHODS=GET POST OPTIONS
TB_API_CORS_ALLOW_CREDENTIALS=true
TB_API_CORS_MAX_AGE=6h
TB_API_WRITE_TIMEOUT=15s
`
	require.NoError(t, os.WriteFile(envPath, []byte(envContent), 0644))

	executeRoot(t, fmt.Sprintf("--env-file=%s", envPath), "version")

	assert.Equal(t, "/home/foo/tallybot.sqlite3", viper.GetString("database"))
	assert.Equal(t, "/home/foo/tallybot.sqlite3", cfg.Database)
	assert.Equal(t, "sqlite", cfg.DatabaseType)
	assertLogLevel(t, slog.LevelInfo, cfg.DatabaseLogLevel)
	assert.Equal(t, 250*time.Millisecond, cfg.DatabaseSlowThreshold)
	assert.Equal(t, "database", cfg.StateBackend)
	assert.Equal(t, tallybot.DefaultDataDir, cfg.DataDir)
	assertLogLevel(t, slog.LevelDebug, cfg.LogLevel)
	assertLogLevel(t, slog.LevelWarn, cfg.TrackerLogLevel)
	assert.Equal(t, 20*time.Second, cfg.StartupTimeout)
	assert.Equal(t, 60*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, 2, cfg.RefreshLimits.UserRate)
	assert.Equal(t, 45*time.Second, cfg.RefreshLimits.UserPer)
	assert.Equal(t, 10, cfg.RefreshLimits.GuildRate)
	assert.Equal(t, tallybot.DefaultGuildRefreshPer, cfg.RefreshLimits.GuildPer)

	assert.Equal(t, "your-openai-token", cfg.OpenAI.Token)
	assert.Equal(t, "gpt-4o", cfg.OpenAI.Model)
	assert.Equal(t, tallybot.DefaultAnnounceMaxTokens, cfg.OpenAI.MaxTokens)

	assert.Equal(t, "your-discord-bot-token", cfg.Discord.Token)
	assert.Equal(t, "your-discord-bot-app-id", cfg.Discord.ApplicationID)
	assert.Equal(t, "", cfg.Discord.GuildID)
	assertLogLevel(t, slog.LevelWarn, cfg.Discord.LogLevel)
	assertLogLevel(t, slog.LevelError, cfg.Discord.DiscordGoLogLevel)
	assert.Equal(t, "I'm here!", cfg.Discord.StartupMessage)
	assert.Equal(t, "999", cfg.Discord.NotificationChannelID)
	assert.Equal(t, discordgo.Intent(3243773), cfg.Discord.GatewayIntents)
	assert.True(t, cfg.Discord.RegisterCommands)
	assert.Equal(t, tallybot.DefaultUserThrottleMessage, cfg.Discord.UserThrottleMessage)

	files := cfg.Trackers[tallybot.TrackerFiles]
	require.NotNil(t, files)
	assert.True(t, files.Enabled)
	assert.Equal(t, "111", files.ChannelID)
	assert.Equal(t, []int64{1000, 2000, 5000}, files.Milestones)
	assert.Equal(t, 2*time.Minute, files.PollInterval)
	assert.Equal(t, "https://api.ente.io/files/count", files.URL)
	assert.Equal(t, "📊 %s Files", files.ChannelNameFormat)
	assert.Equal(t, tallybot.DefaultFetchMaxAttempts, files.MaxAttempts)

	stars := cfg.Trackers[tallybot.TrackerStars]
	require.NotNil(t, stars)
	assert.False(t, stars.Enabled)
	assert.Equal(t, "ghp_foo", stars.Token)
	assert.Equal(t, "stargazers_count", stars.JSONPath)

	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "127.0.0.1:5050", cfg.API.Listen)
	assert.Equal(t, "/etc/ssl/cert.pem", cfg.API.SSL.Cert)
	assert.Equal(t, "/etc/ssl/key.pem", cfg.API.SSL.Key)
	assert.Equal(t, uint16(772), cfg.API.SSL.TLSMinVersion)
	assertLogLevel(t, slog.LevelDebug, cfg.API.LogLevel)
	assert.Equal(t, 3, cfg.API.PollRequestsPerMinute)
	assert.Equal(
		t,
		[]string{"https://127.0.0.1:5000", "https://localhost:5000"},
		cfg.API.CORS.AllowOrigins,
	)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.API.CORS.AllowMethods)
	assert.Equal(t, tallybot.DefaultCORSAllowHeaders, cfg.API.CORS.AllowHeaders)
	assert.True(t, cfg.API.CORS.AllowCredentials)
	assert.Equal(t, 6*time.Hour, cfg.API.CORS.MaxAge)
	assert.Equal(t, 15*time.Second, cfg.API.WriteTimeout)
	assert.Equal(t, tallybot.DefaultReadTimeout, cfg.API.ReadTimeout)
}

func TestLoadConfigFromConfigFile(t *testing.T) {
	resetConfig(t)
	os.Clearenv()

	configPath := filepath.Join(t.TempDir(), "tallybot.yaml")
	configContent := `
log_level: warn
discord:
  token: yaml-token
  application_id: yaml-app-id
trackers:
  files:
    channel_id: "111"
    milestones: [1000, 5000]
  downloads:
    url: https://example.com/downloads.json
    json_path: data.total
    channel_name_format: "⬇️ %s Downloads"
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	executeRoot(t, fmt.Sprintf("--config-file=%s", configPath), "version")

	assertLogLevel(t, slog.LevelWarn, cfg.LogLevel)
	assert.Equal(t, "yaml-token", cfg.Discord.Token)
	assert.Equal(t, "yaml-app-id", cfg.Discord.ApplicationID)

	files := cfg.Trackers[tallybot.TrackerFiles]
	require.NotNil(t, files)
	assert.Equal(t, "111", files.ChannelID)
	assert.Equal(t, []int64{1000, 5000}, files.Milestones)
	assert.Equal(t, "https://api.ente.io/files/count", files.URL)

	downloads := cfg.Trackers["downloads"]
	require.NotNil(t, downloads)
	assert.True(t, downloads.Enabled)
	assert.Equal(t, "https://example.com/downloads.json", downloads.URL)
	assert.Equal(t, "data.total", downloads.JSONPath)
	assert.Equal(t, "downloads", downloads.CommandName)
	assert.Equal(t, tallybot.DefaultFetchMaxAttempts, downloads.MaxAttempts)
	assert.Equal(t, tallybot.DefaultPollInterval, downloads.PollInterval)
	assert.Equal(t, tallybot.DefaultRetention, downloads.Retention)

	assert.Len(t, cfg.Trackers, 3)
}

func TestLevelToStringHookFunc(t *testing.T) {
	testCases := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "DEBUG", expected: slog.LevelDebug},
		{input: "info", expected: slog.LevelInfo},
		{input: "Warn", expected: slog.LevelWarn},
		{input: "ERROR", expected: slog.LevelError},
		{input: "verbose", wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(
			tc.input, func(t *testing.T) {
				lvl, err := getLogLevel(tc.input)
				if tc.wantErr {
					assert.Error(t, err)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tc.expected, lvl)
			},
		)
	}
}

func TestUnmarshalDefaultConfig(t *testing.T) {
	resetConfig(t)
	os.Clearenv()
	initConfig()

	c := tallybot.DefaultConfig()
	require.NoError(t, unmarshalConfig(c))

	assertLogLevel(t, tallybot.DefaultLogLevel, c.LogLevel)
	assertLogLevel(t, tallybot.DefaultTrackerLogLevel, c.TrackerLogLevel)
	assertLogLevel(t, tallybot.DefaultDatabaseLogLevel, c.DatabaseLogLevel)
	assertLogLevel(t, tallybot.DefaultDiscordLogLevel, c.Discord.LogLevel)
	assertLogLevel(t, tallybot.DefaultDiscordgoLogLevel, c.Discord.DiscordGoLogLevel)
	assertLogLevel(t, tallybot.DefaultOpenAILogLevel, c.OpenAI.LogLevel)
	assertLogLevel(t, tallybot.DefaultAPILogLevel, c.API.LogLevel)
	assert.Equal(t, tallybot.DefaultStateBackend, c.StateBackend)
	assert.Len(t, c.Trackers, 2)
}

func TestUnmarshalConfig_LevelIntoExistingLevelVar(t *testing.T) {
	resetConfig(t)
	os.Clearenv()
	initConfig()
	viper.Set("log_level", "debug")
	viper.Set("api.log_level", "ERROR")

	c := tallybot.DefaultConfig()
	require.NotNil(t, c.LogLevel)
	require.NoError(t, unmarshalConfig(c))
	assertLogLevel(t, slog.LevelDebug, c.LogLevel)
	assertLogLevel(t, slog.LevelError, c.API.LogLevel)

	viper.Set("log_level", "verbose")
	assert.Error(t, unmarshalConfig(tallybot.DefaultConfig()))
}

func TestRootCommand_DefaultConfig(t *testing.T) {
	resetConfig(t)
	os.Clearenv()

	out := executeRoot(t, "version")
	assert.Contains(t, out, "version=")
	assertLogLevel(t, tallybot.DefaultLogLevel, cfg.LogLevel)
	assertLogLevel(t, tallybot.DefaultAPILogLevel, cfg.API.LogLevel)
}
