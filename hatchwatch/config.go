//nolint:lll // struct tags can't be split
package hatchwatch

import (
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/go-playground/validator/v10"
)

const (
	EnvvarSetEnvPrefix = "HATCHWATCH_ENV_PREFIX"
	DefaultEnvPrefix   = "HW"

	DefaultDataDir           = "data"
	DefaultLogLevel          = slog.LevelInfo
	DefaultDiscordLogLevel   = slog.LevelWarn
	DefaultDiscordgoLogLevel = slog.LevelWarn
	DefaultWatcherLogLevel   = slog.LevelInfo
	DefaultRoverLogLevel     = slog.LevelInfo
	DefaultAPILogLevel       = slog.LevelInfo

	DefaultShutdownTimeout = 30 * time.Second

	// DefaultStartAfterID is the message snowflake the watcher starts
	// from when no cursor file exists.
	DefaultStartAfterID = "895843630881849394"

	DefaultFetchLimit    = 100
	DefaultBatchInterval = 6 * time.Second
	DefaultEmptyInterval = 8 * time.Second
	DefaultErrorInterval = 5 * time.Second
	DefaultPauseInterval = 10 * time.Second

	// DefaultScrapeBaseURL is the REST endpoint messages are fetched from.
	DefaultScrapeBaseURL = "https://discord.com/api/v9"

	DefaultRoverBaseURL     = "https://registry.rover.link/api"
	DefaultRobloxUsersURL   = "https://users.roblox.com/v1/usernames/users"
	DefaultRoverMinInterval = 100 * time.Millisecond
	DefaultRoverRetryAfter  = 60 * time.Second

	DefaultOptOutReloadInterval = time.Minute

	DefaultAPIListen     = "127.0.0.1:2011"
	defaultListenNetwork = "tcp"
	DefaultAPIRateLimit  = 10
	DefaultAPIRateWindow = time.Second

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	DefaultDiscordGatewayIntent = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	DefaultDiscordCustomStatus  = "watching for secrets"

	// hatchesFlagKey is the flags.txt key checked every watcher cycle.
	hatchesFlagKey = "hatches"

	recordFileName = "secrets.ndjson"
	cursorFileName = "last_processed_id.txt"
	optOutFileName = "disabled_pings.json"
	flagsFileName  = "flags.txt"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

// Config is the top-level configuration for HatchWatch.
type Config struct {
	// DataDir holds the record store, cursor, opt-out and flag files.
	// Created on startup; failure to create it is fatal.
	DataDir string `yaml:"data_dir" mapstructure:"data_dir" json:"data_dir" binding:"required"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// ShutdownTimeout is the time to allow for a graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout"`

	// Discord configures the bot session
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// Watcher configures the secrets channel poller
	Watcher *WatcherConfig `yaml:"watcher" mapstructure:"watcher" json:"watcher"`

	// Rover configures the identity registry client
	Rover *RoverConfig `yaml:"rover" mapstructure:"rover" json:"rover"`

	// API configures the read-only hatches HTTP endpoint
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// RecordPath returns the path of the append-only NDJSON record store.
func (c Config) RecordPath() string {
	return filepath.Join(c.DataDir, recordFileName)
}

// CursorPath returns the path of the last-processed-id file.
func (c Config) CursorPath() string {
	return filepath.Join(c.DataDir, cursorFileName)
}

// OptOutPath returns the path of the disabled-pings file.
func (c Config) OptOutPath() string {
	return filepath.Join(c.DataDir, optOutFileName)
}

// FlagsPath returns the path of the feature flag file.
func (c Config) FlagsPath() string {
	return filepath.Join(c.DataDir, flagsFileName)
}

// DiscordConfig configures the discord bot itself.
//
//nolint:lll // can't break tags
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID (from the 'General Information' tab in the discord dev portal)
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id" binding:"required"`

	// GuildID restricts slash command registration and the /update and
	// /turnoffping commands to a single guild. Leave empty for global commands.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// NotifyChannelID is the channel hatch embeds are delivered to. The
	// channel's guild is used for membership checks and registry lookups.
	NotifyChannelID string `yaml:"notify_channel_id" mapstructure:"notify_channel_id" json:"notify_channel_id" binding:"required"`

	// OperatorIDs are the user IDs allowed to run /update
	OperatorIDs []string `yaml:"operator_ids" mapstructure:"operator_ids" json:"operator_ids"`

	// CustomStatus is set on the bot user after connecting
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	httpClient *http.Client
}

// WatcherConfig configures the secrets channel poller.
//
//nolint:lll // can't break tags
type WatcherConfig struct {
	// SourceChannelID is the channel hatch messages are scraped from
	SourceChannelID string `yaml:"source_channel_id" mapstructure:"source_channel_id" json:"source_channel_id" binding:"required"`

	// ScrapeToken authorizes the message fetch API
	ScrapeToken string `yaml:"scrape_token" mapstructure:"scrape_token" json:"scrape_token" log:"[redacted]" binding:"required"`

	// BaseURL of the message fetch API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// StartAfterID is used when no cursor file exists
	StartAfterID string `yaml:"start_after_id" mapstructure:"start_after_id" json:"start_after_id" binding:"required,number"`

	// FetchLimit is the maximum number of messages fetched per cycle
	FetchLimit int `yaml:"fetch_limit" mapstructure:"fetch_limit" json:"fetch_limit" binding:"min=1,max=100"`

	// BatchInterval is the sleep after a batch is processed
	BatchInterval time.Duration `yaml:"batch_interval" mapstructure:"batch_interval" json:"batch_interval"`

	// EmptyInterval is the sleep after a fetch returns no messages
	EmptyInterval time.Duration `yaml:"empty_interval" mapstructure:"empty_interval" json:"empty_interval"`

	// ErrorInterval is the sleep after a transient fetch error
	ErrorInterval time.Duration `yaml:"error_interval" mapstructure:"error_interval" json:"error_interval"`

	// PauseInterval is the sleep while the hatches flag is off
	PauseInterval time.Duration `yaml:"pause_interval" mapstructure:"pause_interval" json:"pause_interval"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// RoverConfig configures the username/identity registry clients.
//
//nolint:lll // can't break tags
type RoverConfig struct {
	// APIKey authorizes requests to the roblox->discord registry
	APIKey string `yaml:"api_key" mapstructure:"api_key" json:"api_key" log:"[redacted]" binding:"required"`

	// BaseURL of the registry API
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url"`

	// UsersURL is the username->roblox-id lookup endpoint
	UsersURL string `yaml:"users_url" mapstructure:"users_url" json:"users_url"`

	// MinInterval spaces out registry requests
	MinInterval time.Duration `yaml:"min_interval" mapstructure:"min_interval" json:"min_interval"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// APIConfig configures the read-only hatches HTTP endpoint.
//
//nolint:lll // can't break tags
type APIConfig struct {
	// The address and port on which the server should listen (e.g., "127.0.0.1:2011").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required,hostname|filepath"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"required,oneof=tcp tcp4 tcp6 unix"`

	// RateLimit is the number of requests allowed per RateWindow
	RateLimit int `yaml:"rate_limit" mapstructure:"rate_limit" json:"rate_limit" binding:"min=1"`

	// RateWindow is the rolling window the limit applies to
	RateWindow time.Duration `yaml:"rate_window" mapstructure:"rate_window" json:"rate_window"`

	// Maximum duration for reading the entire request, including the body.
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout" binding:"min=1s"`

	// Amount of time allowed to read request headers.
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout" binding:"min=1s"`

	// Maximum duration before timing out writes of the response.
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout" binding:"min=1s"`

	// Maximum amount of time to wait for the next request when keep-alives are enabled.
	IdleTimeout time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout" binding:"min=1s"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`
}

// DefaultConfig returns a Config with all default settings populated
func DefaultConfig() *Config {
	mainLogLevel := &slog.LevelVar{}
	discordLogLevel := &slog.LevelVar{}
	discordgoLogLevel := &slog.LevelVar{}
	watcherLogLevel := &slog.LevelVar{}
	roverLogLevel := &slog.LevelVar{}
	apiLogLevel := &slog.LevelVar{}

	mainLogLevel.Set(DefaultLogLevel)
	discordLogLevel.Set(DefaultDiscordLogLevel)
	discordgoLogLevel.Set(DefaultDiscordgoLogLevel)
	watcherLogLevel.Set(DefaultWatcherLogLevel)
	roverLogLevel.Set(DefaultRoverLogLevel)
	apiLogLevel.Set(DefaultAPILogLevel)

	return &Config{
		DataDir:         DefaultDataDir,
		LogLevel:        mainLogLevel,
		ShutdownTimeout: DefaultShutdownTimeout,
		Discord: &DiscordConfig{
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
			LogLevel:          discordLogLevel,
			DiscordGoLogLevel: discordgoLogLevel,
		},
		Watcher: &WatcherConfig{
			BaseURL:       DefaultScrapeBaseURL,
			StartAfterID:  DefaultStartAfterID,
			FetchLimit:    DefaultFetchLimit,
			BatchInterval: DefaultBatchInterval,
			EmptyInterval: DefaultEmptyInterval,
			ErrorInterval: DefaultErrorInterval,
			PauseInterval: DefaultPauseInterval,
			LogLevel:      watcherLogLevel,
		},
		Rover: &RoverConfig{
			BaseURL:     DefaultRoverBaseURL,
			UsersURL:    DefaultRobloxUsersURL,
			MinInterval: DefaultRoverMinInterval,
			LogLevel:    roverLogLevel,
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			RateLimit:         DefaultAPIRateLimit,
			RateWindow:        DefaultAPIRateWindow,
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
			LogLevel:          apiLogLevel,
		},
	}
}
