package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"

	"github.com/bubblerlabs/hatchwatch/hatchwatch"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg        = hatchwatch.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "hatchwatch [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
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

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

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
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("data_dir", hatchwatch.DefaultDataDir)
	viper.SetDefault("log_level", hatchwatch.DefaultLogLevel.String())
	viper.SetDefault("shutdown_timeout", hatchwatch.DefaultShutdownTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.notify_channel_id", "")
	viper.SetDefault("discord.operator_ids", []string{})
	viper.SetDefault(
		"discord.custom_status",
		hatchwatch.DefaultDiscordCustomStatus,
	)
	viper.SetDefault(
		"discord.log_level",
		hatchwatch.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		hatchwatch.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		hatchwatch.DefaultDiscordGatewayIntent,
	)

	// Watcher config
	viper.SetDefault("watcher.source_channel_id", "")
	viper.SetDefault("watcher.scrape_token", "")
	viper.SetDefault("watcher.base_url", hatchwatch.DefaultScrapeBaseURL)
	viper.SetDefault("watcher.start_after_id", hatchwatch.DefaultStartAfterID)
	viper.SetDefault("watcher.fetch_limit", hatchwatch.DefaultFetchLimit)
	viper.SetDefault("watcher.batch_interval", hatchwatch.DefaultBatchInterval)
	viper.SetDefault("watcher.empty_interval", hatchwatch.DefaultEmptyInterval)
	viper.SetDefault("watcher.error_interval", hatchwatch.DefaultErrorInterval)
	viper.SetDefault("watcher.pause_interval", hatchwatch.DefaultPauseInterval)
	viper.SetDefault(
		"watcher.log_level",
		hatchwatch.DefaultWatcherLogLevel.String(),
	)

	// Rover config
	viper.SetDefault("rover.api_key", "")
	viper.SetDefault("rover.base_url", hatchwatch.DefaultRoverBaseURL)
	viper.SetDefault("rover.users_url", hatchwatch.DefaultRobloxUsersURL)
	viper.SetDefault("rover.min_interval", hatchwatch.DefaultRoverMinInterval)
	viper.SetDefault("rover.log_level", hatchwatch.DefaultRoverLogLevel.String())

	// API config
	viper.SetDefault("api.listen", hatchwatch.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.rate_limit", hatchwatch.DefaultAPIRateLimit)
	viper.SetDefault("api.rate_window", hatchwatch.DefaultAPIRateWindow)
	viper.SetDefault("api.read_timeout", hatchwatch.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		hatchwatch.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", hatchwatch.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", hatchwatch.DefaultIdleTimeout)
	viper.SetDefault("api.log_level", hatchwatch.DefaultAPILogLevel.String())

	envPrefix := os.Getenv(hatchwatch.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = hatchwatch.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	viper.Set(
		"discord.operator_ids",
		viper.GetStringSlice("discord.operator_ids"),
	)

	for _, key := range []string{
		"log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"watcher.log_level",
		"rover.log_level",
		"api.log_level",
	} {
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//goland:noinspection GoLinter,GoLinter
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
