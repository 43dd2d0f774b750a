package hatchwatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

var (
	// When building, set these like:
	// -ldflags "-X github.com/bubblerlabs/hatchwatch/hatchwatch.Version=$$(date +'%Y%m%d')"

	Version   = "dev"
	CommitSHA = "unknown"
	BuildTime = "unknown"
)

// HatchWatch is the bot: a poller scraping the secrets channel, the
// append-only record store behind it, the identity correlator, the
// announcement notifier, the slash commands, and the read-only query
// API.
type HatchWatch struct {
	config     *Config
	logger     *slog.Logger
	logHandler slog.Handler

	discord    *Discord
	store      *RecordStore
	cursor     *CursorStore
	flags      *FlagStore
	optOuts    *OptOutRegistry
	correlator *Correlator
	commands   *CommandHandler
	api        *API

	// created during Run once the destination guild is known
	notifier *Notifier
	watcher  *SecretsWatcher

	// prevents concurrent runs
	runMu sync.Mutex
}

// New assembles a HatchWatch from the given config. The discord
// session isn't opened and nothing touches the data directory until
// Run.
func New(config *Config) (*HatchWatch, error) {
	var errs []error

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	h := &HatchWatch{config: config}

	h.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     config.LogLevel,
			AddSource: true,
		},
	)
	h.logger = slog.New(h.logHandler)
	slog.SetDefault(h.logger)

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	config.Discord.httpClient = config.HTTPClient

	disc, err := newDiscord(config.Discord)
	if err != nil {
		errs = append(errs, err)
	}
	h.discord = disc

	h.store = NewRecordStore(config.RecordPath(), h.logger)
	h.cursor = NewCursorStore(
		config.CursorPath(),
		config.Watcher.StartAfterID,
		h.logger,
	)
	h.flags = NewFlagStore(config.FlagsPath())
	h.optOuts = NewOptOutRegistry(config.OptOutPath(), h.logger)
	h.correlator = newCorrelator(config.Rover, config.HTTPClient)
	h.api = newAPI(config.API, h.store)

	if disc != nil {
		h.commands = newCommandHandler(
			disc.session,
			config.Discord,
			h.store,
			h.optOuts,
			h.correlator,
		)
	}

	return h, errors.Join(errs...)
}

func (h *HatchWatch) ValidateConfig() error {
	return structValidator.Struct(h.config)
}

// Run starts everything and blocks until the context is canceled:
// opens the gateway session, registers commands, then runs the
// watcher, the opt-out reloader and the query API concurrently. The
// returned error reflects startup failures only; runtime failures are
// logged and retried by their owners.
func (h *HatchWatch) Run(ctx context.Context) error {
	h.runMu.Lock()
	defer h.runMu.Unlock()

	logger := h.logger

	if err := h.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}
	logger.LogAttrs(
		ctx,
		slog.LevelInfo,
		"starting",
		slog.Any("config", h.config),
	)

	if err := os.MkdirAll(h.config.DataDir, 0o755); err != nil {
		logger.Error("error creating data directory", tint.Err(err))
		return fmt.Errorf("error creating data directory: %w", err)
	}

	if err := h.optOuts.Load(); err != nil {
		logger.Warn("error loading opt-out registry", tint.Err(err))
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	session := h.discord.session
	h.discord.discordgoRemoveHandlerFuncs = []func(){
		session.AddHandler(h.discord.handlerReady()),
		session.AddHandler(h.discord.handlerConnect()),
		session.AddHandler(h.discord.handlerDisconnect()),
		session.AddHandler(h.commands.handlerInteractionCreate()),
	}

	if err := session.Open(); err != nil {
		logger.Error("error opening discord session", tint.Err(err))
		return fmt.Errorf("error opening discord session: %w", err)
	}

	// the announcement channel's guild scopes membership checks and
	// registry lookups; fall back to the configured guild if the
	// channel can't be fetched
	guildID := h.config.Discord.GuildID
	channel, err := session.Channel(h.config.Discord.NotifyChannelID)
	if err != nil {
		logger.Warn(
			"error fetching notify channel, using configured guild ID",
			tint.Err(err),
			"channel_id", h.config.Discord.NotifyChannelID,
		)
	} else if channel.GuildID != "" {
		guildID = channel.GuildID
	}

	if _, err = h.discord.registerCommands(h.commands.commands()); err != nil {
		logger.Error("error registering commands", tint.Err(err))
	}

	h.notifier = newNotifier(
		session,
		h.config.Discord.NotifyChannelID,
		guildID,
		h.optOuts,
		h.logger,
	)
	h.watcher = newSecretsWatcher(
		h.config.Watcher,
		newScrapeClient(h.config.Watcher, h.config.HTTPClient),
		h.store,
		h.cursor,
		h.flags,
		h.correlator,
		h.notifier,
	)
	h.watcher.guildID = guildID

	runtimeWG := &sync.WaitGroup{}

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		h.watcher.Run(ctx)
	}()

	runtimeWG.Add(1)
	go func() {
		defer runtimeWG.Done()
		h.optOuts.watch(ctx, DefaultOptOutReloadInterval)
	}()

	go func() {
		if serveErr := h.api.Serve(ctx); serveErr != nil &&
			!errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error("error serving hatches API", tint.Err(serveErr))
			cancel()
		}
	}()

	<-ctx.Done()
	return h.shutdown(runtimeWG)
}

func (h *HatchWatch) shutdown(runtimeWG *sync.WaitGroup) error {
	h.logger.Info("shutting down")

	timeout := h.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := h.api.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("error shutting down API: %w", err))
	}

	for _, removeHandler := range h.discord.discordgoRemoveHandlerFuncs {
		removeHandler()
	}
	if err := h.discord.session.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing discord session: %w", err))
	}

	done := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		h.logger.Warn("shutdown timed out waiting for workers")
	}

	return errors.Join(errs...)
}
