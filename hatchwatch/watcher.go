package hatchwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

// scrapeUserAgent mirrors a desktop browser; the message fetch API is
// picky about unadorned clients.
const scrapeUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) " +
	"AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"

var digitsOnlyPattern = regexp.MustCompile(`^\d+$`)

// CursorStore persists the last successfully processed message ID as a
// plain-text file. Absence (or garbage contents) falls back to the
// configured default start ID.
type CursorStore struct {
	path      string
	defaultID string
	logger    *slog.Logger
}

func NewCursorStore(path string, defaultID string, logger *slog.Logger) *CursorStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CursorStore{
		path:      path,
		defaultID: defaultID,
		logger:    logger.With(loggerNameKey, "cursor_store"),
	}
}

// Load returns the stored cursor, or the default start ID if no valid
// cursor has been persisted.
func (c *CursorStore) Load() string {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.logger.Info(
				"cursor file not found, using default start ID",
				"default", c.defaultID,
			)
		} else {
			c.logger.Error("error reading cursor file", tint.Err(err))
		}
		return c.defaultID
	}
	id := strings.TrimSpace(string(data))
	if !digitsOnlyPattern.MatchString(id) {
		c.logger.Warn(
			"cursor file contents invalid, using default start ID",
			"contents", id,
		)
		return c.defaultID
	}
	return id
}

// Save persists the cursor.
func (c *CursorStore) Save(id string) error {
	if err := os.WriteFile(c.path, []byte(id), 0o644); err != nil {
		return fmt.Errorf("error saving cursor: %w", err)
	}
	return nil
}

// FlagStore reads boolean feature flags from a key=value text file.
// The file is re-read on every check so flags can be flipped by an
// operator (or another process) without a restart.
type FlagStore struct {
	path string
}

func NewFlagStore(path string) *FlagStore {
	return &FlagStore{path: path}
}

// Enabled reports the value of the given flag. A missing file or
// missing key means enabled.
func (f *FlagStore) Enabled(key string) bool {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return true
	}
	for _, line := range strings.Split(string(data), "\n") {
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		if strings.TrimSpace(k) == key {
			return strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}
	return true
}

// MessageSource fetches channel messages newer than a cursor. The
// production implementation hits the REST message endpoint; tests
// substitute a fake.
type MessageSource interface {
	FetchAfter(ctx context.Context, afterID string, limit int) (
		[]*discordgo.Message,
		error,
	)
}

// rateLimitedError is returned by a MessageSource when the server asks
// the client to back off for a specific interval.
type rateLimitedError struct {
	retryAfter time.Duration
}

func (e *rateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.retryAfter)
}

type scrapeRateLimitBody struct {
	RetryAfter float64 `json:"retry_after"`
}

// scrapeClient fetches messages from a channel using a scrape token,
// separate from the bot's own gateway session.
type scrapeClient struct {
	baseURL    string
	channelID  string
	token      string
	httpClient *http.Client
}

func newScrapeClient(config *WatcherConfig, httpClient *http.Client) *scrapeClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultScrapeBaseURL
	}
	return &scrapeClient{
		baseURL:    baseURL,
		channelID:  config.SourceChannelID,
		token:      config.ScrapeToken,
		httpClient: httpClient,
	}
}

func (c *scrapeClient) FetchAfter(
	ctx context.Context,
	afterID string,
	limit int,
) ([]*discordgo.Message, error) {
	url := fmt.Sprintf(
		"%s/channels/%s/messages?limit=%d&after=%s",
		c.baseURL,
		c.channelID,
		limit,
		afterID,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating fetch request: %w", err)
	}
	req.Header.Set("Authorization", c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", scrapeUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error fetching messages: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Second
		var body scrapeRateLimitBody
		if decodeErr := json.NewDecoder(resp.Body).Decode(&body); decodeErr == nil && body.RetryAfter > 0 {
			retryAfter = time.Duration(body.RetryAfter * float64(time.Second))
		}
		return nil, &rateLimitedError{retryAfter: retryAfter}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("message fetch returned status %d", resp.StatusCode)
	}

	var messages []*discordgo.Message
	if err = json.NewDecoder(resp.Body).Decode(&messages); err != nil {
		return nil, fmt.Errorf("error decoding messages: %w", err)
	}
	return messages, nil
}

// SecretsWatcher polls the source channel for new hatch announcements
// and drives each one through the pipeline: parse, append, correlate,
// notify, advance cursor. The loop never terminates on error; every
// failure mode sleeps and retries.
type SecretsWatcher struct {
	config     *WatcherConfig
	source     MessageSource
	store      *RecordStore
	cursor     *CursorStore
	flags      *FlagStore
	correlator *Correlator
	notifier   *Notifier
	logger     *slog.Logger
	throttle   *logThrottle

	// guildID of the destination channel, learned at startup; used for
	// registry lookups and membership checks
	guildID string
}

func newSecretsWatcher(
	config *WatcherConfig,
	source MessageSource,
	store *RecordStore,
	cursor *CursorStore,
	flags *FlagStore,
	correlator *Correlator,
	notifier *Notifier,
) *SecretsWatcher {
	return &SecretsWatcher{
		config:     config,
		source:     source,
		store:      store,
		cursor:     cursor,
		flags:      flags,
		correlator: correlator,
		notifier:   notifier,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey, "secrets_watcher",
		),
		throttle: newLogThrottle(warnThrottleWindow),
	}
}

// Run polls until the context is canceled. Pausing via the feature
// flag sleeps without touching the cursor, so nothing is lost across a
// pause/resume.
func (w *SecretsWatcher) Run(ctx context.Context) {
	afterID := w.cursor.Load()
	w.logger.Info("starting secrets scan", "after", afterID)

	for ctx.Err() == nil {
		if !w.flags.Enabled(hatchesFlagKey) {
			if !sleepContext(ctx, w.config.PauseInterval) {
				return
			}
			continue
		}

		messages, err := w.source.FetchAfter(ctx, afterID, w.config.FetchLimit)
		if err != nil {
			var rl *rateLimitedError
			switch {
			case errors.As(err, &rl):
				w.logger.Warn("fetch rate limited", "retry_after", rl.retryAfter)
				if !sleepContext(ctx, rl.retryAfter) {
					return
				}
			default:
				if w.throttle.Allow("fetch") {
					w.logger.Error("error fetching messages", tint.Err(err))
				}
				if !sleepContext(ctx, w.config.ErrorInterval) {
					return
				}
			}
			continue
		}

		if len(messages) == 0 {
			if !sleepContext(ctx, w.config.EmptyInterval) {
				return
			}
			continue
		}

		// the source may return newest-first; IDs are snowflakes and
		// must be ordered numerically, not lexically
		sort.Slice(
			messages, func(i, j int) bool {
				return compareSnowflakes(messages[i].ID, messages[j].ID) < 0
			},
		)

		for _, msg := range messages {
			if ctx.Err() != nil {
				return
			}
			afterID = msg.ID
			w.process(ctx, msg)
			if saveErr := w.cursor.Save(afterID); saveErr != nil {
				w.logger.Error("error saving cursor", tint.Err(saveErr))
			}
		}

		if !sleepContext(ctx, w.config.BatchInterval) {
			return
		}
	}
}

// process runs a single message through the pipeline. A message that
// doesn't parse is skipped - the cursor still advances past it, since
// a malformed message must never stall the watcher.
func (w *SecretsWatcher) process(ctx context.Context, msg *discordgo.Message) {
	rec := parseHatchMessage(msg)
	if rec == nil {
		w.logger.Debug("skipping message without hatch embed", "message_id", msg.ID)
		return
	}

	// append before the correlator runs: the store line never carries a
	// discord ID from this path (only a bulk rewrite sets it), and the
	// registry's rate-limit waits must not delay persistence
	if err := w.store.Append(*rec); err != nil {
		w.logger.Error("error appending record", tint.Err(err), "record", *rec)
	}

	w.correlator.Correlate(ctx, w.guildID, rec)

	if w.notifier != nil {
		w.notifier.Notify(ctx, *rec)
	}
}
