package hatchwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
)

const rateLimitRemainingZero = "0"

// Correlator resolves a free-text hatch credit to a discord user ID:
// credit -> roblox username -> roblox user ID -> discord user ID. The
// first hop is a plain lookup whose failures degrade to "unresolved";
// the second is the guild-scoped identity registry, whose rate limits
// are honored by blocking the calling poller cycle until the window
// clears. That serializes the whole pipeline - at most one correlation
// is ever in flight.
type Correlator struct {
	config     *RoverConfig
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *rate.Limiter
	throttle   *logThrottle

	// retryAfterUntil is the explicit rate-limit window shared by all
	// registry calls. Guarded by mu; checked before every request.
	mu              sync.Mutex
	retryAfterUntil time.Time
}

func newCorrelator(config *RoverConfig, httpClient *http.Client) *Correlator {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	interval := config.MinInterval
	if interval <= 0 {
		interval = DefaultRoverMinInterval
	}
	return &Correlator{
		config:     config,
		httpClient: httpClient,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey, "correlator",
		),
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		throttle: newLogThrottle(warnThrottleWindow),
	}
}

// Correlate resolves the record's credit and sets DiscordUserID when
// the credit maps to a linked account. Every failure mode leaves the
// record uncorrelated rather than surfacing an error - a credit that
// can't be resolved must never stall the pipeline.
func (c *Correlator) Correlate(ctx context.Context, guildID string, rec *HatchRecord) {
	if rec.HatchedBy == "" {
		return
	}
	username := extractUsername(rec.HatchedBy)
	if username == "" {
		return
	}
	robloxID := c.robloxID(ctx, username)
	if robloxID == 0 {
		return
	}
	if guildID == "" {
		c.logger.Warn(
			"no guild ID available, cannot resolve discord ID",
			"roblox_id", robloxID,
		)
		return
	}
	discordID, err := c.DiscordIDForRoblox(ctx, guildID, robloxID)
	if err != nil {
		if c.throttle.Allow("rover") {
			c.logger.Warn("registry lookup failed", tint.Err(err))
		}
		return
	}
	if discordID != "" {
		rec.DiscordUserID = &discordID
	}
}

type robloxUsersRequest struct {
	Usernames          []string `json:"usernames"`
	ExcludeBannedUsers bool     `json:"excludeBannedUsers"`
}

type robloxUsersResponse struct {
	Data []struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

// robloxID resolves a roblox username to its numeric user ID. Any
// failure yields 0 ("unresolved") - the lookup is best-effort and is
// not retried.
func (c *Correlator) robloxID(ctx context.Context, username string) int64 {
	body, err := json.Marshal(
		robloxUsersRequest{
			Usernames:          []string{username},
			ExcludeBannedUsers: true,
		},
	)
	if err != nil {
		return 0
	}
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		c.config.UsersURL,
		bytes.NewReader(body),
	)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.throttle.Allow("roblox") {
			c.logger.Warn("username lookup failed", tint.Err(err), "username", username)
		}
		return 0
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return 0
	}
	var decoded robloxUsersResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return 0
	}
	if len(decoded.Data) == 0 {
		return 0
	}
	return decoded.Data[0].ID
}

type registryUserResponse struct {
	DiscordUsers []struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"discordUsers"`
}

type registryCachedResponse struct {
	CachedUsername string `json:"cachedUsername"`
}

// DiscordIDForRoblox resolves a roblox user ID to the linked discord
// user ID within the given guild. Honors the registry's rate-limit
// headers: when the remaining quota hits zero the shared window is set
// and slept out, and a 429 is waited out and retried until it succeeds
// or the context is canceled. A 404 means "no linked account" and is
// not an error; 401/403 indicate a misconfigured API key and are
// logged loudly but degrade to "unresolved".
func (c *Correlator) DiscordIDForRoblox(
	ctx context.Context,
	guildID string,
	robloxID int64,
) (string, error) {
	url := fmt.Sprintf(
		"%s/guilds/%s/roblox-to-discord/%d",
		c.config.BaseURL,
		guildID,
		robloxID,
	)

	for {
		if err := c.waitForWindow(ctx); err != nil {
			return "", err
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return "", err
		}

		resp, err := c.registryGet(ctx, url)
		if err != nil {
			return "", err
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return "", fmt.Errorf("error reading registry response: %w", readErr)
		}

		if resp.Header.Get("X-RateLimit-Remaining") == rateLimitRemainingZero {
			wait := retryAfterDuration(resp.Header, time.Minute)
			c.pause(wait)
			c.logger.Warn("registry quota exhausted, pausing", "wait", wait)
			if !sleepContext(ctx, wait) {
				return "", ctx.Err()
			}
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var decoded registryUserResponse
			if err = json.Unmarshal(body, &decoded); err != nil {
				return "", fmt.Errorf("error parsing registry response: %w", err)
			}
			if len(decoded.DiscordUsers) == 0 {
				return "", nil
			}
			return decoded.DiscordUsers[0].User.ID, nil
		case http.StatusTooManyRequests:
			wait := retryAfterDuration(resp.Header, DefaultRoverRetryAfter)
			c.pause(wait)
			c.logger.Warn(
				"registry rate limited",
				"wait", wait,
				"roblox_id", robloxID,
			)
			if !sleepContext(ctx, wait) {
				return "", ctx.Err()
			}
			// retry the same lookup once the window has passed
		case http.StatusNotFound:
			return "", nil
		case http.StatusUnauthorized, http.StatusForbidden:
			c.logger.Error(
				"registry authorization error - check the rover API key",
				"status", resp.StatusCode,
				"roblox_id", robloxID,
			)
			return "", nil
		default:
			return "", fmt.Errorf(
				"registry returned status %d: %s",
				resp.StatusCode,
				string(body),
			)
		}
	}
}

// RobloxUsernameForDiscord asks the registry for the cached roblox
// username linked to a discord user. Used by the bulk correlator to
// resolve usernames live; failures are swallowed into "".
func (c *Correlator) RobloxUsernameForDiscord(
	ctx context.Context,
	guildID string,
	discordID string,
) string {
	url := fmt.Sprintf(
		"%s/guilds/%s/discord-to-roblox/%s",
		c.config.BaseURL,
		guildID,
		discordID,
	)

	if err := c.waitForWindow(ctx); err != nil {
		return ""
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return ""
	}

	resp, err := c.registryGet(ctx, url)
	if err != nil {
		if c.throttle.Allow("rover") {
			c.logger.Warn("registry lookup failed", tint.Err(err))
		}
		return ""
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.Header.Get("X-RateLimit-Remaining") == rateLimitRemainingZero {
		wait := retryAfterDuration(resp.Header, time.Minute)
		c.pause(wait)
	}
	if resp.StatusCode != http.StatusOK {
		return ""
	}
	var decoded registryCachedResponse
	if err = json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ""
	}
	return decoded.CachedUsername
}

func (c *Correlator) registryGet(ctx context.Context, url string) (
	*http.Response,
	error,
) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating registry request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error calling registry: %w", err)
	}
	return resp, nil
}

// waitForWindow blocks until the shared rate-limit window has passed.
func (c *Correlator) waitForWindow(ctx context.Context) error {
	for {
		c.mu.Lock()
		until := c.retryAfterUntil
		c.mu.Unlock()

		wait := time.Until(until)
		if wait <= 0 {
			return ctx.Err()
		}
		c.logger.Warn("waiting out registry rate limit", "wait", wait)
		if !sleepContext(ctx, wait+100*time.Millisecond) {
			return ctx.Err()
		}
	}
}

func (c *Correlator) pause(d time.Duration) {
	c.mu.Lock()
	until := time.Now().Add(d)
	if until.After(c.retryAfterUntil) {
		c.retryAfterUntil = until
	}
	c.mu.Unlock()
}

// retryAfterDuration parses the server-specified wait from rate-limit
// headers, preferring the reset-after value. Values are fractional
// seconds.
func retryAfterDuration(h http.Header, fallback time.Duration) time.Duration {
	for _, key := range []string{"X-RateLimit-Reset-After", "Retry-After"} {
		v := h.Get(key)
		if v == "" {
			continue
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			continue
		}
		return time.Duration(f * float64(time.Second))
	}
	return fallback
}
