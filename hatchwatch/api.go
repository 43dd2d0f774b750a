package hatchwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const (
	// defaultQueryNum is the page size when no num parameter is given.
	defaultQueryNum = 21

	// maxQueryNum caps the page size.
	maxQueryNum = 100

	apiPathHatches = "/hatches"

	rateLimitedMessage   = "api is rate limited"
	noHatchesFileMessage = "No hatches file found."
	readErrorMessage     = "Could not read hatches file."
)

// slidingWindow is a rolling-window request limiter: a request is
// allowed while fewer than limit requests landed within the trailing
// window. Unlike a token bucket, a full window admits nothing until
// old timestamps age out.
type slidingWindow struct {
	limit  int
	window time.Duration

	mu         sync.Mutex
	timestamps []time.Time
}

func newSlidingWindow(limit int, window time.Duration) *slidingWindow {
	if limit <= 0 {
		limit = DefaultAPIRateLimit
	}
	if window <= 0 {
		window = DefaultAPIRateWindow
	}
	return &slidingWindow{limit: limit, window: window}
}

// Allow records the request if it fits in the window and reports
// whether it was admitted. Rejected requests are not recorded.
func (s *slidingWindow) Allow() bool {
	now := time.Now()
	cutoff := now.Add(-s.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.timestamps[:0]
	for _, ts := range s.timestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.timestamps = kept

	if len(s.timestamps) >= s.limit {
		return false
	}
	s.timestamps = append(s.timestamps, now)
	return true
}

// API is the read-only HTTP query surface over the record store. It's
// unauthenticated and CORS-open; the rolling-window rate limit is the
// only admission control.
type API struct {
	config     *APIConfig
	store      *RecordStore
	limiter    *slidingWindow
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger
}

func newAPI(config *APIConfig, store *RecordStore) *API {
	logger := slog.New(newLogHandler(config.LogLevel)).With(
		loggerNameKey, "api",
	)

	r := gin.New()
	api := &API{
		config:  config,
		store:   store,
		limiter: newSlidingWindow(config.RateLimit, config.RateWindow),
		engine:  r,
		logger:  logger,
	}

	corsConfig := cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{http.MethodGet, http.MethodOptions},
		AllowHeaders:    []string{"Content-Type"},
	}

	r.Use(
		gin.Recovery(),
		apiLoggingMiddleware(logger),
		cors.New(corsConfig),
	)
	r.GET(apiPathHatches, api.getHatches)
	// the CORS middleware only answers preflights carrying an Origin
	// header; a bare OPTIONS still gets a 204
	r.OPTIONS(
		apiPathHatches, func(c *gin.Context) {
			c.Status(http.StatusNoContent)
		},
	)

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}
	return api
}

func (a *API) Serve(ctx context.Context) error {
	if a.listener == nil {
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		a.listener = ln
	}
	a.logger.Info("hatches API listening", "address", a.listener.Addr().String())
	return a.httpServer.Serve(a.listener)
}

func (a *API) Shutdown(ctx context.Context) error {
	return a.httpServer.Shutdown(ctx)
}

// parseHatchesQuery maps request parameters onto a store query. num is
// clamped to [1, maxQueryNum] and silently defaulted when absent or
// non-numeric; oldest and verified are presence flags with no value.
func parseHatchesQuery(c *gin.Context) RecordQuery {
	q := RecordQuery{Num: defaultQueryNum}
	if v, ok := c.GetQuery("num"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			switch {
			case n < 1:
				q.Num = 1
			case n > maxQueryNum:
				q.Num = maxQueryNum
			default:
				q.Num = n
			}
		}
	}
	_, q.Oldest = c.GetQuery("oldest")
	_, q.Verified = c.GetQuery("verified")
	q.After = c.Query("after")
	q.Username = c.Query("username")
	return q
}

func (a *API) getHatches(c *gin.Context) {
	if !a.limiter.Allow() {
		c.String(http.StatusTooManyRequests, rateLimitedMessage)
		return
	}
	if !a.store.Exists() {
		c.String(http.StatusNotFound, noHatchesFileMessage)
		return
	}

	records, err := a.store.Query(parseHatchesQuery(c))
	if err != nil {
		_ = c.Error(err)
		c.String(http.StatusInternalServerError, readErrorMessage)
		return
	}
	if records == nil {
		records = []HatchRecord{}
	}
	c.JSON(http.StatusOK, records)
}

func apiLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, *e)
		}
		if len(errs) > 0 {
			logger.Error(
				fmt.Sprintf(
					"%s %s finished with errors",
					c.Request.Method,
					c.Request.URL,
				),
				"duration", latency,
				"errors", errs,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		} else {
			logger.Info(
				fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
				"duration", latency,
				slog.Group(
					"response",
					"status_code", c.Writer.Status(),
					"body_size", c.Writer.Size(),
				),
			)
		}
	}
}
