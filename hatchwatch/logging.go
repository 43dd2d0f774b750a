package hatchwatch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const loggerNameKey = "logger"

var defaultLogWriter io.Writer = os.Stdout

// warnThrottleWindow bounds how often a continuously-failing background
// watcher may log the same class of warning.
const warnThrottleWindow = 5 * time.Minute

func newLogHandler(level slog.Leveler) slog.Handler {
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// discordgoLoggerFunc bridges discordgo's printf-style logger to slog.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

// logThrottle rate-limits repeated warnings by class, so a watcher
// stuck on the same error doesn't spam the log every cycle.
type logThrottle struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newLogThrottle(window time.Duration) *logThrottle {
	return &logThrottle{window: window, seen: map[string]time.Time{}}
}

// Allow reports whether a log line for the given error class is due,
// and marks the class as logged if so.
func (t *logThrottle) Allow(class string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.seen[class]; ok && now.Sub(last) < t.window {
		return false
	}
	t.seen[class] = now
	return true
}
