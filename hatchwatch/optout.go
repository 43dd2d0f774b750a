package hatchwatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

type optOutEntry struct {
	ID string `json:"id"`
}

// OptOutRegistry is the persisted set of user IDs excluded from hatch
// mentions. The file may also be edited by other processes, so the
// registry reloads it on a fixed interval rather than assuming it owns
// the contents.
type OptOutRegistry struct {
	path   string
	logger *slog.Logger

	mu  sync.RWMutex
	ids map[string]struct{}
}

func NewOptOutRegistry(path string, logger *slog.Logger) *OptOutRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &OptOutRegistry{
		path:   path,
		logger: logger.With(loggerNameKey, "opt_out_registry"),
		ids:    map[string]struct{}{},
	}
}

// Load replaces the in-memory set with the file contents. A missing
// file is an empty set; a malformed file leaves the current set as-is.
func (o *OptOutRegistry) Load() error {
	data, err := os.ReadFile(o.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("error reading opt-out file: %w", err)
	}

	var entries []optOutEntry
	if err = json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("error parsing opt-out file: %w", err)
	}

	ids := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		if entry.ID != "" {
			ids[entry.ID] = struct{}{}
		}
	}

	o.mu.Lock()
	o.ids = ids
	o.mu.Unlock()
	return nil
}

// Contains reports whether the given user has opted out of mentions.
func (o *OptOutRegistry) Contains(userID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.ids[userID]
	return ok
}

// Toggle flips the opt-out state for the given user and persists the
// set. Returns true if the user is now opted out. The file is reloaded
// first so edits from other processes aren't clobbered.
func (o *OptOutRegistry) Toggle(userID string) (bool, error) {
	if err := o.Load(); err != nil {
		o.logger.Warn("reload before toggle failed", tint.Err(err))
	}

	o.mu.Lock()
	_, optedOut := o.ids[userID]
	if optedOut {
		delete(o.ids, userID)
	} else {
		o.ids[userID] = struct{}{}
	}
	entries := make([]optOutEntry, 0, len(o.ids))
	for id := range o.ids {
		entries = append(entries, optOutEntry{ID: id})
	}
	o.mu.Unlock()

	sort.Slice(
		entries, func(i, j int) bool {
			return entries[i].ID < entries[j].ID
		},
	)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return !optedOut, fmt.Errorf("error marshaling opt-out file: %w", err)
	}
	if err = os.WriteFile(o.path, data, 0o644); err != nil {
		return !optedOut, fmt.Errorf("error writing opt-out file: %w", err)
	}
	return !optedOut, nil
}

// watch reloads the registry on the given interval until the context
// is canceled.
func (o *OptOutRegistry) watch(ctx context.Context, interval time.Duration) {
	for sleepContext(ctx, interval) {
		if err := o.Load(); err != nil {
			o.logger.Error("error reloading opt-out registry", tint.Err(err))
		}
	}
}
