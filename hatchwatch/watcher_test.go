package hatchwatch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorStoreLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), cursorFileName)
	cursor := NewCursorStore(path, DefaultStartAfterID, nil)

	// no file yet
	assert.Equal(t, DefaultStartAfterID, cursor.Load())

	require.NoError(t, cursor.Save("1380000000000000001"))
	assert.Equal(t, "1380000000000000001", cursor.Load())

	// trailing whitespace is tolerated
	require.NoError(
		t,
		os.WriteFile(path, []byte("42\n"), 0o644),
	)
	assert.Equal(t, "42", cursor.Load())

	// anything non-numeric falls back to the default
	require.NoError(
		t,
		os.WriteFile(path, []byte("not a snowflake"), 0o644),
	)
	assert.Equal(t, DefaultStartAfterID, cursor.Load())
}

func TestFlagStoreEnabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), flagsFileName)
	flags := NewFlagStore(path)

	// missing file means enabled
	assert.True(t, flags.Enabled(hatchesFlagKey))

	writeFlags := func(content string) {
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	writeFlags("hatches=false\n")
	assert.False(t, flags.Enabled(hatchesFlagKey))

	writeFlags("hatches=true\n")
	assert.True(t, flags.Enabled(hatchesFlagKey))

	writeFlags("hatches = TRUE\nother=false\n")
	assert.True(t, flags.Enabled(hatchesFlagKey))
	assert.False(t, flags.Enabled("other"))

	// missing key means enabled
	writeFlags("other=false\n")
	assert.True(t, flags.Enabled(hatchesFlagKey))

	writeFlags("hatches=banana\n")
	assert.False(t, flags.Enabled(hatchesFlagKey))
}

// fakeMessageSource plays back scripted fetch results, then cancels the
// watcher's context once the script runs out.
type fakeMessageSource struct {
	cancel  context.CancelFunc
	results []fakeFetchResult

	calls    int
	afterIDs []string
}

type fakeFetchResult struct {
	messages []*discordgo.Message
	err      error
}

func (f *fakeMessageSource) FetchAfter(
	_ context.Context,
	afterID string,
	_ int,
) ([]*discordgo.Message, error) {
	f.afterIDs = append(f.afterIDs, afterID)
	if f.calls >= len(f.results) {
		f.cancel()
		return nil, nil
	}
	result := f.results[f.calls]
	f.calls++
	return result.messages, result.err
}

func hatchMessage(id, name string) *discordgo.Message {
	return &discordgo.Message{
		ID: id,
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       name,
				Description: "**Total Hatched:** `1`",
			},
		},
	}
}

func newTestWatcher(
	t testing.TB,
	source MessageSource,
) (*SecretsWatcher, *RecordStore, *CursorStore) {
	t.Helper()
	tmpdir := t.TempDir()

	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	cfg := &WatcherConfig{
		SourceChannelID: "123",
		ScrapeToken:     "token",
		StartAfterID:    "100",
		FetchLimit:      100,
		BatchInterval:   time.Millisecond,
		EmptyInterval:   time.Millisecond,
		ErrorInterval:   time.Millisecond,
		PauseInterval:   time.Millisecond,
		LogLevel:        logLevel,
	}

	store := NewRecordStore(filepath.Join(tmpdir, recordFileName), nil)
	cursor := NewCursorStore(
		filepath.Join(tmpdir, cursorFileName), cfg.StartAfterID, nil,
	)
	flags := NewFlagStore(filepath.Join(tmpdir, flagsFileName))

	roverLevel := &slog.LevelVar{}
	roverLevel.Set(slog.LevelError)
	correlator := newCorrelator(
		&RoverConfig{LogLevel: roverLevel}, http.DefaultClient,
	)

	return newSecretsWatcher(
		cfg, source, store, cursor, flags, correlator, nil,
	), store, cursor
}

func TestSecretsWatcherProcessesBatchInOrder(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	source := &fakeMessageSource{
		cancel: cancel,
		results: []fakeFetchResult{
			{
				// newest-first, as the fetch API returns them; "9"
				// sorts after "10" lexically but not numerically
				messages: []*discordgo.Message{
					hatchMessage("110", "Third"),
					{ID: "105", Content: "not a hatch"},
					hatchMessage("102", "Second"),
					hatchMessage("9", "First"),
				},
			},
		},
	}

	watcher, store, cursor := newTestWatcher(t, source)
	watcher.Run(ctx)

	recs, err := store.Query(RecordQuery{Num: 10, Oldest: true})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"110", "102", "9"}, recordIDs(recs))
	assert.Equal(t, "First", recs[2].Name)

	// the cursor advanced past the unparseable message too
	assert.Equal(t, "110", cursor.Load())

	// the first fetch used the default start cursor, the next one the
	// newest processed ID
	require.GreaterOrEqual(t, len(source.afterIDs), 2)
	assert.Equal(t, "100", source.afterIDs[0])
	assert.Equal(t, "110", source.afterIDs[1])
}

func TestSecretsWatcherRetriesAfterRateLimit(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	source := &fakeMessageSource{
		cancel: cancel,
		results: []fakeFetchResult{
			{err: &rateLimitedError{retryAfter: time.Millisecond}},
			{err: fmt.Errorf("transient fetch error")},
			{messages: []*discordgo.Message{hatchMessage("101", "Pet")}},
		},
	}

	watcher, store, cursor := newTestWatcher(t, source)
	watcher.Run(ctx)

	recs, err := store.Query(RecordQuery{Num: 10})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "101", recs[0].ID)
	assert.Equal(t, "101", cursor.Load())
}

func TestSecretsWatcherPausesWhileFlagOff(t *testing.T) {
	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	source := &fakeMessageSource{cancel: cancel}
	watcher, _, cursor := newTestWatcher(t, source)

	flagsPath := filepath.Join(
		filepath.Dir(cursor.path), flagsFileName,
	)
	require.NoError(
		t,
		os.WriteFile(flagsPath, []byte("hatches=false\n"), 0o644),
	)

	watcher.Run(ctx)
	assert.Zero(t, len(source.afterIDs))
}

func TestProcessAppendsRecordBeforeCorrelation(t *testing.T) {
	correlator := newTestCorrelator(
		t,
		robloxUsersHandler(t, 42),
		func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"discordUsers": [{"user": {"id": "999"}}]}`)
		},
	)
	session := &mockSession{}

	tmpdir := t.TempDir()
	store := NewRecordStore(filepath.Join(tmpdir, recordFileName), nil)
	cursor := NewCursorStore(
		filepath.Join(tmpdir, cursorFileName), "100", nil,
	)
	flags := NewFlagStore(filepath.Join(tmpdir, flagsFileName))
	notifier := newNotifier(session, "chan-1", "g1", newTestRegistry(t), nil)

	logLevel := &slog.LevelVar{}
	logLevel.Set(slog.LevelError)
	watcher := newSecretsWatcher(
		&WatcherConfig{LogLevel: logLevel},
		nil,
		store,
		cursor,
		flags,
		correlator,
		notifier,
	)
	watcher.guildID = "g1"

	msg := &discordgo.Message{
		ID: "101",
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       "Pet",
				Description: "**Hatched by** `alice`",
			},
		},
	}
	watcher.process(context.Background(), msg)

	// the stored line is the uncorrelated record: only a bulk rewrite
	// ever writes a discord ID into the file
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hatchedBy":"alice"`)
	assert.NotContains(t, string(data), "discordUserId")

	// the announcement still mentions the resolved account
	require.Len(t, session.sent, 1)
	assert.Equal(t, "<@999>", session.sent[0].Content)
}

func TestScrapeClientFetchAfter(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(
					t,
					"/channels/123/messages",
					r.URL.Path,
				)
				assert.Equal(t, "50", r.URL.Query().Get("limit"))
				assert.Equal(t, "42", r.URL.Query().Get("after"))
				assert.Equal(
					t, "user-token", r.Header.Get("Authorization"),
				)
				assert.Equal(
					t, scrapeUserAgent, r.Header.Get("User-Agent"),
				)
				fmt.Fprint(w, `[{"id": "43"}, {"id": "44"}]`)
			},
		),
	)
	defer server.Close()

	client := newScrapeClient(
		&WatcherConfig{
			SourceChannelID: "123",
			ScrapeToken:     "user-token",
			BaseURL:         server.URL,
		},
		server.Client(),
	)

	messages, err := client.FetchAfter(context.Background(), "42", 50)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "43", messages[0].ID)
}

func TestScrapeClientFetchAfterRateLimited(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusTooManyRequests)
				fmt.Fprint(w, `{"retry_after": 2.5}`)
			},
		),
	)
	defer server.Close()

	client := newScrapeClient(
		&WatcherConfig{
			SourceChannelID: "123",
			ScrapeToken:     "user-token",
			BaseURL:         server.URL,
		},
		server.Client(),
	)

	_, err := client.FetchAfter(context.Background(), "42", 50)
	var rl *rateLimitedError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 2500*time.Millisecond, rl.retryAfter)
}

func TestScrapeClientFetchAfterServerError(t *testing.T) {
	server := httptest.NewServer(
		http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			},
		),
	)
	defer server.Close()

	client := newScrapeClient(
		&WatcherConfig{BaseURL: server.URL}, server.Client(),
	)
	_, err := client.FetchAfter(context.Background(), "42", 50)
	assert.ErrorContains(t, err, "403")
}
