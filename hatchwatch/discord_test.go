package hatchwatch

import (
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSession implements DiscordSessionHandler, recording the calls
// the code under test makes.
type mockSession struct {
	mu sync.Mutex

	guildMemberErr   error
	guildMemberCalls []string

	sendErr      error
	sent         []*discordgo.MessageSend
	sentChannels []string

	responses []*discordgo.InteractionResponse
	edits     []*discordgo.WebhookEdit
	editReply *discordgo.Message

	registeredCommands []*discordgo.ApplicationCommand
	customStatus       string
}

func (m *mockSession) Open() error {
	return nil
}

func (m *mockSession) Close() error {
	return nil
}

func (m *mockSession) AddHandler(_ any) func() {
	return func() {}
}

func (m *mockSession) Channel(
	channelID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Channel, error) {
	return &discordgo.Channel{ID: channelID, GuildID: "g1"}, nil
}

func (m *mockSession) GuildMember(
	_ string,
	userID string,
	_ ...discordgo.RequestOption,
) (*discordgo.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guildMemberCalls = append(m.guildMemberCalls, userID)
	if m.guildMemberErr != nil {
		return nil, m.guildMemberErr
	}
	return &discordgo.Member{User: &discordgo.User{ID: userID}}, nil
}

func (m *mockSession) ChannelMessageSendComplex(
	channelID string,
	data *discordgo.MessageSend,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sentChannels = append(m.sentChannels, channelID)
	m.sent = append(m.sent, data)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &discordgo.Message{ID: "sent", ChannelID: channelID}, nil
}

func (m *mockSession) ApplicationCommandBulkOverwrite(
	_ string,
	_ string,
	commands []*discordgo.ApplicationCommand,
	_ ...discordgo.RequestOption,
) ([]*discordgo.ApplicationCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registeredCommands = commands
	return commands, nil
}

func (m *mockSession) InteractionRespond(
	_ *discordgo.Interaction,
	resp *discordgo.InteractionResponse,
	_ ...discordgo.RequestOption,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockSession) InteractionResponseEdit(
	_ *discordgo.Interaction,
	newresp *discordgo.WebhookEdit,
	_ ...discordgo.RequestOption,
) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, newresp)
	if m.editReply != nil {
		return m.editReply, nil
	}
	return &discordgo.Message{ID: "reply"}, nil
}

func (m *mockSession) UpdateCustomStatus(status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customStatus = status
	return nil
}

func (m *mockSession) SetHTTPClient(_ *http.Client) {}

func (m *mockSession) SetLogLevel(_ slog.Level) error {
	return nil
}

func newTestDiscord(t testing.TB, session DiscordSessionHandler) *Discord {
	t.Helper()
	cfg := DefaultConfig().Discord
	cfg.Token = "test-token"
	cfg.ApplicationID = "app-id"
	cfg.NotifyChannelID = "chan-1"
	return &Discord{
		session: session,
		config:  cfg,
		logger: slog.New(newLogHandler(cfg.LogLevel)).With(
			loggerNameKey, "discord",
		),
	}
}

func TestRegisterCommands(t *testing.T) {
	session := &mockSession{}
	disc := newTestDiscord(t, session)

	handler := newCommandHandler(
		session, disc.config, newTestStore(t), newTestRegistry(t), nil,
	)
	created, err := disc.registerCommands(handler.commands())
	require.NoError(t, err)
	require.Len(t, created, 3)

	names := make([]string, 0, len(created))
	for _, c := range created {
		names = append(names, c.Name)
	}
	assert.Equal(
		t,
		[]string{
			DiscordSlashCommandHatches,
			DiscordSlashCommandTurnOffPing,
			DiscordSlashCommandUpdate,
		},
		names,
	)
	assert.Equal(t, created, session.registeredCommands)
}

func TestHandlerConnectSetsCustomStatus(t *testing.T) {
	session := &mockSession{}
	disc := newTestDiscord(t, session)
	disc.config.CustomStatus = "hatching"

	disc.handlerConnect()(nil, nil)
	assert.True(t, disc.connected.Load())
	assert.Equal(t, int64(1), disc.metricConnects.Load())
	assert.Equal(t, "hatching", session.customStatus)

	disc.handlerDisconnect()(nil, nil)
	assert.False(t, disc.connected.Load())
	assert.Equal(t, int64(1), disc.metricDisconnects.Load())
}

func TestDiscordSessionSetLogLevel(t *testing.T) {
	session := DiscordSession{session: &discordgo.Session{}}

	require.NoError(t, session.SetLogLevel(slog.LevelDebug))
	assert.Equal(t, discordgo.LogDebug, session.session.LogLevel)

	require.NoError(t, session.SetLogLevel(slog.LevelError))
	assert.Equal(t, discordgo.LogError, session.session.LogLevel)

	assert.Error(t, session.SetLogLevel(slog.Level(42)))
}
