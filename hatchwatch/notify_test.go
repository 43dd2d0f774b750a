package hatchwatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNotifier(t testing.TB, session *mockSession) *Notifier {
	t.Helper()
	return newNotifier(session, "chan-1", "g1", newTestRegistry(t), nil)
}

func TestNotifyMentionsLinkedHatcher(t *testing.T) {
	session := &mockSession{}
	notifier := newTestNotifier(t, session)

	discordID := "697047593334603837"
	rec := HatchRecord{
		ID:            "1",
		Name:          "Giant Chocolate Chicken",
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		ImageURL:      "https://example.com/pet.png",
		TotalHatched:  "1,234",
		Rarity:        "1 in 1,000,000",
		HatchedBy:     "Cool Dude (@alice_123)",
		DiscordUserID: &discordID,
	}
	notifier.Notify(context.Background(), rec)

	require.Len(t, session.sent, 1)
	assert.Equal(t, []string{"chan-1"}, session.sentChannels)
	assert.Equal(t, []string{discordID}, session.guildMemberCalls)

	sent := session.sent[0]
	assert.Equal(t, fmt.Sprintf("<@%s>", discordID), sent.Content)

	require.Len(t, sent.Embeds, 1)
	embed := sent.Embeds[0]
	assert.Equal(t, "Giant Chocolate Chicken", embed.Title)
	assert.Equal(t, embedColor, embed.Color)
	assert.Contains(t, embed.Description, "**Hatched by:** Cool Dude (@alice_123)")
	assert.Contains(t, embed.Description, "**Exists:** 1,234")
	assert.Contains(t, embed.Description, "**Rarity:** 1 in 1,000,000")
	require.NotNil(t, embed.Thumbnail)
	assert.Equal(t, "https://example.com/pet.png", embed.Thumbnail.URL)
	require.NotNil(t, embed.Footer)
	assert.Equal(t, notifyFooterText, embed.Footer.Text)
}

func TestNotifyDropsMentionWhenMembershipCheckFails(t *testing.T) {
	session := &mockSession{guildMemberErr: fmt.Errorf("unknown member")}
	notifier := newTestNotifier(t, session)

	discordID := "123"
	rec := HatchRecord{
		ID:            "1",
		Name:          "Pet",
		HatchedBy:     "alice",
		DiscordUserID: &discordID,
	}
	notifier.Notify(context.Background(), rec)

	require.Len(t, session.sent, 1)
	assert.Empty(t, session.sent[0].Content)
	require.Len(t, session.sent[0].Embeds, 1)
	assert.Nil(t, session.sent[0].Embeds[0].Footer)
}

func TestNotifySkipsOptedOutHatcher(t *testing.T) {
	session := &mockSession{}
	notifier := newTestNotifier(t, session)

	discordID := "123"
	_, err := notifier.optOuts.Toggle(discordID)
	require.NoError(t, err)

	rec := HatchRecord{
		ID:            "1",
		Name:          "Pet",
		HatchedBy:     "alice",
		DiscordUserID: &discordID,
	}
	notifier.Notify(context.Background(), rec)

	// no membership check and no mention for an opted-out user
	assert.Empty(t, session.guildMemberCalls)
	require.Len(t, session.sent, 1)
	assert.Empty(t, session.sent[0].Content)
}

func TestNotifyUnresolvedRecord(t *testing.T) {
	session := &mockSession{}
	notifier := newTestNotifier(t, session)

	notifier.Notify(context.Background(), HatchRecord{ID: "1"})

	assert.Empty(t, session.guildMemberCalls)
	require.Len(t, session.sent, 1)
	assert.Empty(t, session.sent[0].Content)

	embed := session.sent[0].Embeds[0]
	assert.Equal(t, unknownPetName, embed.Title)
	assert.Contains(t, embed.Description, "**Hatched by:** "+unknownFieldValue)
	assert.Contains(t, embed.Description, "**Exists:** "+unknownFieldValue)
	assert.Contains(t, embed.Description, "**Rarity:** "+unknownFieldValue)
	assert.Nil(t, embed.Thumbnail)
	assert.Nil(t, embed.Footer)
}

func TestHatchEmbedTimestamp(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	embed := hatchEmbed(
		HatchRecord{Name: "Pet", Timestamp: ts.Format(time.RFC3339)},
		false,
	)
	assert.Contains(
		t,
		embed.Description,
		fmt.Sprintf("**Time:** <t:%d:R>", ts.Unix()),
	)

	// an unparseable stored timestamp falls back to the current time
	before := time.Now().Unix()
	embed = hatchEmbed(HatchRecord{Name: "Pet", Timestamp: "garbage"}, false)
	after := time.Now().Unix()
	var shown int64
	_, err := fmt.Sscanf(
		embed.Description[len(embed.Description)-len("<t:0000000000:R>"):],
		"<t:%d:R>",
		&shown,
	)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, shown, before)
	assert.LessOrEqual(t, shown, after)
}
