package hatchwatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	emojiUser  = "<:user:1383493798138478732>"
	emojiLuck  = "<:luck:1383493796876259379>"
	emojiPaw   = "<:paw:1383493795152265297>"
	emojiClock = "<:clock:1383493793772208221>"

	embedColor = 0xFBE7BD

	unknownPetName    = "Unknown Pet"
	unknownFieldValue = "Unknown"

	notifyFooterText = "To not get pinged, run /turnoffping in bot commands"
)

// Notifier announces each hatch in the destination channel, mentioning
// the hatcher when their identity resolved to a current guild member
// who hasn't opted out. Notification is best-effort: delivery failures
// are logged and never propagate into the pipeline.
type Notifier struct {
	session   DiscordSessionHandler
	channelID string
	guildID   string
	optOuts   *OptOutRegistry
	logger    *slog.Logger
}

func newNotifier(
	session DiscordSessionHandler,
	channelID string,
	guildID string,
	optOuts *OptOutRegistry,
	logger *slog.Logger,
) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		session:   session,
		channelID: channelID,
		guildID:   guildID,
		optOuts:   optOuts,
		logger:    logger.With(loggerNameKey, "notifier"),
	}
}

// Notify sends the hatch announcement. The mention (and the opt-out
// footer that accompanies it) is only added when the record has a
// resolved discord ID, the user hasn't opted out, and a membership
// check confirms they're still in the guild. Any membership check
// failure silently drops the mention, never the announcement.
func (n *Notifier) Notify(ctx context.Context, rec HatchRecord) {
	var content string
	var withFooter bool

	if rec.HatchedBy != "" && rec.DiscordUserID != nil && !n.optOuts.Contains(*rec.DiscordUserID) {
		_, err := n.session.GuildMember(
			n.guildID,
			*rec.DiscordUserID,
			discordgo.WithContext(ctx),
		)
		if err == nil {
			content = fmt.Sprintf("<@%s>", *rec.DiscordUserID)
			withFooter = true
		}
	}

	_, err := n.session.ChannelMessageSendComplex(
		n.channelID,
		&discordgo.MessageSend{
			Content: content,
			Embeds:  []*discordgo.MessageEmbed{hatchEmbed(rec, withFooter)},
		},
		discordgo.WithContext(ctx),
	)
	if err != nil {
		n.logger.Error(
			"error sending hatch announcement",
			tint.Err(err),
			"record", rec,
		)
	}
}

// hatchEmbed builds the announcement embed. Missing fields render as
// "Unknown" rather than being omitted, so every announcement has the
// same shape.
func hatchEmbed(rec HatchRecord, withFooter bool) *discordgo.MessageEmbed {
	name := rec.Name
	if name == "" {
		name = unknownPetName
	}
	hatchedBy := rec.HatchedBy
	if hatchedBy == "" {
		hatchedBy = unknownFieldValue
	}
	totalHatched := rec.TotalHatched
	if totalHatched == "" {
		totalHatched = unknownFieldValue
	}
	rarity := rec.Rarity
	if rarity == "" {
		rarity = unknownFieldValue
	}

	when := time.Now()
	if ts, err := time.Parse(time.RFC3339, rec.Timestamp); err == nil {
		when = ts
	}

	embed := &discordgo.MessageEmbed{
		Title: name,
		Description: fmt.Sprintf(
			"%s **Hatched by:** %s\n%s **Exists:** %s\n%s **Rarity:** %s\n%s **Time:** <t:%d:R>",
			emojiUser, hatchedBy,
			emojiLuck, totalHatched,
			emojiPaw, rarity,
			emojiClock, when.Unix(),
		),
		Color:     embedColor,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if rec.ImageURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: rec.ImageURL}
	}
	if withFooter {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: notifyFooterText}
	}
	return embed
}
