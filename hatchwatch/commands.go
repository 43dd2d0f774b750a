package hatchwatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// DiscordSlashCommandHatches browses hatch records for a user
	DiscordSlashCommandHatches = "hatches"

	// DiscordSlashCommandTurnOffPing toggles hatch mention opt-out
	DiscordSlashCommandTurnOffPing = "turnoffping"

	// DiscordSlashCommandUpdate backfills discord IDs onto stored records
	DiscordSlashCommandUpdate = "update"

	hatchesDiscordOption  = "discord"
	hatchesUsernameOption = "username"
	updateUserOption      = "user"
	updateUsernamesOption = "usernames"

	pagerPreviousID = "previous_hatch"
	pagerNextID     = "next_hatch"

	// pagerLifetime is how long Previous/Next buttons stay responsive
	// after the reply is sent.
	pagerLifetime = 5 * time.Minute

	pingsEnabledReply  = "You have **enabled** pings. You will get pinged again!"
	pingsDisabledReply = "You have **disabled** pings. You won't get pinged anymore!"
	pingsErrorReply    = "There was an error saving your preference. Please try again."

	notFoundTitle          = "Not found"
	notFoundGenericMessage = "No one was found in the database. The person " +
		"may not have been verified when they hatched it, or you typed the " +
		"wrong username"
	notFoundDiscordMessage = "No hatches found for the discord account"

	notOperatorReply   = "Nuh uh"
	noUsernamesReply   = "No username(s) found for this user"
	updateMissingReply = "You must choose a user"
)

// pager emoji set, distinct from the announcement embed's
const (
	pagerEmojiUser  = "<:user:1385619588703846613>"
	pagerEmojiLuck  = "<:luck:1385619577496535162>"
	pagerEmojiPaw   = "<:paw:1385619568126464010>"
	pagerEmojiClock = "<:clock:1385619558991265863>"
)

// hatchPager is the state behind one /hatches reply's Previous/Next
// buttons.
type hatchPager struct {
	records []HatchRecord
	index   int
	expires time.Time
}

// CommandHandler implements the bot's slash commands and the pager
// button interactions.
type CommandHandler struct {
	session    DiscordSessionHandler
	config     *DiscordConfig
	store      *RecordStore
	optOuts    *OptOutRegistry
	correlator *Correlator
	logger     *slog.Logger

	// pagers maps reply message IDs to browser state. Entries expire
	// after pagerLifetime and are pruned opportunistically.
	mu     sync.Mutex
	pagers map[string]*hatchPager
}

func newCommandHandler(
	session DiscordSessionHandler,
	config *DiscordConfig,
	store *RecordStore,
	optOuts *OptOutRegistry,
	correlator *Correlator,
) *CommandHandler {
	return &CommandHandler{
		session:    session,
		config:     config,
		store:      store,
		optOuts:    optOuts,
		correlator: correlator,
		logger: slog.New(newLogHandler(config.LogLevel)).With(
			loggerNameKey, "commands",
		),
		pagers: map[string]*hatchPager{},
	}
}

// commands returns the application commands registered at startup.
func (h *CommandHandler) commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name:        DiscordSlashCommandHatches,
			Description: "Find secret hatches for someone",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        hatchesDiscordOption,
					Description: "discord user",
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        hatchesUsernameOption,
					Description: "roblox username",
				},
			},
		},
		{
			Name:        DiscordSlashCommandTurnOffPing,
			Description: "Disable/Enable pings for yourself",
			Type:        discordgo.ChatApplicationCommand,
		},
		{
			Name:        DiscordSlashCommandUpdate,
			Description: "Update the secrets file for a user",
			Type:        discordgo.ChatApplicationCommand,
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionUser,
					Name:        updateUserOption,
					Description: "User to update",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        updateUsernamesOption,
					Description: "Comma-separated roblox usernames (skips the registry lookup)",
				},
			},
		},
	}
}

// handlerInteractionCreate dispatches gateway interactions to the
// individual command handlers.
func (h *CommandHandler) handlerInteractionCreate() func(
	s *discordgo.Session,
	i *discordgo.InteractionCreate,
) {
	return func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
		switch i.Type {
		case discordgo.InteractionApplicationCommand:
			switch i.ApplicationCommandData().Name {
			case DiscordSlashCommandHatches:
				h.handleHatches(i)
			case DiscordSlashCommandTurnOffPing:
				h.handleTurnOffPing(i)
			case DiscordSlashCommandUpdate:
				h.handleUpdate(i)
			}
		case discordgo.InteractionMessageComponent:
			h.handlePagerComponent(i)
		}
	}
}

func (h *CommandHandler) handleHatches(i *discordgo.InteractionCreate) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	options := discordInteractionOptions(i)

	var searchDiscordID string
	var searchUsername string
	if opt, ok := options[hatchesUsernameOption]; ok {
		searchUsername = strings.TrimSpace(opt.StringValue())
	} else if opt, ok := options[hatchesDiscordOption]; ok {
		searchDiscordID = opt.UserValue(nil).ID
	} else {
		searchDiscordID = user.ID
	}

	if err := h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		h.logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	records, err := h.store.ByHatcher(searchDiscordID, searchUsername)
	if err != nil {
		h.logger.Error("error searching record store", tint.Err(err))
		records = nil
	}

	if len(records) == 0 {
		message := notFoundGenericMessage
		if searchDiscordID != "" {
			message = notFoundDiscordMessage
		} else if searchUsername != "" {
			message = fmt.Sprintf("No hatches found for %q", searchUsername)
		}
		h.editReplyEmbed(
			i, &discordgo.MessageEmbed{
				Title:       notFoundTitle,
				Description: message,
				Color:       embedColor,
			}, nil,
		)
		return
	}

	pager := &hatchPager{
		records: records,
		expires: time.Now().Add(pagerLifetime),
	}
	msg, err := h.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{
			Embeds:     &[]*discordgo.MessageEmbed{pagerEmbed(pager)},
			Components: pagerComponents(pager),
		},
	)
	if err != nil {
		h.logger.Error("error sending hatches reply", tint.Err(err))
		return
	}
	if len(records) > 1 && msg != nil {
		h.mu.Lock()
		h.prunePagersLocked()
		h.pagers[msg.ID] = pager
		h.mu.Unlock()
	}
}

// handlePagerComponent advances or rewinds a hatch browser. Unknown or
// expired pagers get no response, matching the original behavior of a
// dead collector.
func (h *CommandHandler) handlePagerComponent(i *discordgo.InteractionCreate) {
	customID := i.MessageComponentData().CustomID
	if customID != pagerPreviousID && customID != pagerNextID {
		return
	}
	if i.Message == nil {
		return
	}

	h.mu.Lock()
	h.prunePagersLocked()
	pager, ok := h.pagers[i.Message.ID]
	if ok {
		switch customID {
		case pagerPreviousID:
			if pager.index > 0 {
				pager.index--
			}
		case pagerNextID:
			if pager.index < len(pager.records)-1 {
				pager.index++
			}
		}
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	if err := h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseUpdateMessage,
			Data: &discordgo.InteractionResponseData{
				Embeds:     []*discordgo.MessageEmbed{pagerEmbed(pager)},
				Components: *pagerComponents(pager),
			},
		},
	); err != nil {
		h.logger.Error("error updating pager", tint.Err(err))
	}
}

func (h *CommandHandler) handleTurnOffPing(i *discordgo.InteractionCreate) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}

	content := pingsDisabledReply
	optedOut, err := h.optOuts.Toggle(user.ID)
	switch {
	case err != nil:
		h.logger.Error("error toggling opt-out", tint.Err(err), "user_id", user.ID)
		content = pingsErrorReply
	case !optedOut:
		content = pingsEnabledReply
	}

	if err = h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: content},
		},
	); err != nil {
		h.logger.Error("error responding to turnoffping", tint.Err(err))
	}
}

// handleUpdate runs the bulk correlator for one user: resolve their
// roblox username(s), then rewrite every matching record with their
// discord ID. Restricted to configured operators.
func (h *CommandHandler) handleUpdate(i *discordgo.InteractionCreate) {
	user := getDiscordUser(i)
	if user == nil {
		return
	}
	if !h.isOperator(user.ID) {
		h.respondEphemeral(i, notOperatorReply)
		return
	}

	options := discordInteractionOptions(i)
	targetOpt, ok := options[updateUserOption]
	if !ok {
		h.respondEphemeral(i, updateMissingReply)
		return
	}
	targetID := targetOpt.UserValue(nil).ID

	if err := h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
		},
	); err != nil {
		h.logger.Error("error acknowledging interaction", tint.Err(err))
		return
	}

	var usernames []string
	if opt, hasNames := options[updateUsernamesOption]; hasNames {
		for _, u := range strings.Split(opt.StringValue(), ",") {
			if u = strings.TrimSpace(u); u != "" {
				usernames = append(usernames, u)
			}
		}
	} else {
		cached := h.correlator.RobloxUsernameForDiscord(
			context.Background(), i.GuildID, targetID,
		)
		if cached != "" {
			usernames = append(usernames, cached)
		}
	}

	if len(usernames) == 0 {
		h.editReplyContent(i, noUsernamesReply)
		return
	}

	matched, err := h.store.Rewrite(targetID, usernames)
	if err != nil {
		h.logger.Error("error rewriting record store", tint.Err(err))
		h.editReplyContent(i, "Update failed.")
		return
	}
	h.editReplyContent(
		i,
		fmt.Sprintf("Update complete. Updated %d entries.", matched),
	)
}

func (h *CommandHandler) isOperator(userID string) bool {
	for _, id := range h.config.OperatorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (h *CommandHandler) respondEphemeral(
	i *discordgo.InteractionCreate,
	content string,
) {
	if err := h.session.InteractionRespond(
		i.Interaction,
		&discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{
				Content: content,
				Flags:   discordgo.MessageFlagsEphemeral,
			},
		},
	); err != nil {
		h.logger.Error("error sending ephemeral response", tint.Err(err))
	}
}

func (h *CommandHandler) editReplyContent(
	i *discordgo.InteractionCreate,
	content string,
) {
	if _, err := h.session.InteractionResponseEdit(
		i.Interaction,
		&discordgo.WebhookEdit{Content: &content},
	); err != nil {
		h.logger.Error("error editing reply", tint.Err(err))
	}
}

func (h *CommandHandler) editReplyEmbed(
	i *discordgo.InteractionCreate,
	embed *discordgo.MessageEmbed,
	components *[]discordgo.MessageComponent,
) {
	edit := &discordgo.WebhookEdit{
		Embeds: &[]*discordgo.MessageEmbed{embed},
	}
	if components != nil {
		edit.Components = components
	}
	if _, err := h.session.InteractionResponseEdit(i.Interaction, edit); err != nil {
		h.logger.Error("error editing reply", tint.Err(err))
	}
}

// prunePagersLocked drops expired pagers. Callers must hold mu.
func (h *CommandHandler) prunePagersLocked() {
	now := time.Now()
	for id, pager := range h.pagers {
		if now.After(pager.expires) {
			delete(h.pagers, id)
		}
	}
}

// pagerEmbed renders the record at the pager's current position.
func pagerEmbed(p *hatchPager) *discordgo.MessageEmbed {
	rec := p.records[p.index]

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
			"%s **Hatched by:** %s\n%s **Exist (when hatched):** %s\n"+
				"%s **Rarity:** %s\n%s **Time:** <t:%d:R>\n\n**Secret %d/%d**",
			pagerEmojiUser, hatchedBy,
			pagerEmojiLuck, totalHatched,
			pagerEmojiPaw, rarity,
			pagerEmojiClock, when.Unix(),
			p.index+1, len(p.records),
		),
		Color:     embedColor,
		Timestamp: time.Now().Format(time.RFC3339),
	}
	if rec.ImageURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: rec.ImageURL}
	}
	return embed
}

// pagerComponents builds the Previous/Next button row. A single-record
// result gets no buttons.
func pagerComponents(p *hatchPager) *[]discordgo.MessageComponent {
	if len(p.records) <= 1 {
		return &[]discordgo.MessageComponent{}
	}
	return &[]discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					CustomID: pagerPreviousID,
					Label:    "Previous",
					Style:    discordgo.PrimaryButton,
					Disabled: p.index == 0,
				},
				discordgo.Button{
					CustomID: pagerNextID,
					Label:    "Next",
					Style:    discordgo.PrimaryButton,
					Disabled: p.index == len(p.records)-1,
				},
			},
		},
	}
}
