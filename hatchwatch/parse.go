package hatchwatch

import (
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// The hatch announcement embeds have gone through a few format
// revisions, so most fields are matched against an ordered list of
// patterns, newest first.
var (
	totalHatchedPatterns = []*regexp.Regexp{
		regexp.MustCompile("\\*\\*Total Hatched:\\*\\* `?([\\d,]+)`?"),
		regexp.MustCompile("Total Hatched: `?([\\d,]+)`?"),
	}
	rarityPatterns = []*regexp.Regexp{
		regexp.MustCompile(`rarity of hatching this pet is \*\*(.*?)\*\*`),
		regexp.MustCompile(`rarity of hatching this pet is (.*?)\n`),
	}
	hatchedByPatterns = []*regexp.Regexp{
		regexp.MustCompile("\\*\\*Hatched by\\*\\* `([^`]+)`"),
		regexp.MustCompile(`Hatched by\*\* ([^\n]+)`),
		regexp.MustCompile(`Hatched by:?\s*([^\n]+)`),
	}

	parenUsernamePattern   = regexp.MustCompile(`\(@([A-Za-z0-9_]+)\)`)
	leadingUsernamePattern = regexp.MustCompile(`^@?([^(\s@]+)`)
)

func firstSubmatch(patterns []*regexp.Regexp, s string) string {
	for _, p := range patterns {
		if m := p.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

// parseHatchMessage extracts a HatchRecord from a hatch announcement
// message. Returns nil if the message doesn't carry an embed with both
// a title and a description - callers skip such messages but still
// advance the cursor past them.
func parseHatchMessage(msg *discordgo.Message) *HatchRecord {
	if len(msg.Embeds) == 0 {
		return nil
	}
	embed := msg.Embeds[0]
	if embed.Title == "" || embed.Description == "" {
		return nil
	}
	desc := embed.Description

	rec := &HatchRecord{
		ID:        msg.ID,
		Name:      embed.Title,
		Timestamp: msg.Timestamp.Format(time.RFC3339),
	}

	if embed.Thumbnail != nil && embed.Thumbnail.URL != "" {
		rec.ImageURL = embed.Thumbnail.URL
	} else if embed.Image != nil && embed.Image.URL != "" {
		rec.ImageURL = embed.Image.URL
	}

	rec.TotalHatched = firstSubmatch(totalHatchedPatterns, desc)
	rec.Rarity = firstSubmatch(rarityPatterns, desc)

	if hatchedBy := firstSubmatch(hatchedByPatterns, desc); hatchedBy != "" {
		rec.HatchedBy = strings.TrimSpace(
			strings.ReplaceAll(hatchedBy, "`", ""),
		)
	}

	return rec
}

// extractUsername extracts a candidate roblox username from the
// free-text "hatched by" credit: a parenthesized `(@username)` token if
// present, otherwise the first word-token stripped of a leading `@`.
// Returns "" when no candidate can be extracted.
func extractUsername(hatchedBy string) string {
	if m := parenUsernamePattern.FindStringSubmatch(hatchedBy); m != nil {
		return m[1]
	}
	if m := leadingUsernamePattern.FindStringSubmatch(hatchedBy); m != nil {
		return m[1]
	}
	return ""
}
