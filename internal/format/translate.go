// Package format implements the bidirectional text rewriter that
// translates message bodies between the source platform's mention and
// markup syntax and the target platform's, per spec §4.5.5.
package format

import (
	"regexp"
	"strings"

	"github.com/tribixbite/stoatcord-bridge/internal/timefmt"
)

// MaxLength is the character cap both platforms truncate to.
const MaxLength = 2000

const truncateSuffix = "..."
const truncateKeep = MaxLength - len(truncateSuffix)

var (
	sourceUserMention    = regexp.MustCompile(`<@!?(\d+)>`)
	sourceChannelMention = regexp.MustCompile(`<#(\d+)>`)
	sourceRoleMention    = regexp.MustCompile(`<@&(\d+)>`)
	sourceEmoji          = regexp.MustCompile(`<a?:(\w+):(\d+)>`)
	sourceSpoiler        = regexp.MustCompile(`\|\|([\s\S]*?)\|\|`)

	targetUserMention    = regexp.MustCompile(`<@([A-Z0-9]{26})>`)
	targetChannelMention = regexp.MustCompile(`<#([A-Z0-9]{26})>`)
	targetSpoiler        = regexp.MustCompile(`!!([\s\S]*?)!!`)
)

// ToTarget rewrites source-platform syntax into target-platform
// syntax: spoiler tags, user/channel/role mentions, custom emoji, and
// timestamp tokens, then truncates to MaxLength.
func ToTarget(s string) string {
	s = sourceSpoiler.ReplaceAllString(s, "!!$1!!")
	s = sourceUserMention.ReplaceAllString(s, "@unknown-user")
	s = sourceChannelMention.ReplaceAllString(s, "#unknown-channel")
	s = sourceRoleMention.ReplaceAllString(s, "@unknown-role")
	s = sourceEmoji.ReplaceAllString(s, ":$1:")
	s = timefmt.RewriteMentionTimestamps(s)
	return Truncate(s)
}

// ToSource rewrites target-platform syntax into source-platform
// syntax: spoiler tags and user/channel mentions (the target platform
// has no role-mention or custom-emoji-by-id syntax distinct from its
// user/channel mentions), then truncates to MaxLength.
func ToSource(s string) string {
	s = targetSpoiler.ReplaceAllString(s, "||$1||")
	s = targetUserMention.ReplaceAllString(s, "@unknown-user")
	s = targetChannelMention.ReplaceAllString(s, "#unknown-channel")
	return Truncate(s)
}

// Truncate caps s at MaxLength characters, keeping the first
// truncateKeep runes, trimming trailing whitespace from them, and
// appending "..." when it overflows.
func Truncate(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxLength {
		return s
	}
	return strings.TrimRight(string(runes[:truncateKeep]), " \t\n") + truncateSuffix
}
