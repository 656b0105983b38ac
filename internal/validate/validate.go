// Package validate holds the input checks the bridge applies at its
// two human-facing boundaries: claim codes typed into a command, and
// names it is about to create on the target platform during
// migration.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tribixbite/stoatcord-bridge/internal/idgen"
)

// ValidateClaimCode checks that a user-supplied claim code has the
// right shape before a database lookup is attempted. It does not
// check whether the code exists or has already been used.
func ValidateClaimCode(code string) error {
	normalized := idgen.NormalizeClaimCode(code)
	if normalized == "" {
		return fmt.Errorf("claim code must not be empty")
	}
	if !idgen.IsValidClaimCodeFormat(normalized) {
		return fmt.Errorf("claim code must be 6 characters from the alphabet %s", "ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
	}
	return nil
}

// maxNameLength is the target platform's limit on server, channel,
// role, and category names (spec §4.8 migration name truncation).
const maxNameLength = 32

// ChannelName trims and truncates a source-platform name so it fits
// the target platform's naming limit, reporting whether truncation
// occurred so the caller can record a migration warning.
func ChannelName(name string) (result string, truncated bool) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		trimmed = "channel"
	}
	runes := []rune(trimmed)
	if len(runes) <= maxNameLength {
		return trimmed, false
	}
	return strings.TrimSpace(string(runes[:maxNameLength])), true
}

// ValidateServerName rejects names that are empty or entirely made of
// control characters; anything else is accepted, truncated by
// ChannelName before use.
func ValidateServerName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return fmt.Errorf("name must not be empty")
	}
	hasPrintable := false
	for _, r := range trimmed {
		if !unicode.IsControl(r) {
			hasPrintable = true
			break
		}
	}
	if !hasPrintable {
		return fmt.Errorf("name must contain at least one printable character")
	}
	return nil
}
