// Package idgen generates the identifiers the bridge hands out itself:
// internal request/job ids, target-platform-shaped ULIDs, and
// human-typed claim codes. It never generates ids for objects that
// already carry one from the source or target platform.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/oklog/ulid/v2"
)

// RequestID returns a 48-character nanoid, used for migration request
// ids and archive job ids — anything that needs a unique internal
// handle but is never shown to a human to type back in.
func RequestID() string {
	id, err := gonanoid.Generate("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789", 48)
	if err != nil {
		panic(fmt.Sprintf("generate nanoid: %v", err))
	}
	return id
}

// NewTargetID returns a new ULID string, monotonic within the calling
// goroutine, suitable for any object the bridge creates directly on
// the target platform (servers, channels, messages minted locally
// rather than relayed).
func NewTargetID() string {
	return ulid.Make().String()
}

// ParseTargetID validates that s is a well-formed ULID, returning the
// decoded time component for callers that need it (e.g. ordering
// locally-created records without a separate timestamp column).
func ParseTargetID(s string) (time.Time, error) {
	id, err := ulid.ParseStrict(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse target id: %w", err)
	}
	return ulid.Time(id.Time()), nil
}

// claimCodeAlphabet omits characters that are easy to confuse when
// read aloud or typed from a screenshot: 0/O, 1/I.
const claimCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const claimCodeLength = 6

// ClaimCode generates a 6-character claim code drawn from a
// confusion-free alphabet, formatted for human entry.
func ClaimCode() (string, error) {
	var b strings.Builder
	b.Grow(claimCodeLength)
	max := big.NewInt(int64(len(claimCodeAlphabet)))
	for i := 0; i < claimCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate claim code: %w", err)
		}
		b.WriteByte(claimCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// IsValidClaimCodeFormat reports whether s has the right length and
// alphabet to be a claim code, without checking whether it actually
// exists or has been used. Used to reject obviously malformed input
// before a database round trip.
func IsValidClaimCodeFormat(s string) bool {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != claimCodeLength {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(claimCodeAlphabet, r) {
			return false
		}
	}
	return true
}

// NormalizeClaimCode upper-cases and trims a user-typed claim code so
// lookups are case-insensitive without needing a collation in SQLite.
func NormalizeClaimCode(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
