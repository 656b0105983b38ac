// Package timefmt centralizes every timestamp representation the
// bridge produces: ISO-8601 for persisted/logged values, the archive
// header format embedded in imported messages, and rendering of the
// source platform's timestamp mention syntax.
package timefmt

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ISO8601 is the ISO-8601 format used for timestamp serialization.
const ISO8601 = "2006-01-02T15:04:05.000Z"

// Format formats a time.Time to the standard string representation.
func Format(t time.Time) string {
	return t.UTC().Format(ISO8601)
}

// archiveHeaderLayout renders "2025-06-15 10:30 AM UTC", the header
// format prefixed to each reconstructed message during archive import.
const archiveHeaderLayout = "2006-01-02 03:04 PM UTC"

// ArchiveHeader formats a time.Time as an archive import header.
func ArchiveHeader(t time.Time) string {
	return t.UTC().Format(archiveHeaderLayout)
}

// mentionTimestamp matches the source platform's timestamp mention
// syntax, e.g. <t:1718445045> or <t:1718445045:R>.
var mentionTimestamp = regexp.MustCompile(`<t:(-?\d+)(?::([tTdDfFR]))?>`)

// RewriteMentionTimestamps replaces every <t:N[:fmt]> token in s with
// a plain human-readable rendering, for platforms that don't support
// the token natively (used by format.ToTarget when relaying
// source-authored content to the target).
func RewriteMentionTimestamps(s string) string {
	return mentionTimestamp.ReplaceAllStringFunc(s, func(tok string) string {
		m := mentionTimestamp.FindStringSubmatch(tok)
		if m == nil {
			return tok
		}
		sec, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return tok
		}
		t := time.Unix(sec, 0).UTC()
		style := "f"
		if len(m) > 2 && m[2] != "" {
			style = m[2]
		}
		return renderMentionStyle(t, style)
	})
}

func renderMentionStyle(t time.Time, style string) string {
	switch style {
	case "t":
		return t.Format("15:04")
	case "T":
		return t.Format("15:04:05")
	case "d":
		return t.Format("2006-01-02")
	case "D":
		return t.Format("January 2, 2006")
	case "F":
		return t.Format("Monday, January 2, 2006 15:04")
	case "R":
		return relativeTo(t, time.Now().UTC())
	default: // "f"
		return t.Format("January 2, 2006 15:04")
	}
}

// relativeTo renders a coarse human-relative duration ("3 hours ago",
// "in 2 days"), matching the precision the mention token implies.
func relativeTo(t, now time.Time) string {
	d := now.Sub(t)
	future := d < 0
	if future {
		d = -d
	}

	var out string
	switch {
	case d < time.Minute:
		out = "a few seconds"
	case d < time.Hour:
		n := int(d / time.Minute)
		out = fmt.Sprintf("%d minute%s", n, plural(n))
	case d < 24*time.Hour:
		n := int(d / time.Hour)
		out = fmt.Sprintf("%d hour%s", n, plural(n))
	default:
		n := int(d / (24 * time.Hour))
		out = fmt.Sprintf("%d day%s", n, plural(n))
	}

	if future {
		return "in " + out
	}
	return out + " ago"
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
