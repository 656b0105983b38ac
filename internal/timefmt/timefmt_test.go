package timefmt_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tribixbite/stoatcord-bridge/internal/timefmt"
)

func TestFormat_UTC(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 45, 123000000, time.UTC)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.123Z", got)
}

func TestFormat_NonUTC(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	ts := time.Date(2025, 6, 15, 19, 30, 45, 456000000, loc)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-06-15T10:30:45.456Z", got)
}

func TestFormat_ZeroTime(t *testing.T) {
	got := timefmt.Format(time.Time{})
	assert.Equal(t, "0001-01-01T00:00:00.000Z", got)
}

func TestFormat_MillisecondPrecision(t *testing.T) {
	ts := time.Date(2025, 1, 1, 0, 0, 0, 999999999, time.UTC)
	got := timefmt.Format(ts)
	assert.Equal(t, "2025-01-01T00:00:00.999Z", got)

	ts2 := time.Date(2025, 1, 1, 0, 0, 0, 500000000, time.UTC)
	got2 := timefmt.Format(ts2)
	assert.Equal(t, "2025-01-01T00:00:00.500Z", got2)

	ts3 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	got3 := timefmt.Format(ts3)
	assert.Equal(t, "2025-01-01T00:00:00.000Z", got3)
}

func TestArchiveHeader(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-15 10:30 AM UTC", timefmt.ArchiveHeader(ts))

	pm := time.Date(2025, 6, 15, 22, 5, 0, 0, time.UTC)
	assert.Equal(t, "2025-06-15 10:05 PM UTC", timefmt.ArchiveHeader(pm))
}

func TestRewriteMentionTimestamps_DefaultStyle(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	in := "see you at <t:" + itoa(ts.Unix()) + ">"
	got := timefmt.RewriteMentionTimestamps(in)
	assert.Equal(t, "see you at June 15, 2025 10:30", got)
}

func TestRewriteMentionTimestamps_ShortDate(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	in := "<t:" + itoa(ts.Unix()) + ":d>"
	got := timefmt.RewriteMentionTimestamps(in)
	assert.Equal(t, "2025-06-15", got)
}

func TestRewriteMentionTimestamps_NoTokenUnchanged(t *testing.T) {
	in := "just a plain message"
	assert.Equal(t, in, timefmt.RewriteMentionTimestamps(in))
}

func TestRewriteMentionTimestamps_MultipleTokens(t *testing.T) {
	ts := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	in := "<t:" + itoa(ts.Unix()) + ":t> and <t:" + itoa(ts.Unix()) + ":T>"
	got := timefmt.RewriteMentionTimestamps(in)
	assert.Equal(t, "10:30 and 10:30:00", got)
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
