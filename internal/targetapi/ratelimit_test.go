package targetapi

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketKey(t *testing.T) {
	assert.Equal(t, "server:abc", bucketKey("/servers/abc/channels"))
	assert.Equal(t, "channel:xyz", bucketKey("/channels/xyz/messages"))
	assert.Equal(t, "global", bucketKey("/users/@me"))
}

func TestLimiter_SleepsUntilReset(t *testing.T) {
	l := newLimiter()
	fake := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.nowFn = func() time.Time { return fake }

	var slept time.Duration
	l.sleepFn = func(d time.Duration) { slept = d }

	l.observe("/channels/1/messages", "0", "2")
	l.awaitTurn("/channels/1/messages")

	assert.Equal(t, 2*time.Second+100*time.Millisecond, slept)
}

func TestLimiter_NoSleepWhenQuotaRemains(t *testing.T) {
	l := newLimiter()
	l.sleepFn = func(time.Duration) { t.Fatal("should not sleep") }
	l.observe("/channels/1/messages", "5", "2")
	l.awaitTurn("/channels/1/messages")
}

func TestLimiter_NoSleepForUnknownBucket(t *testing.T) {
	l := newLimiter()
	l.sleepFn = func(time.Duration) { t.Fatal("should not sleep") }
	l.awaitTurn("/channels/unknown/messages")
}
