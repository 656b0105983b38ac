package echoguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMarkAndWas(t *testing.T) {
	g := New()
	assert.False(t, g.Was(Bridged, "msg-1"))

	g.Mark(Bridged, "msg-1")
	assert.True(t, g.Was(Bridged, "msg-1"))
	assert.False(t, g.Was(Edited, "msg-1"), "kinds are independent")
}

func TestExpiry(t *testing.T) {
	g := New()
	fake := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return fake }

	g.Mark(Edited, "msg-1")
	assert.True(t, g.Was(Edited, "msg-1"))

	fake = fake.Add(11 * time.Second)
	assert.False(t, g.Was(Edited, "msg-1"), "edited ids expire after 10s")
}

func TestBridgedHasLongerTTL(t *testing.T) {
	g := New()
	fake := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g.nowFn = func() time.Time { return fake }

	g.Mark(Bridged, "msg-1")
	fake = fake.Add(30 * time.Second)
	assert.True(t, g.Was(Bridged, "msg-1"), "bridged ids survive 30s (60s TTL)")

	fake = fake.Add(31 * time.Second)
	assert.False(t, g.Was(Bridged, "msg-1"), "bridged ids expire after 60s total")
}
