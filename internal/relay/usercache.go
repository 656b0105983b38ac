package relay

import (
	"context"
	"sync"
	"time"

	"github.com/tribixbite/stoatcord-bridge/internal/targetapi"
)

// userCacheTTL is the 5-minute TTL spec §4.5.2 specifies for resolving
// a target author's display name and avatar on relay to the source.
const userCacheTTL = 5 * time.Minute

type cachedUser struct {
	name      string
	avatarURL string
	expiresAt time.Time
}

// UserCache resolves target-platform user ids to a display name and
// avatar URL, short-circuiting a REST round trip for repeat authors
// within the TTL window.
type UserCache struct {
	rest   *targetapi.RESTClient
	cdnURL string

	mu    sync.Mutex
	cache map[string]cachedUser
}

// NewUserCache builds a cache backed by rest, resolving avatar URLs
// against cdnURL.
func NewUserCache(rest *targetapi.RESTClient, cdnURL string) *UserCache {
	return &UserCache{rest: rest, cdnURL: cdnURL, cache: make(map[string]cachedUser)}
}

// Resolve returns the display name and avatar URL for userID, fetching
// from REST on a cache miss or expiry.
func (c *UserCache) Resolve(ctx context.Context, userID string) (name, avatarURL string, err error) {
	c.mu.Lock()
	if entry, ok := c.cache[userID]; ok && time.Now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.name, entry.avatarURL, nil
	}
	c.mu.Unlock()

	u, found, err := c.rest.GetUser(ctx, userID)
	if err != nil {
		return "", "", err
	}
	if !found {
		return "unknown-user", "", nil
	}

	name = u.Username
	if u.DisplayName != "" {
		name = u.DisplayName
	}
	avatarURL = u.AvatarURL(c.cdnURL)

	c.mu.Lock()
	c.cache[userID] = cachedUser{name: name, avatarURL: avatarURL, expiresAt: time.Now().Add(userCacheTTL)}
	c.mu.Unlock()
	return name, avatarURL, nil
}
