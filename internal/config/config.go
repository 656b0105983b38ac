// Package config holds the bridge's runtime configuration, loaded
// entirely from the environment (this is a long-running service
// process, not an interactively launched CLI).
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds the bridge's runtime configuration.
type Config struct {
	SourceToken string // bot token for the source platform; required
	TargetToken string // bot token for the target platform; required

	TargetAPIBase string // target REST base URL
	TargetWSURL   string // target gateway URL
	TargetCDNURL  string // target file CDN base URL

	DBPath string // SQLite database file path

	APIPort int    // admin HTTP server port
	APIKey  string // optional; if set, admin endpoints require x-api-key

	PushEnabled            bool
	FirebaseServiceAccount string // path to a service-account JSON file
	FirebaseSAJSON         string // inline service-account JSON, alternative to the path above
	VAPIDPublicKey         string
	VAPIDPrivateKey        string
}

const envPrefix = "BRIDGE_"

// Load reads configuration from the process environment. Variable
// names are the upper-cased field name prefixed with BRIDGE_, e.g.
// BRIDGE_SOURCE_TOKEN, BRIDGE_TARGET_API_BASE.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	c := &Config{
		SourceToken:            k.String("source_token"),
		TargetToken:            k.String("target_token"),
		TargetAPIBase:          k.String("target_api_base"),
		TargetWSURL:            k.String("target_ws_url"),
		TargetCDNURL:           k.String("target_cdn_url"),
		DBPath:                 k.String("db_path"),
		APIPort:                k.Int("api_port"),
		APIKey:                 k.String("api_key"),
		PushEnabled:            k.Bool("push_enabled"),
		FirebaseServiceAccount: k.String("firebase_service_account"),
		FirebaseSAJSON:         k.String("firebase_sa_json"),
		VAPIDPublicKey:         k.String("vapid_public_key"),
		VAPIDPrivateKey:        k.String("vapid_private_key"),
	}

	applyDefaults(c)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func applyDefaults(c *Config) {
	if c.TargetAPIBase == "" {
		c.TargetAPIBase = "https://api.stoat.chat/0.8"
	}
	if c.TargetWSURL == "" {
		c.TargetWSURL = "wss://events.stoat.chat"
	}
	if c.TargetCDNURL == "" {
		c.TargetCDNURL = "https://cdn.stoat.chat"
	}
	if c.DBPath == "" {
		c.DBPath = "./bridge.db"
	}
	if c.APIPort == 0 {
		c.APIPort = 3210
	}
}

// Validate checks that required values are present and internally
// consistent.
func (c *Config) Validate() error {
	if c.SourceToken == "" {
		return fmt.Errorf("source token is required")
	}
	if c.TargetToken == "" {
		return fmt.Errorf("target token is required")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("api port %d out of range", c.APIPort)
	}
	if c.PushEnabled && c.FirebaseServiceAccount == "" && c.FirebaseSAJSON == "" && c.VAPIDPublicKey == "" {
		return fmt.Errorf("push enabled but no FCM service account or VAPID keys configured")
	}
	return nil
}

// Addr returns the admin HTTP server's listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.APIPort)
}
