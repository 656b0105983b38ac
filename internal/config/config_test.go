package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribixbite/stoatcord-bridge/internal/config"
)

func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, e := range os.Environ() {
		if len(e) > 7 && e[:7] == "BRIDGE_" {
			key := e[:strIndex(e, '=')]
			t.Setenv(key, "")
			require.NoError(t, os.Unsetenv(key))
		}
	}
}

func strIndex(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return len(s)
}

func TestLoad_MissingTokensFails(t *testing.T) {
	clearBridgeEnv(t)
	_, err := config.Load()
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("BRIDGE_SOURCE_TOKEN", "src-token")
	t.Setenv("BRIDGE_TARGET_TOKEN", "tgt-token")

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.stoat.chat/0.8", c.TargetAPIBase)
	assert.Equal(t, "wss://events.stoat.chat", c.TargetWSURL)
	assert.Equal(t, "./bridge.db", c.DBPath)
	assert.Equal(t, 3210, c.APIPort)
	assert.Equal(t, ":3210", c.Addr())
}

func TestLoad_PushEnabledRequiresCredentials(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("BRIDGE_SOURCE_TOKEN", "src-token")
	t.Setenv("BRIDGE_TARGET_TOKEN", "tgt-token")
	t.Setenv("BRIDGE_PUSH_ENABLED", "true")

	_, err := config.Load()
	assert.Error(t, err)

	t.Setenv("BRIDGE_VAPID_PUBLIC_KEY", "pub-key")
	c, err := config.Load()
	require.NoError(t, err)
	assert.True(t, c.PushEnabled)
}

func TestLoad_CustomOverrides(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("BRIDGE_SOURCE_TOKEN", "src-token")
	t.Setenv("BRIDGE_TARGET_TOKEN", "tgt-token")
	t.Setenv("BRIDGE_API_PORT", "8080")
	t.Setenv("BRIDGE_DB_PATH", "/tmp/custom.db")

	c, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, c.APIPort)
	assert.Equal(t, "/tmp/custom.db", c.DBPath)
}
