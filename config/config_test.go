package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "paygate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileWithDefaults(t *testing.T) {
	path := writeConfig(t, `
gate:
  recipient: "0xseller"
outbox:
  callback_url: "https://bridge.test/hook"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "memory", cfg.Session.Backend)
	assert.Equal(t, 600, cfg.Gate.DeadlineSeconds)
	assert.Equal(t, 2, cfg.Gate.RetryBudget)
	assert.Equal(t, 24*time.Hour, cfg.Session.TTL)
	assert.Equal(t, "0xseller", cfg.Gate.Recipient)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9000"
gate:
  recipient: "0xseller"
outbox:
  callback_url: "https://bridge.test/hook"
`)
	t.Setenv("PAYGATE_ADDR", ":7000")
	t.Setenv("SKYFIRE_API_KEY", "sk-secret")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "sk-secret", cfg.Rails.Skyfire.APIKey)
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("PAYGATE_RECIPIENT", "0xenvseller")
	t.Setenv("PAYGATE_CALLBACK_URL", "https://bridge.test/hook")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "0xenvseller", cfg.Gate.Recipient)
}

func TestLoad_MissingRecipient(t *testing.T) {
	path := writeConfig(t, `
outbox:
  callback_url: "https://bridge.test/hook"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient")
}

func TestLoad_RedisBackendRequiresAddr(t *testing.T) {
	path := writeConfig(t, `
gate:
  recipient: "0xseller"
outbox:
  callback_url: "https://bridge.test/hook"
session:
  backend: redis
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis_addr")
}

func TestLoad_UnreadableFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestRailsConfig_Presence(t *testing.T) {
	var rails RailsConfig
	assert.False(t, rails.HasFetDirect())
	assert.False(t, rails.HasSkyfire())
	assert.False(t, rails.HasStripe())

	rails.FetDirect = FetDirectConfig{RPCURL: "https://rpc.test", TokenAddress: "0xtoken"}
	rails.Skyfire = SkyfireConfig{APIKey: "k", JWKSURL: "https://g/.well-known/jwks.json", ChargeURL: "https://g/charge"}
	rails.Stripe = StripeConfig{APIKey: "sk"}
	assert.True(t, rails.HasFetDirect())
	assert.True(t, rails.HasSkyfire())
	assert.True(t, rails.HasStripe())
}
