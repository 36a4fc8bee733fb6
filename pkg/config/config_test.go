package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("GATEWAY_PUBLIC_KEY", "pub_test_key")
	t.Setenv("GATEWAY_PRIVATE_KEY", "prv_test_key")
	t.Setenv("GATEWAY_EVENTS_SECRET", "events_secret")
	t.Setenv("GATEWAY_INTEGRITY_SECRET", "integrity_secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 15, cfg.Poll.Attempts)
	assert.Equal(t, 2*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 120, cfg.WebhookRateLimit)
	assert.Equal(t, time.Minute, cfg.WebhookRateWindow)
	assert.Equal(t, 10*time.Second, cfg.Provisioning.Timeout)
}

func TestLoadOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHARGE_POLL_ATTEMPTS", "3")
	t.Setenv("CHARGE_POLL_INTERVAL", "5s")
	t.Setenv("LISTEN_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Poll.Attempts)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
	assert.Equal(t, ":9090", cfg.ListenAddr)
}

func TestLoadMissingGatewayKeys(t *testing.T) {
	t.Setenv("GATEWAY_PUBLIC_KEY", "")
	t.Setenv("GATEWAY_PRIVATE_KEY", "")
	t.Setenv("GATEWAY_EVENTS_SECRET", "events_secret")
	t.Setenv("GATEWAY_INTEGRITY_SECRET", "integrity_secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_PUBLIC_KEY")
}

func TestLoadMissingEventsSecret(t *testing.T) {
	t.Setenv("GATEWAY_PUBLIC_KEY", "pub")
	t.Setenv("GATEWAY_PRIVATE_KEY", "prv")
	t.Setenv("GATEWAY_EVENTS_SECRET", "")
	t.Setenv("GATEWAY_INTEGRITY_SECRET", "integrity_secret")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GATEWAY_EVENTS_SECRET")
}

func TestLoadInvalidPollAttempts(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("CHARGE_POLL_ATTEMPTS", "0")

	_, err := Load()
	require.Error(t, err)
}
