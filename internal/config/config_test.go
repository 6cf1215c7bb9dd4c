package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/beacon/internal/config"
)

func TestParseDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "STORE", "RATE_LIMIT_PER_MIN", "RATE_LIMIT_WINDOW_SECONDS", "MAX_PROPERTIES_CHARS", "RECONCILE_TIMEOUT_SECONDS", "COUNTRY_HEADERS", "METRICS_API_KEYS"} {
		t.Setenv(key, "")
	}

	cfg, err := config.Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, config.StorePostgres, cfg.Store)
	assert.Equal(t, 1000, cfg.RateLimitPerWindow)
	assert.Equal(t, time.Minute, cfg.RateLimitWindow)
	assert.Equal(t, 600, cfg.MaxPropertiesChars)
	assert.Equal(t, 30*time.Second, cfg.ReconcileTimeout)
	assert.Equal(t, []string{"CF-IPCountry", "X-Vercel-IP-Country", "CloudFront-Viewer-Country"}, cfg.CountryHeaders)
	assert.Empty(t, cfg.MetricsAPIKeys)
}

func TestParseEnvAndFlags(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("STORE", "memory")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "30")
	t.Setenv("METRICS_API_KEYS", " a, b ,,")
	t.Setenv("VERBOSE", "true")

	cfg, err := config.Parse([]string{"--port", "9100", "--country-headers", "X-Country"})
	require.NoError(t, err)
	assert.Equal(t, "9100", cfg.Port)
	assert.Equal(t, config.StoreMemory, cfg.Store)
	assert.Equal(t, 30*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, map[string]struct{}{"a": {}, "b": {}}, cfg.MetricsAPIKeys)
	assert.Equal(t, []string{"X-Country"}, cfg.CountryHeaders)
	assert.True(t, cfg.Verbose)
}

func TestParseUnknownFlag(t *testing.T) {
	_, err := config.Parse([]string{"--nope"})
	require.Error(t, err)
}
