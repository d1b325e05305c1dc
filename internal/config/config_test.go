package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T, keys ...string) {
	originals := make(map[string]string, len(keys))
	for _, k := range keys {
		originals[k] = os.Getenv(k)
	}
	t.Cleanup(func() {
		for k, v := range originals {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	})
}

var allKeys = []string{
	"HELIUS_API_KEY", "HELIUS_WEBHOOK_SECRET", "RPC_URL", "TOKEN_MINT",
	"TOKEN_SYMBOL", "TOKEN_DECIMALS", "TOKEN_LAUNCH_TS", "OG_EARLY_WINDOW",
	"OG_HOLD_THRESHOLD", "MIN_BALANCE", "PORT", "CORS_ORIGINS", "ADMIN_KEY",
	"K_GLOBAL_GATED", "K_GLOBAL_MIN_BALANCE", "K_GLOBAL_FAIL_CLOSED",
	"MAINTENANCE", "NODE_ENV_PRODUCTION", "LOG_LEVEL",
}

func TestLoad_SuccessWithDefaults(t *testing.T) {
	clearEnv(t, allKeys...)
	for _, k := range allKeys {
		os.Unsetenv(k)
	}
	os.Setenv("TOKEN_MINT", "So11111111111111111111111111111111111111112")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "So11111111111111111111111111111111111111112", cfg.TokenMint)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.KGlobalGated)
	assert.True(t, cfg.KGlobalFailClosed)
	assert.Equal(t, 300, cfg.PullIntervalSeconds)
	assert.Equal(t, []string{"pump", "bonk"}, cfg.EcosystemSuffixes)
}

func TestLoad_MissingTokenMint(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Unsetenv("TOKEN_MINT")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TOKEN_MINT is required")
}

func TestLoad_ProductionRequiresWebhookSecret(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("TOKEN_MINT", "mint")
	os.Setenv("NODE_ENV_PRODUCTION", "true")
	os.Unsetenv("HELIUS_WEBHOOK_SECRET")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HELIUS_WEBHOOK_SECRET is required")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("TOKEN_MINT", "mint")
	os.Setenv("LOG_LEVEL", "verbose")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid LOG_LEVEL")
}

func TestLoad_CORSOriginsSplit(t *testing.T) {
	clearEnv(t, allKeys...)
	os.Setenv("TOKEN_MINT", "mint")
	os.Setenv("CORS_ORIGINS", "https://a.example , https://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}
