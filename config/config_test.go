package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"EXCHANGE_API_KEY", "EXCHANGE_API_SECRET", "BINANCE_API_KEY", "BINANCE_API_SECRET",
		"LEVERAGE", "MAX_OPEN_POSITIONS", "CHECK_INTERVAL_SECONDS", "KILL_SWITCH_DAILY_LOSS_PCT",
	} {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("EXCHANGE_API_KEY", "k")
	os.Setenv("EXCHANGE_API_SECRET", "s")
	defer clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Leverage)
	assert.Equal(t, 3, cfg.MaxOpenPositions)
	assert.Equal(t, 60*time.Second, cfg.CheckInterval)
	assert.InDelta(t, 0.10, cfg.KillSwitchDailyLossPct, 1e-9)
}

func TestLoadRejectsMissingCredentials(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsOutOfRangeLeverage(t *testing.T) {
	clearEnv(t)
	os.Setenv("EXCHANGE_API_KEY", "k")
	os.Setenv("EXCHANGE_API_SECRET", "s")
	os.Setenv("LEVERAGE", "200")
	defer clearEnv(t)

	_, err := Load()
	assert.Error(t, err)
}
