package config

import (
	"os"
	"testing"

	"execution-core/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearExecEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TRADING_MODE", "EXECUTION_ENABLED", "EXECUTION_HALTED", "EXEC_GUARD_UNLOCK",
		"EXECUTION_CONFIRM_TOKEN", "BROKER_BASE_URL", "BROKER_API_KEY",
		"EXEC_SMART_ROUTING_ENABLED", "EXEC_MAX_SPREAD_PCT",
		"EXEC_ORDER_TIMEOUT_S_OPTIONS_MARKET", "EXEC_ORDER_TIMEOUT_S_OPTIONS_LIMIT",
		"EXEC_ORDER_TIMEOUT_S_DEFAULT_MARKET", "EXEC_ORDER_TIMEOUT_S_DEFAULT_LIMIT",
		"EXEC_ORDER_STALE_S", "EXEC_AGENT_ADMIN_KEY",
	} {
		os.Unsetenv(k)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearExecEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ModeShadow, cfg.Mode)
	assert.False(t, cfg.ExecutionEnabled)
	assert.True(t, cfg.ExecutionHalted)
	assert.False(t, cfg.ExecGuardUnlock)
	assert.Equal(t, 60, cfg.OrderStaleS)
	assert.Equal(t, 20, cfg.OrderTimeouts.OptionsMarket)
	assert.Equal(t, 120, cfg.OrderTimeouts.OptionsLimit)
	assert.Equal(t, 15, cfg.OrderTimeouts.DefaultMarket)
	assert.Equal(t, 90, cfg.OrderTimeouts.DefaultLimit)
}

func TestLoad_ExecutionEnabledRequiresToken(t *testing.T) {
	clearExecEnv(t)
	os.Setenv("EXECUTION_ENABLED", "1")
	defer os.Unsetenv("EXECUTION_ENABLED")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "EXECUTION_CONFIRM_TOKEN")
}

func TestLoad_LiveModeRequiresBrokerURL(t *testing.T) {
	clearExecEnv(t)
	os.Setenv("TRADING_MODE", "live")
	defer os.Unsetenv("TRADING_MODE")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BROKER_BASE_URL")
}

func TestLoad_InvalidMode(t *testing.T) {
	clearExecEnv(t)
	os.Setenv("TRADING_MODE", "bogus")
	defer os.Unsetenv("TRADING_MODE")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRADING_MODE")
}

func TestLoad_SpreadOverride(t *testing.T) {
	clearExecEnv(t)
	os.Setenv("EXEC_MAX_SPREAD_PCT", "0.003")
	defer os.Unsetenv("EXEC_MAX_SPREAD_PCT")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.003, cfg.SpreadThresholdFor(core.AssetEquity))
	assert.Equal(t, 0.003, cfg.SpreadThresholdFor(core.AssetCrypto))
}

func TestBrokerURLClass(t *testing.T) {
	clearExecEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.BrokerBaseURL = "https://paper-api.broker.example/v2"
	assert.Equal(t, "paper", cfg.BrokerURLClass())

	cfg.BrokerBaseURL = "https://api.broker.example/v2"
	assert.Equal(t, "live", cfg.BrokerURLClass())

	cfg.BrokerBaseURL = ""
	assert.Equal(t, "unknown", cfg.BrokerURLClass())
}

func TestTimeoutFor(t *testing.T) {
	clearExecEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 20, cfg.TimeoutFor(core.AssetOption, false))
	assert.Equal(t, 120, cfg.TimeoutFor(core.AssetOption, true))
	assert.Equal(t, 15, cfg.TimeoutFor(core.AssetEquity, false))
	assert.Equal(t, 90, cfg.TimeoutFor(core.AssetEquity, true))
}
