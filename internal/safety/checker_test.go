package safety

import (
	"testing"

	"execution-core/internal/config"
	"execution-core/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockLogger implements core.ILogger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(msg string, fields ...interface{})              {}
func (m *mockLogger) Info(msg string, fields ...interface{})               {}
func (m *mockLogger) Warn(msg string, fields ...interface{})               {}
func (m *mockLogger) Error(msg string, fields ...interface{})              {}
func (m *mockLogger) Fatal(msg string, fields ...interface{})              {}
func (m *mockLogger) WithField(key string, value interface{}) core.ILogger { return m }
func (m *mockLogger) WithFields(fields map[string]interface{}) core.ILogger { return m }

func readyConfig() *config.Config {
	return &config.Config{
		Mode:                  config.ModePaper,
		ExecutionEnabled:      true,
		ExecutionHalted:       false,
		ExecGuardUnlock:       true,
		ExecutionConfirmToken: "tok-123",
		BrokerBaseURL:         "https://paper-api.broker.example",
	}
}

func TestGate_HaltedDeniesFirst(t *testing.T) {
	cfg := readyConfig()
	cfg.ExecutionHalted = true
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonHalted, denied.Reason)
}

func TestGate_ModeURLMismatch(t *testing.T) {
	cfg := readyConfig()
	cfg.Mode = config.ModeLive
	cfg.BrokerBaseURL = "https://paper-api.broker.example"
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonModeURLMismatch, denied.Reason)
}

func TestGate_GuardLocked(t *testing.T) {
	cfg := readyConfig()
	cfg.ExecGuardUnlock = false
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonGuardLocked, denied.Reason)
}

func TestGate_TokenMissing(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	err := g.CheckAndConsume("tenant-a", "user-1", "wrong-token")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonTokenMissing, denied.Reason)
}

type openCircuit struct{}

func (openCircuit) CircuitOpen() bool { return true }

func TestGate_BrokerCircuitOpen(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, nil, openCircuit{})

	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonBrokerCircuitOpen, denied.Reason)
}

type denyRegistry struct{}

func (denyRegistry) IsTradingEnabled(userID string) bool { return false }

func TestGate_UserDisabled(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, denyRegistry{}, nil)

	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonUserDisabled, denied.Reason)
}

func TestGate_UserDisabled_EmptyIDsFailClosed(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	err := g.CheckAndConsume("", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonUserDisabled, denied.Reason)
}

func TestGate_AllowThenSingleShotLockdown(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	require.NoError(t, g.CheckAndConsume("tenant-a", "user-1", "tok-123"))

	// Guard unlock was single-shot: a second call before re-unlocking is
	// denied even though execution_halted hasn't been touched yet.
	err := g.CheckAndConsume("tenant-a", "user-1", "tok-123")
	require.Error(t, err)
	var denied *core.GateDenied
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, ReasonGuardLocked, denied.Reason)

	g.Lockdown()
	assert.True(t, g.Snapshot().ExecutionHalted)
}

func TestGate_Snapshot(t *testing.T) {
	cfg := readyConfig()
	g := NewGate(cfg, &mockLogger{}, nil, nil)

	snap := g.Snapshot()
	assert.Equal(t, "paper", snap.Mode)
	assert.True(t, snap.ExecutionEnabled)
	assert.False(t, snap.ExecutionHalted)
	assert.True(t, snap.ExecGuardUnlocked)
	assert.Equal(t, "paper", snap.BrokerURLClass)
	assert.True(t, snap.ConfirmTokenPresent)
}
