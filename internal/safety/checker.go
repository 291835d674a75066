// Package safety implements the Safety Gate: the check the Execution Engine
// must pass before it places an order with a live broker. The Recovery
// Loop's timeout cancels do not consult the Gate and are made even while
// execution is halted.
package safety

import (
	"context"
	"sync"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/pkg/telemetry"
)

// Reason codes returned via core.GateDenied, in the fixed evaluation order.
const (
	ReasonHalted            = "HALTED"
	ReasonModeURLMismatch   = "MODE_URL_MISMATCH"
	ReasonGuardLocked       = "GUARD_LOCKED"
	ReasonBrokerCircuitOpen = "BROKER_CIRCUIT_OPEN"
	ReasonTokenMissing      = "TOKEN_MISSING"
	ReasonUserDisabled      = "USER_DISABLED"
)

// BrokerCircuit reports whether the broker connection's circuit breaker is
// currently open. Satisfied by *broker.Adapter; nil is treated as closed,
// so tests and callers without a live broker connection are unaffected.
type BrokerCircuit interface {
	CircuitOpen() bool
}

// UserRegistry reports whether a given user has trading enabled. Callers
// that have no per-user registry should use AllowAllUsers.
type UserRegistry interface {
	IsTradingEnabled(userID string) bool
}

// AllowAllUsers is a UserRegistry that enables every non-empty user id.
type AllowAllUsers struct{}

// IsTradingEnabled reports true for any non-empty user id.
func (AllowAllUsers) IsTradingEnabled(userID string) bool {
	return userID != ""
}

// Status is the public, secret-free snapshot returned by GET /status.
type Status struct {
	Mode                string `json:"mode"`
	ExecutionEnabled    bool   `json:"execution_enabled"`
	ExecutionHalted     bool   `json:"execution_halted"`
	ExecGuardUnlocked   bool   `json:"exec_guard_unlocked"`
	BrokerURLClass      string `json:"broker_url_class"`
	ConfirmTokenPresent bool   `json:"confirm_token_present"`
	BrokerCircuitOpen   bool   `json:"broker_circuit_open"`
}

// Gate is the process-wide Safety Gate. execution_halted and the single-shot
// guard unlock are mutex-protected process state, never per-request state.
type Gate struct {
	mu sync.Mutex

	cfg      *config.Config
	logger   core.ILogger
	users    UserRegistry
	circuit  BrokerCircuit

	halted  bool
	unlocked bool
}

// NewGate constructs a Gate seeded from the process configuration. users may
// be nil, in which case AllowAllUsers is used. circuit may be nil, in which
// case the BROKER_CIRCUIT_OPEN check is skipped.
func NewGate(cfg *config.Config, logger core.ILogger, users UserRegistry, circuit BrokerCircuit) *Gate {
	if users == nil {
		users = AllowAllUsers{}
	}
	return &Gate{
		cfg:      cfg,
		logger:   logger.WithField("component", "safety_gate"),
		users:    users,
		circuit:  circuit,
		halted:   cfg.ExecutionHalted,
		unlocked: cfg.ExecGuardUnlock,
	}
}

// CheckAndConsume evaluates the fixed decision order against the current
// process state and a caller-presented confirm token. On success it consumes
// the single-shot guard unlock; the caller MUST invoke Lockdown once the
// broker-affecting call succeeds or is definitively rejected by the broker,
// to re-arm the kill-switch. When the broker was unreachable the caller
// re-arms the unlock with Unlock instead and does not lock down.
//
// Any unparseable or missing input is treated as a denial (fail-closed):
// an empty tenantID or userID can never pass USER_DISABLED.
func (g *Gate) CheckAndConsume(tenantID, userID, presentedToken string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.halted {
		return g.deny(ReasonHalted)
	}

	if mismatch := g.modeURLMismatch(); mismatch {
		return g.deny(ReasonModeURLMismatch)
	}

	if !g.cfg.ExecutionEnabled || !g.unlocked {
		return g.deny(ReasonGuardLocked)
	}

	if g.circuit != nil && g.circuit.CircuitOpen() {
		return g.deny(ReasonBrokerCircuitOpen)
	}

	if g.cfg.ExecutionConfirmToken == "" || presentedToken == "" ||
		presentedToken != string(g.cfg.ExecutionConfirmToken) {
		return g.deny(ReasonTokenMissing)
	}

	if tenantID == "" || userID == "" || !g.users.IsTradingEnabled(userID) {
		return g.deny(ReasonUserDisabled)
	}

	g.unlocked = false
	g.logger.Info("gate allowed execution, guard unlock consumed", "tenant_id", tenantID, "user_id", userID)
	return nil
}

// deny builds the GateDenied error for a reason code and records it against
// the gate-denied counter, broken out by reason.
func (g *Gate) deny(reason string) error {
	telemetry.GetGlobalMetrics().IncGateDenied(context.Background(), reason)
	return &core.GateDenied{Reason: reason}
}

// modeURLMismatch reports whether the configured trading mode and the
// broker base URL's classification disagree. Shadow mode never calls a
// broker, so it is exempt.
func (g *Gate) modeURLMismatch() bool {
	if g.cfg.Mode == config.ModeShadow {
		return false
	}
	return string(g.cfg.Mode) != g.cfg.BrokerURLClass()
}

// Lockdown re-arms the kill-switch after a single authorized call has
// completed, per the single-shot unlock contract.
func (g *Gate) Lockdown() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = true
	g.logger.Info("gate auto-lockdown after single-shot execution")
}

// SetHalted sets the kill-switch directly, e.g. from an admin action.
func (g *Gate) SetHalted(halted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.halted = halted
}

// Unlock arms the single-shot guard unlock, e.g. from an admin action.
func (g *Gate) Unlock() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.unlocked = true
}

// Snapshot returns the current, secret-free Gate status for GET /status.
func (g *Gate) Snapshot() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	circuitOpen := false
	if g.circuit != nil {
		circuitOpen = g.circuit.CircuitOpen()
	}
	return Status{
		Mode:                string(g.cfg.Mode),
		ExecutionEnabled:    g.cfg.ExecutionEnabled,
		ExecutionHalted:     g.halted,
		ExecGuardUnlocked:   g.unlocked,
		BrokerURLClass:      g.cfg.BrokerURLClass(),
		ConfirmTokenPresent: g.cfg.ExecutionConfirmToken != "",
		BrokerCircuitOpen:   circuitOpen,
	}
}
