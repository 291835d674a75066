package core

import "fmt"

// GateDenied is returned by the Safety Gate. It is never retried by the
// caller; it must be surfaced verbatim.
type GateDenied struct {
	Reason string
}

func (e *GateDenied) Error() string {
	return fmt.Sprintf("gate denied: %s", e.Reason)
}

// InvalidTransition is a programmer error: the Lifecycle Machine was asked
// to apply a transition outside the table in the data model. The caller
// must log and drop it without advancing state.
type InvalidTransition struct {
	From LifecycleState
	To   LifecycleState
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("invalid lifecycle transition: %s -> %s", e.From, e.To)
}

// BrokerUnavailable marks a broker call as retryable. It is never
// auto-retried inside Engine.Execute.
type BrokerUnavailable struct {
	Cause error
}

func (e *BrokerUnavailable) Error() string {
	if e.Cause == nil {
		return "broker unavailable"
	}
	return fmt.Sprintf("broker unavailable: %s", e.Cause.Error())
}

func (e *BrokerUnavailable) Unwrap() error { return e.Cause }

// BrokerRejected is terminal for the intent that triggered it.
type BrokerRejected struct {
	Code string
}

func (e *BrokerRejected) Error() string {
	return fmt.Sprintf("broker rejected: %s", e.Code)
}

// NotFound is treated as success for idempotent operations (cancel/poll).
type NotFound struct {
	What string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("not found: %s", e.What)
}

// LedgerConflict is benign on idempotent appends; callers log it at debug.
type LedgerConflict struct {
	FillID string
}

func (e *LedgerConflict) Error() string {
	return fmt.Sprintf("ledger conflict on fill %s", e.FillID)
}

// ConfigError is fatal at startup; the process exits with code 2.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Field, e.Message)
}
