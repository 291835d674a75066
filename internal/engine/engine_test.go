package engine

import (
	"context"
	"path/filepath"
	"testing"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/internal/safety"
	"execution-core/internal/tracker"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullLogger struct{}

func (nullLogger) Debug(msg string, fields ...interface{})                {}
func (nullLogger) Info(msg string, fields ...interface{})                 {}
func (nullLogger) Warn(msg string, fields ...interface{})                 {}
func (nullLogger) Error(msg string, fields ...interface{})                {}
func (nullLogger) Fatal(msg string, fields ...interface{})                {}
func (n nullLogger) WithField(key string, value interface{}) core.ILogger { return n }
func (n nullLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

type fakeBroker struct {
	placeResult core.PlaceResult
	placeErr    error
	quote       core.Quote
	quoteErr    error
	orderSnap   core.OrderSnapshot
	orderErr    error
	placeCalls  int
}

func (f *fakeBroker) Place(ctx context.Context, intent *core.OrderIntent) (core.PlaceResult, error) {
	f.placeCalls++
	return f.placeResult, f.placeErr
}
func (f *fakeBroker) Cancel(ctx context.Context, brokerOrderID string) error { return nil }
func (f *fakeBroker) GetOrder(ctx context.Context, brokerOrderID string) (core.OrderSnapshot, error) {
	return f.orderSnap, f.orderErr
}
func (f *fakeBroker) GetQuote(ctx context.Context, symbol string) (core.Quote, error) {
	return f.quote, f.quoteErr
}
func (f *fakeBroker) URLClass() string   { return "paper" }
func (f *fakeBroker) CircuitOpen() bool  { return false }

type fakeLedger struct {
	appends int
	summed  decimal.Decimal
}

func (l *fakeLedger) Append(ctx context.Context, fill core.FillEvent) error {
	l.appends++
	l.summed = l.summed.Add(fill.Qty)
	return nil
}

func (l *fakeLedger) SumQty(ctx context.Context, tenantID, brokerOrderID string) (decimal.Decimal, error) {
	return l.summed, nil
}

func readyConfig() *config.Config {
	return &config.Config{
		Mode:                  config.ModeShadow,
		ExecutionEnabled:      true,
		ExecutionHalted:       false,
		ExecGuardUnlock:       true,
		ExecutionConfirmToken: "tok",
		SmartRoutingEnabled:   true,
		SpreadThresholds:      config.SpreadThresholds{Equity: 0.001, Forex: 0.0005, Crypto: 0.002, Option: 0.005},
		OrderTimeouts:         config.OrderTimeouts{OptionsMarket: 20, OptionsLimit: 120, DefaultMarket: 15, DefaultLimit: 90},
		OrderStaleS:           60,
	}
}

func newTestStore(t *testing.T) *tracker.Store {
	t.Helper()
	store, err := tracker.Open(filepath.Join(t.TempDir(), "tracker.db"), nullLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testIntent() *core.OrderIntent {
	return &core.OrderIntent{
		IntentID:   "intent-1",
		TenantID:   "tenant-a",
		UserID:     "user-1",
		StrategyID: "strat-1",
		Symbol:     "AAPL",
		Side:       core.SideBuy,
		Qty:        decimal.NewFromInt(10),
		OrderType:  core.OrderTypeMarket,
		AssetClass: core.AssetEquity,
		Metadata:   map[string]any{"confirm_token": "tok"},
	}
}

func TestExecute_PlacesOrderAndRecords(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeResult: core.PlaceResult{BrokerOrderID: "bro-1", StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
		quote:       core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
		orderSnap:   core.OrderSnapshot{StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecPlaced, result.Status)
	assert.Equal(t, "bro-1", result.BrokerOrderID)

	rec, err := store.Get(context.Background(), "tenant-a", "intent-1")
	require.NoError(t, err)
	assert.Equal(t, "bro-1", rec.BrokerOrderID)

	assert.True(t, gate.Snapshot().ExecutionHalted, "gate must auto-lockdown after single-shot execution")
}

func TestExecute_SpreadExceededDowngradesWithoutBrokerCall(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		quote: core.Quote{Bid: decimal.NewFromFloat(90), Ask: decimal.NewFromFloat(100)},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecDowngraded, result.Status)
	assert.Equal(t, "SPREAD_EXCEEDED", result.Reason)
	assert.Equal(t, 0, broker.placeCalls)
}

func TestExecute_GateDeniedReturnsBlocked(t *testing.T) {
	store := newTestStore(t)
	cfg := readyConfig()
	cfg.ExecutionHalted = true
	gate := safety.NewGate(cfg, nullLogger{}, nil, nil)
	broker := &fakeBroker{
		quote: core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
	}
	ledger := &fakeLedger{}
	eng := New(cfg, gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecBlocked, result.Status)
	assert.Equal(t, safety.ReasonHalted, result.Reason)
	assert.Equal(t, 0, broker.placeCalls)
}

func TestExecute_BrokerRejectionIsTerminal(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeResult: core.PlaceResult{BrokerOrderID: "bro-1", StatusRaw: "rejected", StatusNorm: core.BrokerRejectedStatus},
		quote:       core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecRejected, result.Status)

	rec, err := store.Get(context.Background(), "tenant-a", "intent-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, rec.StatusNorm)
	assert.Equal(t, 0, ledger.appends)
}

func TestExecute_BrokerPlaceRejectionErrorIsRecordedAndNotRetried(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeErr: &core.BrokerRejected{Code: "400: invalid_order_parameter"},
		quote:    core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecRejected, result.Status)
	assert.Equal(t, "400: invalid_order_parameter", result.Reason)
	assert.Equal(t, 1, broker.placeCalls)

	rec, err := store.Get(context.Background(), "tenant-a", "intent-1")
	require.NoError(t, err)
	assert.Equal(t, core.StateRejected, rec.StatusNorm)
	assert.True(t, gate.Snapshot().ExecutionHalted, "a confirmed broker rejection still re-arms the single-shot unlock")

	gate.Unlock()
	second := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecRejected, second.Status)
	assert.Equal(t, 1, broker.placeCalls, "a retried intent_id after a recorded rejection must never reach the broker again")
}

func TestExecute_BrokerUnavailableIsErrorNotRetried(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeErr: &core.BrokerUnavailable{},
		quote:    core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	result := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, core.ExecError, result.Status)
	assert.True(t, result.Retryable)
	assert.Equal(t, 1, broker.placeCalls)
}

func TestExecute_DuplicateIntentReturnsExistingRecordWithoutSecondPlace(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeResult: core.PlaceResult{BrokerOrderID: "bro-1", StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
		quote:       core.Quote{Bid: decimal.NewFromFloat(99.95), Ask: decimal.NewFromFloat(100.0)},
		orderSnap:   core.OrderSnapshot{StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	first := eng.Execute(context.Background(), testIntent())
	require.Equal(t, core.ExecPlaced, first.Status)

	gate.Unlock()
	second := eng.Execute(context.Background(), testIntent())
	assert.Equal(t, first.BrokerOrderID, second.BrokerOrderID)
	assert.Equal(t, 1, broker.placeCalls, "a repeat intent must never reach the broker twice")
}

func TestExecute_NonSmartRoutingAssetClassSkipsCostGate(t *testing.T) {
	store := newTestStore(t)
	gate := safety.NewGate(readyConfig(), nullLogger{}, nil, nil)
	broker := &fakeBroker{
		placeResult: core.PlaceResult{BrokerOrderID: "bro-1", StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
		orderSnap:   core.OrderSnapshot{StatusRaw: "accepted", StatusNorm: core.BrokerAccepted},
	}
	ledger := &fakeLedger{}
	eng := New(readyConfig(), gate, broker, store, ledger, nullLogger{}, nil)

	intent := testIntent()
	intent.AssetClass = core.AssetFuture
	result := eng.Execute(context.Background(), intent)
	assert.Equal(t, core.ExecPlaced, result.Status)
}
