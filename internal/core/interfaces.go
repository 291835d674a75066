// Package core defines the domain types and cross-cutting interfaces shared
// by every component of the execution core.
package core

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType enumerates the order types the core understands.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// IsLimitLike reports whether a limit price is required for this order type.
func (t OrderType) IsLimitLike() bool {
	return t == OrderTypeLimit || t == OrderTypeStopLimit
}

// TimeInForce enumerates supported time-in-force values.
type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFIOC TimeInForce = "IOC"
)

// AssetClass enumerates the tradable instrument classes.
type AssetClass string

const (
	AssetEquity AssetClass = "EQUITY"
	AssetOption AssetClass = "OPTION"
	AssetForex  AssetClass = "FOREX"
	AssetCrypto AssetClass = "CRYPTO"
	AssetFuture AssetClass = "FUTURE"
)

// OrderIntent is the immutable, client-supplied request to execute a trade.
// It is produced outside the core and consumed exactly once by the Engine.
type OrderIntent struct {
	IntentID    string
	StrategyID  string
	TenantID    string
	UserID      string
	Symbol      string
	Side        Side
	Qty         decimal.Decimal
	OrderType   OrderType
	TimeInForce TimeInForce
	AssetClass  AssetClass
	LimitPrice  decimal.Decimal
	Metadata    map[string]any
}

// MaxSlippagePct reads the per-intent smart-routing override, if present.
func (i *OrderIntent) MaxSlippagePct() (decimal.Decimal, bool) {
	raw, ok := i.Metadata["max_slippage_pct"]
	if !ok {
		return decimal.Decimal{}, false
	}
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, true
	case float64:
		return decimal.NewFromFloat(v), true
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	default:
		return decimal.Decimal{}, false
	}
}

// LifecycleState is the canonical state of an order as tracked by the core.
type LifecycleState string

const (
	StateNew             LifecycleState = "NEW"
	StateAccepted        LifecycleState = "ACCEPTED"
	StatePartiallyFilled LifecycleState = "PARTIALLY_FILLED"
	StateFilled          LifecycleState = "FILLED"
	StateCancelled       LifecycleState = "CANCELLED"
	StateRejected        LifecycleState = "REJECTED"
	StateExpired         LifecycleState = "EXPIRED"
)

// BrokerStatus is the normalized broker order status, independent of
// whatever vendor-specific status string the broker returned.
type BrokerStatus string

const (
	BrokerNew             BrokerStatus = "NEW"
	BrokerAccepted        BrokerStatus = "ACCEPTED"
	BrokerPartiallyFilled BrokerStatus = "PARTIALLY_FILLED"
	BrokerFilled          BrokerStatus = "FILLED"
	BrokerCancelled       BrokerStatus = "CANCELLED"
	BrokerRejectedStatus  BrokerStatus = "REJECTED"
	BrokerExpired         BrokerStatus = "EXPIRED"
	BrokerUnknown         BrokerStatus = "UNKNOWN"
)

// ExecutionOrderRecord is the tracker's durable unit, keyed by
// (tenant_id, intent_id).
type ExecutionOrderRecord struct {
	TenantID         string
	IntentID         string
	BrokerOrderID    string
	StatusRaw        string
	StatusNorm       LifecycleState
	AssetClass       AssetClass
	OrderType        OrderType
	CreatedAt        time.Time
	LastBrokerSyncAt time.Time
	SeenFilledQty    decimal.Decimal
	LastFillSeq      int64
	SubmittedQty     decimal.Decimal
	IntentSnapshot   IntentSnapshot
}

// IntentSnapshot is the minimal subset of an OrderIntent needed for
// replay-safe reconciliation; it deliberately excludes the advisory
// metadata bag.
type IntentSnapshot struct {
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	OrderType  OrderType
	AssetClass AssetClass
	UserID     string
	StrategyID string
}

// IsOpen reports whether the record is still awaiting a terminal outcome.
func (r *ExecutionOrderRecord) IsOpen() bool {
	switch r.StatusNorm {
	case StateFilled, StateCancelled, StateRejected, StateExpired:
		return false
	default:
		return true
	}
}

// FillEvent is a single (partial or complete) execution of a broker order.
type FillEvent struct {
	FillID        string
	BrokerOrderID string
	TenantID      string
	UserID        string
	IntentID      string
	Symbol        string
	Side          Side
	Qty           decimal.Decimal
	Price         decimal.Decimal
	Timestamp     time.Time
	AssetClass    AssetClass
	FillSeq       int64
}

// Quote is a point-in-time bid/ask snapshot, consumed only by smart routing.
type Quote struct {
	Symbol string
	Bid    decimal.Decimal
	Ask    decimal.Decimal
	TS     time.Time
}

// Mid returns (bid+ask)/2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// SpreadPct returns (ask-bid)/mid, or zero if mid is zero.
func (q Quote) SpreadPct() decimal.Decimal {
	mid := q.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return q.Ask.Sub(q.Bid).Div(mid)
}

// PlaceResult is what the Broker Adapter returns from a successful place.
type PlaceResult struct {
	BrokerOrderID string
	StatusRaw     string
	StatusNorm    BrokerStatus
}

// OrderSnapshot is what the Broker Adapter returns from get_order.
type OrderSnapshot struct {
	StatusRaw           string
	StatusNorm          BrokerStatus
	FilledQtyCumulative decimal.Decimal
	AvgPrice            decimal.Decimal
	Fills               []BrokerFill
}

// BrokerFill is a single fill line as reported directly by the broker, when
// the broker surfaces a fills array alongside get_order.
type BrokerFill struct {
	FillSeq int64
	Qty     decimal.Decimal
	Price   decimal.Decimal
}

// BrokerAdapter is the uniform contract over a paper or live broker.
type BrokerAdapter interface {
	Place(ctx context.Context, intent *OrderIntent) (PlaceResult, error)
	Cancel(ctx context.Context, brokerOrderID string) error
	GetOrder(ctx context.Context, brokerOrderID string) (OrderSnapshot, error)
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	URLClass() string
	CircuitOpen() bool
}

// ExecutionStatus is the user-visible outcome of an execute call.
type ExecutionStatus string

const (
	ExecPlaced     ExecutionStatus = "PLACED"
	ExecDowngraded ExecutionStatus = "DOWNGRADED"
	ExecBlocked    ExecutionStatus = "BLOCKED"
	ExecRejected   ExecutionStatus = "REJECTED"
	ExecError      ExecutionStatus = "ERROR"
)

// ExecutionResult is the structured outcome of Engine.Execute.
type ExecutionResult struct {
	Status        ExecutionStatus
	Reason        string
	BrokerOrderID string
	SpreadPct     decimal.Decimal
	Retryable     bool
}

// ILogger is the structured logging interface used throughout the core.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// IHealthMonitor aggregates health status from registered components.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}
