package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricOrdersPlacedTotal   = "execution_orders_placed_total"
	MetricOrdersFilledTotal   = "execution_orders_filled_total"
	MetricGateDeniedTotal     = "execution_gate_denied_total"
	MetricRecoveryPollTotal   = "execution_recovery_poll_total"
	MetricRecoveryCancelTotal = "execution_recovery_cancel_total"
	MetricLedgerConflictTotal = "execution_ledger_conflict_total"
	MetricOrdersOpen          = "execution_orders_open"
	MetricFillLatencyMs       = "execution_fill_latency_ms"
	MetricBrokerLatencyMs     = "execution_broker_latency_ms"
	MetricCircuitBreakerOpen  = "execution_broker_circuit_breaker_open"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	OrdersPlacedTotal   metric.Int64Counter
	OrdersFilledTotal   metric.Int64Counter
	GateDeniedTotal      metric.Int64Counter
	RecoveryPollTotal    metric.Int64Counter
	RecoveryCancelTotal  metric.Int64Counter
	LedgerConflictTotal  metric.Int64Counter
	OrdersOpen           metric.Int64ObservableGauge
	FillLatency          metric.Float64Histogram
	BrokerLatency        metric.Float64Histogram
	CircuitBreakerOpen   metric.Int64ObservableGauge

	// State for observable gauges
	mu             sync.RWMutex
	ordersOpenMap  map[string]int64
	cbOpenMap      map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			ordersOpenMap: make(map[string]int64),
			cbOpenMap:     make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Total order intents placed with the broker"))
	if err != nil {
		return err
	}

	m.OrdersFilledTotal, err = meter.Int64Counter(MetricOrdersFilledTotal, metric.WithDescription("Total orders reaching FILLED"))
	if err != nil {
		return err
	}

	m.GateDeniedTotal, err = meter.Int64Counter(MetricGateDeniedTotal, metric.WithDescription("Total execution attempts denied by the safety gate, by reason"))
	if err != nil {
		return err
	}

	m.RecoveryPollTotal, err = meter.Int64Counter(MetricRecoveryPollTotal, metric.WithDescription("Total recovery loop broker polls"))
	if err != nil {
		return err
	}

	m.RecoveryCancelTotal, err = meter.Int64Counter(MetricRecoveryCancelTotal, metric.WithDescription("Total recovery loop timeout-triggered cancels"))
	if err != nil {
		return err
	}

	m.LedgerConflictTotal, err = meter.Int64Counter(MetricLedgerConflictTotal, metric.WithDescription("Total duplicate fill appends rejected by the ledger"))
	if err != nil {
		return err
	}

	m.FillLatency, err = meter.Float64Histogram(MetricFillLatencyMs, metric.WithDescription("Time from order placement to the order reaching FILLED"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.BrokerLatency, err = meter.Float64Histogram(MetricBrokerLatencyMs, metric.WithDescription("Latency of broker adapter calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of currently open execution orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for tenant, val := range m.ordersOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("tenant_id", tenant)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.CircuitBreakerOpen, err = meter.Int64ObservableGauge(MetricCircuitBreakerOpen, metric.WithDescription("Broker circuit breaker open state (1=open, 0=closed)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for broker, val := range m.cbOpenMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("broker", broker)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOrdersOpen(tenantID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ordersOpenMap[tenantID] = count
}

func (m *MetricsHolder) SetCircuitBreakerOpen(broker string, open bool) {
	val := int64(0)
	if open {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cbOpenMap[broker] = val
}

func (m *MetricsHolder) GetOrdersOpen() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.ordersOpenMap {
		res[k] = v
	}
	return res
}

// Counter/histogram helpers used by call sites across the core. Every one is
// a no-op until InitMetrics has run (e.g. in unit tests that never call
// Setup), so domain code can record metrics unconditionally without needing
// to know whether telemetry is wired up in the current process.

func (m *MetricsHolder) IncOrdersPlaced(ctx context.Context) {
	if m.OrdersPlacedTotal != nil {
		m.OrdersPlacedTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncOrdersFilled(ctx context.Context) {
	if m.OrdersFilledTotal != nil {
		m.OrdersFilledTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncGateDenied(ctx context.Context, reason string) {
	if m.GateDeniedTotal != nil {
		m.GateDeniedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	}
}

func (m *MetricsHolder) IncRecoveryPoll(ctx context.Context) {
	if m.RecoveryPollTotal != nil {
		m.RecoveryPollTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncRecoveryCancel(ctx context.Context) {
	if m.RecoveryCancelTotal != nil {
		m.RecoveryCancelTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) IncLedgerConflict(ctx context.Context) {
	if m.LedgerConflictTotal != nil {
		m.LedgerConflictTotal.Add(ctx, 1)
	}
}

func (m *MetricsHolder) ObserveFillLatencyMs(ctx context.Context, ms float64) {
	if m.FillLatency != nil {
		m.FillLatency.Record(ctx, ms)
	}
}

func (m *MetricsHolder) ObserveBrokerLatencyMs(ctx context.Context, ms float64) {
	if m.BrokerLatency != nil {
		m.BrokerLatency.Record(ctx, ms)
	}
}
