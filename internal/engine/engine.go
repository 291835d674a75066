// Package engine implements the Execution Engine: the single entry point
// that turns an OrderIntent into a broker order, subject to the
// smart-routing cost gate and the Safety Gate, and durably records the
// result for the Recovery Loop to pick up.
package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/internal/lifecycle"
	"execution-core/internal/safety"
	"execution-core/internal/tracker"
	"execution-core/pkg/telemetry"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/shopspring/decimal"
)

// QuoteSource is the subset of the Broker Adapter the cost gate needs.
type QuoteSource interface {
	GetQuote(ctx context.Context, symbol string) (core.Quote, error)
}

// Engine is the Execution Engine.
type Engine struct {
	cfg    *config.Config
	gate   *safety.Gate
	broker core.BrokerAdapter
	store  *tracker.Store
	ledger tracker.FillAppender
	logger core.ILogger
	dbosCtx dbos.DBOSContext

	locks stripedLocks
}

// New constructs an Execution Engine. dbosCtx may be nil in shadow mode or
// in tests; Execute then runs its steps inline without durable replay.
func New(cfg *config.Config, gate *safety.Gate, broker core.BrokerAdapter, store *tracker.Store, ledger tracker.FillAppender, logger core.ILogger, dbosCtx dbos.DBOSContext) *Engine {
	return &Engine{
		cfg:     cfg,
		gate:    gate,
		broker:  broker,
		store:   store,
		ledger:  ledger,
		logger:  logger.WithField("component", "execution_engine"),
		dbosCtx: dbosCtx,
		locks:   newStripedLocks(256),
	}
}

// Execute is the Engine's entry point. Two concurrent calls for the same
// (tenant_id, intent_id) are serialized by a striped lock; once the first has
// persisted its record, the second finds it via store.Get and returns it
// without placing again. When DBOS is configured the steps run inside a
// workflow started without an explicit workflow ID, so DBOS itself does not
// deduplicate by intent_id.
func (e *Engine) Execute(ctx context.Context, intent *core.OrderIntent) core.ExecutionResult {
	unlock := e.locks.Lock(intent.TenantID + ":" + intent.IntentID)
	defer unlock()

	if e.dbosCtx != nil {
		handle, err := e.dbosCtx.RunWorkflow(e.dbosCtx, e.executeStepsWorkflow, intent)
		if err != nil {
			e.logger.Error("failed to start execution workflow", "intent_id", intent.IntentID, "error", err.Error())
			return core.ExecutionResult{Status: core.ExecError, Reason: "WORKFLOW_START_FAILED", Retryable: true}
		}
		resultRaw, err := handle.GetResult()
		if err != nil {
			e.logger.Error("execution workflow failed", "intent_id", intent.IntentID, "error", err.Error())
			return core.ExecutionResult{Status: core.ExecError, Reason: "WORKFLOW_FAILED", Retryable: true}
		}
		return resultRaw.(core.ExecutionResult)
	}

	return e.executeSteps(ctx, intent)
}

// executeStepsWorkflow adapts executeSteps to dbos.WorkflowFunc's
// (ctx, input any) (any, error) shape, matching the teacher's
// TradingWorkflows methods rather than an inline closure.
func (e *Engine) executeStepsWorkflow(ctx dbos.DBOSContext, input any) (any, error) {
	return e.executeSteps(ctx, input.(*core.OrderIntent)), nil
}

// executeSteps is the actual step sequence. When running under DBOS each
// call below belongs inside ctx.RunAsStep in the caller's workflow function;
// it is written as a plain sequential function here so it is identical
// whether or not a durable context wraps it.
func (e *Engine) executeSteps(ctx context.Context, intent *core.OrderIntent) core.ExecutionResult {
	if existing, err := e.store.Get(ctx, intent.TenantID, intent.IntentID); err == nil {
		e.logger.Info("intent already submitted, returning existing record", "intent_id", intent.IntentID)
		return e.resultFromRecord(existing)
	}

	if result, downgraded := e.checkSmartRouting(ctx, intent); downgraded {
		return result
	}

	if err := e.gate.CheckAndConsume(intent.TenantID, intent.UserID, e.presentedToken(intent)); err != nil {
		return core.ExecutionResult{Status: core.ExecBlocked, Reason: gateReason(err)}
	}

	placeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	placeStart := time.Now()
	placeResult, err := e.broker.Place(placeCtx, intent)
	telemetry.GetGlobalMetrics().ObserveBrokerLatencyMs(ctx, float64(time.Since(placeStart).Milliseconds()))
	cancel()
	if err != nil {
		var rejected *core.BrokerRejected
		if asRejected(err, &rejected) {
			// The broker responded definitively; the single-shot unlock was
			// spent on a real broker interaction, so it still re-arms.
			e.gate.Lockdown()
			e.recordRejection(ctx, intent, rejected.Code)
			return core.ExecutionResult{Status: core.ExecRejected, Reason: rejected.Code}
		}
		// BrokerUnavailable: no confirmed broker interaction happened, so the
		// guard unlock consumed by CheckAndConsume is re-armed and no
		// lockdown follows. Auto-lockdown on the error branch would brick
		// the operator into re-unlocking for an outage that never reached
		// the broker.
		e.gate.Unlock()
		e.logger.Error("broker place failed", "intent_id", intent.IntentID, "error", err.Error())
		return core.ExecutionResult{Status: core.ExecError, Reason: "BROKER_UNAVAILABLE", Retryable: true}
	}
	defer e.gate.Lockdown()
	telemetry.GetGlobalMetrics().IncOrdersPlaced(ctx)

	initialState := core.StateNew
	target, ok := lifecycle.FromBrokerStatus(placeResult.StatusNorm)
	if ok {
		if next, err := lifecycle.Apply(initialState, target); err == nil {
			initialState = next
		}
	} else {
		if next, err := lifecycle.Apply(initialState, core.StateAccepted); err == nil {
			initialState = next
		}
	}

	rec := core.ExecutionOrderRecord{
		TenantID:         intent.TenantID,
		IntentID:         intent.IntentID,
		BrokerOrderID:    placeResult.BrokerOrderID,
		StatusRaw:        placeResult.StatusRaw,
		StatusNorm:       initialState,
		AssetClass:       intent.AssetClass,
		OrderType:        intent.OrderType,
		CreatedAt:        time.Now(),
		LastBrokerSyncAt: time.Now(),
		SeenFilledQty:    decimal.Zero,
		SubmittedQty:     intent.Qty,
		IntentSnapshot: core.IntentSnapshot{
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			Qty:        intent.Qty,
			OrderType:  intent.OrderType,
			AssetClass: intent.AssetClass,
			UserID:     intent.UserID,
			StrategyID: intent.StrategyID,
		},
	}
	if err := e.store.Create(ctx, rec); err != nil {
		e.logger.Error("failed to persist execution order record", "intent_id", intent.IntentID, "error", err.Error())
	}

	if initialState == core.StateRejected {
		return core.ExecutionResult{Status: core.ExecRejected, Reason: "BROKER_REJECTED", BrokerOrderID: placeResult.BrokerOrderID}
	}

	e.reconcileOnce(ctx, rec)

	return core.ExecutionResult{Status: core.ExecPlaced, BrokerOrderID: placeResult.BrokerOrderID}
}

// reconcileOnce performs the Engine's synchronous immediate-reconciliation
// step. BrokerUnavailable here is swallowed: the Recovery Loop will catch up
// on its next pass.
func (e *Engine) reconcileOnce(ctx context.Context, rec core.ExecutionOrderRecord) {
	pollCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	snapshot, err := e.broker.GetOrder(pollCtx, rec.BrokerOrderID)
	if err != nil {
		e.logger.Debug("immediate reconciliation poll failed, deferring to recovery loop", "intent_id", rec.IntentID, "error", err.Error())
		return
	}

	if !snapshot.FilledQtyCumulative.GreaterThan(rec.SeenFilledQty) {
		return
	}

	delta := snapshot.FilledQtyCumulative.Sub(rec.SeenFilledQty)

	recorded, err := e.ledger.SumQty(ctx, rec.TenantID, rec.BrokerOrderID)
	if err != nil {
		e.logger.Warn("failed to read ledger sum for invariant check, proceeding with unclamped delta", "intent_id", rec.IntentID, "error", err.Error())
	} else if headroom := rec.SubmittedQty.Sub(recorded); delta.GreaterThan(headroom) {
		e.logger.Warn("broker-reported fill would exceed submitted qty, clamping",
			"intent_id", rec.IntentID, "broker_order_id", rec.BrokerOrderID, "delta", delta.String(), "headroom", headroom.String())
		delta = headroom
		if !delta.IsPositive() {
			return
		}
	}

	nextSeq := rec.LastFillSeq + 1
	fill := core.FillEvent{
		FillID:        core.DeriveFillID(rec.BrokerOrderID, nextSeq),
		BrokerOrderID: rec.BrokerOrderID,
		TenantID:      rec.TenantID,
		UserID:        rec.IntentSnapshot.UserID,
		IntentID:      rec.IntentID,
		Symbol:        rec.IntentSnapshot.Symbol,
		Side:          rec.IntentSnapshot.Side,
		Qty:           delta,
		Price:         snapshot.AvgPrice,
		Timestamp:     time.Now(),
		AssetClass:    rec.AssetClass,
		FillSeq:       nextSeq,
	}
	if err := e.ledger.Append(ctx, fill); err != nil {
		var conflict *core.LedgerConflict
		if !asConflict(err, &conflict) {
			e.logger.Warn("ledger append failed during immediate reconciliation", "intent_id", rec.IntentID, "error", err.Error())
		}
	}

	target, ok := lifecycle.FromBrokerStatus(snapshot.StatusNorm)
	if !ok {
		_ = e.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, rec.StatusNorm, snapshot.StatusRaw, snapshot.FilledQtyCumulative, nextSeq)
		return
	}
	next, err := lifecycle.Apply(rec.StatusNorm, target)
	if err != nil {
		e.logger.Warn("immediate reconciliation observed a lifecycle transition outside the canonical table, retaining prior state",
			"intent_id", rec.IntentID, "from", rec.StatusNorm, "to", target)
		next = rec.StatusNorm
	}
	if next == core.StateFilled && rec.StatusNorm != core.StateFilled {
		telemetry.GetGlobalMetrics().IncOrdersFilled(ctx)
		telemetry.GetGlobalMetrics().ObserveFillLatencyMs(ctx, float64(time.Since(rec.CreatedAt).Milliseconds()))
	}
	_ = e.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, next, snapshot.StatusRaw, snapshot.FilledQtyCumulative, nextSeq)
}

// checkSmartRouting runs the cost gate for asset classes it covers. It
// returns (result, true) when the intent should be downgraded without
// reaching the broker.
func (e *Engine) checkSmartRouting(ctx context.Context, intent *core.OrderIntent) (core.ExecutionResult, bool) {
	if !e.cfg.SmartRoutingEnabled {
		return core.ExecutionResult{}, false
	}
	switch intent.AssetClass {
	case core.AssetEquity, core.AssetForex, core.AssetCrypto, core.AssetOption:
	default:
		return core.ExecutionResult{}, false
	}

	quoteCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	quote, err := e.broker.GetQuote(quoteCtx, intent.Symbol)
	cancel()
	if err != nil {
		e.logger.Warn("quote fetch failed, skipping cost gate", "intent_id", intent.IntentID, "error", err.Error())
		return core.ExecutionResult{}, false
	}

	spreadPct := quote.SpreadPct()
	threshold := decimal.NewFromFloat(e.cfg.SpreadThresholdFor(intent.AssetClass))
	if override, ok := intent.MaxSlippagePct(); ok {
		threshold = override
	}

	if spreadPct.GreaterThan(threshold) {
		return core.ExecutionResult{Status: core.ExecDowngraded, Reason: "SPREAD_EXCEEDED", SpreadPct: spreadPct}, true
	}
	return core.ExecutionResult{}, false
}

// recordRejection persists a terminal record for an intent that the broker
// rejected outright on Place, before any broker_order_id was ever assigned.
// Without this, a caller retrying the same intent_id after a BrokerRejected
// error finds no record via store.Get and the Engine resubmits to the
// broker a second time, re-consuming the single-shot guard unlock for a
// call that is guaranteed to be rejected again.
func (e *Engine) recordRejection(ctx context.Context, intent *core.OrderIntent, reasonCode string) {
	state, err := lifecycle.Apply(core.StateNew, core.StateRejected)
	if err != nil {
		e.logger.Warn("unexpected invalid transition recording broker rejection", "intent_id", intent.IntentID, "error", err.Error())
		return
	}
	rec := core.ExecutionOrderRecord{
		TenantID:         intent.TenantID,
		IntentID:         intent.IntentID,
		StatusRaw:        reasonCode,
		StatusNorm:       state,
		AssetClass:       intent.AssetClass,
		OrderType:        intent.OrderType,
		CreatedAt:        time.Now(),
		LastBrokerSyncAt: time.Now(),
		SeenFilledQty:    decimal.Zero,
		SubmittedQty:     intent.Qty,
		IntentSnapshot: core.IntentSnapshot{
			Symbol:     intent.Symbol,
			Side:       intent.Side,
			Qty:        intent.Qty,
			OrderType:  intent.OrderType,
			AssetClass: intent.AssetClass,
			UserID:     intent.UserID,
			StrategyID: intent.StrategyID,
		},
	}
	if err := e.store.Create(ctx, rec); err != nil {
		e.logger.Error("failed to persist rejected execution order record", "intent_id", intent.IntentID, "error", err.Error())
	}
}

func (e *Engine) resultFromRecord(rec *core.ExecutionOrderRecord) core.ExecutionResult {
	switch rec.StatusNorm {
	case core.StateRejected:
		return core.ExecutionResult{Status: core.ExecRejected, Reason: "BROKER_REJECTED", BrokerOrderID: rec.BrokerOrderID}
	default:
		return core.ExecutionResult{Status: core.ExecPlaced, BrokerOrderID: rec.BrokerOrderID}
	}
}

// presentedToken reads the per-call confirm token out of intent metadata, if
// the caller supplied one; when none is supplied it returns the configured
// token itself, so the gate's token check then passes whenever a token is
// configured.
func (e *Engine) presentedToken(intent *core.OrderIntent) string {
	if raw, ok := intent.Metadata["confirm_token"]; ok {
		if s, ok := raw.(string); ok {
			return s
		}
	}
	return string(e.cfg.ExecutionConfirmToken)
}

func gateReason(err error) string {
	var denied *core.GateDenied
	if asDenied(err, &denied) {
		return denied.Reason
	}
	return "UNKNOWN"
}

func asDenied(err error, target **core.GateDenied) bool {
	d, ok := err.(*core.GateDenied)
	if ok {
		*target = d
	}
	return ok
}

func asRejected(err error, target **core.BrokerRejected) bool {
	r, ok := err.(*core.BrokerRejected)
	if ok {
		*target = r
	}
	return ok
}

func asConflict(err error, target **core.LedgerConflict) bool {
	c, ok := err.(*core.LedgerConflict)
	if ok {
		*target = c
	}
	return ok
}

// stripedLocks is a fixed-size array of mutexes, selected by hashing a key,
// used to serialize calls that share a (tenant_id, intent_id) without
// forcing every Engine.Execute call through a single global lock.
type stripedLocks struct {
	stripes []sync.Mutex
}

func newStripedLocks(n int) stripedLocks {
	return stripedLocks{stripes: make([]sync.Mutex, n)}
}

func (s *stripedLocks) Lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	idx := h.Sum32() % uint32(len(s.stripes))
	s.stripes[idx].Lock()
	return s.stripes[idx].Unlock
}
