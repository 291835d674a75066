package tracker

import (
	"context"
	"sync"
	"time"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/internal/lifecycle"
	"execution-core/pkg/concurrency"
	"execution-core/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Loop is the Recovery Loop: it keeps every open ExecutionOrderRecord in
// sync with the broker by polling stale orders, cancelling timed-out ones,
// and routing newly observed fills to the Ledger. It is consumed by the
// admin HTTP surface's recovery trigger (internal/admin.Recoverer).
type Loop struct {
	store   *Store
	broker  core.BrokerAdapter
	ledger  FillAppender
	cfg     *config.Config
	logger  core.ILogger
	pool    *concurrency.WorkerPool
	tickers []string // tenant IDs swept by Run's periodic schedule
	interval time.Duration
}

// FillAppender is the subset of the Ledger the Recovery Loop needs. Defined
// here, rather than depending on the ledger package's concrete Store
// directly, so the loop can be tested against a fake. SumQty lets the
// recovery pass clamp a reconciled fill against the Ledger's own recorded
// total rather than trust the tracker record's in-memory seen-quantity
// alone, enforcing the Σfill.qty ≤ submitted qty invariant at its source of
// truth.
type FillAppender interface {
	Append(ctx context.Context, fill core.FillEvent) error
	SumQty(ctx context.Context, tenantID, brokerOrderID string) (decimal.Decimal, error)
}

// RecoveryResult summarizes one Recovery Loop pass for a tenant. Owned here,
// the lower layer, and referenced by internal/admin rather than the reverse,
// so the Recovery Loop never depends on the HTTP surface that consumes it.
// Polled counts every open record the pass examined, whether or not a
// get_order call was made for it.
type RecoveryResult struct {
	Polled     int `json:"polled"`
	Cancelled  int `json:"cancelled"`
	Reconciled int `json:"reconciled"`
	Terminal   int `json:"terminal"`
}

// LoopConfig bundles what the loop needs beyond its dependencies.
type LoopConfig struct {
	Tenants      []string
	PollInterval time.Duration
	PollWorkers  int
}

// NewLoop constructs a Recovery Loop.
func NewLoop(store *Store, broker core.BrokerAdapter, ledger FillAppender, cfg *config.Config, logger core.ILogger, lc LoopConfig) *Loop {
	interval := lc.PollInterval
	if interval == 0 {
		interval = 30 * time.Second
	}
	workers := lc.PollWorkers
	if workers == 0 {
		workers = 8
	}
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "recovery-loop",
		MaxWorkers:  workers,
		MaxCapacity: 256,
	}, logger)

	return &Loop{
		store:    store,
		broker:   broker,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.WithField("component", "recovery_loop"),
		pool:     pool,
		tickers:  lc.Tenants,
		interval: interval,
	}
}

// Run ticks the Recovery Loop for every configured tenant on PollInterval
// until ctx is cancelled. It implements bootstrap.Runner.
func (l *Loop) Run(ctx context.Context) error {
	if len(l.tickers) == 0 {
		<-ctx.Done()
		l.pool.Stop()
		return nil
	}

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.pool.Stop()
			return nil
		case <-ticker.C:
			for _, tenantID := range l.tickers {
				passCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := l.RunRecoveryPass(passCtx, tenantID); err != nil {
					l.logger.Error("recovery pass failed", "tenant_id", tenantID, "error", err.Error())
				}
				cancel()
			}
		}
	}
}

// RunRecoveryPass runs a single synchronous sweep of every open order for a
// tenant. A single poisoned record can never halt the pass: each record's
// work runs independently and errors are logged, not propagated.
func (l *Loop) RunRecoveryPass(ctx context.Context, tenantID string) (RecoveryResult, error) {
	records, err := l.store.ListOpen(ctx, tenantID)
	if err != nil {
		return RecoveryResult{}, err
	}
	telemetry.GetGlobalMetrics().SetOrdersOpen(tenantID, int64(len(records)))

	var mu sync.Mutex
	var result RecoveryResult
	var wg sync.WaitGroup

	for i := range records {
		rec := records[i]
		wg.Add(1)
		submitErr := l.pool.Submit(func() {
			defer wg.Done()
			outcome := l.processRecord(ctx, rec)

			mu.Lock()
			result.Polled++
			if outcome.cancelled {
				result.Cancelled++
			}
			if outcome.reconciled {
				result.Reconciled++
			}
			if outcome.terminal {
				result.Terminal++
			}
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			l.logger.Warn("recovery pool rejected record, will retry next pass", "tenant_id", rec.TenantID, "intent_id", rec.IntentID)
		}
	}
	wg.Wait()

	return result, nil
}

type recordOutcome struct {
	cancelled  bool
	reconciled bool
	terminal   bool
}

// processRecord applies the staleness, timeout, rejection, fill-reconcile,
// and post-cancel-sweep rules from a single Recovery Loop pass to one
// record. Every broker or ledger error is logged and swallowed: the pass
// continues regardless.
func (l *Loop) processRecord(ctx context.Context, rec core.ExecutionOrderRecord) recordOutcome {
	var outcome recordOutcome

	staleS := l.cfg.OrderStaleS
	if staleS <= 0 {
		staleS = 60
	}
	needsPoll := time.Since(rec.LastBrokerSyncAt) >= time.Duration(staleS)*time.Second

	timeoutS := l.cfg.TimeoutFor(rec.AssetClass, rec.OrderType.IsLimitLike())
	timedOut := time.Since(rec.CreatedAt) >= time.Duration(timeoutS)*time.Second

	if timedOut {
		if err := l.cancelAndReconcile(ctx, rec); err != nil {
			l.logger.Warn("recovery cancel failed", "tenant_id", rec.TenantID, "intent_id", rec.IntentID, "error", err.Error())
		} else {
			telemetry.GetGlobalMetrics().IncRecoveryCancel(ctx)
			outcome.cancelled = true
			outcome.reconciled = true
		}
		return outcome
	}

	if !needsPoll {
		return outcome
	}

	telemetry.GetGlobalMetrics().IncRecoveryPoll(ctx)
	snapshot, err := l.broker.GetOrder(ctx, rec.BrokerOrderID)
	if err != nil {
		var notFound *core.NotFound
		if asNotFound(err, &notFound) {
			// Broker has no memory of this order; treat as a terminal
			// cancellation for bookkeeping purposes. ACCEPTED and
			// PARTIALLY_FILLED transition to CANCELLED legally; a NEW record
			// has no such transition, so Apply fails and it is left as is.
			if next, err := lifecycle.Apply(rec.StatusNorm, core.StateCancelled); err == nil {
				_ = l.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, next, "not_found", rec.SeenFilledQty, rec.LastFillSeq)
				outcome.terminal = true
			}
			return outcome
		}
		l.logger.Debug("recovery poll failed, will retry next pass", "tenant_id", rec.TenantID, "intent_id", rec.IntentID, "error", err.Error())
		return outcome
	}

	reconciled, nextSeq := l.reconcileFills(ctx, rec, snapshot)
	if reconciled {
		outcome.reconciled = true
	}

	target, ok := lifecycle.FromBrokerStatus(snapshot.StatusNorm)
	next := rec.StatusNorm
	if ok {
		if n, err := lifecycle.Apply(rec.StatusNorm, target); err == nil {
			next = n
		} else {
			l.logger.Warn("recovery loop observed a lifecycle transition outside the canonical table, retaining prior state",
				"tenant_id", rec.TenantID, "intent_id", rec.IntentID, "from", rec.StatusNorm, "to", target)
		}
	}
	if lifecycle.IsTerminal(next) {
		outcome.terminal = true
	}
	if next == core.StateFilled && rec.StatusNorm != core.StateFilled {
		telemetry.GetGlobalMetrics().IncOrdersFilled(ctx)
		telemetry.GetGlobalMetrics().ObserveFillLatencyMs(ctx, float64(time.Since(rec.CreatedAt).Milliseconds()))
	}
	_ = l.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, next, snapshot.StatusRaw, snapshot.FilledQtyCumulative, nextSeq)
	return outcome
}

// cancelAndReconcile cancels a timed-out order and, per the post-cancel
// sweep rule, polls once more to capture any trailing partial fill.
func (l *Loop) cancelAndReconcile(ctx context.Context, rec core.ExecutionOrderRecord) error {
	if err := l.broker.Cancel(ctx, rec.BrokerOrderID); err != nil {
		var notFound *core.NotFound
		if !asNotFound(err, &notFound) {
			return err
		}
	}

	snapshot, err := l.broker.GetOrder(ctx, rec.BrokerOrderID)
	if err != nil {
		// Best-effort: the cancel itself still counts as progress even if
		// the trailing poll can't be completed.
		next, applyErr := lifecycle.Apply(rec.StatusNorm, core.StateCancelled)
		if applyErr != nil {
			return applyErr
		}
		return l.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, next, "cancelled", rec.SeenFilledQty, rec.LastFillSeq)
	}

	_, nextSeq := l.reconcileFills(ctx, rec, snapshot)

	target := core.StateCancelled
	if snapshot.StatusNorm == core.BrokerFilled {
		target = core.StateFilled
	}
	final, err := lifecycle.Apply(rec.StatusNorm, target)
	if err != nil {
		final = rec.StatusNorm
	}
	return l.store.UpdateSync(ctx, rec.TenantID, rec.IntentID, final, snapshot.StatusRaw, snapshot.FilledQtyCumulative, nextSeq)
}

// reconcileFills derives the fill delta since the record was last seen,
// assigns it the next fill sequence number in the record's persistent
// counter, and appends it to the Ledger. It reports whether any new fill was
// found and the fill sequence counter value the caller should persist.
func (l *Loop) reconcileFills(ctx context.Context, rec core.ExecutionOrderRecord, snapshot core.OrderSnapshot) (bool, int64) {
	if !snapshot.FilledQtyCumulative.GreaterThan(rec.SeenFilledQty) {
		return false, rec.LastFillSeq
	}

	delta := snapshot.FilledQtyCumulative.Sub(rec.SeenFilledQty)

	recorded, err := l.ledger.SumQty(ctx, rec.TenantID, rec.BrokerOrderID)
	if err != nil {
		l.logger.Warn("failed to read ledger sum for invariant check, proceeding with unclamped delta", "tenant_id", rec.TenantID, "intent_id", rec.IntentID, "error", err.Error())
	} else if headroom := rec.SubmittedQty.Sub(recorded); delta.GreaterThan(headroom) {
		l.logger.Warn("broker-reported fill would exceed submitted qty, clamping",
			"tenant_id", rec.TenantID, "intent_id", rec.IntentID, "broker_order_id", rec.BrokerOrderID,
			"delta", delta.String(), "headroom", headroom.String())
		delta = headroom
		if !delta.IsPositive() {
			return false, rec.LastFillSeq
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

	if err := l.ledger.Append(ctx, fill); err != nil {
		var conflict *core.LedgerConflict
		if !asLedgerConflict(err, &conflict) {
			l.logger.Warn("ledger append failed during recovery", "tenant_id", rec.TenantID, "intent_id", rec.IntentID, "error", err.Error())
		}
	}
	return true, nextSeq
}

func asNotFound(err error, target **core.NotFound) bool {
	nf, ok := err.(*core.NotFound)
	if ok {
		*target = nf
	}
	return ok
}

func asLedgerConflict(err error, target **core.LedgerConflict) bool {
	lc, ok := err.(*core.LedgerConflict)
	if ok {
		*target = lc
	}
	return ok
}
