// Package ledger implements the append-only, tenant-scoped fill store and
// its best-effort per-user portfolio mirror.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"execution-core/internal/core"
	"execution-core/pkg/concurrency"
	"execution-core/pkg/telemetry"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_trades (
	tenant_id       TEXT NOT NULL,
	fill_id         TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	intent_id       TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	asset_class     TEXT NOT NULL,
	fill_seq        INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, fill_id)
);
CREATE INDEX IF NOT EXISTS idx_ledger_trades_order ON ledger_trades(tenant_id, broker_order_id, fill_seq);

CREATE TABLE IF NOT EXISTS portfolio_history (
	user_id         TEXT NOT NULL,
	fill_id         TEXT NOT NULL,
	broker_order_id TEXT NOT NULL,
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	qty             TEXT NOT NULL,
	price           TEXT NOT NULL,
	ts              INTEGER NOT NULL,
	asset_class     TEXT NOT NULL,
	PRIMARY KEY (user_id, fill_id)
);
`

// Store is the SQLite-backed Ledger. Primary appends are synchronous and
// transactional; the per-user portfolio mirror is fanned out onto a worker
// pool so a slow or failing mirror write can never delay or fail the
// primary append.
type Store struct {
	db     *sql.DB
	logger core.ILogger
	mirror *concurrency.WorkerPool
}

// Open opens (creating if necessary) a WAL-mode SQLite database at dbPath
// and prepares the ledger schema.
func Open(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply ledger schema: %w", err)
	}

	mirror := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "ledger-mirror",
		MaxWorkers:  4,
		MaxCapacity: 1024,
		IdleTimeout: 60 * time.Second,
		NonBlocking: true,
	}, logger)

	return &Store{db: db, logger: logger.WithField("component", "ledger"), mirror: mirror}, nil
}

// Close releases the underlying database handle and drains the mirror pool.
func (s *Store) Close() error {
	s.mirror.Stop()
	return s.db.Close()
}

// Append writes a FillEvent exactly once per (tenant_id, fill_id). A repeat
// append of an already-seen fill is reported via core.LedgerConflict, which
// callers should log at debug and otherwise ignore; the Ledger is left
// unchanged.
func (s *Store) Append(ctx context.Context, fill core.FillEvent) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin ledger tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO ledger_trades
			(tenant_id, fill_id, broker_order_id, user_id, intent_id, symbol, side, qty, price, ts, asset_class, fill_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		fill.TenantID, fill.FillID, fill.BrokerOrderID, fill.UserID, fill.IntentID,
		fill.Symbol, string(fill.Side), fill.Qty.String(), fill.Price.String(),
		fill.Timestamp.UnixNano(), string(fill.AssetClass), fill.FillSeq,
	)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Already present: idempotent no-op.
		telemetry.GetGlobalMetrics().IncLedgerConflict(ctx)
		return &core.LedgerConflict{FillID: fill.FillID}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit ledger tx: %w", err)
	}

	s.mirrorAsync(fill)
	return nil
}

// mirrorAsync fans the fill out to the per-user portfolio view. Failures
// are logged and never surfaced to the Append caller.
func (s *Store) mirrorAsync(fill core.FillEvent) {
	err := s.mirror.Submit(func() {
		if _, err := s.db.Exec(`
			INSERT OR IGNORE INTO portfolio_history
				(user_id, fill_id, broker_order_id, symbol, side, qty, price, ts, asset_class)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fill.UserID, fill.FillID, fill.BrokerOrderID, fill.Symbol, string(fill.Side),
			fill.Qty.String(), fill.Price.String(), fill.Timestamp.UnixNano(), string(fill.AssetClass),
		); err != nil {
			s.logger.Warn("portfolio mirror write failed", "fill_id", fill.FillID, "error", err.Error())
		}
	})
	if err != nil {
		s.logger.Warn("portfolio mirror pool full, dropping mirror write", "fill_id", fill.FillID)
	}
}

// StreamByOrder returns all fills for a broker order in monotonically
// increasing fill_seq order.
func (s *Store) StreamByOrder(ctx context.Context, tenantID, brokerOrderID string) ([]core.FillEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT fill_id, broker_order_id, user_id, intent_id, symbol, side, qty, price, ts, asset_class, fill_seq
		FROM ledger_trades
		WHERE tenant_id = ? AND broker_order_id = ?
		ORDER BY fill_seq ASC`, tenantID, brokerOrderID)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var out []core.FillEvent
	for rows.Next() {
		var f core.FillEvent
		var qtyStr, priceStr, side, assetClass string
		var tsNano int64
		if err := rows.Scan(&f.FillID, &f.BrokerOrderID, &f.UserID, &f.IntentID, &f.Symbol,
			&side, &qtyStr, &priceStr, &tsNano, &assetClass, &f.FillSeq); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		f.TenantID = tenantID
		f.Side = core.Side(side)
		f.AssetClass = core.AssetClass(assetClass)
		f.Timestamp = time.Unix(0, tsNano)
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("parse qty: %w", err)
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		f.Qty = qty
		f.Price = price
		out = append(out, f)
	}
	return out, rows.Err()
}

// SumQty returns the sum of fill quantities recorded so far for a broker
// order; used to enforce the Σfill.qty ≤ submitted qty invariant.
func (s *Store) SumQty(ctx context.Context, tenantID, brokerOrderID string) (decimal.Decimal, error) {
	fills, err := s.StreamByOrder(ctx, tenantID, brokerOrderID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, f := range fills {
		total = total.Add(f.Qty)
	}
	return total, nil
}
