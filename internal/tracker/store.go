// Package tracker implements the Order Tracker: the durable per-intent
// record of a placed order and the Recovery Loop that keeps it in sync with
// the broker.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"execution-core/internal/core"

	"github.com/shopspring/decimal"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_orders (
	tenant_id           TEXT NOT NULL,
	intent_id           TEXT NOT NULL,
	broker_order_id     TEXT NOT NULL,
	status_raw          TEXT NOT NULL,
	status_norm         TEXT NOT NULL,
	asset_class         TEXT NOT NULL,
	order_type          TEXT NOT NULL,
	created_at          INTEGER NOT NULL,
	last_broker_sync_at INTEGER NOT NULL,
	seen_filled_qty     TEXT NOT NULL,
	last_fill_seq       INTEGER NOT NULL DEFAULT 0,
	submitted_qty       TEXT NOT NULL,
	symbol              TEXT NOT NULL,
	side                TEXT NOT NULL,
	user_id             TEXT NOT NULL,
	strategy_id         TEXT NOT NULL,
	PRIMARY KEY (tenant_id, intent_id)
);
CREATE INDEX IF NOT EXISTS idx_execution_orders_open ON execution_orders(tenant_id, status_norm);
`

// Store is the SQLite-backed durable store of ExecutionOrderRecords.
type Store struct {
	db     *sql.DB
	logger core.ILogger
}

// Open opens (creating if necessary) a WAL-mode SQLite database at dbPath and
// prepares the execution_orders schema.
func Open(dbPath string, logger core.ILogger) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open tracker database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping tracker database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply tracker schema: %w", err)
	}
	return &Store{db: db, logger: logger.WithField("component", "tracker_store")}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Create persists a new record on successful broker placement. A repeat
// create for the same (tenant_id, intent_id) is a no-op; the caller should
// use Get to fetch the existing record instead (idempotent submission, see
// the Engine's striped-lock contract).
func (s *Store) Create(ctx context.Context, rec core.ExecutionOrderRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO execution_orders
			(tenant_id, intent_id, broker_order_id, status_raw, status_norm, asset_class, order_type,
			 created_at, last_broker_sync_at, seen_filled_qty, last_fill_seq, submitted_qty, symbol, side, user_id, strategy_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.IntentID, rec.BrokerOrderID, rec.StatusRaw, string(rec.StatusNorm),
		string(rec.AssetClass), string(rec.OrderType), rec.CreatedAt.UnixNano(), rec.LastBrokerSyncAt.UnixNano(),
		rec.SeenFilledQty.String(), rec.LastFillSeq, rec.SubmittedQty.String(),
		rec.IntentSnapshot.Symbol, string(rec.IntentSnapshot.Side), rec.IntentSnapshot.UserID, rec.IntentSnapshot.StrategyID,
	)
	if err != nil {
		return fmt.Errorf("insert execution order: %w", err)
	}
	return nil
}

// Get fetches a single record by its idempotency key.
func (s *Store) Get(ctx context.Context, tenantID, intentID string) (*core.ExecutionOrderRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT broker_order_id, status_raw, status_norm, asset_class, order_type,
		       created_at, last_broker_sync_at, seen_filled_qty, last_fill_seq, submitted_qty, symbol, side, user_id, strategy_id
		FROM execution_orders WHERE tenant_id = ? AND intent_id = ?`, tenantID, intentID)
	rec, err := scanRecord(row, tenantID, intentID)
	if err == sql.ErrNoRows {
		return nil, &core.NotFound{What: "execution order " + intentID}
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListOpen returns every non-terminal record for a tenant, used by the
// Recovery Loop's per-pass scan.
func (s *Store) ListOpen(ctx context.Context, tenantID string) ([]core.ExecutionOrderRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT broker_order_id, status_raw, status_norm, asset_class, order_type,
		       created_at, last_broker_sync_at, seen_filled_qty, last_fill_seq, submitted_qty, symbol, side, user_id, strategy_id, intent_id
		FROM execution_orders
		WHERE tenant_id = ? AND status_norm NOT IN ('FILLED', 'CANCELLED', 'REJECTED', 'EXPIRED')`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query open orders: %w", err)
	}
	defer rows.Close()

	var out []core.ExecutionOrderRecord
	for rows.Next() {
		rec, err := scanRecord(rows, tenantID, "")
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scannable, tenantID, intentID string) (*core.ExecutionOrderRecord, error) {
	var rec core.ExecutionOrderRecord
	var statusNorm, assetClass, orderType, side string
	var createdNano, syncNano int64
	var seenQty, submittedQty string

	cols := []interface{}{
		&rec.BrokerOrderID, &rec.StatusRaw, &statusNorm, &assetClass, &orderType,
		&createdNano, &syncNano, &seenQty, &rec.LastFillSeq, &submittedQty,
		&rec.IntentSnapshot.Symbol, &side, &rec.IntentSnapshot.UserID, &rec.IntentSnapshot.StrategyID,
	}
	// When scanning from ListOpen (intentID empty), intent_id is selected as
	// a trailing column. Get's query omits it since it's already known from
	// the lookup key.
	if intentID == "" {
		cols = append(cols, &rec.IntentID)
	}
	if err := row.Scan(cols...); err != nil {
		return nil, err
	}

	rec.TenantID = tenantID
	if intentID != "" {
		rec.IntentID = intentID
	}
	rec.StatusNorm = core.LifecycleState(statusNorm)
	rec.AssetClass = core.AssetClass(assetClass)
	rec.OrderType = core.OrderType(orderType)
	rec.CreatedAt = time.Unix(0, createdNano)
	rec.LastBrokerSyncAt = time.Unix(0, syncNano)
	rec.IntentSnapshot.Side = core.Side(side)
	rec.IntentSnapshot.AssetClass = rec.AssetClass
	rec.IntentSnapshot.OrderType = rec.OrderType

	var err error
	if rec.SeenFilledQty, err = decimal.NewFromString(seenQty); err != nil {
		return nil, fmt.Errorf("parse seen_filled_qty: %w", err)
	}
	if rec.SubmittedQty, err = decimal.NewFromString(submittedQty); err != nil {
		return nil, fmt.Errorf("parse submitted_qty: %w", err)
	}
	return &rec, nil
}

// UpdateSync applies the result of a get_order poll: the new status,
// last_broker_sync_at, cumulative seen-fill quantity, and the fill sequence
// counter used to derive the next fill's deterministic FillID. Callers are
// expected to have already validated the status transition through the
// Lifecycle Machine; a terminal status written here is final.
func (s *Store) UpdateSync(ctx context.Context, tenantID, intentID string, status core.LifecycleState, statusRaw string, seenFilledQty decimal.Decimal, lastFillSeq int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE execution_orders
		SET status_raw = ?, status_norm = ?, last_broker_sync_at = ?, seen_filled_qty = ?, last_fill_seq = ?
		WHERE tenant_id = ? AND intent_id = ?`,
		statusRaw, string(status), time.Now().UnixNano(), seenFilledQty.String(), lastFillSeq, tenantID, intentID)
	if err != nil {
		return fmt.Errorf("update execution order: %w", err)
	}
	return nil
}
