package ledger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"execution-core/internal/core"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLogger struct{}

func (testLogger) Debug(msg string, fields ...interface{})                {}
func (testLogger) Info(msg string, fields ...interface{})                 {}
func (testLogger) Warn(msg string, fields ...interface{})                 {}
func (testLogger) Error(msg string, fields ...interface{})                {}
func (testLogger) Fatal(msg string, fields ...interface{})                {}
func (n testLogger) WithField(key string, value interface{}) core.ILogger { return n }
func (n testLogger) WithFields(fields map[string]interface{}) core.ILogger { return n }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	store, err := Open(path, testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleFill(tenantID, brokerOrderID string, fillSeq int64, qty decimal.Decimal) core.FillEvent {
	return core.FillEvent{
		FillID:        core.DeriveFillID(brokerOrderID, fillSeq),
		BrokerOrderID: brokerOrderID,
		TenantID:      tenantID,
		UserID:        "user-1",
		IntentID:      "intent-1",
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Qty:           qty,
		Price:         decimal.NewFromFloat(150.03),
		Timestamp:     time.Now(),
		AssetClass:    core.AssetEquity,
		FillSeq:       fillSeq,
	}
}

func TestStore_AppendIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fill := sampleFill("tenant-a", "bro-1", 1, decimal.NewFromInt(10))
	require.NoError(t, store.Append(ctx, fill))

	err := store.Append(ctx, fill)
	var conflict *core.LedgerConflict
	assert.ErrorAs(t, err, &conflict)

	fills, err := store.StreamByOrder(ctx, "tenant-a", "bro-1")
	require.NoError(t, err)
	require.Len(t, fills, 1, "a repeat append of the same fill_id must leave the Ledger unchanged")
	assert.True(t, fills[0].Qty.Equal(decimal.NewFromInt(10)))
}

func TestStore_StreamByOrderReturnsMonotonicFillSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-1", 2, decimal.NewFromInt(3))))
	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-1", 1, decimal.NewFromInt(2))))

	fills, err := store.StreamByOrder(ctx, "tenant-a", "bro-1")
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, int64(1), fills[0].FillSeq)
	assert.Equal(t, int64(2), fills[1].FillSeq)
}

func TestStore_SumQty(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-1", 1, decimal.NewFromInt(2))))
	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-1", 2, decimal.NewFromInt(3))))
	// A fill on a different broker order must never be counted.
	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-2", 1, decimal.NewFromInt(100))))

	total, err := store.SumQty(ctx, "tenant-a", "bro-1")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(5)), "expected 5, got %s", total.String())
}

func TestStore_SumQtyIsTenantScoped(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, sampleFill("tenant-a", "bro-1", 1, decimal.NewFromInt(10))))

	total, err := store.SumQty(ctx, "tenant-b", "bro-1")
	require.NoError(t, err)
	assert.True(t, total.IsZero())
}

func TestStore_AppendMirrorsToPortfolioHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fill := sampleFill("tenant-a", "bro-1", 1, decimal.NewFromInt(10))
	require.NoError(t, store.Append(ctx, fill))

	require.Eventually(t, func() bool {
		var count int
		row := store.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM portfolio_history WHERE user_id = ? AND fill_id = ?`, fill.UserID, fill.FillID)
		_ = row.Scan(&count)
		return count == 1
	}, time.Second, 10*time.Millisecond, "best-effort mirror write should land in portfolio_history")
}
