package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"execution-core/internal/core"

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

func newTestAdapter(t *testing.T, handler http.HandlerFunc) (*Adapter, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	a := New(Config{BaseURL: srv.URL, URLClass: "paper", Timeout: 2 * time.Second}, nullLogger{})
	a.maxRetries = 1
	a.baseDelay = time.Millisecond
	a.maxDelay = 5 * time.Millisecond
	return a, srv
}

func TestAdapter_Place_Success(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/orders", r.URL.Path)
		var body placeRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "intent-1", body.ClientOrderID)
		assert.Equal(t, "1.5", body.LimitPrice)

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(placeResponseBody{OrderID: "bro-1", Status: "accepted"})
	})
	defer srv.Close()

	intent := &core.OrderIntent{
		IntentID:  "intent-1",
		Symbol:    "AAPL",
		Side:      core.SideBuy,
		Qty:       decimal.NewFromInt(10),
		OrderType: core.OrderTypeLimit,
		LimitPrice: decimal.NewFromFloat(1.5),
	}
	result, err := a.Place(context.Background(), intent)
	require.NoError(t, err)
	assert.Equal(t, "bro-1", result.BrokerOrderID)
	assert.Equal(t, core.BrokerAccepted, result.StatusNorm)
}

func TestAdapter_Place_VendorRejection(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"insufficient funds for order"}`))
	})
	defer srv.Close()

	intent := &core.OrderIntent{IntentID: "intent-2", Symbol: "AAPL", Side: core.SideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeMarket}
	_, err := a.Place(context.Background(), intent)
	require.Error(t, err)
	var rejected *core.BrokerRejected
	assert.ErrorAs(t, err, &rejected)
}

func TestAdapter_Place_ServerErrorRetriesThenUnavailable(t *testing.T) {
	calls := 0
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	intent := &core.OrderIntent{IntentID: "intent-3", Symbol: "AAPL", Side: core.SideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeMarket}
	_, err := a.Place(context.Background(), intent)
	require.Error(t, err)
	var unavailable *core.BrokerUnavailable
	assert.ErrorAs(t, err, &unavailable)
	assert.GreaterOrEqual(t, calls, 2)
}

func TestAdapter_Cancel_NotFoundIsIdempotent(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	err := a.Cancel(context.Background(), "bro-404")
	var notFound *core.NotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestAdapter_Cancel_Success(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	defer srv.Close()

	err := a.Cancel(context.Background(), "bro-1")
	assert.NoError(t, err)
}

func TestAdapter_GetOrder_ParsesFills(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/orders/bro-1", r.URL.Path)
		resp := orderResponseBody{
			Status:              "partially_filled",
			FilledQtyCumulative: "5",
			AvgPrice:            "10.25",
		}
		resp.Fills = []struct {
			FillSeq int64  `json:"fill_seq"`
			Qty     string `json:"qty"`
			Price   string `json:"price"`
		}{{FillSeq: 1, Qty: "5", Price: "10.25"}}
		_ = json.NewEncoder(w).Encode(resp)
	})
	defer srv.Close()

	snap, err := a.GetOrder(context.Background(), "bro-1")
	require.NoError(t, err)
	assert.Equal(t, core.BrokerPartiallyFilled, snap.StatusNorm)
	assert.True(t, snap.FilledQtyCumulative.Equal(decimal.NewFromInt(5)))
	require.Len(t, snap.Fills, 1)
	assert.Equal(t, int64(1), snap.Fills[0].FillSeq)
}

func TestAdapter_GetOrder_NotFound(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	defer srv.Close()

	_, err := a.GetOrder(context.Background(), "missing")
	var notFound *core.NotFound
	assert.ErrorAs(t, err, &notFound)
}

func TestAdapter_GetQuote(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/quotes/AAPL", r.URL.Path)
		_ = json.NewEncoder(w).Encode(quoteResponseBody{Bid: "99.9", Ask: "100.1"})
	})
	defer srv.Close()

	q, err := a.GetQuote(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.True(t, q.Bid.Equal(decimal.NewFromFloat(99.9)))
	assert.True(t, q.Ask.Equal(decimal.NewFromFloat(100.1)))
}

func TestAdapter_RecentErrorCount(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	defer srv.Close()

	intent := &core.OrderIntent{IntentID: "intent-err", Symbol: "AAPL", Side: core.SideBuy, Qty: decimal.NewFromInt(1), OrderType: core.OrderTypeMarket}
	_, _ = a.Place(context.Background(), intent)
	assert.Greater(t, a.RecentErrorCount(time.Minute), 0)
}

func TestAdapter_URLClass(t *testing.T) {
	a, srv := newTestAdapter(t, func(w http.ResponseWriter, r *http.Request) {})
	defer srv.Close()
	assert.Equal(t, "paper", a.URLClass())
}
