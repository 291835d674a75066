// Package broker implements the uniform Broker Adapter contract over a
// single paper or live HTTP broker endpoint: place, cancel, get_order, and
// get_quote, with rate limiting, retries, and a circuit breaker shared
// across every caller of the same connection.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"execution-core/internal/core"
	apphttp "execution-core/pkg/http"

	apperrors "execution-core/pkg/errors"
	"execution-core/pkg/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// statusTable maps every vendor status string this adapter has seen onto the
// core's normalized BrokerStatus set. Unseen strings normalize to
// core.BrokerUnknown, never assumed terminal.
var statusTable = map[string]core.BrokerStatus{
	"new":              core.BrokerNew,
	"pending_new":      core.BrokerNew,
	"accepted":         core.BrokerAccepted,
	"open":             core.BrokerAccepted,
	"partially_filled": core.BrokerPartiallyFilled,
	"filled":           core.BrokerFilled,
	"canceled":         core.BrokerCancelled,
	"cancelled":        core.BrokerCancelled,
	"rejected":         core.BrokerRejectedStatus,
	"expired":          core.BrokerExpired,
}

func normalizeStatus(raw string) core.BrokerStatus {
	if s, ok := statusTable[strings.ToLower(raw)]; ok {
		return s
	}
	return core.BrokerUnknown
}

// Adapter is the HTTP-backed BrokerAdapter implementation. It satisfies
// core.BrokerAdapter.
type Adapter struct {
	client      *apphttp.Client
	urlClass    string
	logger      core.ILogger
	rateLimiter *rate.Limiter

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration

	mu              sync.Mutex
	errorTimestamps []time.Time
	errorIndex      int
	errorCapacity   int
}

// Config bundles what the adapter needs beyond the HTTP client itself.
type Config struct {
	BaseURL  string
	URLClass string
	APIKey   string
	Timeout  time.Duration
}

// New constructs a Broker Adapter against a single base URL. The rate
// limiter (25 req/s, burst 30) and retry/backoff shape mirror the order
// executor this adapter's resilience is grounded on; the HTTP transport's
// failsafe-go retry policy and circuit breaker live one layer below, inside
// apphttp.Client.
func New(cfg Config, logger core.ILogger) *Adapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	var signer apphttp.Signer
	if cfg.APIKey != "" {
		signer = apiKeySigner{apiKey: cfg.APIKey}
	}
	return &Adapter{
		client:          apphttp.NewClient(cfg.BaseURL, timeout, signer),
		urlClass:        cfg.URLClass,
		logger:          logger.WithField("component", "broker_adapter"),
		rateLimiter:     rate.NewLimiter(rate.Limit(25), 30),
		maxRetries:      5,
		baseDelay:       500 * time.Millisecond,
		maxDelay:        10 * time.Second,
		errorCapacity:   1000,
		errorTimestamps: make([]time.Time, 0, 1000),
	}
}

// URLClass reports "paper" or "live", matching the configured broker
// connection.
func (a *Adapter) URLClass() string {
	return a.urlClass
}

// CircuitOpen reports whether the underlying HTTP transport's circuit
// breaker has tripped on a run of broker failures.
func (a *Adapter) CircuitOpen() bool {
	return a.client.CircuitOpen()
}

type placeRequestBody struct {
	ClientOrderID string `json:"client_order_id"`
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Qty           string `json:"qty"`
	OrderType     string `json:"order_type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
}

type placeResponseBody struct {
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// Place submits a new order. Transport errors and 5xx/429 responses are
// classified as core.BrokerUnavailable (retryable by the caller); a 4xx
// vendor rejection is core.BrokerRejected (terminal for this intent).
func (a *Adapter) Place(ctx context.Context, intent *core.OrderIntent) (core.PlaceResult, error) {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return core.PlaceResult{}, &core.BrokerUnavailable{Cause: err}
	}

	body := placeRequestBody{
		ClientOrderID: intent.IntentID,
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Qty:           intent.Qty.String(),
		OrderType:     string(intent.OrderType),
		TimeInForce:   string(intent.TimeInForce),
	}
	if intent.OrderType.IsLimitLike() {
		body.LimitPrice = intent.LimitPrice.String()
	}

	respBody, err := a.doWithRetry(ctx, func() ([]byte, error) {
		return a.client.Post(ctx, "/v1/orders", body)
	})
	if err != nil {
		return core.PlaceResult{}, err
	}

	var resp placeResponseBody
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.PlaceResult{}, &core.BrokerUnavailable{Cause: fmt.Errorf("decode place response: %w", err)}
	}

	return core.PlaceResult{
		BrokerOrderID: resp.OrderID,
		StatusRaw:     resp.Status,
		StatusNorm:    normalizeStatus(resp.Status),
	}, nil
}

// Cancel cancels an order. A broker-side "not found" is treated as a
// successful idempotent cancel per the core's error taxonomy.
func (a *Adapter) Cancel(ctx context.Context, brokerOrderID string) error {
	if err := a.rateLimiter.Wait(ctx); err != nil {
		return &core.BrokerUnavailable{Cause: err}
	}

	_, err := a.doWithRetry(ctx, func() ([]byte, error) {
		return a.client.Delete(ctx, "/v1/orders/"+brokerOrderID, nil)
	})
	if err == nil {
		return nil
	}

	var apiErr *apphttp.APIError
	if isAPIError(err, &apiErr) && apiErr.StatusCode == 404 {
		return &core.NotFound{What: "order " + brokerOrderID}
	}
	return err
}

type orderResponseBody struct {
	Status              string  `json:"status"`
	FilledQtyCumulative string  `json:"filled_qty_cumulative"`
	AvgPrice            string  `json:"avg_price"`
	Fills               []struct {
		FillSeq int64  `json:"fill_seq"`
		Qty     string `json:"qty"`
		Price   string `json:"price"`
	} `json:"fills"`
}

// GetOrder polls the current broker-side state of a previously placed order.
func (a *Adapter) GetOrder(ctx context.Context, brokerOrderID string) (core.OrderSnapshot, error) {
	respBody, err := a.doWithRetry(ctx, func() ([]byte, error) {
		return a.client.Get(ctx, "/v1/orders/"+brokerOrderID, nil)
	})
	if err != nil {
		var apiErr *apphttp.APIError
		if isAPIError(err, &apiErr) && apiErr.StatusCode == 404 {
			return core.OrderSnapshot{}, &core.NotFound{What: "order " + brokerOrderID}
		}
		return core.OrderSnapshot{}, err
	}

	var resp orderResponseBody
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.OrderSnapshot{}, &core.BrokerUnavailable{Cause: fmt.Errorf("decode order response: %w", err)}
	}

	snapshot := core.OrderSnapshot{
		StatusRaw:  resp.Status,
		StatusNorm: normalizeStatus(resp.Status),
	}
	if snapshot.FilledQtyCumulative, err = decimal.NewFromString(zeroIfEmpty(resp.FilledQtyCumulative)); err != nil {
		return core.OrderSnapshot{}, fmt.Errorf("parse filled qty: %w", err)
	}
	if snapshot.AvgPrice, err = decimal.NewFromString(zeroIfEmpty(resp.AvgPrice)); err != nil {
		return core.OrderSnapshot{}, fmt.Errorf("parse avg price: %w", err)
	}
	for _, f := range resp.Fills {
		qty, err := decimal.NewFromString(f.Qty)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(f.Price)
		if err != nil {
			continue
		}
		snapshot.Fills = append(snapshot.Fills, core.BrokerFill{FillSeq: f.FillSeq, Qty: qty, Price: price})
	}
	return snapshot, nil
}

type quoteResponseBody struct {
	Bid string `json:"bid"`
	Ask string `json:"ask"`
}

// GetQuote fetches the current bid/ask for a symbol, used by the Engine's
// smart-routing cost gate.
func (a *Adapter) GetQuote(ctx context.Context, symbol string) (core.Quote, error) {
	respBody, err := a.doWithRetry(ctx, func() ([]byte, error) {
		return a.client.Get(ctx, "/v1/quotes/"+symbol, nil)
	})
	if err != nil {
		return core.Quote{}, err
	}

	var resp quoteResponseBody
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.Quote{}, &core.BrokerUnavailable{Cause: fmt.Errorf("decode quote response: %w", err)}
	}

	bid, err := decimal.NewFromString(resp.Bid)
	if err != nil {
		return core.Quote{}, fmt.Errorf("parse bid: %w", err)
	}
	ask, err := decimal.NewFromString(resp.Ask)
	if err != nil {
		return core.Quote{}, fmt.Errorf("parse ask: %w", err)
	}
	return core.Quote{Symbol: symbol, Bid: bid, Ask: ask, TS: time.Now()}, nil
}

// doWithRetry wraps a single HTTP call with the adapter's retry/backoff
// policy (pkg/retry) on top of the transport's own failsafe-go pipeline,
// classifying network/5xx/429 failures as core.BrokerUnavailable (transient,
// retried) and any other 4xx vendor rejection as core.BrokerRejected
// (terminal, never retried). A 404 is never retried and is returned as the
// transport's *apphttp.APIError, so Cancel and GetOrder can map it to
// core.NotFound.
func (a *Adapter) doWithRetry(ctx context.Context, call func() ([]byte, error)) ([]byte, error) {
	var result []byte
	var notFound *apphttp.APIError
	policy := retry.RetryPolicy{MaxAttempts: a.maxRetries + 1, InitialBackoff: a.baseDelay, MaxBackoff: a.maxDelay}

	err := retry.Do(ctx, policy, isTransientBrokerError, func() error {
		body, callErr := call()
		if callErr == nil {
			result = body
			return nil
		}
		a.recordError()

		var apiErr *apphttp.APIError
		if isAPIError(callErr, &apiErr) && apiErr.StatusCode == 404 {
			notFound = apiErr
			return nil
		}
		if isAPIError(callErr, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
			return &core.BrokerRejected{Code: fmt.Sprintf("%d: %s", apiErr.StatusCode, classifyVendorError(string(apiErr.Body)))}
		}
		return callErr
	})
	if err == nil {
		if notFound != nil {
			return nil, notFound
		}
		return result, nil
	}

	var rejected *core.BrokerRejected
	if isRejectedErr(err, &rejected) {
		return nil, rejected
	}
	return nil, &core.BrokerUnavailable{Cause: err}
}

// isTransientBrokerError reports whether pkg/retry should attempt another
// call. Only a terminal vendor rejection stops the retry loop early.
func isTransientBrokerError(err error) bool {
	var rejected *core.BrokerRejected
	return !isRejectedErr(err, &rejected)
}

func isRejectedErr(err error, target **core.BrokerRejected) bool {
	r, ok := err.(*core.BrokerRejected)
	if ok {
		*target = r
	}
	return ok
}

func (a *Adapter) recordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.errorTimestamps) < a.errorCapacity {
		a.errorTimestamps = append(a.errorTimestamps, time.Now())
	} else {
		a.errorTimestamps[a.errorIndex] = time.Now()
		a.errorIndex = (a.errorIndex + 1) % a.errorCapacity
	}
}

// RecentErrorCount reports how many calls have failed within the given
// window, feeding IHealthMonitor checks on this connection.
func (a *Adapter) RecentErrorCount(window time.Duration) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := time.Now().Add(-window)
	count := 0
	for _, t := range a.errorTimestamps {
		if t.After(cutoff) {
			count++
		}
	}
	return count
}

// classifyVendorError matches a vendor error body against the known
// sentinel classes for logging; it never changes control flow.
func classifyVendorError(body string) string {
	for _, sentinel := range []error{
		apperrors.ErrInsufficientFunds, apperrors.ErrOrderRejected, apperrors.ErrInvalidSymbol,
		apperrors.ErrDuplicateOrder, apperrors.ErrInvalidOrderParameter,
	} {
		if strings.Contains(strings.ToLower(body), strings.ToLower(sentinel.Error())) {
			return sentinel.Error()
		}
	}
	return body
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func isAPIError(err error, target **apphttp.APIError) bool {
	apiErr, ok := err.(*apphttp.APIError)
	if ok {
		*target = apiErr
	}
	return ok
}
