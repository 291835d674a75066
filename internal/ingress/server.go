// Package ingress implements the Intent ingress: the HTTP shim that accepts
// a raw JSON OrderIntent and hands it to the Execution Engine. Per spec, no
// wire format is mandated for intent submission; this package defines the
// JSON shape used here.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"execution-core/internal/config"
	"execution-core/internal/core"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Executor is the subset of the Execution Engine the ingress shim needs.
type Executor interface {
	Execute(ctx context.Context, intent *core.OrderIntent) core.ExecutionResult
}

// Server is the Intent ingress HTTP surface. It satisfies bootstrap.Runner.
type Server struct {
	addr     string
	logger   core.ILogger
	executor Executor
	srv      *http.Server
}

// NewServer constructs the Intent ingress surface.
func NewServer(cfg *config.Config, logger core.ILogger, executor Executor) *Server {
	return &Server{
		addr:     cfg.IngressListenAddr,
		logger:   logger.WithField("component", "ingress_server"),
		executor: executor,
	}
}

// Run starts the ingress HTTP server and blocks until ctx is cancelled, then
// shuts it down gracefully. It implements bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/intents", s.handleSubmit)

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingress server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// intentRequest is the wire shape of a submitted intent. All quantity and
// price fields are decimal strings, never floats, matching the Broker
// Adapter's own wire contract.
type intentRequest struct {
	IntentID       string `json:"intent_id"`
	StrategyID     string `json:"strategy_id"`
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	Symbol         string `json:"symbol"`
	Side           string `json:"side"`
	Qty            string `json:"qty"`
	OrderType      string `json:"order_type"`
	TimeInForce    string `json:"time_in_force"`
	AssetClass     string `json:"asset_class"`
	LimitPrice     string `json:"limit_price,omitempty"`
	ConfirmToken   string `json:"confirm_token,omitempty"`
	MaxSlippagePct string `json:"max_slippage_pct,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	reqID := uuid.New().String()
	w.Header().Set("X-Request-Id", reqID)

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	intent, err := req.toOrderIntent()
	if err != nil {
		s.logger.Warn("intent ingress rejected malformed intent", "request_id", reqID, "error", err.Error())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.Info("intent received", "request_id", reqID, "tenant_id", intent.TenantID, "intent_id", intent.IntentID)

	result := s.executor.Execute(r.Context(), intent)

	w.Header().Set("Content-Type", "application/json")
	switch result.Status {
	case core.ExecBlocked:
		w.WriteHeader(http.StatusForbidden)
	case core.ExecRejected:
		w.WriteHeader(http.StatusUnprocessableEntity)
	case core.ExecError:
		w.WriteHeader(http.StatusBadGateway)
	default:
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(result)
}

// toOrderIntent validates the required fields (empty tenant_id/user_id/
// intent_id is a caller bug rejected here, not a panic deeper in the Engine)
// and parses every decimal field.
func (req intentRequest) toOrderIntent() (*core.OrderIntent, error) {
	for field, v := range map[string]string{
		"intent_id": req.IntentID, "tenant_id": req.TenantID, "user_id": req.UserID,
		"symbol": req.Symbol, "side": req.Side, "qty": req.Qty,
		"order_type": req.OrderType, "asset_class": req.AssetClass,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s is required", field)
		}
	}

	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		return nil, fmt.Errorf("qty: %w", err)
	}
	if !qty.IsPositive() {
		return nil, fmt.Errorf("qty must be > 0")
	}

	orderType := core.OrderType(strings.ToUpper(req.OrderType))
	var limitPrice decimal.Decimal
	if orderType.IsLimitLike() {
		if req.LimitPrice == "" {
			return nil, fmt.Errorf("limit_price is required for order_type %s", req.OrderType)
		}
		limitPrice, err = decimal.NewFromString(req.LimitPrice)
		if err != nil {
			return nil, fmt.Errorf("limit_price: %w", err)
		}
	}

	tif := core.TimeInForce(strings.ToUpper(req.TimeInForce))
	if tif == "" {
		tif = core.TIFDay
	}

	metadata := make(map[string]any)
	if req.ConfirmToken != "" {
		metadata["confirm_token"] = req.ConfirmToken
	}
	if req.MaxSlippagePct != "" {
		metadata["max_slippage_pct"] = req.MaxSlippagePct
	}

	return &core.OrderIntent{
		IntentID:    req.IntentID,
		StrategyID:  req.StrategyID,
		TenantID:    req.TenantID,
		UserID:      req.UserID,
		Symbol:      req.Symbol,
		Side:        core.Side(strings.ToUpper(req.Side)),
		Qty:         qty,
		OrderType:   orderType,
		TimeInForce: tif,
		AssetClass:  core.AssetClass(strings.ToUpper(req.AssetClass)),
		LimitPrice:  limitPrice,
		Metadata:    metadata,
	}, nil
}
