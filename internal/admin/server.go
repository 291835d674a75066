// Package admin exposes the process's control surface: liveness, the Safety
// Gate snapshot, Prometheus metrics, and the admin-key-gated recovery
// trigger.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/internal/safety"
	"execution-core/internal/tracker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recoverer runs a single, synchronous Recovery Loop pass on demand.
// Implemented by internal/tracker.Loop.
type Recoverer interface {
	RunRecoveryPass(ctx context.Context, tenantID string) (tracker.RecoveryResult, error)
}

// Server is the admin HTTP surface.
type Server struct {
	addr      string
	logger    core.ILogger
	gate      *safety.Gate
	recoverer Recoverer
	hm        core.IHealthMonitor
	auth      *apiKeyValidator
	srv       *http.Server
}

// NewServer constructs the admin surface. recoverer and hm may be nil; health
// then reports liveness only and /orders/recover is unavailable.
func NewServer(cfg *config.Config, logger core.ILogger, gate *safety.Gate, recoverer Recoverer, hm core.IHealthMonitor) *Server {
	return &Server{
		addr:      cfg.AdminListenAddr,
		logger:    logger.WithField("component", "admin_server"),
		gate:      gate,
		recoverer: recoverer,
		hm:        hm,
		auth:      newAPIKeyValidator(string(cfg.AdminKey), DefaultAdminRateLimit, logger),
	}
}

// Run starts the admin HTTP server and blocks until ctx is cancelled, then
// shuts it down gracefully. It implements bootstrap.Runner.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/orders/recover", s.auth.middleware(s.handleRecover))
	mux.Handle("/metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin server listening", "addr", s.addr)
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
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.hm != nil && !s.hm.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
		return
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.gate.Snapshot())
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.recoverer == nil {
		http.Error(w, "recovery loop not configured", http.StatusServiceUnavailable)
		return
	}

	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "tenant_id is required", http.StatusBadRequest)
		return
	}

	result, err := s.recoverer.RunRecoveryPass(r.Context(), tenantID)
	if err != nil {
		s.logger.Error("recovery pass failed", "tenant_id", tenantID, "error", err.Error())
		http.Error(w, "recovery pass failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}
