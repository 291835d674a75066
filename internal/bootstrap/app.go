package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"execution-core/internal/config"
	"execution-core/internal/core"
	"execution-core/pkg/logging"

	"golang.org/x/sync/errgroup"
)

// App represents the application context and holds core dependencies.
type App struct {
	Cfg    *config.Config
	Logger core.ILogger
}

// NewApp creates a new App instance by bootstrapping configuration and logging.
// overlayPath is the optional YAML defaults overlay; it may be empty.
func NewApp(overlayPath string) (*App, error) {
	cfg, err := config.Load(overlayPath)
	if err != nil {
		return nil, &core.ConfigError{Field: "startup", Message: err.Error()}
	}

	logger, err := logging.NewZapLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(logger)

	return &App{
		Cfg:    cfg,
		Logger: logger,
	}, nil
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// Run orchestrates the application lifecycle, including signal handling.
func (a *App) Run(runners ...Runner) error {
	// Create a context that is canceled when a termination signal is received.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application")

	// Start all runners in the error group
	for _, runner := range runners {
		r := runner // capture loop variable
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	// Wait for all runners to finish or for a signal to be received
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			// The error was not caused by a signal (context cancellation)
			a.Logger.Error("application stopped with error", "error", err)
			return err
		}
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// Shutdown logs the cleanup request; it closes no resources itself.
func (a *App) Shutdown(timeout time.Duration) {
	a.Logger.Info("cleaning up resources", "timeout", timeout)

	// Create a timeout context for cleanup
	// _, cancel := context.WithTimeout(context.Background(), timeout)
	// defer cancel()

	// Perform cleanup:
	// a.DB.Close()
}
