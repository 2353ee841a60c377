// Package bootstrap assembles the process skeleton shared by fleet
// binaries: configuration, logging, telemetry, output directories and a
// signal-aware runner group.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/pkg/logging"
	"taskfleet/pkg/telemetry"
)

// outDirs receive order dumps, task dumps and captured worker logs. They
// are created before any node runs so dump writes never race directory
// creation.
var outDirs = []string{"out", "out/orders", "out/tasks", "out/logs"}

// App holds the process-wide dependencies built once at startup.
type App struct {
	Store  *config.Store
	Logger core.ILogger

	zap       *logging.ZapLogger
	telemetry *telemetry.Telemetry
}

// NewApp loads the configuration folder, wires the OTel providers and
// builds the logger at the configured level. Telemetry comes first so the
// zap OTel bridge attaches to the real provider instead of the no-op one.
func NewApp(configFolder string) (*App, error) {
	store, err := config.NewStore(configFolder)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	tele, err := telemetry.Setup("taskfleet")
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	zapLogger, err := logging.NewZapLogger(store.Base().LogLevel)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	logging.SetGlobalLogger(zapLogger)

	if err := config.CreateDirs(outDirs...); err != nil {
		return nil, err
	}

	return &App{
		Store:     store,
		Logger:    zapLogger,
		zap:       zapLogger,
		telemetry: tele,
	}, nil
}

// Runner is a long-running component the app supervises.
type Runner interface {
	Run(ctx context.Context) error
}

// Run executes every runner until the first of them returns or a
// termination signal arrives, then stops the rest and waits. The first
// exit stops everything: a fleet that finished its work takes the
// dashboard down with it, and a listener that cannot bind stops the fleet
// before it places orders.
func (a *App) Run(runners ...Runner) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			defer cancel()
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Fleet stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Fleet shut down")
	return nil
}

// Close flushes telemetry and buffered log entries. Call it after Run on
// the way out of main.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	_ = a.zap.Sync()
}
