// Command sysrepo-shmd runs the shared-memory configuration datastore
// daemon: it opens (or creates) the main and extension regions, wires
// the registry/connection/lock/session/request-pool machinery, serves
// Prometheus metrics, and periodically sweeps for dead connections.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dineshreddyk/sysrepo-go/internal/engine"
)

const sweepInterval = 30 * time.Second

func main() {
	eng, err := engine.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize engine: %v\n", err)
		os.Exit(1)
	}
	defer eng.Logger.Sync() // nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng.Start()

	httpErrCh := make(chan error, 1)
	if eng.Config.Metrics.Enabled {
		go func() {
			httpErrCh <- runMetricsServer(ctx, eng)
		}()
	}

	selfPID := uint32(os.Getpid())
	go sweepLoop(ctx, eng, selfPID)

	select {
	case <-ctx.Done():
		eng.Logger.Info("shutdown signal received")
	case err := <-httpErrCh:
		if err != nil {
			eng.Logger.Error("metrics server error", zap.Error(err))
		}
		stop()
	}

	if err := eng.Close(); err != nil {
		eng.Logger.Error("engine close error", zap.Error(err))
	}
	eng.Logger.Info("engine stopped")
}

func sweepLoop(ctx context.Context, eng *engine.Engine, selfPID uint32) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := eng.RunLivenessSweep(ctx, selfPID); err != nil {
				eng.Logger.Warn("liveness sweep failed", zap.Error(err))
			}
		}
	}
}

func runMetricsServer(ctx context.Context, eng *engine.Engine) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"healthy","modules":%d}`, eng.Registry.ModuleCount())
	})
	mux.Handle(eng.Config.Metrics.Endpoint, promhttp.HandlerFor(eng.MetricsRegistry(), promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         eng.Config.Metrics.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		eng.Logger.Info("metrics http server starting", zap.String("addr", eng.Config.Metrics.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			eng.Logger.Warn("metrics http server shutdown error", zap.Error(err))
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
