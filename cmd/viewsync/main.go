// Package main runs a goods receipt through the flush engine against the
// configured store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	// zstd scrape encoding
	_ "github.com/prometheus/client_golang/prometheus/promhttp/zstd"

	"viewsync/internal/config"
	"viewsync/internal/domain/receipt"
	"viewsync/internal/domain/receipt/numbering"
	"viewsync/internal/engine"
	"viewsync/internal/listener"
	"viewsync/pkg/logger"
	"viewsync/pkg/numerator"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Printf("invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithLogger(ctx, log)

	if err := run(ctx, cfg, log); err != nil {
		log.Errorw("viewsync failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	m, err := receipt.New()
	if err != nil {
		return fmt.Errorf("build receipt model: %w", err)
	}

	b, err := openBackend(ctx, cfg, m, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store, err)
	}
	defer b.close()

	listeners := listener.NewManager()
	numbering.New(numerator.New(b.seq)).Register(listeners, m)

	opts := []engine.Option{engine.WithLogger(log), engine.WithListeners(listeners)}
	if fo, ok := cfg.Engine.FlushOptions(); ok {
		opts = append(opts, engine.WithFlushOptions(fo))
	} else if cs, ok := b.pc.(engine.CollectionStatementer); ok {
		fo.CollectionStatements = cs.SupportsCollectionStatements()
		opts = append(opts, engine.WithFlushOptions(fo))
	}
	e, err := engine.New(m.Registry, b.pc, b.txm, opts...)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := runDemo(ctx, e, m, log); err != nil {
		return err
	}
	if cfg.MetricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, cfg.MetricsAddr, log)
}

// serveMetrics exposes Prometheus metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, addr string, log *logger.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down metrics server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
