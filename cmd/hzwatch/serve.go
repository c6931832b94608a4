package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dgnsrekt/hzwatch/internal/devserver"
	"github.com/dgnsrekt/hzwatch/internal/metrics"
)

func serveCmd() *cobra.Command {
	var addr, seedDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run an in-memory realtime collection server for development",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.DevServer.Addr = addr
			}
			if seedDir != "" {
				cfg.DevServer.SeedDir = seedDir
			}
			return runServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&seedDir, "seed-dir", "", "directory of <collection>.jsonl seed files (overrides config)")
	return cmd
}

func runServe(ctx context.Context) error {
	tables := devserver.NewTables(logger.Named("tables"))

	start := time.Now()
	files, err := cfg.DevServer.SeedFiles()
	if err != nil {
		return err
	}
	if err := tables.Load(files); err != nil {
		logger.Error("failed to load seed data", zap.Error(err))
		return err
	}
	logger.Info("seed data loaded",
		zap.Int("collections", len(files)),
		zap.Duration("duration", time.Since(start)),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	srv := devserver.New(tables, metrics.NewServer(reg), logger.Named("devserver"))
	if cfg.DevServer.SeedDir != "" {
		srv.EnableReload(devserver.NewReloadManager(tables, cfg.DevServer.SeedFiles, logger.Named("reload")))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go srv.Run(runCtx)

	httpServer := &http.Server{
		Addr:              cfg.DevServer.Addr,
		Handler:           devserver.NewRouter(srv, reg, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server",
			zap.String("addr", httpServer.Addr),
			zap.String("endpoint", devserver.Path),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return err
	}

	logger.Info("shutting down server...")

	// Cancel context to stop WebSocket clients
	cancel()

	// Graceful HTTP server shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server stopped")
	return nil
}
