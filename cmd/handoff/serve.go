package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antoniostano/handoff/internal/app"
	"github.com/antoniostano/handoff/internal/observability"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the distribution loop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat, stderrOr(cmd.ErrOrStderr()))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := app.Build(ctx, cfg, app.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() {
				if err := res.Cleanup(); err != nil {
					logger.Error("cleanup failed", "error", err)
				}
			}()

			if err := res.StartBackground(ctx); err != nil {
				return err
			}

			httpServer := &http.Server{
				Addr:    cfg.BindAddr,
				Handler: res.API.Router(),
			}
			serveErr := make(chan error, 1)
			go func() {
				logger.Info("server listening", "addr", cfg.BindAddr, "store_mode", res.Service.StoreMode())
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutdown signal received")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			if res.Loop != nil {
				res.Loop.Stop()
			}
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", "error", err)
				_ = httpServer.Close()
			}
			logger.Info("shutdown complete")
			return nil
		},
	}
}
