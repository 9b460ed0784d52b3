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

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/esdandreu/gcal2clickup/pkg/server"
	"github.com/esdandreu/gcal2clickup/pkg/watcher"
)

const shutdownTimeout = 10 * time.Second

var flagNoWatch bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Receive webhooks and run scheduled maintenance",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&flagNoWatch, "no-watch", false, "do not reload the config file on change")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.source.Current()

	if err := a.engine.EnsureSubscriptions(ctx); err != nil {
		a.logger.Error("opening calendar subscriptions failed", "error", err)
	}

	if !flagNoWatch {
		w, err := watcher.New(a.path, func() {
			_ = watcher.Reload(ctx, a.path, a.source, a.engine, a.logger)
		})
		if err != nil {
			return fmt.Errorf("watching config: %w", err)
		}
		defer w.Close()
		go w.Run(ctx, func(err error) { a.logger.Warn("config watcher error", "error", err) })
	}

	go maintainLoop(ctx, a, cfg.PollInterval)

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.NewServer(a.engine, server.WithLogger(a.logger.With("component", "http"))).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", cfg.Listen, "public_url", cfg.PublicURL)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// maintainLoop runs a maintenance pass right away and then every interval.
func maintainLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.engine.Maintain(ctx); err != nil {
			a.logger.Error("maintenance pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
