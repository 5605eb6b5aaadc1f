package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/inboxsync/internal/httpapi"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local control API for triggering runs and reading stats",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			p, err := a.processor()
			if err != nil {
				return err
			}
			r, err := a.reverser()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			handler := httpapi.NewServer(p, r, a.store, a.ledger, httpapi.ServerConfig{
				RateLimitPerMinute: a.cfg.Serve.RateLimitPerMinute,
				RunTimeout:         a.cfg.Sync.RunTimeout,
				Logger:             a.logger.With("component", "httpapi"),
			})
			return serveUntilDone(cmd.Context(), a, addr, handler)
		}),
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default serve.addr)")
	return cmd
}

func serveUntilDone(ctx context.Context, a *app, addr string, handler http.Handler) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("inboxsync listening", "addr", addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.logger.Info("inboxsync shutting down")
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
