package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/quantfolio/quantfolio/internal/httpapi"
)

func newServeCmd() *cobra.Command {
	var flagListen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the batch trigger/status HTTP API",
		Long: `Starts the HTTP server with POST /api/v1/batch/run,
GET /api/v1/batch/status/{portfolio}, /health, and /metrics.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			listen := a.cfg.HTTP.Listen
			if flagListen != "" {
				listen = flagListen
			}

			server := httpapi.NewServer(listen, a.orch, a.tracker, a.repos, a.metrics)

			errCh := make(chan error, 1)
			go func() { errCh <- server.ListenAndServe() }()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				log.Info().Str("signal", sig.String()).Msg("Shutting down")
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return server.Shutdown(ctx)
			}
		},
	}

	cmd.Flags().StringVar(&flagListen, "listen", "", "Bind address (overrides config)")

	return cmd
}
