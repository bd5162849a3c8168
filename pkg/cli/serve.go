package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"github.com/dan-solli/evna/pkg/metrics"
	"github.com/dan-solli/evna/pkg/server"
)

func cmdServe(e *env) *cli.Command {
	var addr string

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the HTTP server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "HTTP server address",
				Value:       ":8080",
				Sources:     cli.EnvVars("EVNA_ADDR"),
				Destination: &addr,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			engine, err := e.openEngine(ctx)
			if err != nil {
				return err
			}
			defer e.closeEngine(engine)

			collector := metrics.NewCollector()
			engine.SetMetrics(collector)

			handler := server.New(engine,
				server.WithMetrics(promhttp.HandlerFor(collector.Registry(), promhttp.HandlerOpts{})),
				server.WithLogger(e.logger),
			)

			srv := &http.Server{
				Addr:              addr,
				Handler:           handler,
				ReadHeaderTimeout: 30 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			errCh := make(chan error, 1)
			go func() {
				e.logger.Info("Starting HTTP server", "addr", addr, "reranker", engine.HasReranker())
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- goerr.Wrap(err, "failed to start server", goerr.V("addr", addr))
				}
			}()

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				e.logger.Info("Received shutdown signal", "signal", sig)
			case <-ctx.Done():
				e.logger.Info("Context cancelled, shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return goerr.Wrap(err, "failed to shutdown server gracefully")
			}
			e.logger.Info("Server shutdown completed")
			return nil
		},
	}
}
