package main

import (
	"context"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/deploypipe/internal/api"
	"github.com/animus-labs/deploypipe/internal/platform/env"
	"github.com/animus-labs/deploypipe/internal/platform/httpserver"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var embedWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline API and provider webhooks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := opts.logger()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			svc, err := a.service()
			if err != nil {
				return err
			}
			httpCfg, err := httpserver.ConfigFromEnv(serviceName)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("worker") {
				if embedWorker, err = env.Bool("serve.embedded_worker", false); err != nil {
					return err
				}
			}
			if a.inProcess && !embedWorker {
				logger.Info("memory queue selected; running the worker pool in-process")
				embedWorker = true
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
			mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, a.checks...))
			mux.Handle("/metrics", a.metrics.Handler())
			api.New(logger, svc, api.WebhookConfigFromEnv()).Register(mux)

			var wg sync.WaitGroup
			if embedWorker {
				if err := startWorkers(ctx, &wg, a); err != nil {
					return err
				}
			}

			err = httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, serviceName, mux))
			stop()
			wg.Wait()
			return err
		},
	}
	cmd.Flags().BoolVar(&embedWorker, "worker", false, "also run the worker pool and reaper in this process")
	return cmd
}

// startWorkers runs the pool and the reaper until ctx is done.
func startWorkers(ctx context.Context, wg *sync.WaitGroup, a *app) error {
	reaper, err := a.reaper()
	if err != nil {
		return err
	}
	if err := reaper.Start(ctx); err != nil {
		return err
	}
	pool := a.pool()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := pool.Run(ctx); err != nil {
			a.logger.Error("worker pool stopped", "error", err)
		}
	}()
	return nil
}
