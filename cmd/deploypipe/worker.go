package main

import (
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/deploypipe/internal/platform/httpserver"
)

func newWorkerCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run queued pipeline executions and the stuck-execution reaper",
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
			if a.inProcess {
				return errors.New("the worker command needs a shared queue; set queue=nats or use serve --worker")
			}

			var wg sync.WaitGroup
			if err := startWorkers(ctx, &wg, a); err != nil {
				return err
			}

			if addr := strings.TrimSpace(metricsAddr); addr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/healthz", httpserver.Healthz(serviceName+"-worker"))
				mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName+"-worker", a.checks...))
				mux.Handle("/metrics", a.metrics.Handler())
				cfg := httpserver.Config{Service: serviceName + "-worker", Addr: addr}
				if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, cfg.Service, mux)); err != nil {
					logger.Error("worker http server failed", "error", err)
					stop()
				}
			}

			wg.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve /metrics, /healthz and /readyz on this address")
	return cmd
}
