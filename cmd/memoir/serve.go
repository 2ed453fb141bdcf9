package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/memoir/pkg/builder"
	"github.com/cuemby/memoir/pkg/metrics"
)

var metricsAddr string

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "address for the Prometheus metrics endpoint")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a Memoir node",
	Long: `Run a Memoir node: the pipeline workers, the write-engine janitor
and the metrics endpoint. With distributed orchestration the node consumes
the step queues; with in-process orchestration it serves imports issued
through the library or CLI.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		svcs, err := builder.Build(ctx, cfg)
		if err != nil {
			return err
		}
		defer svcs.Close()

		svcs.Broker.Start()
		defer svcs.Broker.Stop()

		if svcs.Worker != nil {
			go func() {
				if err := svcs.Worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					svcs.Log.Error().Err(err).Msg("pipeline worker stopped")
				}
			}()
			svcs.Log.Info().Msg("distributed pipeline worker started")
		}

		go func() {
			if err := svcs.Janitor.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				svcs.Log.Error().Err(err).Msg("janitor stopped")
			}
		}()

		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		server := &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				svcs.Log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
		svcs.Log.Info().Str("addr", metricsAddr).Msg("memoir node running")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			svcs.Log.Info().Msg("shutting down")
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
		cancel()
		return nil
	},
}
