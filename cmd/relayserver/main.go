// Package main provides the CLI entry point for the pairing relay server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/relaypair/pairrelay/internal/authclient"
	"github.com/relaypair/pairrelay/internal/config"
	"github.com/relaypair/pairrelay/internal/logging"
	"github.com/relaypair/pairrelay/internal/metrics"
	"github.com/relaypair/pairrelay/internal/relayserver"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "relayserver",
		Short:   "Paired-device relay server",
		Long:    "relayserver mediates end-to-end encrypted pairing and message relay between a user's desktop and mobile devices. It never sees plaintext.",
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadServer(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			log := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			m := metrics.NewMetrics()
			auth := authclient.New(cfg.Auth.ServiceURL, cfg.Auth.Timeout, cfg.Server.DisableRegistration)

			srv := relayserver.NewServer(auth,
				relayserver.WithLogger(log),
				relayserver.WithMetrics(m),
				relayserver.WithAllowOrigins(cfg.Server.AllowOrigins),
			)

			mux := http.NewServeMux()
			mux.Handle("/ws/relay", srv.Handler())

			httpSrv := &http.Server{
				Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
				Handler: mux,
			}

			var healthSrv *http.Server
			if cfg.Health.Enabled {
				healthMux := http.NewServeMux()
				healthMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
					w.WriteHeader(http.StatusOK)
					w.Write([]byte("ok"))
				})
				healthMux.Handle("/metrics", promhttp.Handler())
				healthSrv = &http.Server{Addr: cfg.Health.Address, Handler: healthMux}
				go func() {
					if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						log.Error("health server failed", logging.KeyError, err.Error())
					}
				}()
			}

			sweepCtx, stopSweep := context.WithCancel(context.Background())
			go srv.Run(sweepCtx)

			log.Info("relay server starting", "port", cfg.Server.Port)
			go func() {
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("relay server failed", logging.KeyError, err.Error())
				}
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("received shutdown signal", "signal", sig.String())

			stopSweep()

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := httpSrv.Shutdown(ctx); err != nil {
				return fmt.Errorf("shutdown relay server: %w", err)
			}
			if healthSrv != nil {
				healthSrv.Shutdown(ctx)
			}
			log.Info("relay server stopped")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./relayserver.yaml", "Path to configuration file")
	return cmd
}
