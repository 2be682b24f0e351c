package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/biequity/reconciler/internal/api"
	"github.com/biequity/reconciler/internal/metrics"
	"github.com/biequity/reconciler/internal/scheduler"
)

var (
	flagAddr   string
	flagNoCron bool
)

func init() {
	runCmd.Flags().StringVar(&flagAddr, "addr", "", "HTTP listen address (overrides server.addr)")
	runCmd.Flags().BoolVar(&flagNoCron, "no-cron", false, "Serve HTTP only; runs happen on POST /process-events")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the HTTP trigger and run the reconciliation schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		addr := cfg.Server.Addr
		if flagAddr != "" {
			addr = flagAddr
		}
		router := api.NewRouter(api.Options{
			Processor: a.trigger,
			Records:   a.store,
			Assets:    a.catalog,
			Checker:   api.Checker{DBPing: a.store.Ping, RPCPing: a.chain.Ping},
			Metrics:   metrics.Handler(),
			Logger:    log.With("component", "http"),
		})
		srv := api.Serve(addr, router, log)
		log.Info("http server listening", "addr", addr)

		var cron *scheduler.Cron
		if !flagNoCron {
			cron, err = scheduler.NewCron(a.trigger, cfg.Scheduler.Schedule, log.With("component", "scheduler"))
			if err != nil {
				return err
			}
			if err := cron.Start(ctx); err != nil {
				return err
			}
		}

		<-ctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := api.Shutdown(shutdownCtx, srv); err != nil {
			log.Warn("http shutdown", "error", err)
		}
		if cron != nil {
			select {
			case <-cron.Stop().Done():
			case <-shutdownCtx.Done():
				return fmt.Errorf("scheduler did not stop: %w", shutdownCtx.Err())
			}
		}
		return nil
	},
}
