package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/app"
	"github.com/abhisek/beacon/internal/collector"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run the collector that receives teardown beacons",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Collector.Addr
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		backend, err := app.OpenBackend(cfg, logger)
		if err != nil {
			return err
		}
		defer backend.Close()

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		srv, err := collector.New(collector.Options{
			Backend:  backend,
			Logger:   logger,
			Registry: reg,
		})
		if err != nil {
			return err
		}

		err = srv.Run(ctx, addr)
		if err != nil && ctx.Err() == nil {
			return err
		}
		logger.Info("collector stopped", zap.Error(context.Cause(ctx)))
		return nil
	},
}

func init() {
	collectCmd.Flags().String("addr", "", "Listen address (overrides BEACON_COLLECTOR_ADDR)")
}
