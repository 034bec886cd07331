package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ratekeeper/ratekeeper/internal/clock"
	"github.com/ratekeeper/ratekeeper/internal/metrics"
	"github.com/ratekeeper/ratekeeper/internal/server"
)

func newServeCmd() *cobra.Command {
	opts := &limiterOptions{}
	var (
		addr     string
		logLevel string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ratekeeper HTTP server",
		Long: `Starts an HTTP server answering admission checks.

Endpoints:
  GET  /                     Server info
  GET  /healthz              Health check
  GET  /v1/check             Check using the client address as the key
  GET  /v1/check/{key}       Check an explicit key (?cost=N)
  POST /v1/release/{key}     Free a concurrency slot
  GET  /metrics              Prometheus metrics
  WS   /v1/watch             Live feed of admission decisions`,
		Example: `  ratekeeper serve
  ratekeeper serve --config ratekeeper.yaml
  ratekeeper serve --algorithm sliding_counter --rate 100 --window 1m
  ratekeeper serve --store redis --redis-addr localhost:6379`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Server.LogLevel = logLevel
			}
			logger := newLogger(cfg.Server.LogLevel)

			clk := clock.NewReal()
			st, err := buildStore(cfg, clk)
			if err != nil {
				return err
			}
			defer st.Close()

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			lim, err := buildLimiter(cfg, st, logger, metrics.NewProm(reg))
			if err != nil {
				return err
			}

			srv := server.New(cfg.Server.Addr, lim, clk, logger, reg)
			logger.Info().
				Str("algorithm", cfg.Limiter.Algorithm).
				Str("backend", cfg.Store.Backend).
				Int("tiers", len(cfg.Tiers)).
				Msg("starting")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.Start()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
				logger.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address to listen on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	return cmd
}
