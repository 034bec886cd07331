package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ratekeeper/ratekeeper/internal/clock"
	"github.com/ratekeeper/ratekeeper/internal/config"
	"github.com/ratekeeper/ratekeeper/internal/metrics"
)

func newCheckCmd() *cobra.Command {
	opts := &limiterOptions{}
	var (
		count int
		cost  int64
	)

	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Run admission checks for a key and print the decisions",
		Long: `Runs one or more admission checks against the configured store and prints
each decision. Against a Redis backend this checks the same counters a
running fleet uses, so it doubles as a probe of live limits.`,
		Example: `  ratekeeper check user:42
  ratekeeper check user:42 --n 10
  ratekeeper check api:bulk --cost 5 --algorithm token_bucket --rate 100 --window 1m
  ratekeeper check user:42 --store redis --redis-addr localhost:6379`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			key := args[0]

			clk := clock.NewReal()
			st, err := buildStore(cfg, clk)
			if err != nil {
				return err
			}
			defer st.Close()

			logger := newLogger(cfg.Server.LogLevel)
			lim, err := buildLimiter(cfg, st, logger, metrics.Nop{})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			allowed := 0
			for i := 0; i < count; i++ {
				d, err := lim.Check(ctx, key, cost)
				if err != nil {
					return err
				}
				verdict := "DENIED "
				if d.Allowed {
					verdict = "ALLOWED"
					allowed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s  remaining=%-4d limit=%-4d", i+1, verdict, d.Remaining, d.Limit)
				if d.RetryAfter > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), " retry_after=%s", d.RetryAfter.Round(time.Millisecond))
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d/%d allowed\n", allowed, count)
			return nil
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().IntVar(&count, "n", 1, "number of checks to run")
	cmd.Flags().Int64Var(&cost, "cost", 1, "units each check consumes")

	return cmd
}

func newInitConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "init-config",
		Short: "Write a commented example config file",
		Example: `  ratekeeper init-config
  ratekeeper init-config --output /etc/ratekeeper.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "ratekeeper.yaml", "path to write")
	return cmd
}
