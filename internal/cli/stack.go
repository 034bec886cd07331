package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ratekeeper/ratekeeper/internal/clock"
	"github.com/ratekeeper/ratekeeper/internal/config"
	"github.com/ratekeeper/ratekeeper/internal/limiter"
	"github.com/ratekeeper/ratekeeper/internal/metrics"
	"github.com/ratekeeper/ratekeeper/internal/store"
)

// limiterOptions are the flags shared by serve and check. Flags the user
// set override the config file; untouched flags defer to it.
type limiterOptions struct {
	configFile    string
	algorithm     string
	rate          int64
	window        time.Duration
	burst         int64
	countRejected bool
	failMode      string

	storeBackend string
	redisAddr    string
	redisDB      int
	redisPass    string
}

func (o *limiterOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configFile, "config", "c", "", "path to YAML config file")
	cmd.Flags().StringVar(&o.algorithm, "algorithm", "", "window strategy (fixed_window, sliding_log, sliding_counter, token_bucket)")
	cmd.Flags().Int64Var(&o.rate, "rate", 0, "units allowed per window")
	cmd.Flags().DurationVar(&o.window, "window", 0, "window duration")
	cmd.Flags().Int64Var(&o.burst, "burst", 0, "token bucket capacity (0 = rate)")
	cmd.Flags().BoolVar(&o.countRejected, "count-rejected", true, "denied checks still consume quota")
	cmd.Flags().StringVar(&o.failMode, "fail-mode", "", "store outage policy (open, closed)")
	cmd.Flags().StringVar(&o.storeBackend, "store", "", "counter store backend (memory, redis)")
	cmd.Flags().StringVar(&o.redisAddr, "redis-addr", "", "redis address host:port")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", 0, "redis database index")
	cmd.Flags().StringVar(&o.redisPass, "redis-password", "", "redis password")
}

// load reads the config file (or defaults) and lays the changed flags over
// it.
func (o *limiterOptions) load(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		loaded, err := config.Load(o.configFile)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	flags := cmd.Flags()
	if flags.Changed("algorithm") {
		cfg.Limiter.Algorithm = o.algorithm
	}
	if flags.Changed("rate") {
		cfg.Limiter.Rate = o.rate
	}
	if flags.Changed("window") {
		cfg.Limiter.Window = config.Duration(o.window)
	}
	if flags.Changed("burst") {
		cfg.Limiter.Burst = o.burst
	}
	if flags.Changed("count-rejected") {
		cfg.Limiter.CountRejected = o.countRejected
	}
	if flags.Changed("fail-mode") {
		cfg.Limiter.FailMode = o.failMode
	}
	if flags.Changed("store") {
		cfg.Store.Backend = o.storeBackend
	}
	if flags.Changed("redis-addr") {
		cfg.Store.Redis.Addr = o.redisAddr
	}
	if flags.Changed("redis-db") {
		cfg.Store.Redis.DB = o.redisDB
	}
	if flags.Changed("redis-password") {
		cfg.Store.Redis.Password = o.redisPass
	}

	return cfg, cfg.Validate()
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

func buildStore(cfg config.Config, clk clock.Clock) (store.Store, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemory(clk, cfg.Store.Memory.CleanupInterval.Std()), nil
	case "redis":
		return store.NewRedis(cfg.RedisConfig())
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

func buildLimiter(cfg config.Config, st store.Store, logger zerolog.Logger, rec metrics.Recorder) (*limiter.Limiter, error) {
	alg, err := limiter.ParseAlgorithm(cfg.Limiter.Algorithm)
	if err != nil {
		return nil, err
	}
	strategy, err := limiter.NewStrategy(alg, st, cfg.Limiter.CountRejected)
	if err != nil {
		return nil, err
	}
	failMode, err := limiter.ParseFailMode(cfg.Limiter.FailMode)
	if err != nil {
		return nil, err
	}

	opts := []limiter.Option{
		limiter.WithFailMode(failMode),
		limiter.WithCheckTimeout(cfg.Limiter.CheckTimeout.Std()),
		limiter.WithLogger(logger),
		limiter.WithRecorder(rec),
	}
	if cfg.Concurrency.MaxInFlight > 0 {
		cl, err := limiter.NewConcurrencyLimiter(st, cfg.Concurrency.MaxInFlight, cfg.Concurrency.SlotTTL.Std())
		if err != nil {
			return nil, err
		}
		opts = append(opts, limiter.WithConcurrency(cl))
	}

	return limiter.New(strategy, cfg.Resolver(), opts...)
}
