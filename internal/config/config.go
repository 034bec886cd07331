// Package config loads the YAML configuration and maps it onto the engine
// types. Load starts from Default and unmarshals the file over it, so a
// partial file only overrides what it names.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ratekeeper/ratekeeper/internal/limiter"
	"github.com/ratekeeper/ratekeeper/internal/store"
)

// Duration is a time.Duration that unmarshals from YAML strings like "1m30s".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Server holds the HTTP listener settings.
type Server struct {
	Addr     string `yaml:"addr"`
	LogLevel string `yaml:"log_level"`
}

// Limiter holds the default limit applied to keys no tier matches.
type Limiter struct {
	Algorithm     string   `yaml:"algorithm"`
	Rate          int64    `yaml:"rate"`
	Window        Duration `yaml:"window"`
	Burst         int64    `yaml:"burst"`
	CountRejected bool     `yaml:"count_rejected"`
	FailMode      string   `yaml:"fail_mode"`
	CheckTimeout  Duration `yaml:"check_timeout"`
}

// Concurrency holds the optional per-key in-flight bound. Zero MaxInFlight
// disables it.
type Concurrency struct {
	MaxInFlight int64    `yaml:"max_in_flight"`
	SlotTTL     Duration `yaml:"slot_ttl"`
}

// Memory holds settings for the in-process store backend.
type Memory struct {
	CleanupInterval Duration `yaml:"cleanup_interval"`
}

// Redis holds settings for the Redis store backend.
type Redis struct {
	Addr         string   `yaml:"addr"`
	Password     string   `yaml:"password"`
	DB           int      `yaml:"db"`
	Cluster      bool     `yaml:"cluster"`
	ClusterNodes []string `yaml:"cluster_nodes"`
	PoolSize     int      `yaml:"pool_size"`
	MaxRetries   int      `yaml:"max_retries"`
	DialTimeout  Duration `yaml:"dial_timeout"`
	OpTimeout    Duration `yaml:"op_timeout"`
}

// Store selects and configures the counter backend.
type Store struct {
	Backend string `yaml:"backend"` // "memory" or "redis"
	Memory  Memory `yaml:"memory"`
	Redis   Redis  `yaml:"redis"`
}

// Tier overrides the default limit for keys matching Prefix.
type Tier struct {
	Name   string   `yaml:"name"`
	Prefix string   `yaml:"prefix"`
	Rate   int64    `yaml:"rate"`
	Window Duration `yaml:"window"`
	Burst  int64    `yaml:"burst"`
}

// Config is the top-level configuration.
type Config struct {
	Server      Server      `yaml:"server"`
	Limiter     Limiter     `yaml:"limiter"`
	Concurrency Concurrency `yaml:"concurrency"`
	Store       Store       `yaml:"store"`
	Tiers       []Tier      `yaml:"tiers"`
}

// Default returns a Config with sensible defaults: fixed window, 100/min,
// memory backend, fail open, rejected checks counted.
func Default() Config {
	return Config{
		Server: Server{
			Addr:     ":8080",
			LogLevel: "info",
		},
		Limiter: Limiter{
			Algorithm:     string(limiter.AlgorithmFixedWindow),
			Rate:          100,
			Window:        Duration(time.Minute),
			CountRejected: true,
			FailMode:      "open",
			CheckTimeout:  Duration(2 * time.Second),
		},
		Concurrency: Concurrency{
			SlotTTL: Duration(time.Minute),
		},
		Store: Store{
			Backend: "memory",
			Memory: Memory{
				CleanupInterval: Duration(time.Minute),
			},
			Redis: Redis{
				Addr:        "localhost:6379",
				PoolSize:    20,
				MaxRetries:  3,
				DialTimeout: Duration(5 * time.Second),
				OpTimeout:   Duration(2 * time.Second),
			},
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config. Invalid configuration is rejected at load,
// never clamped at check time.
func (c Config) Validate() error {
	if _, err := limiter.ParseAlgorithm(c.Limiter.Algorithm); err != nil {
		return err
	}
	if _, err := limiter.ParseFailMode(c.Limiter.FailMode); err != nil {
		return err
	}
	if err := c.DefaultLimit().Validate(); err != nil {
		return err
	}
	if c.Concurrency.MaxInFlight < 0 {
		return fmt.Errorf("concurrency.max_in_flight must not be negative, got %d", c.Concurrency.MaxInFlight)
	}

	switch c.Store.Backend {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" && len(c.Store.Redis.ClusterNodes) == 0 {
			return fmt.Errorf("store.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q, must be memory or redis", c.Store.Backend)
	}

	seen := make(map[string]bool, len(c.Tiers))
	for i, tier := range c.Tiers {
		if tier.Prefix == "" {
			return fmt.Errorf("tiers[%d] (%s): prefix is required", i, tier.Name)
		}
		if seen[tier.Prefix] {
			return fmt.Errorf("tiers[%d] (%s): duplicate prefix %q", i, tier.Name, tier.Prefix)
		}
		seen[tier.Prefix] = true
		if err := tier.Limit().Validate(); err != nil {
			return fmt.Errorf("tiers[%d] (%s): %w", i, tier.Name, err)
		}
	}
	return nil
}

// DefaultLimit returns the fallback limit for keys no tier matches.
func (c Config) DefaultLimit() limiter.Limit {
	return limiter.Limit{
		Rate:   c.Limiter.Rate,
		Window: c.Limiter.Window.Std(),
		Burst:  c.Limiter.Burst,
	}
}

// Limit returns the tier's limit.
func (t Tier) Limit() limiter.Limit {
	return limiter.Limit{
		Rate:   t.Rate,
		Window: t.Window.Std(),
		Burst:  t.Burst,
	}
}

// Resolver builds the per-key limit lookup: the longest tier prefix
// matching the key wins, the default limit covers the rest.
func (c Config) Resolver() limiter.ResolveFunc {
	if len(c.Tiers) == 0 {
		return limiter.StaticResolver(c.DefaultLimit())
	}

	tiers := make([]Tier, len(c.Tiers))
	copy(tiers, c.Tiers)
	sort.Slice(tiers, func(i, j int) bool {
		return len(tiers[i].Prefix) > len(tiers[j].Prefix)
	})
	fallback := c.DefaultLimit()

	return func(key string) limiter.Limit {
		for _, t := range tiers {
			if strings.HasPrefix(key, t.Prefix) {
				return t.Limit()
			}
		}
		return fallback
	}
}

// RedisConfig maps the Redis section onto the store's options.
func (c Config) RedisConfig() *store.RedisConfig {
	r := c.Store.Redis
	return &store.RedisConfig{
		Addr:         r.Addr,
		Password:     r.Password,
		DB:           r.DB,
		Cluster:      r.Cluster,
		ClusterNodes: r.ClusterNodes,
		PoolSize:     r.PoolSize,
		MaxRetries:   r.MaxRetries,
		DialTimeout:  r.DialTimeout.Std(),
		OpTimeout:    r.OpTimeout.Std(),
	}
}

// WriteExample writes a commented example config to path.
func WriteExample(path string) error {
	example := `server:
  addr: ":8080"
  log_level: info

limiter:
  algorithm: fixed_window # fixed_window | sliding_log | sliding_counter | token_bucket
  rate: 100
  window: 1m
  burst: 0            # token bucket capacity, 0 means rate
  count_rejected: true
  fail_mode: open     # open | closed
  check_timeout: 2s

concurrency:
  max_in_flight: 0    # 0 disables the in-flight bound
  slot_ttl: 1m

store:
  backend: memory     # memory | redis
  memory:
    cleanup_interval: 1m
  redis:
    addr: "localhost:6379"
    pool_size: 20
    max_retries: 3
    dial_timeout: 5s
    op_timeout: 2s

tiers:
  - name: pro
    prefix: "pro:"
    rate: 1000
    window: 1m
  - name: free
    prefix: "free:"
    rate: 60
    window: 1m
`
	return os.WriteFile(path, []byte(example), 0o644)
}
