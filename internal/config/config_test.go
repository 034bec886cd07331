package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratekeeper/ratekeeper/internal/limiter"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ratekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
limiter:
  algorithm: token_bucket
  rate: 50
  window: 30s
  burst: 100
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "token_bucket", cfg.Limiter.Algorithm)
	assert.Equal(t, int64(50), cfg.Limiter.Rate)
	assert.Equal(t, 30*time.Second, cfg.Limiter.Window.Std())
	assert.Equal(t, int64(100), cfg.Limiter.Burst)

	// Untouched sections keep their defaults.
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.True(t, cfg.Limiter.CountRejected)
	assert.Equal(t, "open", cfg.Limiter.FailMode)
}

func TestLoadCountRejectedOverride(t *testing.T) {
	path := writeConfig(t, `
limiter:
  count_rejected: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.False(t, cfg.Limiter.CountRejected)
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"unknown algorithm", "limiter:\n  algorithm: leaky\n"},
		{"zero rate", "limiter:\n  rate: -5\n"},
		{"bad duration", "limiter:\n  window: fast\n"},
		{"unknown fail mode", "limiter:\n  fail_mode: maybe\n"},
		{"unknown backend", "store:\n  backend: etcd\n"},
		{"tier without prefix", "tiers:\n  - name: pro\n    rate: 10\n    window: 1m\n"},
		{"tier zero rate", "tiers:\n  - name: pro\n    prefix: 'pro:'\n    rate: 0\n    window: 1m\n"},
		{"duplicate tier prefix", "tiers:\n  - prefix: 'pro:'\n    rate: 10\n    window: 1m\n  - prefix: 'pro:'\n    rate: 20\n    window: 1m\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestRedisBackendRequiresAddr(t *testing.T) {
	path := writeConfig(t, `
store:
  backend: redis
  redis:
    addr: ""
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestResolverPrefixMatch(t *testing.T) {
	cfg := Default()
	cfg.Limiter.Rate = 10
	cfg.Tiers = []Tier{
		{Name: "free", Prefix: "free:", Rate: 60, Window: Duration(time.Minute)},
		{Name: "pro-eu", Prefix: "pro:eu:", Rate: 2000, Window: Duration(time.Minute)},
		{Name: "pro", Prefix: "pro:", Rate: 1000, Window: Duration(time.Minute)},
	}
	require.NoError(t, cfg.Validate())

	resolve := cfg.Resolver()
	assert.Equal(t, int64(60), resolve("free:alice").Rate)
	assert.Equal(t, int64(1000), resolve("pro:bob").Rate)
	// Longest prefix wins regardless of declaration order.
	assert.Equal(t, int64(2000), resolve("pro:eu:carol").Rate)
	// No tier matches: the default limit applies.
	assert.Equal(t, int64(10), resolve("anonymous").Rate)
}

func TestResolverWithoutTiers(t *testing.T) {
	cfg := Default()
	resolve := cfg.Resolver()
	assert.Equal(t, cfg.DefaultLimit(), resolve("anything"))
}

func TestDefaultLimitValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.DefaultLimit().Validate())

	_, err := limiter.ParseAlgorithm(cfg.Limiter.Algorithm)
	require.NoError(t, err)
}

func TestWriteExampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "example.yaml")
	require.NoError(t, WriteExample(path))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Tiers, 2)
	assert.Equal(t, int64(1000), cfg.Resolver()("pro:anyone").Rate)
}
