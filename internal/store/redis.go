package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second
	defaultRedisOpTimeout   = 2 * time.Second

	redisKeyPrefix = "ratekeeper:"
)

// Every script reads the Redis server's own clock via TIME, so admission
// decisions are immune to clock skew between application nodes. Each script
// is a single atomic state transition; there is no increment-then-read
// round trip anywhere.

var redisIncrScript = redis.NewScript(`
local amount = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local total = redis.call('INCRBY', KEYS[1], amount)
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
return {total, redis.call('PTTL', KEYS[1]), now}
`)

var redisCASScript = redis.NewScript(`
local old = tonumber(ARGV[1])
local new = ARGV[2]
local ttl = tonumber(ARGV[3])
local cur = redis.call('GET', KEYS[1])
if cur == false then
  cur = 0
else
  cur = tonumber(cur)
end
if cur ~= old then
  return 0
end
redis.call('SET', KEYS[1], new)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

var redisWindowScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local count_rejected = tonumber(ARGV[4])
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local win_start = now - (now % window)
local st = redis.call('HMGET', KEYS[1], 'count', 'start')
local count = tonumber(st[1])
local start = tonumber(st[2])
if count == nil or start ~= win_start then
  count = 0
  start = win_start
end
local allowed = 0
if count + cost <= limit then
  allowed = 1
  count = count + cost
elseif count_rejected == 1 then
  count = count + cost
end
redis.call('HSET', KEYS[1], 'count', count, 'start', start)
redis.call('PEXPIRE', KEYS[1], window)
return {allowed, count, start, now}
`)

var redisPairScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local count_rejected = tonumber(ARGV[4])
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
local win_start = now - (now % window)
local st = redis.call('HMGET', KEYS[1], 'cur', 'start', 'prev')
local cur = tonumber(st[1]) or 0
local start = tonumber(st[2])
local prev = tonumber(st[3]) or 0
if start == nil then
  start = win_start
end
if start ~= win_start then
  if win_start - start == window then
    prev = cur
  else
    prev = 0
  end
  cur = 0
  start = win_start
end
local frac = (now - win_start) / window
local estimated = cur + prev * (1 - frac)
local allowed = 0
if estimated + cost <= limit then
  allowed = 1
  cur = cur + cost
elseif count_rejected == 1 then
  cur = cur + cost
end
redis.call('HSET', KEYS[1], 'cur', cur, 'start', start, 'prev', prev)
redis.call('PEXPIRE', KEYS[1], window * 2)
return {allowed, cur, prev, start, now}
`)

var redisLogScript = redis.NewScript(`
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local count_rejected = tonumber(ARGV[4])
local member = ARGV[5]
local t = redis.call('TIME')
local now = t[1] * 1000 + math.floor(t[2] / 1000)
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
local allowed = 0
if count + cost <= limit then
  allowed = 1
end
if allowed == 1 or count_rejected == 1 then
  for i = 1, cost do
    redis.call('ZADD', KEYS[1], now, member .. '-' .. i)
  end
  count = count + cost
  redis.call('PEXPIRE', KEYS[1], window)
end
local oldest = 0
local head = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
if #head >= 2 then
  oldest = tonumber(head[2])
end
return {allowed, count, oldest, now}
`)

var redisBucketScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local t = redis.call('TIME')
local now_us = t[1] * 1000000 + t[2]
local st = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(st[1])
local ts = tonumber(st[2])
if tokens == nil then
  tokens = capacity
  ts = now_us
end
local elapsed = (now_us - ts) / 1000000
if elapsed < 0 then
  elapsed = 0
end
tokens = tokens + elapsed * refill
if tokens > capacity then
  tokens = capacity
end
local allowed = 0
if tokens + 1e-9 >= cost then
  allowed = 1
  tokens = tokens - cost
  if tokens < 0 then
    tokens = 0
  end
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', now_us)
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {allowed, tostring(tokens), math.floor(now_us / 1000)}
`)

// RedisConfig holds connection settings for the Redis store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	Cluster      bool
	ClusterNodes []string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
	// OpTimeout bounds every store operation. A Check call must never
	// block on a slow backend longer than this.
	OpTimeout time.Duration
}

// Redis is the distributed Store, backed by a Redis-compatible server.
// Keys are wrapped in hash tags so that the state of one limiter key always
// lives in a single cluster slot.
type Redis struct {
	client    redis.UniversalClient
	opTimeout time.Duration

	memberSeq atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// NewRedis connects to Redis and verifies the connection with a ping.
func NewRedis(cfg *RedisConfig) (*Redis, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	if conf.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       conf.ClusterNodes,
			Password:    conf.Password,
			PoolSize:    conf.PoolSize,
			MaxRetries:  conf.MaxRetries,
			DialTimeout: conf.DialTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        conf.Addr,
			Password:    conf.Password,
			DB:          conf.DB,
			PoolSize:    conf.PoolSize,
			MaxRetries:  conf.MaxRetries,
			DialTimeout: conf.DialTimeout,
		})
	}

	s := &Redis{client: client, opTimeout: conf.OpTimeout}
	if err := s.pingWithRetry(context.Background(), conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return s, nil
}

func normalizeRedisConfig(cfg *RedisConfig) (*RedisConfig, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config is required")
	}
	conf := *cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}
	if conf.OpTimeout <= 0 {
		conf.OpTimeout = defaultRedisOpTimeout
	}
	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return nil, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
	} else if conf.Addr == "" {
		return nil, fmt.Errorf("addr is required when cluster=false")
	}
	return &conf, nil
}

func (s *Redis) pingWithRetry(ctx context.Context, maxRetries int) error {
	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := s.client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}
		if i == maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return lastErr
}

// withTimeout bounds the operation so a slow backend cannot stall callers.
func (s *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func redisKey(kind, key string) string {
	return redisKeyPrefix + kind + ":{" + key + "}"
}

func (s *Redis) Incr(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, time.Time, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := redisIncrScript.Run(ctx, s.client, []string{redisKey("ctr", key)}, amount, ttl.Milliseconds()).Result()
	if err != nil {
		return 0, time.Time{}, wrapRedisErr("incr", err)
	}
	vals, err := redisInts(res, 3)
	if err != nil {
		return 0, time.Time{}, err
	}
	var expiresAt time.Time
	if vals[1] >= 0 {
		expiresAt = time.UnixMilli(vals[2] + vals[1])
	}
	return vals[0], expiresAt, nil
}

func (s *Redis) Get(ctx context.Context, key string) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, redisKey("ctr", key)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapRedisErr("get", err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parsing counter value %q: %w", val, err)
	}
	return n, true, nil
}

func (s *Redis) CompareAndSwap(ctx context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := redisCASScript.Run(ctx, s.client, []string{redisKey("ctr", key)}, old, new, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, wrapRedisErr("cas", err)
	}
	return res == 1, nil
}

func (s *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.PExpire(ctx, redisKey("ctr", key), ttl).Err(); err != nil {
		return wrapRedisErr("expire", err)
	}
	return nil
}

func (s *Redis) WindowIncr(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (WindowResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := redisWindowScript.Run(ctx, s.client, []string{redisKey("fw", key)},
		window.Milliseconds(), limit, cost, boolArg(countRejected)).Result()
	if err != nil {
		return WindowResult{}, wrapRedisErr("window incr", err)
	}
	vals, err := redisInts(res, 4)
	if err != nil {
		return WindowResult{}, err
	}
	return WindowResult{
		Allowed:     vals[0] == 1,
		Total:       vals[1],
		WindowStart: time.UnixMilli(vals[2]),
		Now:         time.UnixMilli(vals[3]),
	}, nil
}

func (s *Redis) PairIncr(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (PairResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := redisPairScript.Run(ctx, s.client, []string{redisKey("swc", key)},
		window.Milliseconds(), limit, cost, boolArg(countRejected)).Result()
	if err != nil {
		return PairResult{}, wrapRedisErr("pair incr", err)
	}
	vals, err := redisInts(res, 5)
	if err != nil {
		return PairResult{}, err
	}
	return PairResult{
		Allowed:     vals[0] == 1,
		Current:     vals[1],
		Previous:    vals[2],
		WindowStart: time.UnixMilli(vals[3]),
		Now:         time.UnixMilli(vals[4]),
	}, nil
}

func (s *Redis) LogAdd(ctx context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (LogResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	member := strconv.FormatInt(time.Now().UnixNano(), 10) + "-" + strconv.FormatUint(s.memberSeq.Add(1), 10)
	res, err := redisLogScript.Run(ctx, s.client, []string{redisKey("log", key)},
		window.Milliseconds(), limit, cost, boolArg(countRejected), member).Result()
	if err != nil {
		return LogResult{}, wrapRedisErr("log add", err)
	}
	vals, err := redisInts(res, 4)
	if err != nil {
		return LogResult{}, err
	}
	out := LogResult{
		Allowed: vals[0] == 1,
		Count:   vals[1],
		Now:     time.UnixMilli(vals[3]),
	}
	if vals[2] > 0 {
		out.Oldest = time.UnixMilli(vals[2])
	}
	return out, nil
}

func (s *Redis) BucketTake(ctx context.Context, key string, capacity, refillPerSec, cost float64, ttl time.Duration) (BucketResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := redisBucketScript.Run(ctx, s.client, []string{redisKey("tb", key)},
		formatFloat(capacity), formatFloat(refillPerSec), formatFloat(cost), ttl.Milliseconds()).Result()
	if err != nil {
		return BucketResult{}, wrapRedisErr("bucket take", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 3 {
		return BucketResult{}, fmt.Errorf("unexpected bucket script result: %T", res)
	}
	allowed, err := redisInt(vals[0])
	if err != nil {
		return BucketResult{}, err
	}
	tokens, err := redisFloat(vals[1])
	if err != nil {
		return BucketResult{}, err
	}
	nowMillis, err := redisInt(vals[2])
	if err != nil {
		return BucketResult{}, err
	}
	return BucketResult{
		Allowed: allowed == 1,
		Tokens:  tokens,
		Now:     time.UnixMilli(nowMillis),
	}, nil
}

// Close releases the Redis connection pool. It is idempotent.
func (s *Redis) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.client.Close()
	})
	return s.closeErr
}

func wrapRedisErr(op string, err error) error {
	return fmt.Errorf("%w: redis %s: %v", ErrUnavailable, op, err)
}

func boolArg(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func redisInts(res interface{}, n int) ([]int64, error) {
	vals, ok := res.([]interface{})
	if !ok || len(vals) != n {
		return nil, fmt.Errorf("unexpected script result: %T (len %d, want %d)", res, len(vals), n)
	}
	out := make([]int64, n)
	for i, v := range vals {
		iv, err := redisInt(v)
		if err != nil {
			return nil, err
		}
		out[i] = iv
	}
	return out, nil
}

func redisInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing script integer %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported script value type %T", v)
	}
}

func redisFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing script float %q: %w", x, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported script value type %T", v)
	}
}
