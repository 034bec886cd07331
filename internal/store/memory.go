package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/clock"
)

const memoryShards = 64

// Memory is the in-process Store. State is partitioned across striped
// shards, each guarded by its own mutex, so hot keys on different shards
// never contend. Expired entries are dropped lazily on access and swept by
// an optional janitor goroutine.
//
// Memory state is local to one process; it enforces a per-process budget,
// not a fleet-wide one. Use Redis for a shared budget.
type Memory struct {
	clock  clock.Clock
	shards [memoryShards]*memoryShard

	done      chan struct{}
	closeOnce sync.Once
}

type memoryShard struct {
	mu       sync.Mutex
	counters map[string]*counterEntry
	windows  map[string]*windowEntry
	pairs    map[string]*pairEntry
	logs     map[string][]time.Time
	buckets  map[string]*bucketEntry
}

type counterEntry struct {
	value     int64
	expiresAt time.Time // zero means no expiry
}

type windowEntry struct {
	count  int64
	start  time.Time
	window time.Duration
}

type pairEntry struct {
	current  int64
	start    time.Time
	previous int64
	window   time.Duration
}

type bucketEntry struct {
	tokens    float64
	last      time.Time
	expiresAt time.Time
}

// NewMemory creates an in-process store. When cleanupInterval is positive a
// janitor goroutine sweeps expired entries at that cadence until Close.
func NewMemory(clk clock.Clock, cleanupInterval time.Duration) *Memory {
	m := &Memory{
		clock: clk,
		done:  make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &memoryShard{
			counters: make(map[string]*counterEntry),
			windows:  make(map[string]*windowEntry),
			pairs:    make(map[string]*pairEntry),
			logs:     make(map[string][]time.Time),
			buckets:  make(map[string]*bucketEntry),
		}
	}
	if cleanupInterval > 0 {
		go m.janitor(cleanupInterval)
	}
	return m
}

func (m *Memory) shardFor(key string) *memoryShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%memoryShards]
}

func (m *Memory) Incr(_ context.Context, key string, amount int64, ttl time.Duration) (int64, time.Time, error) {
	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		e = &counterEntry{}
		if ttl > 0 {
			e.expiresAt = now.Add(ttl)
		}
		s.counters[key] = e
	}
	e.value += amount
	return e.value, e.expiresAt, nil
}

func (m *Memory) Get(_ context.Context, key string) (int64, bool, error) {
	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.counters[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key string, old, new int64, ttl time.Duration) (bool, error) {
	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	e, ok := s.counters[key]
	if ok && (e.expiresAt.IsZero() || now.Before(e.expiresAt)) {
		current = e.value
	} else {
		e = nil
	}
	if current != old {
		return false, nil
	}
	if e == nil {
		e = &counterEntry{}
		s.counters[key] = e
	}
	e.value = new
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	return true, nil
}

func (m *Memory) Expire(_ context.Context, key string, ttl time.Duration) error {
	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.counters[key]; ok {
		e.expiresAt = now.Add(ttl)
	}
	return nil
}

func (m *Memory) WindowIncr(_ context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (WindowResult, error) {
	now := m.clock.Now()
	start := now.Truncate(window)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.windows[key]
	if !ok || !e.start.Equal(start) {
		e = &windowEntry{start: start, window: window}
		s.windows[key] = e
	}

	res := WindowResult{WindowStart: start, Now: now}
	if e.count+cost <= limit {
		e.count += cost
		res.Allowed = true
	} else if countRejected {
		e.count += cost
	}
	res.Total = e.count
	return res, nil
}

func (m *Memory) PairIncr(_ context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (PairResult, error) {
	now := m.clock.Now()
	start := now.Truncate(window)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.pairs[key]
	if !ok {
		e = &pairEntry{start: start, window: window}
		s.pairs[key] = e
	}
	e.window = window
	if !e.start.Equal(start) {
		// Roll the window forward. The previous count only carries over
		// when exactly one boundary was crossed.
		if e.start.Add(window).Equal(start) {
			e.previous = e.current
		} else {
			e.previous = 0
		}
		e.current = 0
		e.start = start
	}

	frac := float64(now.Sub(start)) / float64(window)
	estimated := float64(e.current) + float64(e.previous)*(1-frac)

	res := PairResult{WindowStart: start, Now: now}
	if estimated+float64(cost) <= float64(limit) {
		e.current += cost
		res.Allowed = true
	} else if countRejected {
		e.current += cost
	}
	res.Current = e.current
	res.Previous = e.previous
	return res, nil
}

func (m *Memory) LogAdd(_ context.Context, key string, window time.Duration, limit, cost int64, countRejected bool) (LogResult, error) {
	now := m.clock.Now()
	cutoff := now.Add(-window)
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.logs[key]
	kept := entries[:0]
	for _, ts := range entries {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	res := LogResult{Now: now}
	res.Allowed = int64(len(kept))+cost <= limit
	if res.Allowed || countRejected {
		for i := int64(0); i < cost; i++ {
			kept = append(kept, now)
		}
	}
	if len(kept) > 0 {
		res.Oldest = kept[0]
		s.logs[key] = kept
	} else {
		delete(s.logs, key)
	}
	res.Count = int64(len(kept))
	return res, nil
}

func (m *Memory) BucketTake(_ context.Context, key string, capacity, refillPerSec, cost float64, ttl time.Duration) (BucketResult, error) {
	now := m.clock.Now()
	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.buckets[key]
	if !ok || (!e.expiresAt.IsZero() && !now.Before(e.expiresAt)) {
		e = &bucketEntry{tokens: capacity, last: now}
		s.buckets[key] = e
	}

	elapsed := now.Sub(e.last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	e.tokens += elapsed * refillPerSec
	if e.tokens > capacity {
		e.tokens = capacity
	}
	// The refill has been credited from the true elapsed time, so the
	// timestamp moves forward regardless of the admit outcome.
	e.last = now
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}

	res := BucketResult{Now: now}
	if e.tokens+tokenEpsilon >= cost {
		e.tokens -= cost
		if e.tokens < 0 {
			e.tokens = 0
		}
		res.Allowed = true
	}
	res.Tokens = e.tokens
	return res, nil
}

// tokenEpsilon absorbs float drift so a bucket that has accrued exactly
// cost tokens admits instead of truncating it away.
const tokenEpsilon = 1e-9

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

// Cleanup removes expired entries from every shard.
func (m *Memory) Cleanup() {
	now := m.clock.Now()
	for _, s := range m.shards {
		s.mu.Lock()
		for key, e := range s.counters {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(s.counters, key)
			}
		}
		for key, e := range s.windows {
			if now.Sub(e.start) > 2*e.window {
				delete(s.windows, key)
			}
		}
		for key, e := range s.pairs {
			if now.Sub(e.start) > 2*e.window {
				delete(s.pairs, key)
			}
		}
		for key, entries := range s.logs {
			if len(entries) == 0 || now.Sub(entries[len(entries)-1]) > time.Hour {
				delete(s.logs, key)
			}
		}
		for key, e := range s.buckets {
			if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
				delete(s.buckets, key)
			}
		}
		s.mu.Unlock()
	}
}

// Len reports the number of live keys across all shards, counting a key
// once per state kind. Used by tests and the janitor only.
func (m *Memory) Len() int {
	n := 0
	for _, s := range m.shards {
		s.mu.Lock()
		n += len(s.counters) + len(s.windows) + len(s.pairs) + len(s.logs) + len(s.buckets)
		s.mu.Unlock()
	}
	return n
}

func (m *Memory) janitor(interval time.Duration) {
	for {
		select {
		case <-m.done:
			return
		case <-m.clock.After(interval):
			m.Cleanup()
		}
	}
}
