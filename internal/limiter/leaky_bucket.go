package limiter

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/clock"
)

// LeakyBucket smooths bursts by queueing work and releasing it at a fixed
// rate per key, instead of rejecting it. It is the tool for pacing
// outbound calls to a downstream with a strict rate, not for limiting
// inbound traffic.
//
// All state is in-process: the scheduler owns no cross-process counters.
// A single drain goroutine serves every key from a priority queue ordered
// by next release time, so there is no timer per key.
type LeakyBucket struct {
	clock    clock.Clock
	interval time.Duration // time between releases for one key
	depth    int           // max queued tasks per key

	mu       sync.Mutex
	queues   map[string][]func()
	lastAt   map[string]time.Time // last release per key, paces re-activation
	schedule releaseHeap

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

type release struct {
	at  time.Time
	key string
}

type releaseHeap []release

func (h releaseHeap) Len() int            { return len(h) }
func (h releaseHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h releaseHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *releaseHeap) Push(x interface{}) { *h = append(*h, x.(release)) }
func (h *releaseHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// NewLeakyBucket starts a scheduler releasing leakRate tasks per second
// per key, with at most depth tasks queued per key. Stop must be called
// to shut the drain goroutine down.
func NewLeakyBucket(leakRate float64, depth int, clk clock.Clock) (*LeakyBucket, error) {
	if leakRate <= 0 {
		return nil, fmt.Errorf("%w: leak rate must be positive, got %v", ErrInvalidConfig, leakRate)
	}
	if depth <= 0 {
		return nil, fmt.Errorf("%w: queue depth must be positive, got %d", ErrInvalidConfig, depth)
	}
	lb := &LeakyBucket{
		clock:    clk,
		interval: time.Duration(float64(time.Second) / leakRate),
		depth:    depth,
		queues:   make(map[string][]func()),
		lastAt:   make(map[string]time.Time),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go lb.drain()
	return lb, nil
}

// Enqueue queues task for key. It returns false when the key's queue is
// full; the task is then dropped and the caller decides what to do.
func (lb *LeakyBucket) Enqueue(key string, task func()) bool {
	lb.mu.Lock()
	q := lb.queues[key]
	if len(q) >= lb.depth {
		lb.mu.Unlock()
		return false
	}
	lb.queues[key] = append(q, task)
	if len(q) == 0 {
		// First task for this key: schedule its release, paced off the
		// previous one so a drain-refill cycle cannot beat the rate.
		at := lb.clock.Now()
		if next := lb.lastAt[key].Add(lb.interval); next.After(at) {
			at = next
		} else {
			// The pacing entry no longer constrains anything.
			delete(lb.lastAt, key)
		}
		heap.Push(&lb.schedule, release{at: at, key: key})
	}
	lb.mu.Unlock()

	select {
	case lb.wake <- struct{}{}:
	default:
	}
	return true
}

// QueueLen reports how many tasks are waiting for key.
func (lb *LeakyBucket) QueueLen(key string) int {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return len(lb.queues[key])
}

// Stop shuts the drain goroutine down. Queued tasks are dropped.
func (lb *LeakyBucket) Stop() {
	lb.stopOnce.Do(func() { close(lb.done) })
}

func (lb *LeakyBucket) drain() {
	for {
		lb.mu.Lock()
		now := lb.clock.Now()
		for len(lb.schedule) > 0 && !lb.schedule[0].at.After(now) {
			rel := heap.Pop(&lb.schedule).(release)
			q := lb.queues[rel.key]
			if len(q) == 0 {
				delete(lb.queues, rel.key)
				continue
			}
			task := q[0]
			q = q[1:]
			lb.lastAt[rel.key] = now
			if len(q) > 0 {
				lb.queues[rel.key] = q
				heap.Push(&lb.schedule, release{at: now.Add(lb.interval), key: rel.key})
			} else {
				delete(lb.queues, rel.key)
			}
			go task()
		}
		var wait time.Duration
		if len(lb.schedule) > 0 {
			wait = lb.schedule[0].at.Sub(now)
		} else {
			wait = time.Hour
		}
		lb.mu.Unlock()

		select {
		case <-lb.done:
			return
		case <-lb.wake:
		case <-lb.clock.After(wait):
		}
	}
}
