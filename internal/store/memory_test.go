package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ratekeeper/ratekeeper/internal/clock"
)

var (
	epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

func newMemoryForTest() (*Memory, *clock.Virtual) {
	vc := clock.NewVirtual(epoch)
	return NewMemory(vc, 0), vc
}

func TestMemory_IncrAndGet(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	total, _, err := m.Incr(ctx, "c1", 3, time.Minute)
	if err != nil {
		t.Fatalf("Incr() error = %v", err)
	}
	if total != 3 {
		t.Errorf("total = %d, want 3", total)
	}

	total, _, _ = m.Incr(ctx, "c1", -1, time.Minute)
	if total != 2 {
		t.Errorf("total after decrement = %d, want 2", total)
	}

	val, ok, _ := m.Get(ctx, "c1")
	if !ok || val != 2 {
		t.Errorf("Get() = %d, %v, want 2, true", val, ok)
	}
}

func TestMemory_IncrTTLExpiry(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	m.Incr(ctx, "c1", 5, time.Minute)
	vc.Advance(time.Minute)

	if _, ok, _ := m.Get(ctx, "c1"); ok {
		t.Error("key should have expired")
	}

	// A fresh increment starts from zero, not the stale value.
	total, _, _ := m.Incr(ctx, "c1", 1, time.Minute)
	if total != 1 {
		t.Errorf("total after expiry = %d, want 1", total)
	}
}

func TestMemory_CompareAndSwap(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	// Missing key reads as zero.
	ok, err := m.CompareAndSwap(ctx, "c1", 0, 7, time.Minute)
	if err != nil || !ok {
		t.Fatalf("CAS from zero = %v, %v, want true", ok, err)
	}

	ok, _ = m.CompareAndSwap(ctx, "c1", 3, 9, time.Minute)
	if ok {
		t.Error("CAS with stale old value should fail")
	}

	ok, _ = m.CompareAndSwap(ctx, "c1", 7, 9, time.Minute)
	if !ok {
		t.Error("CAS with matching old value should succeed")
	}
	val, _, _ := m.Get(ctx, "c1")
	if val != 9 {
		t.Errorf("value = %d, want 9", val)
	}
}

func TestMemory_Expire(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	m.Incr(ctx, "c1", 1, 0)
	if err := m.Expire(ctx, "c1", 10*time.Second); err != nil {
		t.Fatalf("Expire() error = %v", err)
	}

	vc.Advance(10 * time.Second)
	if _, ok, _ := m.Get(ctx, "c1"); ok {
		t.Error("key should have expired after Expire TTL")
	}
}

func TestMemory_WindowIncr_AllowDeny(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	for i := 0; i < 3; i++ {
		res, err := m.WindowIncr(ctx, "k", time.Minute, 3, 1, true)
		if err != nil {
			t.Fatalf("WindowIncr() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	res, _ := m.WindowIncr(ctx, "k", time.Minute, 3, 1, true)
	if res.Allowed {
		t.Error("request over limit should be denied")
	}
	if res.Total != 4 {
		t.Errorf("Total = %d, want 4 (rejected attempt counted)", res.Total)
	}
}

func TestMemory_WindowIncr_RejectedNotCounted(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	m.WindowIncr(ctx, "k", time.Minute, 2, 2, false)
	res, _ := m.WindowIncr(ctx, "k", time.Minute, 2, 1, false)
	if res.Allowed {
		t.Fatal("should be denied")
	}
	if res.Total != 2 {
		t.Errorf("Total = %d, want 2 (rejection must not consume quota)", res.Total)
	}
}

func TestMemory_WindowIncr_ResetAtBoundary(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	m.WindowIncr(ctx, "k", time.Minute, 1, 1, true)
	res, _ := m.WindowIncr(ctx, "k", time.Minute, 1, 1, true)
	if res.Allowed {
		t.Fatal("second request should be denied")
	}

	vc.Advance(time.Minute)
	res, _ = m.WindowIncr(ctx, "k", time.Minute, 1, 1, true)
	if !res.Allowed {
		t.Error("request in the next window should be allowed")
	}
	if !res.WindowStart.Equal(epoch.Add(time.Minute)) {
		t.Errorf("WindowStart = %v, want %v", res.WindowStart, epoch.Add(time.Minute))
	}
}

func TestMemory_PairIncr_WeightedEstimate(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	// Fill the first window completely.
	for i := 0; i < 10; i++ {
		res, err := m.PairIncr(ctx, "k", time.Minute, 10, 1, true)
		if err != nil {
			t.Fatalf("PairIncr() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	// 30s into the next window: estimate = 0 + 10*(1-0.5) = 5,
	// so 5 more are admitted and the 6th is denied.
	vc.Advance(90 * time.Second)
	for i := 0; i < 5; i++ {
		res, _ := m.PairIncr(ctx, "k", time.Minute, 10, 1, true)
		if !res.Allowed {
			t.Fatalf("request %d in the new window should be allowed", i+1)
		}
	}
	res, _ := m.PairIncr(ctx, "k", time.Minute, 10, 1, true)
	if res.Allowed {
		t.Error("estimate should deny once current + weighted previous reaches the limit")
	}
	if res.Previous != 10 {
		t.Errorf("Previous = %d, want 10", res.Previous)
	}
}

func TestMemory_PairIncr_SkippedWindowClearsPrevious(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	for i := 0; i < 5; i++ {
		m.PairIncr(ctx, "k", time.Minute, 5, 1, true)
	}

	// Two idle windows later there is no carry-over at all.
	vc.Advance(3 * time.Minute)
	res, _ := m.PairIncr(ctx, "k", time.Minute, 5, 1, true)
	if !res.Allowed {
		t.Error("should be allowed after idle windows")
	}
	if res.Previous != 0 {
		t.Errorf("Previous = %d, want 0 after a skipped window", res.Previous)
	}
}

func TestMemory_LogAdd_PruneAndOldest(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	for i := 0; i < 3; i++ {
		res, err := m.LogAdd(ctx, "k", time.Minute, 3, 1, false)
		if err != nil {
			t.Fatalf("LogAdd() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		vc.Advance(10 * time.Second)
	}

	res, _ := m.LogAdd(ctx, "k", time.Minute, 3, 1, false)
	if res.Allowed {
		t.Fatal("4th request inside the window should be denied")
	}
	if res.Count != 3 {
		t.Errorf("Count = %d, want 3 (rejection appended nothing)", res.Count)
	}
	if !res.Oldest.Equal(epoch) {
		t.Errorf("Oldest = %v, want %v", res.Oldest, epoch)
	}

	// Once the oldest entry slides out, one slot frees up.
	vc.Advance(31 * time.Second)
	res, _ = m.LogAdd(ctx, "k", time.Minute, 3, 1, false)
	if !res.Allowed {
		t.Error("request should be allowed after the oldest entry expired")
	}
}

func TestMemory_LogAdd_CostConsumesMultipleSlots(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	res, _ := m.LogAdd(ctx, "k", time.Minute, 5, 3, false)
	if !res.Allowed || res.Count != 3 {
		t.Fatalf("cost-3 add: allowed=%v count=%d, want true, 3", res.Allowed, res.Count)
	}

	res, _ = m.LogAdd(ctx, "k", time.Minute, 5, 3, false)
	if res.Allowed {
		t.Error("second cost-3 add should be denied (3+3 > 5)")
	}

	res, _ = m.LogAdd(ctx, "k", time.Minute, 5, 2, false)
	if !res.Allowed {
		t.Error("cost-2 add should still fit")
	}
}

func TestMemory_BucketTake_RefillAndCap(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	// capacity 10, 2 tokens/sec. Drain the bucket.
	for i := 0; i < 10; i++ {
		res, err := m.BucketTake(ctx, "k", 10, 2, 1, time.Minute)
		if err != nil {
			t.Fatalf("BucketTake() error = %v", err)
		}
		if !res.Allowed {
			t.Fatalf("take %d should succeed", i+1)
		}
	}
	res, _ := m.BucketTake(ctx, "k", 10, 2, 1, time.Minute)
	if res.Allowed {
		t.Fatal("empty bucket should deny")
	}

	// 1.5s -> 3 tokens accrued; a cost-3 take must not be truncated away.
	vc.Advance(1500 * time.Millisecond)
	res, _ = m.BucketTake(ctx, "k", 10, 2, 3, time.Minute)
	if !res.Allowed {
		t.Error("cost-3 take should succeed after exactly 3 tokens accrued")
	}

	// A full refill period later the bucket holds capacity, not more.
	vc.Advance(time.Minute)
	res, _ = m.BucketTake(ctx, "k", 10, 2, 0, time.Minute)
	if res.Tokens != 10 {
		t.Errorf("Tokens = %v, want capacity 10", res.Tokens)
	}
}

func TestMemory_BucketTake_RejectionKeepsAccruing(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	// 1 token/sec, capacity 5, drained.
	for i := 0; i < 5; i++ {
		m.BucketTake(ctx, "k", 5, 1, 1, time.Minute)
	}

	// Hammering with rejected takes must not stall the refill: after five
	// 200ms-spaced rejections a full second has passed and one token exists.
	for i := 0; i < 4; i++ {
		vc.Advance(200 * time.Millisecond)
		res, _ := m.BucketTake(ctx, "k", 5, 1, 1, time.Minute)
		if res.Allowed {
			t.Fatalf("take at %dms should be denied", (i+1)*200)
		}
	}
	vc.Advance(200 * time.Millisecond)
	res, _ := m.BucketTake(ctx, "k", 5, 1, 1, time.Minute)
	if !res.Allowed {
		t.Error("refill must accrue across rejected takes")
	}
}

func TestMemory_KeyIsolation(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	m.WindowIncr(ctx, "a", time.Minute, 1, 1, true)
	res, _ := m.WindowIncr(ctx, "a", time.Minute, 1, 1, true)
	if res.Allowed {
		t.Fatal("key a should be exhausted")
	}
	res, _ = m.WindowIncr(ctx, "b", time.Minute, 1, 1, true)
	if !res.Allowed {
		t.Error("key b has its own budget")
	}
}

func TestMemory_ConcurrentWindowIncr(t *testing.T) {
	m, _ := newMemoryForTest()
	defer m.Close()

	const limit = 50
	var wg sync.WaitGroup
	allowed := make(chan bool, 2*limit)
	for i := 0; i < 2*limit; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.WindowIncr(ctx, "k", time.Minute, limit, 1, true)
			if err != nil {
				t.Error(err)
				return
			}
			allowed <- res.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	n := 0
	for ok := range allowed {
		if ok {
			n++
		}
	}
	if n != limit {
		t.Errorf("admitted %d of %d concurrent requests, want exactly %d", n, 2*limit, limit)
	}
}

func TestMemory_CleanupRemovesExpired(t *testing.T) {
	m, vc := newMemoryForTest()
	defer m.Close()

	m.Incr(ctx, "c1", 1, time.Second)
	m.BucketTake(ctx, "b1", 5, 1, 1, time.Second)
	m.WindowIncr(ctx, "w1", time.Second, 5, 1, true)
	if m.Len() == 0 {
		t.Fatal("expected live entries")
	}

	vc.Advance(time.Hour)
	m.Cleanup()
	if got := m.Len(); got != 0 {
		t.Errorf("Len() after cleanup = %d, want 0", got)
	}
}
