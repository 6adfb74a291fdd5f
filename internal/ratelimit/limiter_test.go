package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiterBurstThenRefill(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 2, Enabled: true})
	l.now = func() time.Time { return now }

	if !l.Allow("alice") || !l.Allow("alice") {
		t.Fatal("burst of 2 should be allowed")
	}
	ok, wait := l.Reserve("alice")
	if ok {
		t.Fatal("third request should be throttled")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want (0, 1s]", wait)
	}
	if !l.Allow("bob") {
		t.Fatal("keys must be independent")
	}

	now = now.Add(time.Second)
	if !l.Allow("alice") {
		t.Fatal("token should refill after one second")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1})
	for i := 0; i < 5; i++ {
		if !l.Allow("k") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	var nilLimiter *Limiter
	if !nilLimiter.Allow("k") {
		t.Fatal("nil limiter must allow")
	}
}

func TestLimiterPrunesIdleBuckets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLimiter(Config{RequestsPerSecond: 1, BurstSize: 1, Enabled: true})
	l.now = func() time.Time { return now }
	l.maxKeys = 2

	l.Allow("a")
	l.Allow("b")
	now = now.Add(time.Minute)
	l.Allow("c")

	if len(l.buckets) != 1 {
		t.Fatalf("buckets = %d, want 1 after prune", len(l.buckets))
	}
}

func TestDailyMeter(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 5, 4, 23, 0, 0, 0, time.UTC)
	meter := NewDailyMeter(NewMemoryDailyStore()).WithClock(func() time.Time { return day })

	for i := 0; i < 2; i++ {
		if _, err := meter.Check(ctx, "u1", "generate_image", 2); err != nil {
			t.Fatalf("Check #%d: %v", i, err)
		}
		if _, err := meter.Consume(ctx, "u1", "generate_image", 2); err != nil {
			t.Fatalf("Consume #%d: %v", i, err)
		}
	}

	q, err := meter.Check(ctx, "u1", "generate_image", 2)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if q.Remaining != 0 || q.Limit != 2 {
		t.Fatalf("quota = %+v", q)
	}

	if _, err := meter.Check(ctx, "u2", "generate_image", 2); err != nil {
		t.Fatalf("other caller should be unaffected: %v", err)
	}

	day = day.Add(2 * time.Hour)
	if _, err := meter.Check(ctx, "u1", "generate_image", 2); err != nil {
		t.Fatalf("new UTC day should reset: %v", err)
	}
}
