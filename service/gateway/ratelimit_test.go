package gateway

import (
	"testing"
	"time"
)

func newTestLimiter(capacity int, refill float64, clock func() time.Time) *RateLimiter {
	l := NewRateLimiter(RateLimiterConf{
		Capacity:  capacity,
		RefillPS:  refill,
		IdleEvict: 10 * time.Minute,
		Clock:     clock,
	})
	return l
}

func TestRateLimiterBurstThenReject(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newTestLimiter(100, 100, func() time.Time { return now })
	defer l.Close()

	for i := 0; i < 100; i++ {
		if !l.Admit("10.0.0.1") {
			t.Fatalf("attempt %d rejected, want first 100 admitted", i+1)
		}
	}
	if l.Admit("10.0.0.1") {
		t.Fatalf("attempt 101 admitted, want reject")
	}
	// 其他地址不受影响
	if !l.Admit("10.0.0.2") {
		t.Fatalf("fresh addr rejected")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newTestLimiter(10, 5, func() time.Time { return now })
	defer l.Close()

	for i := 0; i < 10; i++ {
		if !l.Admit("a") {
			t.Fatalf("burst attempt %d rejected", i+1)
		}
	}
	if l.Admit("a") {
		t.Fatalf("want reject after burst drained")
	}

	now = now.Add(time.Second) // 补 5 个令牌
	for i := 0; i < 5; i++ {
		if !l.Admit("a") {
			t.Fatalf("refilled attempt %d rejected", i+1)
		}
	}
	if l.Admit("a") {
		t.Fatalf("want reject after refill consumed")
	}
}

func TestRateLimiterIdleEviction(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewRateLimiter(RateLimiterConf{
		Capacity:  10,
		RefillPS:  10,
		IdleEvict: time.Minute,
		Clock:     func() time.Time { return now },
	})
	defer l.Close()

	l.Admit("a")
	l.Admit("b")
	if got := l.Size(); got != 2 {
		t.Fatalf("Size = %d, want 2", got)
	}

	now = now.Add(30 * time.Second)
	l.Admit("b") // 续活 b
	now = now.Add(45 * time.Second)
	l.sweepOnce(now) // a 空闲 75s > 1min，b 空闲 45s
	if got := l.Size(); got != 1 {
		t.Fatalf("Size after sweep = %d, want 1", got)
	}
	if _, ok := l.buckets["b"]; !ok {
		t.Fatalf("active bucket b evicted")
	}
}
