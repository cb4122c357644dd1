package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mtx sync.Mutex
	t   time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	c.t = c.t.Add(d)
	c.mtx.Unlock()
}

func mustLimiter(t *testing.T, policy Policy, limit uint, window time.Duration, clock *fakeClock) *limiter {
	t.Helper()
	l, err := New(policy, limit, window, WithClock(clock.Now))
	if err != nil {
		t.Fatal(err)
	}
	return l.(*limiter)
}

func TestLimiter_AllowsUpToLimit(t *testing.T) {
	for _, policy := range []Policy{Fixed, Sliding, Token} {
		t.Run(string(policy), func(t *testing.T) {
			clock := newFakeClock()
			l := mustLimiter(t, policy, 10, time.Hour*6, clock)

			for i := 0; i < 10; i++ {
				if !l.Allow("1.2.3.4") {
					t.Fatalf("expected allow on iteration %d", i)
				}
			}
			if l.Allow("1.2.3.4") {
				t.Fatal("expected eleventh hit to be limited")
			}
		})
	}
}

func TestLimiter_IsolatesKeys(t *testing.T) {
	for _, policy := range []Policy{Fixed, Sliding, Token} {
		t.Run(string(policy), func(t *testing.T) {
			clock := newFakeClock()
			l := mustLimiter(t, policy, 1, time.Minute, clock)

			if !l.Allow("a") {
				t.Fatal("expected a to be allowed")
			}
			if l.Allow("a") {
				t.Fatal("expected a to be limited")
			}
			if !l.Allow("b") {
				t.Fatal("expected b to be allowed independently")
			}
		})
	}
}

func TestLimiter_WindowReset(t *testing.T) {
	for _, policy := range []Policy{Fixed, Sliding, Token} {
		t.Run(string(policy), func(t *testing.T) {
			clock := newFakeClock()
			l := mustLimiter(t, policy, 2, time.Minute, clock)

			l.Allow("k")
			l.Allow("k")
			if l.Allow("k") {
				t.Fatal("expected limit")
			}
			clock.Advance(time.Minute + time.Second)
			if !l.Allow("k") {
				t.Fatal("expected allow after window")
			}
		})
	}
}

func TestSliding_TrailingWindow(t *testing.T) {
	clock := newFakeClock()
	l := mustLimiter(t, Sliding, 2, time.Minute, clock)

	l.Allow("k")
	clock.Advance(time.Second * 40)
	l.Allow("k")
	clock.Advance(time.Second * 30)

	// The first hit has left the window, the second has not.
	if !l.Allow("k") {
		t.Fatal("expected allow")
	}
	if l.Allow("k") {
		t.Fatal("expected limit")
	}
}

func TestFixed_WindowIsNotSliding(t *testing.T) {
	clock := newFakeClock()
	l := mustLimiter(t, Fixed, 2, time.Minute, clock)

	l.Allow("k")
	clock.Advance(time.Second * 59)
	l.Allow("k")
	clock.Advance(time.Second * 2)

	// A new window has started.
	if !l.Allow("k") {
		t.Fatal("expected allow")
	}
	if !l.Allow("k") {
		t.Fatal("expected allow")
	}
	if l.Allow("k") {
		t.Fatal("expected limit")
	}
}

func TestToken_PartialRefill(t *testing.T) {
	clock := newFakeClock()
	l := mustLimiter(t, Token, 10, time.Second*10, clock)

	for i := 0; i < 10; i++ {
		l.Allow("k")
	}
	if l.Allow("k") {
		t.Fatal("expected limit")
	}
	clock.Advance(time.Second)
	if !l.Allow("k") {
		t.Fatal("expected one refilled token")
	}
	if l.Allow("k") {
		t.Fatal("expected limit")
	}
}

func TestLimiter_RejectedHitsAreNotCounted(t *testing.T) {
	clock := newFakeClock()
	l := mustLimiter(t, Sliding, 1, time.Minute, clock)

	l.Allow("k")
	clock.Advance(time.Second * 30)
	l.Allow("k")
	clock.Advance(time.Second * 31)
	if !l.Allow("k") {
		t.Fatal("expected allow")
	}
}

func TestLimiter_Cleanup(t *testing.T) {
	clock := newFakeClock()
	l := mustLimiter(t, Fixed, 5, time.Minute, clock)

	l.Allow("stale")
	clock.Advance(time.Second * 30)
	l.Allow("fresh")
	clock.Advance(time.Second * 31)

	l.Cleanup()
	if n := l.size(); n != 1 {
		t.Fatalf("expected 1 key after cleanup, got %d", n)
	}
	s := l.shard("fresh")
	s.mu.Lock()
	_, ok := s.counters["fresh"]
	s.mu.Unlock()
	if !ok {
		t.Fatal("expected fresh key to survive cleanup")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l, err := New(Fixed, 100, time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		allowed int64
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if l.Allow("shared") {
					atomic.AddInt64(&allowed, 1)
				}
			}
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Fatalf("expected exactly 100 allowed hits, got %d", allowed)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		policy Policy
		limit  uint
		window time.Duration
	}{
		{Fixed, 0, time.Minute},
		{Fixed, 1, 0},
		{Policy("leaky"), 1, time.Minute},
	}
	for i, test := range tests {
		if _, err := New(test.policy, test.limit, test.window); err == nil {
			t.Errorf("test %d: expected error", i)
		}
	}
}

func TestParsePolicy(t *testing.T) {
	for _, s := range []string{"fixed", "SLIDING", "Token"} {
		if _, err := ParsePolicy(s); err != nil {
			t.Errorf("%s: %s", s, err)
		}
	}
	if _, err := ParsePolicy("leaky"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func BenchmarkLimiter_Allow(b *testing.B) {
	l, _ := New(Token, 1000, time.Second)
	keys := make([]string, 64)
	for i := range keys {
		keys[i] = fmt.Sprintf("10.0.0.%d", i)
	}
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			l.Allow(keys[i%len(keys)])
			i++
		}
	})
}
