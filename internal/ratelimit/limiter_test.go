package ratelimit

import (
	"sync"
	"testing"
	"time"

	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// fakeClock is a manually advanced clock for window tests.
type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{cur: time.Date(2025, time.March, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, cfg Config) (*Limiter, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	l := New(cfg, logx.Nop(), nil)
	l.now = clk.Now
	return l, clk
}

func TestReserveGlobalMinuteCeiling(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, Config{GlobalPerMinute: 2, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	if d := l.Reserve("alice"); !d.Allowed {
		t.Fatalf("first send denied: %+v", d)
	}
	clk.Advance(20 * time.Second)
	if d := l.Reserve("bob"); !d.Allowed {
		t.Fatalf("second send denied: %+v", d)
	}

	d := l.Reserve("carol")
	if d.Allowed {
		t.Fatal("third send within the minute should be denied")
	}
	if d.Scope != ScopeGlobalMinute {
		t.Fatalf("scope = %q, want %q", d.Scope, ScopeGlobalMinute)
	}
	// Oldest sample is 20s old, so capacity frees in 40s.
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("retry after = %v, want 40s", d.RetryAfter)
	}

	clk.Advance(40 * time.Second)
	if d := l.Reserve("carol"); !d.Allowed {
		t.Fatalf("send after window expiry denied: %+v", d)
	}
}

func TestRetryAfterWholeSeconds(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, Config{GlobalPerMinute: 1, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	l.Reserve("alice")
	clk.Advance(100 * time.Millisecond)
	if d := l.CanSend("bob"); d.Allowed || d.RetryAfter != 60*time.Second {
		t.Fatalf("retry after = %v, want 60s (59.9s rounded up)", d.RetryAfter)
	}

	clk.Advance(59400 * time.Millisecond) // 59.5s elapsed in total
	if d := l.CanSend("bob"); d.Allowed || d.RetryAfter != time.Second {
		t.Fatalf("retry after = %v, want the 1s floor", d.RetryAfter)
	}
}

func TestPerRecipientIndependence(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 1})

	if d := l.Reserve("alice"); !d.Allowed {
		t.Fatalf("first send to alice denied: %+v", d)
	}
	d := l.Reserve("alice")
	if d.Allowed {
		t.Fatal("second send to alice should be denied")
	}
	if d.Scope != ScopeRecipient {
		t.Fatalf("scope = %q, want %q", d.Scope, ScopeRecipient)
	}
	if d := l.Reserve("bob"); !d.Allowed {
		t.Fatalf("send to bob should not be affected by alice's window: %+v", d)
	}
}

func TestGlobalHourCeiling(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 3, PerRecipientPerMinute: 100})

	for i, to := range []transport.Recipient{"a", "b", "c"} {
		if d := l.Reserve(to); !d.Allowed {
			t.Fatalf("send %d denied: %+v", i, d)
		}
		clk.Advance(61 * time.Second)
	}

	d := l.CanSend("d")
	if d.Allowed {
		t.Fatal("fourth send within the hour should be denied")
	}
	if d.Scope != ScopeGlobalHour {
		t.Fatalf("scope = %q, want %q", d.Scope, ScopeGlobalHour)
	}
	// Oldest sample is 183s old, so capacity frees in 3417s.
	if want := 3417 * time.Second; d.RetryAfter != want {
		t.Fatalf("retry after = %v, want %v", d.RetryAfter, want)
	}

	clk.Advance(3417 * time.Second)
	if d := l.CanSend("d"); !d.Allowed {
		t.Fatalf("send after hour expiry denied: %+v", d)
	}
}

func TestConcurrentReserveAdmitsCeiling(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 5, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if d := l.Reserve(transport.Recipient(rune('a' + i))); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if allowed != 5 {
		t.Fatalf("admitted %d concurrent sends, want exactly 5", allowed)
	}
}

func TestCanSendDoesNotConsume(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 1, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	for i := 0; i < 10; i++ {
		if d := l.CanSend("alice"); !d.Allowed {
			t.Fatalf("CanSend %d consumed capacity: %+v", i, d)
		}
	}
	if d := l.Reserve("alice"); !d.Allowed {
		t.Fatalf("reserve after checks denied: %+v", d)
	}
}

func TestStatsAndPrune(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	l.RecordSent("alice")
	l.RecordSent("bob")

	st := l.Stats()
	if st.LastMinute != 2 || st.LastHour != 2 || st.TrackedRecipients != 2 {
		t.Fatalf("stats = %+v, want 2/2 with 2 recipients", st)
	}

	clk.Advance(61 * time.Second)
	st = l.Stats()
	if st.LastMinute != 0 {
		t.Fatalf("minute count = %d after expiry, want 0", st.LastMinute)
	}
	if st.LastHour != 2 {
		t.Fatalf("hour count = %d, want 2", st.LastHour)
	}
	if st.TrackedRecipients != 0 {
		t.Fatalf("tracked recipients = %d after minute expiry, want 0", st.TrackedRecipients)
	}
}

func TestApplyTightensCeilings(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 10, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	for i := 0; i < 3; i++ {
		if d := l.Reserve("alice"); !d.Allowed {
			t.Fatalf("send %d denied: %+v", i, d)
		}
	}

	l.Apply(Config{GlobalPerMinute: 3, GlobalPerHour: 100, PerRecipientPerMinute: 100})
	if d := l.CanSend("bob"); d.Allowed {
		t.Fatal("existing samples should count against the lowered ceiling")
	}
}
