package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

func TestQueueMessageImmediateWhenAllowed(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	called := false
	out, err := l.QueueMessage(context.Background(), "alice", "hi", func(ctx context.Context) error {
		called = true
		return nil
	})
	if err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	if out != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", out)
	}
	if !called {
		t.Fatal("send func was not invoked")
	}
	if st := l.Stats(); st.QueueLen != 0 {
		t.Fatalf("queue len = %d, want 0", st.QueueLen)
	}
}

func TestQueueMessageSendErrorPropagates(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 1, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	sentinel := errors.New("boom")
	out, err := l.QueueMessage(context.Background(), "alice", "hi", func(ctx context.Context) error {
		return sentinel
	})
	if out != OutcomeSent || !errors.Is(err, sentinel) {
		t.Fatalf("got (%v, %v), want (sent, boom)", out, err)
	}
	// The failed attempt still consumed the reservation.
	if d := l.CanSend("bob"); d.Allowed {
		t.Fatal("capacity should be consumed by the failed send")
	}
}

func TestQueueMessageParksWhenDenied(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 1, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	l.Reserve("alice")
	out, err := l.QueueMessage(context.Background(), "bob", "hi", func(ctx context.Context) error {
		t.Error("send func must not run for a parked delivery")
		return nil
	})
	if err != nil {
		t.Fatalf("QueueMessage: %v", err)
	}
	if out != OutcomeQueued {
		t.Fatalf("outcome = %v, want queued", out)
	}

	l.mu.Lock()
	qlen := len(l.queue)
	hint := l.queue[0].waitHint
	l.mu.Unlock()
	if qlen != 1 {
		t.Fatalf("queue len = %d, want 1", qlen)
	}
	if hint != 60*time.Second {
		t.Fatalf("wait hint = %v, want 60s", hint)
	}
}

func TestQueueMessageNilSend(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{})
	if _, err := l.QueueMessage(context.Background(), "alice", "hi", nil); err == nil {
		t.Fatal("expected an error for a nil send func")
	}
}

func TestProcessQueueFIFO(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	var mu sync.Mutex
	var order []string
	for _, text := range []string{"first", "second", "third"} {
		text := text
		l.mu.Lock()
		l.queue = append(l.queue, &queuedSend{to: "alice", text: text, queuedAt: l.now(), send: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, text)
			mu.Unlock()
			return nil
		}})
		l.mu.Unlock()
	}

	l.ProcessQueue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("drain order = %v, want [first second third]", order)
	}
	if st := l.Stats(); st.QueueLen != 0 {
		t.Fatalf("queue len = %d after drain, want 0", st.QueueLen)
	}
}

func TestProcessQueueSingleFlight(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var calls atomic.Int32
	l.mu.Lock()
	l.queue = append(l.queue, &queuedSend{to: "alice", text: "hi", queuedAt: l.now(), send: func(ctx context.Context) error {
		calls.Add(1)
		once.Do(func() { close(entered) })
		<-release
		return nil
	}})
	l.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		l.ProcessQueue(context.Background())
	}()
	<-entered

	// An overlapping drain must bail out without touching the queue.
	l.ProcessQueue(context.Background())
	if got := calls.Load(); got != 1 {
		t.Fatalf("send ran %d times during overlap, want 1", got)
	}

	close(release)
	<-done
	if got := calls.Load(); got != 1 {
		t.Fatalf("send ran %d times total, want 1", got)
	}
	if st := l.Stats(); st.QueueLen != 0 {
		t.Fatalf("queue len = %d after drain, want 0", st.QueueLen)
	}
}

func TestProcessQueueDeniedKeepsPositionAndHint(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t, Config{GlobalPerMinute: 1, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	l.Reserve("alice")
	l.mu.Lock()
	l.queue = append(l.queue, &queuedSend{to: "bob", text: "hi", queuedAt: l.now(), send: func(ctx context.Context) error {
		t.Error("denied delivery must not be sent")
		return nil
	}})
	l.mu.Unlock()

	clk.Advance(10 * time.Second)
	l.ProcessQueue(context.Background())

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) != 1 {
		t.Fatalf("queue len = %d, want the denied item kept", len(l.queue))
	}
	if l.queue[0].waitHint != 50*time.Second {
		t.Fatalf("wait hint = %v, want the refreshed 50s", l.queue[0].waitHint)
	}
}

func TestProcessQueueFailedStaysInPlace(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	var mu sync.Mutex
	var attempts []string
	var failFirst atomic.Bool
	failFirst.Store(true)

	l.mu.Lock()
	l.queue = append(l.queue,
		&queuedSend{to: "alice", text: "first", queuedAt: l.now(), send: func(ctx context.Context) error {
			mu.Lock()
			attempts = append(attempts, "first")
			mu.Unlock()
			if failFirst.Load() {
				return errors.New("transient")
			}
			return nil
		}},
		&queuedSend{to: "bob", text: "second", queuedAt: l.now(), send: func(ctx context.Context) error {
			mu.Lock()
			attempts = append(attempts, "second")
			mu.Unlock()
			return nil
		}},
	)
	l.mu.Unlock()

	l.ProcessQueue(context.Background())

	l.mu.Lock()
	if len(l.queue) != 1 || l.queue[0].text != "first" {
		l.mu.Unlock()
		t.Fatalf("queue after drain should hold only the failed head")
	}
	l.mu.Unlock()

	failFirst.Store(false)
	l.ProcessQueue(context.Background())

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "second", "first"}
	if len(attempts) != len(want) {
		t.Fatalf("attempts = %v, want %v", attempts, want)
	}
	for i := range want {
		if attempts[i] != want[i] {
			t.Fatalf("attempts = %v, want %v", attempts, want)
		}
	}
	if st := l.Stats(); st.QueueLen != 0 {
		t.Fatalf("queue len = %d after retry, want 0", st.QueueLen)
	}
}

func TestProcessQueueDropsStale(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	clk := newFakeClock()
	l := New(Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100, MaxQueueAge: 30 * time.Minute}, logx.Nop(), bus)
	l.now = clk.Now

	dropped, unsub := bus.Subscribe(1)
	defer unsub()

	l.mu.Lock()
	l.queue = append(l.queue, &queuedSend{to: "alice", text: "hi", queuedAt: l.now(), send: func(ctx context.Context) error {
		t.Error("stale delivery must not be sent")
		return nil
	}})
	l.mu.Unlock()

	clk.Advance(31 * time.Minute)
	l.ProcessQueue(context.Background())

	if st := l.Stats(); st.QueueLen != 0 {
		t.Fatalf("queue len = %d, want stale item dropped", st.QueueLen)
	}
	select {
	case ev := <-dropped:
		if ev.Type != eventbus.TypeQueueDropped {
			t.Fatalf("event type = %q, want %q", ev.Type, eventbus.TypeQueueDropped)
		}
		qe, ok := ev.Data.(QueueEvent)
		if !ok || qe.To != "alice" {
			t.Fatalf("unexpected drop event payload: %#v", ev.Data)
		}
	case <-time.After(time.Second):
		t.Fatal("no drop event published")
	}
}

func TestProcessQueueContextCancelled(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100})

	l.mu.Lock()
	l.queue = append(l.queue, &queuedSend{to: "alice", text: "hi", queuedAt: l.now(), send: func(ctx context.Context) error {
		t.Error("send must not run with a cancelled context")
		return nil
	}})
	l.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.ProcessQueue(ctx)

	if st := l.Stats(); st.QueueLen != 1 {
		t.Fatalf("queue len = %d, want the item kept for the next drain", st.QueueLen)
	}
}

func TestDrainLoopStartStop(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t, Config{GlobalPerMinute: 100, GlobalPerHour: 100, PerRecipientPerMinute: 100, DrainInterval: 20 * time.Millisecond})

	sent := make(chan struct{}, 1)
	l.mu.Lock()
	l.queue = append(l.queue, &queuedSend{to: "alice", text: "hi", queuedAt: l.now(), send: func(ctx context.Context) error {
		sent <- struct{}{}
		return nil
	}})
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l.Start(ctx)
	defer l.Stop(context.Background())

	select {
	case <-sent:
	case <-ctx.Done():
		t.Fatal("drain loop never delivered the queued message")
	}
}
