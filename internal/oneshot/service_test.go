package oneshot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/internal/dispatch"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

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

type dispatchCall struct {
	recipients []transport.Recipient
	text       string
}

type fakeDispatcher struct {
	mu      sync.Mutex
	calls   []dispatchCall
	fired   chan struct{}
	release chan struct{} // when non-nil, Deliver blocks on it
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{fired: make(chan struct{}, 8)}
}

func (f *fakeDispatcher) Deliver(ctx context.Context, recipients []transport.Recipient, text string) dispatch.Result {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{recipients: append([]transport.Recipient(nil), recipients...), text: text})
	release := f.release
	f.mu.Unlock()
	if release != nil {
		<-release
	}
	select {
	case f.fired <- struct{}{}:
	default:
	}
	return dispatch.Result{Sent: len(recipients), Total: len(recipients)}
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memStore struct {
	mu    sync.Mutex
	jobs  []Job
	saves int
	fail  bool
}

func (m *memStore) LoadJobs(ctx context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.jobs...), nil
}

func (m *memStore) SaveJobs(ctx context.Context, jobs []Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("store unavailable")
	}
	m.jobs = append([]Job(nil), jobs...)
	m.saves++
	return nil
}

func (m *memStore) stored() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Job(nil), m.jobs...)
}

func newTestService(t *testing.T, cfg Config, store Store) (*Service, *fakeDispatcher, *fakeClock) {
	t.Helper()
	fd := newFakeDispatcher()
	clk := newFakeClock()
	s := New(cfg, store, fd, logx.Nop(), nil)
	s.now = clk.Now
	return s, fd, clk
}

func TestAddValidation(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{}, nil)
	fireAt := clk.Now().Add(time.Hour)

	cases := []struct {
		name       string
		recipients []transport.Recipient
		message    string
		fireAt     time.Time
		wantErr    bool
	}{
		{name: "valid", recipients: []transport.Recipient{"42"}, message: "hi", fireAt: fireAt},
		{name: "no recipients", recipients: nil, message: "hi", fireAt: fireAt, wantErr: true},
		{name: "blank recipients", recipients: []transport.Recipient{" ", ""}, message: "hi", fireAt: fireAt, wantErr: true},
		{name: "empty message", recipients: []transport.Recipient{"42"}, message: "  ", fireAt: fireAt, wantErr: true},
		{name: "zero fire time", recipients: []transport.Recipient{"42"}, message: "hi", wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			job, err := s.Add(tc.recipients, tc.message, tc.fireAt)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error, got job %+v", job)
				}
				return
			}
			if err != nil {
				t.Fatalf("Add: %v", err)
			}
			if !strings.HasPrefix(job.ID, "once-") {
				t.Fatalf("job ID = %q, want once- prefix", job.ID)
			}
			if job.CreatedAt.IsZero() {
				t.Fatal("CreatedAt not set")
			}
		})
	}
}

func TestAddGeneratesUniqueIDs(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{}, nil)
	fireAt := clk.Now().Add(time.Hour)

	a, err := s.Add([]transport.Recipient{"42"}, "hi", fireAt)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	b, err := s.Add([]transport.Recipient{"42"}, "hi", fireAt)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if a.ID == b.ID {
		t.Fatalf("both jobs got ID %q", a.ID)
	}
}

func TestAddPersistsImmediately(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	s, _, clk := newTestService(t, Config{SaveInterval: time.Hour}, store)

	// No Start: neither the save loop nor Stop runs here.
	job, err := s.Add([]transport.Recipient{"42"}, "hi", clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	stored := store.stored()
	if len(stored) != 1 || stored[0].ID != job.ID {
		t.Fatalf("stored = %+v, want the job saved before Add returns", stored)
	}
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if dirty {
		t.Fatal("successful save should clear the dirty flag")
	}
}

func TestCheckPendingPartitionsBeforeDispatch(t *testing.T) {
	t.Parallel()
	s, fd, clk := newTestService(t, Config{}, nil)
	release := make(chan struct{})
	fd.release = release

	if _, err := s.Add([]transport.Recipient{"42"}, "due now", clk.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}
	future, err := s.Add([]transport.Recipient{"42"}, "later", clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.CheckPending(context.Background())

	// The due job left the pending set before its delivery finished.
	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != future.ID {
		t.Fatalf("pending = %+v, want only the future job", pending)
	}

	close(release)
	select {
	case <-fd.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("due job never fired")
	}

	fd.mu.Lock()
	defer fd.mu.Unlock()
	if len(fd.calls) != 1 || fd.calls[0].text != "due now" {
		t.Fatalf("calls = %+v, want one delivery of the due job", fd.calls)
	}
}

func TestCheckPendingConcurrentFiresOnce(t *testing.T) {
	t.Parallel()
	s, fd, clk := newTestService(t, Config{}, nil)

	if _, err := s.Add([]transport.Recipient{"42"}, "due", clk.Now()); err != nil {
		t.Fatalf("Add: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.CheckPending(context.Background())
		}()
	}
	wg.Wait()

	select {
	case <-fd.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("due job never fired")
	}
	time.Sleep(50 * time.Millisecond)

	if got := fd.callCount(); got != 1 {
		t.Fatalf("dispatched %d times under concurrent checks, want exactly 1", got)
	}
	if got := len(s.Pending()); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestStartLoadsFiresAndDropsStale(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	store := &memStore{jobs: []Job{
		{ID: "once-1-due", Recipients: []transport.Recipient{"42"}, Message: "overdue", FireAt: clk.Now().Add(-time.Hour), CreatedAt: clk.Now().Add(-2 * time.Hour)},
		{ID: "once-2-stale", Recipients: []transport.Recipient{"42"}, Message: "ancient", FireAt: clk.Now().Add(-25 * time.Hour), CreatedAt: clk.Now().Add(-26 * time.Hour)},
		{ID: "once-3-future", Recipients: []transport.Recipient{"42"}, Message: "later", FireAt: clk.Now().Add(time.Hour), CreatedAt: clk.Now()},
	}}

	fd := newFakeDispatcher()
	s := New(Config{PollInterval: 50 * time.Millisecond, SaveInterval: time.Hour}, store, fd, logx.Nop(), nil)
	s.now = clk.Now

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	select {
	case <-fd.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("overdue job never fired")
	}

	pending := s.Pending()
	if len(pending) != 1 || pending[0].ID != "once-3-future" {
		t.Fatalf("pending = %+v, want only the future job", pending)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	// The stale job is gone from the store, the overdue one was consumed by
	// its fire, and the future job survives the flush.
	stored := store.stored()
	if len(stored) != 1 || stored[0].ID != "once-3-future" {
		t.Fatalf("stored = %+v, want only the future job", stored)
	}
	if got := fd.callCount(); got != 1 {
		t.Fatalf("dispatched %d times, want only the overdue job", got)
	}
}

func TestStopFlushesPending(t *testing.T) {
	t.Parallel()
	store := &memStore{}
	s, _, clk := newTestService(t, Config{PollInterval: time.Hour, SaveInterval: time.Hour}, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	job, err := s.Add([]transport.Recipient{"42"}, "hi", clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	stored := store.stored()
	if len(stored) != 1 || stored[0].ID != job.ID {
		t.Fatalf("stored = %+v, want the pending job flushed on stop", stored)
	}
}

func TestSaveFailureStaysDirty(t *testing.T) {
	t.Parallel()
	store := &memStore{fail: true}
	s, _, clk := newTestService(t, Config{}, store)

	if _, err := s.Add([]transport.Recipient{"42"}, "hi", clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.saveIfDirty(context.Background())
	s.mu.Lock()
	dirty := s.dirty
	s.mu.Unlock()
	if !dirty {
		t.Fatal("failed save should leave the set dirty")
	}

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	s.saveIfDirty(context.Background())
	if got := len(store.stored()); got != 1 {
		t.Fatalf("stored = %d jobs after retry, want 1", got)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{}, nil)

	job, err := s.Add([]transport.Recipient{"42"}, "hi", clk.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if !s.Remove(job.ID) {
		t.Fatal("Remove should report a removal")
	}
	if s.Remove(job.ID) {
		t.Fatal("second removal should be a no-op")
	}
	if got := len(s.Pending()); got != 0 {
		t.Fatalf("pending = %d, want 0", got)
	}
}

func TestPendingSortedByFireTime(t *testing.T) {
	t.Parallel()
	s, _, clk := newTestService(t, Config{}, nil)
	base := clk.Now()

	for _, offset := range []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour} {
		if _, err := s.Add([]transport.Recipient{"42"}, "hi", base.Add(offset)); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	pending := s.Pending()
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 3", len(pending))
	}
	for i := 1; i < len(pending); i++ {
		if pending[i].FireAt.Before(pending[i-1].FireAt) {
			t.Fatalf("pending not sorted by fire time: %+v", pending)
		}
	}
}
