// Package oneshot schedules one-time deliveries. Jobs are polled rather than
// timer-driven: a due job is moved out of the pending set under the lock
// before its dispatch starts, so overlapping checks can never fire it twice.
// Pending jobs persist through a Store and are reloaded on startup, which
// biases delivery to at-least-once across restarts.
package oneshot

import (
	"context"
	"sync"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

// Config tunes polling and persistence. Zero values fall back to defaults.
type Config struct {
	// PollInterval is how often due jobs are checked.
	PollInterval time.Duration
	// SaveInterval is how often a dirty pending set is flushed to the store.
	SaveInterval time.Duration
	// StaleAfter drops loaded jobs whose fire time passed this long ago.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.SaveInterval <= 0 {
		c.SaveInterval = 2 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 24 * time.Hour
	}
	return c
}

// Service owns the pending set. The store may be nil, which keeps jobs in
// memory only.
type Service struct {
	log        logx.Logger
	bus        eventbus.Bus
	store      Store
	dispatcher Dispatcher

	mu      sync.Mutex
	cfg     Config
	pending []Job
	dirty   bool

	stopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds the service. A zero logger is replaced with a no-op one; store
// and bus may be nil.
func New(cfg Config, store Store, dispatcher Dispatcher, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:        log.With(logx.String("service", "oneshot")),
		bus:        bus,
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
}

// Apply swaps the polling config; the loops pick the new intervals up on
// their next tick.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Start loads persisted jobs, fires anything already due and launches the
// poll and save loops. Safe to call once; a second call while running is a
// no-op.
func (s *Service) Start(ctx context.Context) {
	s.stopMu.Lock()
	if s.stopCh != nil {
		s.stopMu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	s.stopCh = stopCh
	s.stopMu.Unlock()

	s.loadFromStore(ctx)
	s.CheckPending(ctx)

	s.wg.Add(2)
	go s.pollLoop(ctx, stopCh)
	go s.saveLoop(ctx, stopCh)
	s.log.Info("started", logx.Int("pending", s.pendingCount()))
}

// Stop halts the loops, waits for them bounded by ctx and flushes any dirty
// pending set.
func (s *Service) Stop(ctx context.Context) {
	s.stopMu.Lock()
	stopCh := s.stopCh
	s.stopCh = nil
	s.stopMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}

	s.saveIfDirty(ctx)
	s.log.Info("stopped")
}

func (s *Service) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		t := time.NewTimer(s.interval(func(c Config) time.Duration { return c.PollInterval }))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
			s.CheckPending(ctx)
		}
	}
}

func (s *Service) saveLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()
	for {
		t := time.NewTimer(s.interval(func(c Config) time.Duration { return c.SaveInterval }))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
			s.saveIfDirty(ctx)
		}
	}
}

func (s *Service) interval(pick func(Config) time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return pick(s.cfg)
}

func (s *Service) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// loadFromStore merges persisted jobs into the pending set. Jobs added
// before Start win over their persisted copies; stale jobs are dropped.
func (s *Service) loadFromStore(ctx context.Context) {
	if s.store == nil {
		return
	}
	loaded, err := s.store.LoadJobs(ctx)
	if err != nil {
		s.log.Error("loading pending jobs failed", logx.Err(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-s.cfg.StaleAfter)
	have := make(map[string]bool, len(s.pending))
	for _, j := range s.pending {
		have[j.ID] = true
	}
	kept, stale := 0, 0
	for _, j := range loaded {
		if have[j.ID] {
			continue
		}
		if j.FireAt.Before(cutoff) {
			stale++
			s.log.Warn("dropping stale job",
				logx.String("id", j.ID),
				logx.Time("fire_at", j.FireAt),
				logx.Duration("overdue", now.Sub(j.FireAt)))
			continue
		}
		s.pending = append(s.pending, j)
		kept++
	}
	if stale > 0 {
		s.dirty = true
	}
	s.log.Debug("jobs loaded", logx.Int("kept", kept), logx.Int("stale", stale))
}

// saveIfDirty flushes the pending set when it changed since the last flush.
// A failed save keeps the set marked dirty for the next attempt.
func (s *Service) saveIfDirty(ctx context.Context) {
	if s.store == nil {
		return
	}
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	jobs := append([]Job(nil), s.pending...)
	s.dirty = false
	s.mu.Unlock()

	if err := s.store.SaveJobs(ctx, jobs); err != nil {
		s.mu.Lock()
		s.dirty = true
		s.mu.Unlock()
		s.log.Warn("saving pending jobs failed", logx.Err(err))
		return
	}
	s.log.Debug("jobs saved", logx.Int("count", len(jobs)))
}

// fire delivers one due job on its own goroutine.
func (s *Service) fire(ctx context.Context, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job delivery panicked", logx.String("id", job.ID), logx.Any("panic", r))
		}
	}()
	if ctx.Err() != nil {
		return
	}

	start := time.Now()
	res := s.dispatcher.Deliver(ctx, job.Recipients, job.Message)
	s.log.Info("job fired",
		logx.String("id", job.ID),
		logx.Time("fire_at", job.FireAt),
		logx.Int("sent", res.Sent),
		logx.Int("failed", res.Failed),
		logx.Duration("dur", time.Since(start)))
	if s.bus != nil {
		now := time.Now()
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeOneshotFired, Time: now, Data: FireEvent{ID: job.ID, Sent: res.Sent, Failed: res.Failed, Total: res.Total, At: now}})
	}
}
