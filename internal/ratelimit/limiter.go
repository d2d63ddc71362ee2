package ratelimit

import (
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/eventbus"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

const (
	minuteWindow = time.Minute
	hourWindow   = time.Hour
)

// Limiter tracks send timestamps in sliding windows and parks denied
// deliveries in a FIFO retry queue. All window state lives behind one mutex
// so Reserve is a single atomic check-and-record.
type Limiter struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	global []time.Time // ascending, pruned to the hour horizon
	perTo  map[transport.Recipient][]time.Time
	queue  []*queuedSend

	draining atomic.Bool

	stopMu sync.Mutex
	stopCh chan struct{}
	wg     sync.WaitGroup

	now func() time.Time
}

// New builds a limiter. A zero logger is replaced with a no-op one; bus may
// be nil.
func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		log:   log.With(logx.String("service", "ratelimit")),
		bus:   bus,
		cfg:   cfg.withDefaults(),
		perTo: make(map[transport.Recipient][]time.Time),
		now:   time.Now,
	}
}

// CanSend checks the ceilings without consuming capacity.
func (l *Limiter) CanSend(to transport.Recipient) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkLocked(to, l.now())
}

// RecordSent counts a completed send against every window.
func (l *Limiter) RecordSent(to transport.Recipient) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	l.recordLocked(to, now)
}

// Reserve checks and, when allowed, records in one critical section. Under
// concurrent callers exactly the remaining capacity is admitted. The
// reservation is not returned on a failed send; the attempt still counts.
func (l *Limiter) Reserve(to transport.Recipient) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	d := l.checkLocked(to, now)
	if d.Allowed {
		l.recordLocked(to, now)
	}
	return d
}

// Apply swaps the ceilings at runtime. Window samples and queued deliveries
// are kept; the new limits take effect on the next check.
func (l *Limiter) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	changed := cfg != l.cfg
	l.cfg = cfg
	l.mu.Unlock()
	if changed {
		l.log.Info("limits updated",
			logx.Int("global_per_minute", cfg.GlobalPerMinute),
			logx.Int("global_per_hour", cfg.GlobalPerHour),
			logx.Int("per_recipient_per_minute", cfg.PerRecipientPerMinute))
	}
}

// Stats reports current window counts and queue depth.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.pruneLocked(now)
	return Stats{
		LastMinute:        countSince(l.global, now.Add(-minuteWindow)),
		LastHour:          len(l.global),
		QueueLen:          len(l.queue),
		TrackedRecipients: len(l.perTo),
	}
}

// checkLocked evaluates the ceilings in fixed order: global minute, global
// hour, recipient minute. Callers hold l.mu.
func (l *Limiter) checkLocked(to transport.Recipient, now time.Time) Decision {
	l.pruneLocked(now)

	minuteCut := now.Add(-minuteWindow)
	if countSince(l.global, minuteCut) >= l.cfg.GlobalPerMinute {
		return denied(ScopeGlobalMinute, retryAfter(oldestSince(l.global, minuteCut), minuteWindow, now))
	}
	if len(l.global) >= l.cfg.GlobalPerHour {
		return denied(ScopeGlobalHour, retryAfter(l.global[0], hourWindow, now))
	}
	if !to.IsZero() {
		if w := l.perTo[to]; len(w) >= l.cfg.PerRecipientPerMinute {
			return denied(ScopeRecipient, retryAfter(w[0], minuteWindow, now))
		}
	}
	return Decision{Allowed: true}
}

func (l *Limiter) recordLocked(to transport.Recipient, now time.Time) {
	l.global = append(l.global, now)
	if !to.IsZero() {
		l.perTo[to] = append(l.perTo[to], now)
	}
}

// pruneLocked drops samples outside their window: the global slice keeps the
// hour horizon (the minute view is derived by counting), per-recipient slices
// keep only the last minute.
func (l *Limiter) pruneLocked(now time.Time) {
	l.global = trimBefore(l.global, now.Add(-hourWindow))
	minuteCut := now.Add(-minuteWindow)
	for to, w := range l.perTo {
		w = trimBefore(w, minuteCut)
		if len(w) == 0 {
			delete(l.perTo, to)
			continue
		}
		l.perTo[to] = w
	}
}

func denied(scope Scope, wait time.Duration) Decision {
	return Decision{Scope: scope, RetryAfter: wait}
}

// retryAfter reports how long until the oldest in-window sample leaves the
// window, rounded up to whole seconds with a one-second floor.
func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	wait := window - now.Sub(oldest)
	if wait < time.Second {
		return time.Second
	}
	secs := (wait + time.Second - 1) / time.Second
	return secs * time.Second
}

// trimBefore returns the suffix of ts strictly after cutoff; ts must be
// ascending.
func trimBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func countSince(ts []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(ts) - 1; i >= 0; i-- {
		if !ts[i].After(cutoff) {
			break
		}
		n++
	}
	return n
}

func oldestSince(ts []time.Time, cutoff time.Time) time.Time {
	for _, t := range ts {
		if t.After(cutoff) {
			return t
		}
	}
	return time.Time{}
}
