package ratelimit

import (
	"context"
	"errors"
	"time"

	"courier/internal/eventbus"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// QueueEvent is the bus payload for queued and dropped deliveries.
type QueueEvent struct {
	To         string        `json:"to"`
	Scope      Scope         `json:"scope,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Age        time.Duration `json:"age,omitempty"`
	QueueLen   int           `json:"queue_len"`
	At         time.Time     `json:"at"`
}

// QueueMessage sends immediately when the ceilings allow, otherwise parks
// the delivery for the drain loop. The returned error is the send error when
// the outcome is OutcomeSent; queueing itself does not fail.
func (l *Limiter) QueueMessage(ctx context.Context, to transport.Recipient, text string, send SendFunc) (Outcome, error) {
	if send == nil {
		return OutcomeQueued, errors.New("ratelimit: nil send func")
	}

	l.mu.Lock()
	now := l.now()
	d := l.checkLocked(to, now)
	if d.Allowed {
		l.recordLocked(to, now)
		l.mu.Unlock()
		return OutcomeSent, send(ctx)
	}
	item := &queuedSend{to: to, text: text, send: send, queuedAt: now, waitHint: d.RetryAfter}
	l.queue = append(l.queue, item)
	qlen := len(l.queue)
	l.mu.Unlock()

	l.log.Info("delivery queued",
		logx.String("to", to.String()),
		logx.String("scope", string(d.Scope)),
		logx.Duration("retry_after", d.RetryAfter),
		logx.Int("queue_len", qlen))
	if l.bus != nil {
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeDeliveryQueued, Time: now, Data: QueueEvent{To: to.String(), Scope: d.Scope, RetryAfter: d.RetryAfter, QueueLen: qlen, At: now}})
	}
	return OutcomeQueued, nil
}

// ProcessQueue drains the retry queue once, in FIFO order. Only one drain
// runs at a time; overlapping calls return immediately. Deliveries older
// than MaxQueueAge are dropped, denied ones stay in place with a refreshed
// wait hint, and failed sends keep their queue position for the next cycle.
func (l *Limiter) ProcessQueue(ctx context.Context) {
	if !l.draining.CompareAndSwap(false, true) {
		l.log.Debug("drain already running, skipping")
		return
	}
	defer l.draining.Store(false)

	l.mu.Lock()
	items := append([]*queuedSend(nil), l.queue...)
	maxAge := l.cfg.MaxQueueAge
	l.mu.Unlock()
	if len(items) == 0 {
		return
	}

	var sent, kept, dropped int
	for _, it := range items {
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		if !l.queuedLocked(it) {
			l.mu.Unlock()
			continue
		}
		now := l.now()
		if age := now.Sub(it.queuedAt); age > maxAge {
			l.removeLocked(it)
			qlen := len(l.queue)
			l.mu.Unlock()
			dropped++
			l.log.Warn("queued delivery dropped, too old",
				logx.String("to", it.to.String()),
				logx.Duration("age", age))
			if l.bus != nil {
				l.bus.Publish(eventbus.Event{Type: eventbus.TypeQueueDropped, Time: now, Data: QueueEvent{To: it.to.String(), Age: age, QueueLen: qlen, At: now}})
			}
			continue
		}
		d := l.checkLocked(it.to, now)
		if !d.Allowed {
			it.waitHint = d.RetryAfter
			l.mu.Unlock()
			kept++
			continue
		}
		l.recordLocked(it.to, now)
		l.mu.Unlock()

		if err := it.send(ctx); err != nil {
			kept++
			l.log.Warn("queued delivery failed, will retry",
				logx.String("to", it.to.String()),
				logx.Err(err))
			continue
		}
		l.mu.Lock()
		l.removeLocked(it)
		l.mu.Unlock()
		sent++
	}

	if sent > 0 || dropped > 0 {
		l.log.Info("drain finished",
			logx.Int("sent", sent),
			logx.Int("kept", kept),
			logx.Int("dropped", dropped))
	}
}

// Start launches the periodic drain loop. Safe to call once; a second call
// while running is a no-op.
func (l *Limiter) Start(ctx context.Context) {
	l.stopMu.Lock()
	if l.stopCh != nil {
		l.stopMu.Unlock()
		return
	}
	stopCh := make(chan struct{})
	l.stopCh = stopCh
	l.stopMu.Unlock()

	l.mu.Lock()
	interval := l.cfg.DrainInterval
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		l.log.Debug("drain loop started", logx.Duration("interval", interval))
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				l.ProcessQueue(ctx)
			}
		}
	}()
}

// Stop halts the drain loop and waits for an in-flight drain, bounded by ctx.
func (l *Limiter) Stop(ctx context.Context) {
	l.stopMu.Lock()
	stopCh := l.stopCh
	l.stopCh = nil
	l.stopMu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (l *Limiter) queuedLocked(it *queuedSend) bool {
	for _, q := range l.queue {
		if q == it {
			return true
		}
	}
	return false
}

func (l *Limiter) removeLocked(it *queuedSend) {
	for i, q := range l.queue {
		if q == it {
			l.queue = append(l.queue[:i], l.queue[i+1:]...)
			return
		}
	}
}
