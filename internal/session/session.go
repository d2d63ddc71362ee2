// Package session supervises the transport connection. Transient faults
// trigger a restart with exponential backoff; a hard logout or an exhausted
// retry budget parks the session until a connected event clears it.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"courier/internal/eventbus"
	"courier/internal/transport"
	logx "courier/pkg/logx"
)

// ErrGaveUp is returned by Restart once the retry budget is exhausted or the
// session was logged out. Only a connected event re-arms the supervisor.
var ErrGaveUp = errors.New("session: gave up restarting")

// Phase is the supervisor's view of the connection.
type Phase string

const (
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseRestarting   Phase = "restarting"
)

// Config tunes the restart backoff. Zero values fall back to defaults.
type Config struct {
	// BaseDelay is the wait before the first restart attempt.
	BaseDelay time.Duration
	// MaxDelay caps the grown delay.
	MaxDelay time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// MaxAttempts is the retry budget until a connected event resets it.
	MaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 5 * time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = time.Minute
	}
	if c.Multiplier <= 1 {
		c.Multiplier = 1.5
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	return c
}

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	Phase       Phase     `json:"phase"`
	Restarting  bool      `json:"restarting"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastRestart time.Time `json:"last_restart,omitempty"`
	GaveUp      bool      `json:"gave_up"`
}

// StateEvent is the bus payload for session phase changes.
type StateEvent struct {
	Phase   Phase         `json:"phase"`
	Attempt int           `json:"attempt,omitempty"`
	Delay   time.Duration `json:"delay,omitempty"`
	Cause   string        `json:"cause,omitempty"`
	Reason  string        `json:"reason,omitempty"`
	At      time.Time     `json:"at"`
}

// Supervisor owns the restart decision. At most one restart runs at a time;
// triggers arriving while one is in flight are dropped.
type Supervisor struct {
	log logx.Logger
	bus eventbus.Bus
	tr  transport.Transport

	events chan transport.Event

	mu          sync.Mutex
	cfg         Config
	phase       Phase
	restarting  bool
	attempts    int
	lastRestart time.Time
	gaveUp      bool

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool
}

// New builds the supervisor. A zero logger is replaced with a no-op one; bus
// may be nil.
func New(cfg Config, tr transport.Transport, log logx.Logger, bus eventbus.Bus) *Supervisor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{
		log:    log.With(logx.String("service", "session")),
		bus:    bus,
		tr:     tr,
		events: make(chan transport.Event, 16),
		cfg:    cfg.withDefaults(),
		phase:  PhaseDisconnected,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Events returns the channel the transport publishes into. Hand it to
// Transport.Start.
func (s *Supervisor) Events() chan transport.Event { return s.events }

// Apply swaps the backoff config; the next restart attempt uses it.
func (s *Supervisor) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Status reports the current supervisor state.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Phase:       s.phase,
		Restarting:  s.restarting,
		Attempts:    s.attempts,
		MaxAttempts: s.cfg.MaxAttempts,
		LastRestart: s.lastRestart,
		GaveUp:      s.gaveUp,
	}
}

// Run consumes transport events until ctx ends or the channel closes.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, ev)
		}
	}
}

func (s *Supervisor) handleEvent(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		s.mu.Lock()
		hadAttempts := s.attempts
		s.attempts = 0
		s.gaveUp = false
		s.phase = PhaseConnected
		s.mu.Unlock()

		if hadAttempts > 0 {
			s.log.Info("session connected, retry budget reset", logx.Int("after_attempts", hadAttempts))
		} else {
			s.log.Info("session connected")
		}
		s.publish(StateEvent{Phase: PhaseConnected})

	case transport.EventDisconnected, transport.EventError:
		cause := ev.Cause
		if cause == transport.CauseUnknown && ev.Detail != "" {
			cause = transport.ClassifyText(ev.Detail)
		}

		if !cause.Transient() {
			s.mu.Lock()
			s.phase = PhaseDisconnected
			s.gaveUp = true
			s.mu.Unlock()
			s.log.Error("session logged out, re-authentication required", logx.String("detail", ev.Detail))
			s.publish(StateEvent{Phase: PhaseDisconnected, Reason: "logged_out", Cause: cause.String()})
			return
		}

		s.mu.Lock()
		if !s.restarting {
			s.phase = PhaseDisconnected
		}
		s.mu.Unlock()
		s.log.Warn("session lost", logx.String("cause", cause.String()), logx.String("detail", ev.Detail))
		go func() { _ = s.Restart(ctx, cause) }()
	}
}

// Restart stops and starts the transport after a backoff delay. It is
// single-flight: while one restart holds the latch, further calls return
// immediately. Exhausting the retry budget returns ErrGaveUp and parks the
// supervisor until a connected event.
func (s *Supervisor) Restart(ctx context.Context, cause transport.Cause) error {
	s.mu.Lock()
	if s.gaveUp {
		s.mu.Unlock()
		return ErrGaveUp
	}
	if s.restarting {
		s.mu.Unlock()
		s.log.Debug("restart already in flight, dropping trigger", logx.String("cause", cause.String()))
		return nil
	}
	cfg := s.cfg
	if s.attempts >= cfg.MaxAttempts {
		s.gaveUp = true
		s.phase = PhaseDisconnected
		s.mu.Unlock()
		s.log.Error("giving up on session restarts", logx.Int("attempts", cfg.MaxAttempts))
		s.publish(StateEvent{Phase: PhaseDisconnected, Reason: "max_attempts", Attempt: cfg.MaxAttempts})
		return ErrGaveUp
	}
	s.attempts++
	attempt := s.attempts
	s.restarting = true
	s.lastRestart = s.now()
	s.phase = PhaseRestarting
	s.mu.Unlock()

	delay := backoffDelay(cfg, attempt)
	s.log.Warn("restarting session",
		logx.Int("attempt", attempt),
		logx.Int("max", cfg.MaxAttempts),
		logx.Duration("delay", delay),
		logx.String("cause", cause.String()))
	s.publish(StateEvent{Phase: PhaseRestarting, Attempt: attempt, Delay: delay, Cause: cause.String()})

	if !s.sleep(ctx, delay) {
		s.clearRestarting()
		return ctx.Err()
	}

	if err := s.tr.Stop(ctx); err != nil {
		s.log.Warn("transport stop failed", logx.Err(err))
	}
	err := s.tr.Start(ctx, s.events)
	s.clearRestarting()
	if err != nil {
		s.log.Error("session restart failed", logx.Int("attempt", attempt), logx.Err(err))
		// No transport event will follow a failed start; chain the next
		// attempt ourselves.
		go func() { _ = s.Restart(ctx, cause) }()
		return err
	}
	s.log.Info("session restart issued", logx.Int("attempt", attempt))
	return nil
}

func (s *Supervisor) clearRestarting() {
	s.mu.Lock()
	s.restarting = false
	s.mu.Unlock()
}

func (s *Supervisor) publish(ev StateEvent) {
	if s.bus == nil {
		return
	}
	now := time.Now()
	ev.At = now
	typ := eventbus.TypeSessionRestart
	switch {
	case ev.Phase == PhaseConnected:
		typ = eventbus.TypeSessionConnected
	case ev.Reason != "":
		typ = eventbus.TypeSessionGaveUp
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: now, Data: ev})
}

// backoffDelay grows the base delay by the multiplier per attempt, capped at
// the max. Attempt numbering starts at 1.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := float64(cfg.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= cfg.Multiplier
	}
	if max := float64(cfg.MaxDelay); d > max {
		d = max
	}
	return time.Duration(d)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
